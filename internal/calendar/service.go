// Package calendar is the read and write path for a progeny's calendar items.
// Reads expand recurring anchors into their instances; writes keep each
// anchor's recurrence rule in step with the item.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
)

// Store is the persistence behind Service.
type Store interface {
	ListCalendarItems(ctx context.Context, progenyID int64) ([]model.CalendarItem, error)
	GetCalendarItem(ctx context.Context, eventID int64) (model.CalendarItem, error)
	CreateCalendarItem(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error)
	UpdateCalendarItem(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error)
	DeleteCalendarItem(ctx context.Context, eventID int64) error
}

type cacheKey struct {
	progenyID  int64
	start, end int64
}

// eventsCache holds one expanded Events response and when it was built.
type eventsCache struct {
	items     []model.CalendarItem
	updatedAt time.Time
}

// Service expands and edits calendar items. Expanded reads are cached for
// a short TTL per (progeny, window); any write for the progeny drops them,
// and expired entries are pruned whenever a new one is stored.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	loc   *time.Location

	mu    sync.RWMutex
	cache map[cacheKey]*eventsCache
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the zone given to event times that arrive with only a
// numeric offset. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService returns a Service. A zero ttl disables the events cache.
func NewService(store Store, ttl time.Duration, opts ...Option) *Service {
	s := &Service{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		loc:   time.UTC,
		cache: make(map[cacheKey]*eventsCache),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the items of progenyID whose start falls between start and
// the end of end's day, recurring anchors expanded into their instances and
// everything sorted by start. An inverted window yields no items.
func (s *Service) Events(ctx context.Context, progenyID int64, start, end time.Time) ([]model.CalendarItem, error) {
	rangeEnd := recurrence.EndOfDay(end)
	if rangeEnd.Before(start) {
		return []model.CalendarItem{}, nil
	}

	key := cacheKey{progenyID: progenyID, start: start.Unix(), end: rangeEnd.Unix()}
	if s.ttl > 0 {
		s.mu.RLock()
		ec := s.cache[key]
		s.mu.RUnlock()
		if ec != nil && s.now().Sub(ec.updatedAt) < s.ttl {
			return ec.items, nil
		}
	}

	anchors, err := s.store.ListCalendarItems(ctx, progenyID)
	if err != nil {
		return nil, fmt.Errorf("list calendar items: %w", err)
	}
	items := recurrence.ExpandItems(anchors, recurrence.ExpandConfig{
		RangeStart: start,
		RangeEnd:   rangeEnd,
	})

	appLog.Debug("calendar events expanded",
		"progeny_id", progenyID,
		"range_start", start.Format(time.RFC3339),
		"range_end", rangeEnd.Format(time.RFC3339),
		"anchors", len(anchors),
		"items", len(items),
	)

	if s.ttl > 0 {
		now := s.now()
		s.mu.Lock()
		for k, ec := range s.cache {
			if now.Sub(ec.updatedAt) >= s.ttl {
				delete(s.cache, k)
			}
		}
		s.cache[key] = &eventsCache{items: items, updatedAt: now}
		s.mu.Unlock()
	}
	return items, nil
}

// Items returns the persisted anchors of progenyID without expansion.
func (s *Service) Items(ctx context.Context, progenyID int64) ([]model.CalendarItem, error) {
	return s.store.ListCalendarItems(ctx, progenyID)
}

func (s *Service) Event(ctx context.Context, eventID int64) (model.CalendarItem, error) {
	return s.store.GetCalendarItem(ctx, eventID)
}

// AddEvent persists item and, when it recurs, its rule anchored at the
// item's start.
func (s *Service) AddEvent(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error) {
	item, err := prepare(InZone(item, s.loc))
	if err != nil {
		return model.CalendarItem{}, err
	}
	created, err := s.store.CreateCalendarItem(ctx, item)
	if err != nil {
		return model.CalendarItem{}, err
	}
	s.invalidate(created.ProgenyID)
	appLog.Info("calendar event added", "event_id", created.EventID, "progeny_id", created.ProgenyID,
		"recurring", created.RecurrenceRuleID != 0)
	return created, nil
}

// UpdateEvent replaces the item. Its rule is created, updated or removed to
// match item.Recurrence.
func (s *Service) UpdateEvent(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error) {
	existing, err := s.store.GetCalendarItem(ctx, item.EventID)
	if err != nil {
		return model.CalendarItem{}, err
	}
	if item.ProgenyID == 0 {
		item.ProgenyID = existing.ProgenyID
	}
	item, err = prepare(InZone(item, s.loc))
	if err != nil {
		return model.CalendarItem{}, err
	}
	updated, err := s.store.UpdateCalendarItem(ctx, item)
	if err != nil {
		return model.CalendarItem{}, err
	}
	s.invalidate(existing.ProgenyID)
	s.invalidate(updated.ProgenyID)
	appLog.Info("calendar event updated", "event_id", updated.EventID, "progeny_id", updated.ProgenyID,
		"recurring", updated.RecurrenceRuleID != 0)
	return updated, nil
}

// DeleteEvent removes the item together with its rule and reminders.
func (s *Service) DeleteEvent(ctx context.Context, eventID int64) error {
	existing, err := s.store.GetCalendarItem(ctx, eventID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCalendarItem(ctx, eventID); err != nil {
		return err
	}
	s.invalidate(existing.ProgenyID)
	appLog.Info("calendar event deleted", "event_id", eventID, "progeny_id", existing.ProgenyID)
	return nil
}

func (s *Service) invalidate(progenyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.progenyID == progenyID {
			delete(s.cache, k)
		}
	}
}

// InZone moves item's times into loc when they carry no zone name, as
// times decoded from RFC 3339 offsets do. Recurrence expands in the
// anchor's zone, so a bare offset would pin weekdays and wall-clock times
// to a zone without DST rules.
func InZone(item model.CalendarItem, loc *time.Location) model.CalendarItem {
	item.StartTime = namedZone(item.StartTime, loc)
	item.EndTime = namedZone(item.EndTime, loc)
	return item
}

func namedZone(t *time.Time, loc *time.Location) *time.Time {
	if t == nil || loc == nil {
		return t
	}
	switch t.Location().String() {
	case "", "Local":
		in := t.In(loc)
		return &in
	}
	return t
}

// prepare validates item and anchors its rule. A rule with FrequencyNone is
// dropped so the store removes any existing one.
func prepare(item model.CalendarItem) (model.CalendarItem, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return item, fmt.Errorf("%w: title is required", model.ErrValidation)
	}
	if item.ProgenyID == 0 {
		return item, fmt.Errorf("%w: progeny id is required", model.ErrValidation)
	}
	if (item.StartTime == nil) != (item.EndTime == nil) {
		return item, fmt.Errorf("%w: start and end time must be set together", model.ErrValidation)
	}
	if item.HasTimes() && item.EndTime.Before(*item.StartTime) {
		return item, fmt.Errorf("%w: end time is before start time", model.ErrValidation)
	}

	rule, ok := item.Recurrence.Get()
	if !ok {
		return item, nil
	}
	if !rule.Recurring() {
		item.Recurrence = mo.None[model.RecurrenceRule]()
		return item, nil
	}
	if err := rule.Validate(); err != nil {
		return item, err
	}
	if !item.HasTimes() {
		return item, fmt.Errorf("%w: a recurring event needs start and end times", model.ErrValidation)
	}
	rule.ProgenyID = item.ProgenyID
	rule.Start = *item.StartTime
	item.Recurrence = mo.Some(rule)
	return item, nil
}
