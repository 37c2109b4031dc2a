package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
)

const (
	DefaultCatchUp  = 6 * time.Hour
	DefaultCooldown = 24 * time.Hour
)

// ErrSweepInProgress is returned when Sweep is called while another sweep on
// the same Scheduler is still running.
var ErrSweepInProgress = errors.New("reminder sweep already in progress")

// Store is the persistence the scheduler needs.
type Store interface {
	ListDueOneShotReminders(ctx context.Context, now time.Time) ([]model.CalendarReminder, error)
	ListRecurringReminders(ctx context.Context) ([]model.CalendarReminder, error)
	GetCalendarItem(ctx context.Context, eventID int64) (model.CalendarItem, error)
	GetRecurrenceRule(ctx context.Context, id int64) (model.RecurrenceRule, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	GetProgeny(ctx context.Context, id int64) (model.Progeny, error)
	ClaimReminder(ctx context.Context, id int64, prev, now time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, prev model.CalendarReminder) error
}

type Mailer interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

type Pusher interface {
	SendPush(ctx context.Context, userID, title, body, link, collapseKey string) error
}

// Config tunes the scheduler. Zero durations fall back to the defaults.
type Config struct {
	// CatchUp is how far in the past a trigger may lie and still fire.
	CatchUp time.Duration
	// Cooldown is the minimum gap between two sends of one reminder.
	Cooldown time.Duration
	// BaseURL prefixes the calendar link in messages.
	BaseURL string
	// Location formats times for users without a timezone.
	Location *time.Location
}

// SweepResult summarizes one pass over the reminders.
type SweepResult struct {
	RunID   string
	Checked int
	Sent    int
	Skipped int
	Failed  int
}

// Scheduler decides which reminders are due and delivers them.
type Scheduler struct {
	store  Store
	mailer Mailer
	pusher Pusher
	cfg    Config
	now    func() time.Time

	running sync.Mutex
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(store Store, mailer Mailer, pusher Pusher, cfg Config, opts ...Option) *Scheduler {
	if cfg.CatchUp <= 0 {
		cfg.CatchUp = DefaultCatchUp
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Scheduler{store: store, mailer: mailer, pusher: pusher, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep delivers every due one-shot reminder and every recurring reminder
// whose next instance is inside its trigger window. Per-reminder problems
// are logged and counted; only listing failures and cancellation abort it.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.running.TryLock() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	now := s.now().UTC()
	res := SweepResult{RunID: uuid.NewString()}
	started := time.Now()

	oneShot, err := s.DueOneShotReminders(ctx, now)
	if err != nil {
		return res, err
	}
	for _, r := range oneShot {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		s.sweepOneShot(ctx, r, now, &res)
	}

	recurring, err := s.store.ListRecurringReminders(ctx)
	if err != nil {
		return res, fmt.Errorf("list recurring reminders: %w", err)
	}
	for _, r := range recurring {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++
		s.sweepRecurring(ctx, r, now, &res)
	}

	appLog.Info("reminder sweep finished",
		"run_id", res.RunID,
		"checked", res.Checked,
		"sent", res.Sent,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"took", time.Since(started).String(),
	)
	return res, nil
}

// DueOneShotReminders returns the unsent reminders of non-recurring events
// whose notify time has passed.
func (s *Scheduler) DueOneShotReminders(ctx context.Context, now time.Time) ([]model.CalendarReminder, error) {
	rows, err := s.store.ListDueOneShotReminders(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	out := rows[:0]
	for _, r := range rows {
		if r.RecurrenceRuleID == 0 && !r.Notified && r.NotifyTime.Before(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Scheduler) sweepOneShot(ctx context.Context, r model.CalendarReminder, now time.Time, res *SweepResult) {
	item, err := s.store.GetCalendarItem(ctx, r.EventID)
	if err != nil {
		s.skip(r, "event", err, res)
		return
	}
	s.deliver(ctx, r, item, now, res)
}

func (s *Scheduler) sweepRecurring(ctx context.Context, r model.CalendarReminder, now time.Time, res *SweepResult) {
	anchor, err := s.store.GetCalendarItem(ctx, r.EventID)
	if err != nil {
		s.skip(r, "event", err, res)
		return
	}
	rule, err := s.store.GetRecurrenceRule(ctx, r.RecurrenceRuleID)
	if err != nil {
		s.skip(r, "recurrence rule", err, res)
		return
	}
	if !anchor.HasTimes() {
		s.skip(r, "event times", model.ErrNotFound, res)
		return
	}

	inst, ok := FindDueInstance(r, anchor, rule, now, s.cfg.CatchUp, s.cfg.Cooldown).Get()
	if !ok {
		return
	}
	s.deliver(ctx, r, inst, now, res)
}

// FindDueInstance returns the instance of anchor's series whose trigger time
// (instance start minus the reminder's offset) lies in (now-catchUp, now),
// provided the reminder is outside its cooldown. When several qualify the
// latest wins, so a reminder fires at most once per call.
func FindDueInstance(r model.CalendarReminder, anchor model.CalendarItem, rule model.RecurrenceRule,
	now time.Time, catchUp, cooldown time.Duration,
) mo.Option[model.CalendarItem] {
	if !anchor.HasTimes() || !rule.Recurring() {
		return mo.None[model.CalendarItem]()
	}
	if !r.NotifiedDate.IsZero() && now.Sub(r.NotifiedDate) < cooldown {
		return mo.None[model.CalendarItem]()
	}

	offset := anchor.StartTime.Sub(r.NotifyTime)
	span := offset
	if span < 0 {
		span = -span
	}

	instances := recurrence.Expand(mo.Some(rule), anchor, recurrence.ExpandConfig{
		RangeStart:      now.Add(-span - catchUp),
		RangeEnd:        now.Add(span),
		IncludeOriginal: true,
	})

	due := mo.None[model.CalendarItem]()
	for _, inst := range instances {
		trigger := inst.StartTime.Add(-offset)
		if trigger.Before(now) && trigger.After(now.Add(-catchUp)) {
			due = mo.Some(inst)
		}
	}
	return due
}

// deliver claims the reminder, then sends email and push. A failed email
// releases the claim so the next sweep retries; push is best effort.
func (s *Scheduler) deliver(ctx context.Context, r model.CalendarReminder, item model.CalendarItem, now time.Time, res *SweepResult) {
	user, err := s.store.GetUser(ctx, r.UserID)
	if err != nil {
		s.skip(r, "user", err, res)
		return
	}
	progeny, err := s.store.GetProgeny(ctx, item.ProgenyID)
	if err != nil {
		s.skip(r, "progeny", err, res)
		return
	}

	msg, err := composeMessage(r, item, user, progeny, s.cfg.BaseURL, s.location(user))
	if err != nil {
		res.Failed++
		appLog.Error("reminder: compose message", err, "reminder_id", r.ID)
		return
	}

	claimed, err := s.store.ClaimReminder(ctx, r.ID, r.NotifiedDate, now)
	if err != nil {
		res.Failed++
		appLog.Error("reminder: claim", err, "reminder_id", r.ID)
		return
	}
	if !claimed {
		res.Skipped++
		appLog.Debug("reminder: already claimed by another sweep", "reminder_id", r.ID)
		return
	}

	if err := s.mailer.SendEmail(ctx, user.Email, msg.Subject, msg.HTML); err != nil {
		res.Failed++
		appLog.Error("reminder: send email", err, "reminder_id", r.ID, "user_id", r.UserID)
		if relErr := s.store.ReleaseReminder(ctx, r); relErr != nil {
			appLog.Error("reminder: release claim", relErr, "reminder_id", r.ID)
		}
		return
	}
	if err := s.pusher.SendPush(ctx, user.UserID, msg.PushTitle, msg.PushBody, msg.Link, msg.CollapseKey); err != nil {
		appLog.Error("reminder: send push", err, "reminder_id", r.ID, "user_id", r.UserID)
	}

	res.Sent++
	appLog.Info("reminder sent",
		"reminder_id", r.ID,
		"event_id", item.EventID,
		"user_id", r.UserID,
		"instance_start", item.StartTime.Format(time.RFC3339),
	)
}

func (s *Scheduler) skip(r model.CalendarReminder, what string, err error, res *SweepResult) {
	if errors.Is(err, model.ErrNotFound) {
		res.Skipped++
		appLog.Debug("reminder: skipped, missing "+what, "reminder_id", r.ID, "event_id", r.EventID)
		return
	}
	res.Failed++
	appLog.Error("reminder: load "+what, err, "reminder_id", r.ID, "event_id", r.EventID)
}

func (s *Scheduler) location(u model.User) *time.Location {
	if u.TimeZone == "" {
		return s.cfg.Location
	}
	return u.Location()
}
