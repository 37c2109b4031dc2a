package reminder

import (
	"context"
	"fmt"
	"time"

	"progenycal/internal/model"
)

// ServiceStore is the persistence behind Service.
type ServiceStore interface {
	GetCalendarItem(ctx context.Context, eventID int64) (model.CalendarItem, error)
	GetReminder(ctx context.Context, id int64) (model.CalendarReminder, error)
	ListRemindersForUser(ctx context.Context, userID string) ([]model.CalendarReminder, error)
	CreateReminder(ctx context.Context, r model.CalendarReminder) (model.CalendarReminder, error)
	UpdateReminder(ctx context.Context, r model.CalendarReminder) error
	DeleteReminder(ctx context.Context, id int64) error
}

// Input is the user-editable part of a reminder.
type Input struct {
	EventID              int64                  `json:"eventId"`
	UserID               string                 `json:"userId"`
	NotifyTimeOffsetType model.NotifyOffsetType `json:"notifyTimeOffsetType"`
	// NotifyTime is used as-is when NotifyTimeOffsetType is custom.
	NotifyTime time.Time `json:"notifyTime"`
}

// Service is reminder CRUD restricted to the reminder's owner or an admin.
type Service struct {
	store ServiceStore
}

func NewService(store ServiceStore) *Service {
	return &Service{store: store}
}

func authorize(caller model.User, ownerID string) error {
	if caller.IsAdmin || (caller.UserID != "" && caller.UserID == ownerID) {
		return nil
	}
	return fmt.Errorf("%w: reminder belongs to another user", model.ErrUnauthorized)
}

func (s *Service) Get(ctx context.Context, caller model.User, id int64) (model.CalendarReminder, error) {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return model.CalendarReminder{}, err
	}
	if err := authorize(caller, r.UserID); err != nil {
		return model.CalendarReminder{}, err
	}
	return r, nil
}

// List returns userID's reminders; an empty userID means the caller's own.
func (s *Service) List(ctx context.Context, caller model.User, userID string) ([]model.CalendarReminder, error) {
	if userID == "" {
		userID = caller.UserID
	}
	if err := authorize(caller, userID); err != nil {
		return nil, err
	}
	return s.store.ListRemindersForUser(ctx, userID)
}

// Add creates a reminder for an event. The notify time is derived from the
// event start unless the offset type is custom, and the event's recurrence
// rule id is copied so the scheduler treats it as recurring.
func (s *Service) Add(ctx context.Context, caller model.User, in Input) (model.CalendarReminder, error) {
	if in.UserID == "" {
		in.UserID = caller.UserID
	}
	if err := authorize(caller, in.UserID); err != nil {
		return model.CalendarReminder{}, err
	}
	event, err := s.store.GetCalendarItem(ctx, in.EventID)
	if err != nil {
		return model.CalendarReminder{}, err
	}
	notifyAt, err := notifyTime(event, in)
	if err != nil {
		return model.CalendarReminder{}, err
	}

	return s.store.CreateReminder(ctx, model.CalendarReminder{
		EventID:              event.EventID,
		UserID:               in.UserID,
		NotifyTimeOffsetType: in.NotifyTimeOffsetType,
		NotifyTime:           notifyAt,
		RecurrenceRuleID:     event.RecurrenceRuleID,
	})
}

// Update changes the offset or custom time. A moved notify time re-arms a
// one-shot reminder; NotifiedDate is kept so the cooldown still applies.
func (s *Service) Update(ctx context.Context, caller model.User, id int64, in Input) (model.CalendarReminder, error) {
	r, err := s.Get(ctx, caller, id)
	if err != nil {
		return model.CalendarReminder{}, err
	}
	event, err := s.store.GetCalendarItem(ctx, r.EventID)
	if err != nil {
		return model.CalendarReminder{}, err
	}
	notifyAt, err := notifyTime(event, in)
	if err != nil {
		return model.CalendarReminder{}, err
	}

	if !notifyAt.Equal(r.NotifyTime) {
		r.Notified = false
	}
	r.NotifyTimeOffsetType = in.NotifyTimeOffsetType
	r.NotifyTime = notifyAt
	r.RecurrenceRuleID = event.RecurrenceRuleID

	if err := s.store.UpdateReminder(ctx, r); err != nil {
		return model.CalendarReminder{}, err
	}
	return r, nil
}

func (s *Service) Delete(ctx context.Context, caller model.User, id int64) error {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return err
	}
	return s.store.DeleteReminder(ctx, id)
}

func notifyTime(event model.CalendarItem, in Input) (time.Time, error) {
	if offset, ok := in.NotifyTimeOffsetType.Offset(); ok {
		if event.StartTime == nil {
			return time.Time{}, fmt.Errorf("%w: event %d has no start time", model.ErrValidation, event.EventID)
		}
		return event.StartTime.Add(-offset).UTC(), nil
	}
	if in.NotifyTime.IsZero() {
		return time.Time{}, fmt.Errorf("%w: custom reminder needs a notify time", model.ErrValidation)
	}
	return in.NotifyTime.UTC(), nil
}
