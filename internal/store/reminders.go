package store

import (
	"context"
	"fmt"
	"time"

	"progenycal/internal/model"
)

const reminderColumns = `id, event_id, user_id, notify_time_offset_type, notify_time_ms,
	notified, notified_date_ms, recurrence_rule_id`

func scanReminder(row rowScanner) (model.CalendarReminder, error) {
	var (
		r                    model.CalendarReminder
		offsetType           int
		notifyMs, notifiedMs int64
	)
	err := row.Scan(&r.ID, &r.EventID, &r.UserID, &offsetType, &notifyMs,
		&r.Notified, &notifiedMs, &r.RecurrenceRuleID)
	if err != nil {
		return model.CalendarReminder{}, err
	}
	r.NotifyTimeOffsetType = model.NotifyOffsetType(offsetType)
	r.NotifyTime = fromMillis(notifyMs)
	r.NotifiedDate = fromMillis(notifiedMs)
	return r, nil
}

func (s *Store) queryReminders(ctx context.Context, where string, args ...any) ([]model.CalendarReminder, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+reminderColumns+` FROM calendar_reminders `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	out := make([]model.CalendarReminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CreateReminder(ctx context.Context, r model.CalendarReminder) (model.CalendarReminder, error) {
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO calendar_reminders (event_id, user_id, notify_time_offset_type, notify_time_ms,
			notified, notified_date_ms, recurrence_rule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		r.EventID, r.UserID, int(r.NotifyTimeOffsetType), toMillis(r.NotifyTime),
		r.Notified, toMillis(r.NotifiedDate), r.RecurrenceRuleID,
	).Scan(&r.ID)
	if err != nil {
		return model.CalendarReminder{}, fmt.Errorf("insert reminder: %w", err)
	}
	return r, nil
}

func (s *Store) GetReminder(ctx context.Context, id int64) (model.CalendarReminder, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+reminderColumns+` FROM calendar_reminders WHERE id = ?`), id))
	if err != nil {
		return model.CalendarReminder{}, notFound(err, "reminder", id)
	}
	return r, nil
}

func (s *Store) UpdateReminder(ctx context.Context, r model.CalendarReminder) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE calendar_reminders SET event_id = ?, user_id = ?, notify_time_offset_type = ?,
			notify_time_ms = ?, notified = ?, notified_date_ms = ?, recurrence_rule_id = ?
		WHERE id = ?`),
		r.EventID, r.UserID, int(r.NotifyTimeOffsetType), toMillis(r.NotifyTime),
		r.Notified, toMillis(r.NotifiedDate), r.RecurrenceRuleID, r.ID)
	if err != nil {
		return fmt.Errorf("update reminder %d: %w", r.ID, err)
	}
	return expectAffected(res, "reminder", r.ID)
}

func (s *Store) DeleteReminder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM calendar_reminders WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete reminder %d: %w", id, err)
	}
	return expectAffected(res, "reminder", id)
}

func (s *Store) ListRemindersForUser(ctx context.Context, userID string) ([]model.CalendarReminder, error) {
	return s.queryReminders(ctx, "WHERE user_id = ? ORDER BY notify_time_ms, id", userID)
}

func (s *Store) ListRemindersForEvent(ctx context.Context, eventID int64) ([]model.CalendarReminder, error) {
	return s.queryReminders(ctx, "WHERE event_id = ? ORDER BY notify_time_ms, id", eventID)
}

// ListRecurringReminders returns every reminder tied to a recurrence rule.
func (s *Store) ListRecurringReminders(ctx context.Context) ([]model.CalendarReminder, error) {
	return s.queryReminders(ctx, "WHERE recurrence_rule_id > 0 ORDER BY id")
}

// ListDueOneShotReminders returns unsent reminders of non-recurring events
// whose notify time is before now.
func (s *Store) ListDueOneShotReminders(ctx context.Context, now time.Time) ([]model.CalendarReminder, error) {
	return s.queryReminders(ctx, `
		WHERE notify_time_ms < ? AND notified = ? AND recurrence_rule_id = 0
		ORDER BY notify_time_ms, id`, now.UnixMilli(), false)
}

// ClaimReminder marks the reminder notified at now, but only if its
// notified date still equals prev. It returns false when another sweep got
// there first.
func (s *Store) ClaimReminder(ctx context.Context, id int64, prev, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE calendar_reminders SET notified = ?, notified_date_ms = ?
		WHERE id = ? AND notified_date_ms = ?`),
		true, now.UnixMilli(), id, toMillis(prev))
	if err != nil {
		return false, fmt.Errorf("claim reminder %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseReminder restores the notified state captured in prev, undoing a
// claim whose delivery failed.
func (s *Store) ReleaseReminder(ctx context.Context, prev model.CalendarReminder) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE calendar_reminders SET notified = ?, notified_date_ms = ? WHERE id = ?`),
		prev.Notified, toMillis(prev.NotifiedDate), prev.ID)
	if err != nil {
		return fmt.Errorf("release reminder %d: %w", prev.ID, err)
	}
	return nil
}
