package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/samber/mo"

	"progenycal/internal/model"
)

const itemSelect = `
	SELECT i.event_id, i.progeny_id, i.title, i.notes, i.location, i.context, i.author,
	       i.access_level, i.all_day, i.start_ms, i.end_ms, i.time_zone, i.recurrence_rule_id,
	       r.id, r.frequency, r.repeat_interval, r.start_ms, r.end_option, r.until_ms,
	       r.occurrence_count, r.by_day, r.by_month_day, r.by_month
	FROM calendar_items i
	LEFT JOIN recurrence_rules r ON r.id = i.recurrence_rule_id`

const ruleColumns = `id, progeny_id, frequency, repeat_interval, start_ms, end_option,
	until_ms, occurrence_count, by_day, by_month_day, by_month`

func scanItem(row rowScanner) (model.CalendarItem, error) {
	var (
		it               model.CalendarItem
		startMs, endMs   sql.NullInt64
		timeZone         string
		ruleID, freq     sql.NullInt64
		interval, endOpt sql.NullInt64
		ruleStart, until sql.NullInt64
		count            sql.NullInt64
		byDay, byMDay    sql.NullString
		byMonth          sql.NullString
	)
	err := row.Scan(
		&it.EventID, &it.ProgenyID, &it.Title, &it.Notes, &it.Location, &it.Context, &it.Author,
		&it.AccessLevel, &it.AllDay, &startMs, &endMs, &timeZone, &it.RecurrenceRuleID,
		&ruleID, &freq, &interval, &ruleStart, &endOpt, &until,
		&count, &byDay, &byMDay, &byMonth,
	)
	if err != nil {
		return model.CalendarItem{}, err
	}

	loc := loadLocation(timeZone)
	it.StartTime = timePtr(startMs, loc)
	it.EndTime = timePtr(endMs, loc)

	if ruleID.Valid {
		it.Recurrence = mo.Some(model.RecurrenceRule{
			ID:         ruleID.Int64,
			ProgenyID:  it.ProgenyID,
			Frequency:  model.Frequency(freq.Int64),
			Interval:   int(interval.Int64),
			Start:      fromMillis(ruleStart.Int64).In(loc),
			EndOption:  model.EndOption(endOpt.Int64),
			Until:      fromMillis(until.Int64),
			Count:      int(count.Int64),
			ByDay:      byDay.String,
			ByMonthDay: byMDay.String,
			ByMonth:    byMonth.String,
		})
	}
	return it, nil
}

func scanRule(row rowScanner) (model.RecurrenceRule, error) {
	var (
		r                model.RecurrenceRule
		freq, endOpt     int
		startMs, untilMs int64
	)
	err := row.Scan(&r.ID, &r.ProgenyID, &freq, &r.Interval, &startMs, &endOpt,
		&untilMs, &r.Count, &r.ByDay, &r.ByMonthDay, &r.ByMonth)
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	r.Frequency = model.Frequency(freq)
	r.EndOption = model.EndOption(endOpt)
	r.Start = fromMillis(startMs)
	r.Until = fromMillis(untilMs)
	return r, nil
}

func (s *Store) queryItems(ctx context.Context, where string, args ...any) ([]model.CalendarItem, error) {
	rows, err := s.db.QueryContext(ctx, s.q(itemSelect+" "+where), args...)
	if err != nil {
		return nil, fmt.Errorf("query calendar items: %w", err)
	}
	defer rows.Close()

	items := make([]model.CalendarItem, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CreateCalendarItem inserts item and, when it recurs, its rule. The rule's
// Start is taken from the item's start time.
func (s *Store) CreateCalendarItem(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error) {
	if item.ProgenyID == 0 {
		return model.CalendarItem{}, fmt.Errorf("%w: progeny id is required", model.ErrValidation)
	}
	rule, recurring := item.Rule().Get()
	if recurring && item.StartTime == nil {
		return model.CalendarItem{}, fmt.Errorf("%w: recurring item needs a start time", model.ErrValidation)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		item.RecurrenceRuleID = 0
		item.Recurrence = mo.None[model.RecurrenceRule]()
		if recurring {
			rule.ProgenyID = item.ProgenyID
			rule.Start = *item.StartTime
			id, err := s.insertRule(ctx, tx, rule)
			if err != nil {
				return err
			}
			rule.ID = id
			item.RecurrenceRuleID = id
			item.Recurrence = mo.Some(rule)
		}

		return tx.QueryRowContext(ctx, s.q(`
			INSERT INTO calendar_items (progeny_id, title, notes, location, context, author,
				access_level, all_day, start_ms, end_ms, time_zone, recurrence_rule_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING event_id`),
			item.ProgenyID, item.Title, item.Notes, item.Location, item.Context, item.Author,
			item.AccessLevel, item.AllDay, nullMillis(item.StartTime), nullMillis(item.EndTime),
			zoneName(item), item.RecurrenceRuleID,
		).Scan(&item.EventID)
	})
	if err != nil {
		return model.CalendarItem{}, fmt.Errorf("create calendar item: %w", err)
	}
	return item, nil
}

// UpdateCalendarItem rewrites item and keeps its rule in step: a rule is
// created, updated or deleted to match item.Recurrence, and the event's
// reminders follow the rule id.
func (s *Store) UpdateCalendarItem(ctx context.Context, item model.CalendarItem) (model.CalendarItem, error) {
	rule, recurring := item.Rule().Get()
	if recurring && item.StartTime == nil {
		return model.CalendarItem{}, fmt.Errorf("%w: recurring item needs a start time", model.ErrValidation)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			existingRuleID int64
			existingStart  sql.NullInt64
		)
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT recurrence_rule_id, start_ms FROM calendar_items WHERE event_id = ?`), item.EventID).
			Scan(&existingRuleID, &existingStart)
		if err != nil {
			return notFound(err, "calendar item", item.EventID)
		}

		switch {
		case recurring && existingRuleID > 0:
			rule.ID = existingRuleID
			rule.ProgenyID = item.ProgenyID
			rule.Start = *item.StartTime
			if err := s.updateRule(ctx, tx, rule); err != nil {
				return err
			}
		case recurring:
			rule.ProgenyID = item.ProgenyID
			rule.Start = *item.StartTime
			id, err := s.insertRule(ctx, tx, rule)
			if err != nil {
				return err
			}
			rule.ID = id
		case existingRuleID > 0:
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM recurrence_rules WHERE id = ?`), existingRuleID); err != nil {
				return fmt.Errorf("delete recurrence rule %d: %w", existingRuleID, err)
			}
		}

		if recurring {
			item.RecurrenceRuleID = rule.ID
			item.Recurrence = mo.Some(rule)
		} else {
			item.RecurrenceRuleID = 0
			item.Recurrence = mo.None[model.RecurrenceRule]()
		}

		if item.RecurrenceRuleID != existingRuleID {
			if _, err := tx.ExecContext(ctx, s.q(`
				UPDATE calendar_reminders SET recurrence_rule_id = ? WHERE event_id = ?`),
				item.RecurrenceRuleID, item.EventID); err != nil {
				return fmt.Errorf("relink reminders: %w", err)
			}
		}

		if existingStart.Valid && item.StartTime != nil && existingStart.Int64 != toMillis(*item.StartTime) {
			if err := s.moveReminders(ctx, tx, item.EventID, existingStart.Int64, toMillis(*item.StartTime)); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE calendar_items SET progeny_id = ?, title = ?, notes = ?, location = ?, context = ?,
				author = ?, access_level = ?, all_day = ?, start_ms = ?, end_ms = ?, time_zone = ?,
				recurrence_rule_id = ?
			WHERE event_id = ?`),
			item.ProgenyID, item.Title, item.Notes, item.Location, item.Context,
			item.Author, item.AccessLevel, item.AllDay, nullMillis(item.StartTime), nullMillis(item.EndTime),
			zoneName(item), item.RecurrenceRuleID, item.EventID)
		return err
	})
	if err != nil {
		return model.CalendarItem{}, fmt.Errorf("update calendar item: %w", err)
	}
	return item, nil
}

// DeleteCalendarItem removes the item together with its rule and reminders.
func (s *Store) DeleteCalendarItem(ctx context.Context, eventID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var ruleID int64
		err := tx.QueryRowContext(ctx, s.q(`
			SELECT recurrence_rule_id FROM calendar_items WHERE event_id = ?`), eventID).Scan(&ruleID)
		if err != nil {
			return notFound(err, "calendar item", eventID)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM calendar_items WHERE event_id = ?`), eventID); err != nil {
			return err
		}
		if ruleID > 0 {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM recurrence_rules WHERE id = ?`), ruleID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM calendar_reminders WHERE event_id = ?`), eventID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete calendar item: %w", err)
	}
	return nil
}

func (s *Store) GetCalendarItem(ctx context.Context, eventID int64) (model.CalendarItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.q(itemSelect+" WHERE i.event_id = ?"), eventID))
	if err != nil {
		return model.CalendarItem{}, notFound(err, "calendar item", eventID)
	}
	return it, nil
}

// GetCalendarItemByRule loads the anchor item that owns ruleID.
func (s *Store) GetCalendarItemByRule(ctx context.Context, progenyID, ruleID int64) (model.CalendarItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, s.q(itemSelect+`
		WHERE i.progeny_id = ? AND i.recurrence_rule_id = ?`), progenyID, ruleID))
	if err != nil {
		return model.CalendarItem{}, notFound(err, "calendar item for rule", ruleID)
	}
	return it, nil
}

// ListCalendarItems returns every anchor item of a progeny, rules attached.
func (s *Store) ListCalendarItems(ctx context.Context, progenyID int64) ([]model.CalendarItem, error) {
	return s.queryItems(ctx, "WHERE i.progeny_id = ? ORDER BY i.start_ms, i.event_id", progenyID)
}

func (s *Store) GetRecurrenceRule(ctx context.Context, id int64) (model.RecurrenceRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, s.q(`
		SELECT `+ruleColumns+` FROM recurrence_rules WHERE id = ?`), id))
	if err != nil {
		return model.RecurrenceRule{}, notFound(err, "recurrence rule", id)
	}
	return r, nil
}

func (s *Store) ListRecurrenceRules(ctx context.Context, progenyID int64) ([]model.RecurrenceRule, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+ruleColumns+` FROM recurrence_rules WHERE progeny_id = ? ORDER BY id`), progenyID)
	if err != nil {
		return nil, fmt.Errorf("query recurrence rules: %w", err)
	}
	defer rows.Close()

	rules := make([]model.RecurrenceRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurrence rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *Store) insertRule(ctx context.Context, tx queryer, r model.RecurrenceRule) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`
		INSERT INTO recurrence_rules (progeny_id, frequency, repeat_interval, start_ms, end_option,
			until_ms, occurrence_count, by_day, by_month_day, by_month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		r.ProgenyID, int(r.Frequency), r.Interval, toMillis(r.Start), int(r.EndOption),
		toMillis(r.Until), r.Count, r.ByDay, r.ByMonthDay, r.ByMonth,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert recurrence rule: %w", err)
	}
	return id, nil
}

func (s *Store) updateRule(ctx context.Context, tx queryer, r model.RecurrenceRule) error {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE recurrence_rules SET progeny_id = ?, frequency = ?, repeat_interval = ?, start_ms = ?,
			end_option = ?, until_ms = ?, occurrence_count = ?, by_day = ?, by_month_day = ?, by_month = ?
		WHERE id = ?`),
		r.ProgenyID, int(r.Frequency), r.Interval, toMillis(r.Start),
		int(r.EndOption), toMillis(r.Until), r.Count, r.ByDay, r.ByMonthDay, r.ByMonth, r.ID)
	if err != nil {
		return fmt.Errorf("update recurrence rule %d: %w", r.ID, err)
	}
	return expectAffected(res, "recurrence rule", r.ID)
}

// moveReminders keeps the event's reminders at the same distance from its
// start: preset offsets are recomputed from the new start, custom times
// shift by the same delta.
func (s *Store) moveReminders(ctx context.Context, tx queryer, eventID, oldStartMs, newStartMs int64) error {
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE calendar_reminders SET notify_time_ms = CAST(? AS BIGINT) - notify_time_offset_type * 60000
		WHERE event_id = ? AND notify_time_offset_type > 0`),
		newStartMs, eventID); err != nil {
		return fmt.Errorf("move preset reminders of event %d: %w", eventID, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE calendar_reminders SET notify_time_ms = notify_time_ms + ?
		WHERE event_id = ? AND notify_time_offset_type = 0`),
		newStartMs-oldStartMs, eventID); err != nil {
		return fmt.Errorf("move custom reminders of event %d: %w", eventID, err)
	}
	return nil
}

func zoneName(item model.CalendarItem) string {
	if item.StartTime == nil {
		return ""
	}
	return item.StartTime.Location().String()
}
