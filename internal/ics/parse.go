package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time // RECURRENCE-ID, set on overrides of one instance
}

// IsOverride reports whether the event replaces a single instance of a
// recurring series.
func (e ParsedEvent) IsOverride() bool {
	return e.RecurrenceID != nil
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - TZID parameters are resolved by the underlying library; floating
//     times (no TZID, no Z) are read in loc.
//   - DTSTART values without a time part mark the event as all-day.
//   - RRULE, EXDATE and RECURRENCE-ID are recorded, not expanded.
func ParseICS(src Source, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, fmt.Errorf("parse ics %s: %w", src.ID, err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("event %s: missing DTSTART", out.UID)
	}
	out.AllDay = isDateValue(dtStart)

	var err error
	if out.AllDay {
		out.Start, err = ve.GetAllDayStartAt()
	} else {
		out.Start, err = ve.GetStartAt()
	}
	if err != nil {
		return out, fmt.Errorf("event %s: DTSTART: %w", out.UID, err)
	}
	out.Start = inLocation(out.Start, dtStart, loc)

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if out.AllDay {
			out.End, err = ve.GetAllDayEndAt()
		} else {
			out.End, err = ve.GetEndAt()
		}
		if err != nil {
			return out, fmt.Errorf("event %s: DTEND: %w", out.UID, err)
		}
		out.End = inLocation(out.End, dtEnd, loc)
	}
	if out.End.IsZero() || out.End.Before(out.Start) {
		out.End = out.Start
		if out.AllDay {
			out.End = out.Start.AddDate(0, 0, 1)
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value, out.Start.Location()); err == nil {
			out.RecurrenceID = &t
		}
	}

	return out, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// inLocation re-reads a floating time's wall clock in loc. Times carrying a
// TZID or a UTC marker are returned unchanged.
func inLocation(t time.Time, p *ical.IANAProperty, loc *time.Location) time.Time {
	if _, ok := p.ICalParameters["TZID"]; ok || strings.HasSuffix(p.Value, "Z") {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

// parseICSTime parses a bare ICS date or date-time. Values without a UTC
// marker are read in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}

// ToCalendarItem converts a parsed event into a calendar item of progenyID.
// An RRULE the model cannot express imports as a single event; EXDATEs have
// no counterpart and are dropped. Both cases are logged.
func ToCalendarItem(ev ParsedEvent, progenyID int64) model.CalendarItem {
	start, end := ev.Start, ev.End
	item := model.CalendarItem{
		ProgenyID: progenyID,
		Title:     strings.TrimSpace(ev.Summary),
		Notes:     ev.Description,
		Location:  ev.Location,
		Context:   "ics:" + ev.Source.ID,
		AllDay:    ev.AllDay,
		StartTime: &start,
		EndTime:   &end,
	}
	if item.Title == "" {
		item.Title = "(untitled)"
	}
	if ev.RawRRule == "" {
		return item
	}

	rule, err := ruleFromRRule(ev.RawRRule, start)
	if err != nil {
		appLog.Warn("ics import: recurrence not supported, importing a single event",
			"uid", ev.UID, "rrule", ev.RawRRule, "error", err.Error())
		return item
	}
	if len(ev.ExDates) > 0 {
		appLog.Warn("ics import: dropping excluded dates", "uid", ev.UID, "count", len(ev.ExDates))
	}
	item.Recurrence = mo.Some(rule)
	return item
}

func ruleFromRRule(raw string, start time.Time) (model.RecurrenceRule, error) {
	opt, err := rrule.StrToROptionInLocation(raw, start.Location())
	if err != nil {
		return model.RecurrenceRule{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	opt.Dtstart = start
	rule, err := recurrence.FromROption(*opt)
	if err != nil {
		return model.RecurrenceRule{}, err
	}
	if err := rule.Validate(); err != nil {
		return model.RecurrenceRule{}, err
	}
	return rule, nil
}

// ToCalendarItems converts every base event; overrides of single instances
// are skipped.
func ToCalendarItems(events []ParsedEvent, progenyID int64) []model.CalendarItem {
	items := make([]model.CalendarItem, 0, len(events))
	for _, ev := range events {
		if ev.IsOverride() {
			appLog.Debug("ics import: skipping instance override", "uid", ev.UID)
			continue
		}
		items = append(items, ToCalendarItem(ev, progenyID))
	}
	return items
}
