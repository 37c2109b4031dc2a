package ics

import (
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	appLog "progenycal/internal/log"
	"progenycal/internal/model"
	"progenycal/internal/recurrence"
)

// uidNamespace scopes the name-based UUIDs of exported events so a feed
// keeps stable UIDs across exports.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("progenycal:calendar-item"))

// EventUID returns the stable iCalendar UID of an event.
func EventUID(eventID int64) string {
	return uuid.NewSHA1(uidNamespace, []byte(strconv.FormatInt(eventID, 10))).String()
}

// Export renders anchors as an iCalendar feed called name. Recurring anchors
// carry an RRULE so clients expand the series themselves; items without
// start and end times are left out.
func Export(name string, items []model.CalendarItem, now time.Time) string {
	cal := ical.NewCalendarFor("progenycal")
	cal.SetMethod(ical.MethodPublish)
	cal.SetName(name)
	cal.SetXWRCalName(name)

	for _, item := range items {
		if !item.HasTimes() {
			continue
		}
		ev := cal.AddEvent(EventUID(item.EventID))
		ev.SetDtStampTime(now)
		ev.SetSummary(item.Title)
		if item.Notes != "" {
			ev.SetDescription(item.Notes)
		}
		if item.Location != "" {
			ev.SetLocation(item.Location)
		}

		if item.AllDay {
			start := recurrence.StartOfDay(*item.StartTime)
			end := recurrence.StartOfDay(*item.EndTime)
			if !end.After(start) {
				end = start.AddDate(0, 0, 1)
			}
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(end)
		} else {
			setTime(ev, ical.ComponentPropertyDtStart, *item.StartTime)
			setTime(ev, ical.ComponentPropertyDtEnd, *item.EndTime)
		}

		rule, ok := item.Rule().Get()
		if !ok {
			continue
		}
		opt, err := recurrence.ToROption(rule, item)
		if err != nil {
			appLog.Warn("ics export: exporting recurring event without RRULE",
				"event_id", item.EventID, "error", err.Error())
			continue
		}
		ev.AddRrule(opt.RRuleString())
	}

	return cal.Serialize()
}

// setTime writes t with its TZID so recurring instances keep their wall
// clock across DST; UTC and Local times are written in UTC form.
func setTime(ev *ical.VEvent, prop ical.ComponentProperty, t time.Time) {
	switch name := t.Location().String(); name {
	case "UTC", "Local", "":
		ev.SetProperty(prop, t.UTC().Format("20060102T150405Z"))
	default:
		ev.SetProperty(prop, t.Format("20060102T150405"), ical.WithTZID(name))
	}
}
