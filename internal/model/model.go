package model

import (
	"time"

	"github.com/samber/mo"
)

// Frequency selects how a RecurrenceRule walks the calendar.
type Frequency int

const (
	FrequencyNone          Frequency = 0
	FrequencyDaily         Frequency = 1
	FrequencyWeekly        Frequency = 2
	FrequencyMonthlyByDay  Frequency = 3
	FrequencyMonthlyByDate Frequency = 4
	FrequencyYearlyByDay   Frequency = 5
	FrequencyYearlyByDate  Frequency = 6
)

func (f Frequency) String() string {
	switch f {
	case FrequencyDaily:
		return "daily"
	case FrequencyWeekly:
		return "weekly"
	case FrequencyMonthlyByDay:
		return "monthly-by-day"
	case FrequencyMonthlyByDate:
		return "monthly-by-date"
	case FrequencyYearlyByDay:
		return "yearly-by-day"
	case FrequencyYearlyByDate:
		return "yearly-by-date"
	default:
		return "none"
	}
}

// EndOption controls when a recurring series stops.
type EndOption int

const (
	EndNever      EndOption = 0
	EndUntilDate  EndOption = 1
	EndAfterCount EndOption = 2
)

// RecurrenceRule describes how an anchor CalendarItem repeats.
type RecurrenceRule struct {
	ID        int64 `json:"recurrenceRuleId"`
	ProgenyID int64 `json:"progenyId"`

	Frequency Frequency `json:"frequency"`
	// Interval is the step between occurrences in the rule's own unit.
	Interval int `json:"interval"`

	// Start mirrors the anchor item's start time.
	Start time.Time `json:"start"`

	EndOption EndOption `json:"endOption"`
	Until     time.Time `json:"until"`
	Count     int       `json:"count"`

	// ByDay holds weekday tokens: "MO,WE" for weekly rules, "2MO,-1FR" for
	// the by-day monthly and yearly rules.
	ByDay      string `json:"byDay"`
	ByMonthDay string `json:"byMonthDay"`
	ByMonth    string `json:"byMonth"`
}

// Recurring reports whether the rule describes an actual series.
func (r RecurrenceRule) Recurring() bool {
	return r.Frequency >= FrequencyDaily && r.Frequency <= FrequencyYearlyByDate
}

// CalendarItem is either a persisted anchor event or a materialized instance
// of a recurring one. Instances share the anchor's EventID.
type CalendarItem struct {
	EventID     int64  `json:"eventId"`
	ProgenyID   int64  `json:"progenyId"`
	Title       string `json:"title"`
	Notes       string `json:"notes"`
	Location    string `json:"location"`
	Context     string `json:"context"`
	Author      string `json:"author"`
	AccessLevel int    `json:"accessLevel"`
	AllDay      bool   `json:"allDay"`

	StartTime *time.Time `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`

	// RecurrenceRuleID is the persisted reference; 0 means not recurring.
	RecurrenceRuleID int64 `json:"recurrenceRuleId"`
	// Recurrence is populated by the store when the item has a rule.
	Recurrence mo.Option[RecurrenceRule] `json:"-"`
}

// HasTimes reports whether the item carries both start and end times.
func (c CalendarItem) HasTimes() bool {
	return c.StartTime != nil && c.EndTime != nil
}

// Duration returns EndTime - StartTime, or zero when either is missing.
func (c CalendarItem) Duration() time.Duration {
	if !c.HasTimes() {
		return 0
	}
	return c.EndTime.Sub(*c.StartTime)
}

// Rule returns the attached recurrence rule when it describes a real series.
func (c CalendarItem) Rule() mo.Option[RecurrenceRule] {
	rule, ok := c.Recurrence.Get()
	if !ok || !rule.Recurring() {
		return mo.None[RecurrenceRule]()
	}
	return mo.Some(rule)
}

// NotifyOffsetType is how the user picked the reminder time.
type NotifyOffsetType int

const (
	NotifyCustom         NotifyOffsetType = 0
	NotifyFiveMinutes    NotifyOffsetType = 5
	NotifyTenMinutes     NotifyOffsetType = 10
	NotifyFifteenMinutes NotifyOffsetType = 15
	NotifyThirtyMinutes  NotifyOffsetType = 30
	NotifyOneHour        NotifyOffsetType = 60
	NotifyOneDay         NotifyOffsetType = 1440
)

// Offset returns the distance before the event start, or false for custom.
func (t NotifyOffsetType) Offset() (time.Duration, bool) {
	if t <= 0 {
		return 0, false
	}
	return time.Duration(t) * time.Minute, true
}

// CalendarReminder is a per-user notification request for an event.
type CalendarReminder struct {
	ID                   int64            `json:"calendarReminderId"`
	EventID              int64            `json:"eventId"`
	UserID               string           `json:"userId"`
	NotifyTimeOffsetType NotifyOffsetType `json:"notifyTimeOffsetType"`
	NotifyTime           time.Time        `json:"notifyTime"`
	Notified             bool             `json:"notified"`
	NotifiedDate         time.Time        `json:"notifiedDate"`
	RecurrenceRuleID     int64            `json:"recurrenceRuleId"`
}

// User is a family member who can own reminders.
type User struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	TimeZone    string `json:"timeZone"`
	IsAdmin     bool   `json:"isAdmin"`
}

// Location resolves the user's IANA timezone, falling back to UTC.
func (u User) Location() *time.Location {
	if u.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Progeny is the child whose life events the calendar tracks.
type Progeny struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	NickName string `json:"nickName"`
	// Admins is a comma separated list of admin emails.
	Admins string `json:"admins"`
}

// DisplayName prefers the nickname.
func (p Progeny) DisplayName() string {
	if p.NickName != "" {
		return p.NickName
	}
	return p.Name
}
