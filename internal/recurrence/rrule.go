package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"progenycal/internal/model"
)

var rruleWeekdays = [7]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// ToROption converts a rule anchored at anchor into an RFC 5545 rule. Empty
// selectors are filled from the anchor the same way Expand fills them, so the
// two agree on which dates belong to the series.
func ToROption(rule model.RecurrenceRule, anchor model.CalendarItem) (rrule.ROption, error) {
	if !rule.Recurring() {
		return rrule.ROption{}, fmt.Errorf("%w: rule is not recurring", model.ErrValidation)
	}
	if !anchor.HasTimes() {
		return rrule.ROption{}, fmt.Errorf("%w: anchor has no start/end time", model.ErrValidation)
	}
	start := *anchor.StartTime

	tokens, err := model.ParseByDay(rule.ByDay)
	if err != nil {
		return rrule.ROption{}, err
	}
	monthDays, err := model.ParseInts(rule.ByMonthDay, 1, 31)
	if err != nil {
		return rrule.ROption{}, err
	}
	months, err := model.ParseInts(rule.ByMonth, 1, 12)
	if err != nil {
		return rrule.ROption{}, err
	}
	if len(monthDays) == 0 {
		monthDays = []int{start.Day()}
	}
	if len(months) == 0 {
		months = []int{int(start.Month())}
	}

	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	opt := rrule.ROption{
		Dtstart:  start,
		Interval: interval,
		Wkst:     rrule.MO,
	}

	switch rule.Frequency {
	case model.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case model.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
		if len(tokens) == 0 {
			tokens = []model.ByDayToken{{Weekday: start.Weekday()}}
		}
		for _, t := range tokens {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[t.Weekday])
		}
	case model.FrequencyMonthlyByDay, model.FrequencyYearlyByDay:
		opt.Freq = rrule.MONTHLY
		if rule.Frequency == model.FrequencyYearlyByDay {
			opt.Freq = rrule.YEARLY
			opt.Bymonth = months
		}
		if len(tokens) == 0 {
			tokens = []model.ByDayToken{{Ordinal: (start.Day()-1)/7 + 1, Weekday: start.Weekday()}}
		}
		for _, t := range tokens {
			opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(t))
		}
	case model.FrequencyMonthlyByDate:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = monthDays
	case model.FrequencyYearlyByDate:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = months
		opt.Bymonthday = monthDays
	}

	switch rule.EndOption {
	case model.EndUntilDate:
		opt.Until = EndOfDay(rule.Until.In(start.Location()))
	case model.EndAfterCount:
		opt.Count = rule.Count
		if opt.Count < 1 {
			opt.Count = 1
		}
	}
	return opt, nil
}

// FromROption maps an imported RFC 5545 rule onto the six supported
// frequencies. Rules using parts with no equivalent (BYSETPOS, BYYEARDAY,
// hourly frequencies, ...) are rejected with model.ErrValidation.
func FromROption(opt rrule.ROption) (model.RecurrenceRule, error) {
	rule := model.RecurrenceRule{
		Interval: opt.Interval,
		Start:    opt.Dtstart,
	}
	if rule.Interval < 1 {
		rule.Interval = 1
	}
	switch {
	case opt.Count > 0:
		rule.EndOption = model.EndAfterCount
		rule.Count = opt.Count
	case !opt.Until.IsZero():
		rule.EndOption = model.EndUntilDate
		rule.Until = opt.Until
	}

	if len(opt.Bysetpos) > 0 || len(opt.Byyearday) > 0 || len(opt.Byweekno) > 0 ||
		len(opt.Byhour) > 0 || len(opt.Byminute) > 0 || len(opt.Bysecond) > 0 || len(opt.Byeaster) > 0 {
		return model.RecurrenceRule{}, unsupported(opt)
	}
	for _, d := range opt.Bymonthday {
		if d < 1 {
			return model.RecurrenceRule{}, unsupported(opt)
		}
	}

	tokens := make([]string, 0, len(opt.Byweekday))
	hasOrdinal := false
	for _, w := range opt.Byweekday {
		tok := model.ByDayToken{
			Ordinal: w.N(),
			Weekday: time.Weekday((w.Day() + 1) % 7),
		}
		if tok.Ordinal != 0 {
			hasOrdinal = true
		}
		tokens = append(tokens, tok.String())
	}
	byDay := strings.Join(tokens, ",")

	switch opt.Freq {
	case rrule.DAILY:
		if len(opt.Byweekday) > 0 || len(opt.Bymonthday) > 0 || len(opt.Bymonth) > 0 {
			return model.RecurrenceRule{}, unsupported(opt)
		}
		rule.Frequency = model.FrequencyDaily

	case rrule.WEEKLY:
		if hasOrdinal || len(opt.Bymonthday) > 0 || len(opt.Bymonth) > 0 {
			return model.RecurrenceRule{}, unsupported(opt)
		}
		rule.Frequency = model.FrequencyWeekly
		rule.ByDay = byDay

	case rrule.MONTHLY:
		if len(opt.Bymonth) > 0 || (len(opt.Byweekday) > 0 && len(opt.Bymonthday) > 0) {
			return model.RecurrenceRule{}, unsupported(opt)
		}
		if len(opt.Byweekday) > 0 {
			rule.Frequency = model.FrequencyMonthlyByDay
			rule.ByDay = byDay
		} else {
			rule.Frequency = model.FrequencyMonthlyByDate
			rule.ByMonthDay = joinInts(opt.Bymonthday)
		}

	case rrule.YEARLY:
		if len(opt.Byweekday) > 0 && len(opt.Bymonthday) > 0 {
			return model.RecurrenceRule{}, unsupported(opt)
		}
		if len(opt.Byweekday) > 0 {
			// Without BYMONTH an ordinal counts weeks of the whole year.
			if len(opt.Bymonth) == 0 {
				return model.RecurrenceRule{}, unsupported(opt)
			}
			rule.Frequency = model.FrequencyYearlyByDay
			rule.ByDay = byDay
		} else {
			rule.Frequency = model.FrequencyYearlyByDate
			rule.ByMonthDay = joinInts(opt.Bymonthday)
		}
		rule.ByMonth = joinInts(opt.Bymonth)

	default:
		return model.RecurrenceRule{}, unsupported(opt)
	}

	return rule, nil
}

func toRRuleWeekday(t model.ByDayToken) rrule.Weekday {
	w := rruleWeekdays[t.Weekday]
	if t.Ordinal == 0 {
		return w
	}
	return w.Nth(t.Ordinal)
}

func unsupported(opt rrule.ROption) error {
	return fmt.Errorf("%w: unsupported RRULE %s", model.ErrValidation, opt.RRuleString())
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
