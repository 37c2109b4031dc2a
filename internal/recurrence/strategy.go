package recurrence

import (
	"fmt"
	"time"

	"progenycal/internal/model"
)

// unit is the natural step of a frequency.
type unit int

const (
	unitDay unit = iota
	unitWeek
	unitMonth
	unitYear
)

// strategy yields the candidate dates of one period. Dates are civil dates
// (midnight UTC) in chronological order.
type strategy struct {
	unit       unit
	candidates func(period time.Time) []time.Time
}

// strategyFor builds the per-frequency candidate generator. Empty selectors
// default to the anchor's own weekday, ordinal, day and month.
func strategyFor(rule model.RecurrenceRule, anchor time.Time) (strategy, error) {
	tokens, err := model.ParseByDay(rule.ByDay)
	if err != nil {
		return strategy{}, err
	}
	monthDays, err := model.ParseInts(rule.ByMonthDay, 1, 31)
	if err != nil {
		return strategy{}, err
	}
	if len(monthDays) == 0 {
		monthDays = []int{anchor.Day()}
	}
	months, err := model.ParseInts(rule.ByMonth, 1, 12)
	if err != nil {
		return strategy{}, err
	}
	if len(months) == 0 {
		months = []int{int(anchor.Month())}
	}
	if len(tokens) == 0 {
		tokens = []model.ByDayToken{{Ordinal: (anchor.Day()-1)/7 + 1, Weekday: anchor.Weekday()}}
	}

	switch rule.Frequency {
	case model.FrequencyDaily:
		return strategy{unit: unitDay, candidates: func(p time.Time) []time.Time {
			return []time.Time{p}
		}}, nil

	case model.FrequencyWeekly:
		// Periods are Monday-start weeks, not a walk of the seven days after
		// a cursor; the anchor's own weekday is a candidate in its first week.
		var days [7]bool
		for _, t := range tokens {
			days[t.Weekday] = true
		}
		return strategy{unit: unitWeek, candidates: func(p time.Time) []time.Time {
			out := make([]time.Time, 0, 7)
			for i := 0; i < 7; i++ {
				d := p.AddDate(0, 0, i)
				if days[d.Weekday()] {
					out = append(out, d)
				}
			}
			return out
		}}, nil

	case model.FrequencyMonthlyByDay:
		return strategy{unit: unitMonth, candidates: func(p time.Time) []time.Time {
			return weekdaysInMonth(p.Year(), p.Month(), tokens)
		}}, nil

	case model.FrequencyYearlyByDay:
		return strategy{unit: unitYear, candidates: func(p time.Time) []time.Time {
			var out []time.Time
			for _, m := range months {
				out = append(out, weekdaysInMonth(p.Year(), time.Month(m), tokens)...)
			}
			return out
		}}, nil

	case model.FrequencyMonthlyByDate:
		return strategy{unit: unitMonth, candidates: func(p time.Time) []time.Time {
			return datesInMonth(p.Year(), p.Month(), monthDays)
		}}, nil

	case model.FrequencyYearlyByDate:
		return strategy{unit: unitYear, candidates: func(p time.Time) []time.Time {
			var out []time.Time
			for _, m := range months {
				out = append(out, datesInMonth(p.Year(), time.Month(m), monthDays)...)
			}
			return out
		}}, nil
	}

	return strategy{}, fmt.Errorf("%w: unsupported frequency %s", model.ErrValidation, rule.Frequency)
}

// weekdaysInMonth returns the days of the month matching any token. Ordinal n
// counts matching weekdays from the first of the month; -n counts back from
// the last day, so -1 is a day within the month's final seven.
func weekdaysInMonth(year int, month time.Month, tokens []model.ByDayToken) []time.Time {
	dim := daysIn(year, month)
	var out []time.Time
	for day := 1; day <= dim; day++ {
		d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		for _, t := range tokens {
			if t.Weekday != d.Weekday() {
				continue
			}
			if matchesOrdinal(day, dim, t.Ordinal) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func matchesOrdinal(day, dim, ordinal int) bool {
	switch {
	case ordinal == 0:
		return true
	case ordinal > 0:
		return (day-1)/7+1 == ordinal
	default:
		return (dim-day)/7+1 == -ordinal
	}
}

// datesInMonth returns the listed days that exist in the month; Feb 30 and
// friends are skipped rather than rolled into the next month.
func datesInMonth(year int, month time.Month, days []int) []time.Time {
	out := make([]time.Time, 0, len(days))
	for _, day := range days {
		d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if d.Month() != month {
			continue
		}
		out = append(out, d)
	}
	return out
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// periodStart returns the first day of the period containing d. Weeks start
// on Monday.
func periodStart(d time.Time, u unit) time.Time {
	switch u {
	case unitWeek:
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset)
	case unitMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	case unitYear:
		return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return d
	}
}

func advance(p time.Time, u unit, n int) time.Time {
	switch u {
	case unitWeek:
		return p.AddDate(0, 0, 7*n)
	case unitMonth:
		return p.AddDate(0, n, 0)
	case unitYear:
		return p.AddDate(n, 0, 0)
	default:
		return p.AddDate(0, 0, n)
	}
}

// periodsBetween counts whole periods from a to b; both are period starts.
func periodsBetween(a, b time.Time, u unit) int {
	switch u {
	case unitWeek:
		return int(b.Sub(a).Hours()/24) / 7
	case unitMonth:
		return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	case unitYear:
		return b.Year() - a.Year()
	default:
		return int(b.Sub(a).Hours() / 24)
	}
}
