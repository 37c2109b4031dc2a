package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ByDayToken is one parsed ByDay entry. Ordinal 0 means "every such weekday",
// 1..5 the Nth weekday of the month and -1 the last one.
type ByDayToken struct {
	Ordinal int
	Weekday time.Weekday
}

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

// WeekdayCode returns the two-letter code for wd.
func WeekdayCode(wd time.Weekday) string {
	for code, d := range weekdayCodes {
		if d == wd {
			return code
		}
	}
	return ""
}

func (t ByDayToken) String() string {
	if t.Ordinal == 0 {
		return WeekdayCode(t.Weekday)
	}
	return strconv.Itoa(t.Ordinal) + WeekdayCode(t.Weekday)
}

// ParseByDay parses a comma separated ByDay list such as "MO,WE" or "2MO,-1FR".
func ParseByDay(s string) ([]ByDayToken, error) {
	var tokens []ByDayToken
	for _, raw := range strings.Split(s, ",") {
		raw = strings.ToUpper(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: bad byDay token %q", ErrValidation, raw)
		}
		code := raw[len(raw)-2:]
		wd, ok := weekdayCodes[code]
		if !ok {
			return nil, fmt.Errorf("%w: bad weekday in byDay token %q", ErrValidation, raw)
		}
		tok := ByDayToken{Weekday: wd}
		if prefix := raw[:len(raw)-2]; prefix != "" {
			n, err := strconv.Atoi(prefix)
			if err != nil || n == 0 || n < -5 || n > 5 {
				return nil, fmt.Errorf("%w: bad ordinal in byDay token %q", ErrValidation, raw)
			}
			tok.Ordinal = n
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// ParseInts parses a comma separated list of integers within [lo, hi],
// returning them sorted and de-duplicated.
func ParseInts(s string, lo, hi int) ([]int, error) {
	seen := make(map[int]struct{})
	var out []int
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < lo || n > hi {
			return nil, fmt.Errorf("%w: %q not in %d..%d", ErrValidation, raw, lo, hi)
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Validate checks the rule for structural errors. A rule with FrequencyNone
// is valid and simply means "not recurring".
func (r RecurrenceRule) Validate() error {
	if r.Frequency == FrequencyNone {
		return nil
	}
	if !r.Recurring() {
		return fmt.Errorf("%w: unknown frequency %d", ErrValidation, r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1", ErrValidation)
	}
	switch r.EndOption {
	case EndNever:
	case EndUntilDate:
		if r.Until.IsZero() {
			return fmt.Errorf("%w: until date required", ErrValidation)
		}
	case EndAfterCount:
		if r.Count < 1 {
			return fmt.Errorf("%w: count must be at least 1", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown end option %d", ErrValidation, r.EndOption)
	}

	tokens, err := ParseByDay(r.ByDay)
	if err != nil {
		return err
	}
	if r.Frequency == FrequencyWeekly {
		for _, t := range tokens {
			if t.Ordinal != 0 {
				return fmt.Errorf("%w: weekly byDay takes plain weekdays, got %s", ErrValidation, t)
			}
		}
	}
	if _, err := ParseInts(r.ByMonthDay, 1, 31); err != nil {
		return err
	}
	if _, err := ParseInts(r.ByMonth, 1, 12); err != nil {
		return err
	}
	return nil
}
