package recurrence

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teambition/rrule-go"

	"progenycal/internal/model"
)

func unixStarts(items []model.CalendarItem) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.StartTime.Unix()
	}
	return out
}

func unixTimes(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.Unix()
	}
	return out
}

// Expand and rrule-go must agree whenever the anchor itself matches the rule.
func TestExpandAgreesWithRRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start time.Time
		rule  model.RecurrenceRule
	}{
		{
			name:  "daily every other day with count",
			start: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyDaily, Interval: 2, EndOption: model.EndAfterCount, Count: 10},
		},
		{
			name:  "weekly mon wed fri",
			start: time.Date(2024, 1, 1, 7, 45, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "MO,WE,FR"},
		},
		{
			name:  "biweekly until",
			start: time.Date(2024, 1, 2, 17, 0, 0, 0, time.UTC),
			rule: model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 2, ByDay: "TU",
				EndOption: model.EndUntilDate, Until: day(2024, 6, 30)},
		},
		{
			name:  "second monday",
			start: time.Date(2024, 1, 8, 18, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyMonthlyByDay, Interval: 1, ByDay: "2MO"},
		},
		{
			name:  "last friday",
			start: time.Date(2024, 1, 26, 12, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyMonthlyByDay, Interval: 1, ByDay: "-1FR"},
		},
		{
			name:  "first and fifteenth",
			start: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyMonthlyByDate, Interval: 1, ByMonthDay: "1,15"},
		},
		{
			name:  "third thursday of november",
			start: time.Date(2023, 11, 16, 18, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyYearlyByDay, Interval: 1, ByMonth: "11", ByDay: "3TH"},
		},
		{
			name:  "birthday",
			start: time.Date(2020, 5, 17, 0, 0, 0, 0, time.UTC),
			rule:  model.RecurrenceRule{Frequency: model.FrequencyYearlyByDate, Interval: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.Start = tt.start
			anchor := anchorAt(tt.start, time.Hour)
			from, to := day(2023, 1, 1), EndOfDay(day(2027, 12, 31))

			opt, err := ToROption(tt.rule, anchor)
			require.NoError(t, err)
			r, err := rrule.NewRRule(opt)
			require.NoError(t, err)

			got := Expand(mo.Some(tt.rule), anchor, ExpandConfig{RangeStart: from, RangeEnd: to, IncludeOriginal: true})
			require.NotEmpty(t, got)
			assert.Equal(t, unixTimes(r.Between(from, to, true)), unixStarts(got))
		})
	}
}

func TestToROptionString(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 26, 12, 0, 0, 0, time.UTC)
	rule := model.RecurrenceRule{
		Frequency: model.FrequencyMonthlyByDay, Interval: 1, ByDay: "-1FR",
		EndOption: model.EndAfterCount, Count: 6,
	}

	opt, err := ToROption(rule, anchorAt(start, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "FREQ=MONTHLY;INTERVAL=1;COUNT=6;BYDAY=-1FR", opt.RRuleString())

	_, err = ToROption(model.RecurrenceRule{}, anchorAt(start, time.Hour))
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = ToROption(rule, model.CalendarItem{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestFromROption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rrule string
		want  model.RecurrenceRule
	}{
		{"FREQ=DAILY;INTERVAL=3", model.RecurrenceRule{Frequency: model.FrequencyDaily, Interval: 3}},
		{"FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4", model.RecurrenceRule{
			Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "MO,WE",
			EndOption: model.EndAfterCount, Count: 4,
		}},
		{"FREQ=MONTHLY;BYDAY=-1FR", model.RecurrenceRule{Frequency: model.FrequencyMonthlyByDay, Interval: 1, ByDay: "-1FR"}},
		{"FREQ=MONTHLY;BYMONTHDAY=1,15", model.RecurrenceRule{Frequency: model.FrequencyMonthlyByDate, Interval: 1, ByMonthDay: "1,15"}},
		{"FREQ=YEARLY;BYMONTH=11;BYDAY=+3TH", model.RecurrenceRule{
			Frequency: model.FrequencyYearlyByDay, Interval: 1, ByMonth: "11", ByDay: "3TH",
		}},
		{"FREQ=YEARLY", model.RecurrenceRule{Frequency: model.FrequencyYearlyByDate, Interval: 1}},
		{"FREQ=DAILY;UNTIL=20240131T000000Z", model.RecurrenceRule{
			Frequency: model.FrequencyDaily, Interval: 1,
			EndOption: model.EndUntilDate, Until: day(2024, 1, 31),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.rrule, func(t *testing.T) {
			opt, err := rrule.StrToROption(tt.rrule)
			require.NoError(t, err)
			got, err := FromROption(*opt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestFromROptionUnsupported(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"FREQ=HOURLY",
		"FREQ=MONTHLY;BYSETPOS=-1;BYDAY=MO,TU,WE,TH,FR",
		"FREQ=YEARLY;BYDAY=20MO",
		"FREQ=WEEKLY;BYDAY=2MO",
		"FREQ=MONTHLY;BYMONTHDAY=-1",
		"FREQ=DAILY;BYMONTH=1",
	} {
		opt, err := rrule.StrToROption(s)
		require.NoError(t, err, s)
		_, err = FromROption(*opt)
		assert.ErrorIs(t, err, model.ErrValidation, s)
	}
}
