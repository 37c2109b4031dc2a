package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progenycal/internal/model"
	"progenycal/internal/store"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, *store.Store, model.Progeny) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p, err := st.CreateProgeny(ctx, model.Progeny{Name: "Maja"})
	require.NoError(t, err)
	return NewService(st, ttl), st, p
}

func item(progenyID int64, title string, start time.Time, rule mo.Option[model.RecurrenceRule]) model.CalendarItem {
	end := start.Add(time.Hour)
	return model.CalendarItem{ProgenyID: progenyID, Title: title, StartTime: &start, EndTime: &end, Recurrence: rule}
}

func titles(items []model.CalendarItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title + "@" + it.StartTime.UTC().Format("01-02")
	}
	return out
}

func TestEventsMergesAnchorsAndInstances(t *testing.T) {
	ctx := context.Background()
	svc, _, p := newTestService(t, 0)

	weekly := mo.Some(model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "MO,TH"})
	_, err := svc.AddEvent(ctx, item(p.ID, "Gym", time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC), weekly))
	require.NoError(t, err)
	_, err = svc.AddEvent(ctx, item(p.ID, "Dentist", time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), mo.None[model.RecurrenceRule]()))
	require.NoError(t, err)
	_, err = svc.AddEvent(ctx, item(p.ID, "Party", time.Date(2024, 1, 7, 20, 0, 0, 0, time.UTC), mo.None[model.RecurrenceRule]()))
	require.NoError(t, err)
	_, err = svc.AddEvent(ctx, model.CalendarItem{ProgenyID: p.ID, Title: "Someday"})
	require.NoError(t, err)

	// The window end is a date; its whole day is included.
	got, err := svc.Events(ctx, p.ID,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"Gym@01-01", "Dentist@01-03", "Gym@01-04", "Party@01-07"}, titles(got))

	for _, it := range got {
		if it.Title == "Gym" {
			assert.NotZero(t, it.RecurrenceRuleID)
			assert.Equal(t, time.Hour, it.Duration())
		}
	}

	got, err = svc.Events(ctx, p.ID, time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, got)

	anchors, err := svc.Items(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, anchors, 4)
}

func TestEventsCacheExpiresAndIsInvalidatedByWrites(t *testing.T) {
	ctx := context.Background()
	svc, st, p := newTestService(t, time.Minute)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)

	_, err := svc.AddEvent(ctx, item(p.ID, "Swim", time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), mo.None[model.RecurrenceRule]()))
	require.NoError(t, err)
	got, err := svc.Events(ctx, p.ID, start, end)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A write behind the service's back is not seen until the entry expires.
	_, err = st.CreateCalendarItem(ctx, item(p.ID, "Piano", time.Date(2024, 1, 3, 15, 0, 0, 0, time.UTC), mo.None[model.RecurrenceRule]()))
	require.NoError(t, err)
	got, err = svc.Events(ctx, p.ID, start, end)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	now = now.Add(2 * time.Minute)
	got, err = svc.Events(ctx, p.ID, start, end)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = svc.AddEvent(ctx, item(p.ID, "Judo", time.Date(2024, 1, 5, 16, 0, 0, 0, time.UTC), mo.None[model.RecurrenceRule]()))
	require.NoError(t, err)
	got, err = svc.Events(ctx, p.ID, start, end)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAddEventValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, p := newTestService(t, 0)
	start := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)

	tests := []struct {
		name string
		item model.CalendarItem
	}{
		{"missing title", item(p.ID, "  ", start, mo.None[model.RecurrenceRule]())},
		{"missing progeny", item(0, "Gym", start, mo.None[model.RecurrenceRule]())},
		{"end before start", model.CalendarItem{ProgenyID: p.ID, Title: "Gym", StartTime: &start, EndTime: &before}},
		{"start without end", model.CalendarItem{ProgenyID: p.ID, Title: "Gym", StartTime: &start}},
		{"zero interval", item(p.ID, "Gym", start, mo.Some(model.RecurrenceRule{Frequency: model.FrequencyDaily}))},
		{"bad byDay", item(p.ID, "Gym", start, mo.Some(model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "XX"}))},
		{"recurring without times", model.CalendarItem{ProgenyID: p.ID, Title: "Gym",
			Recurrence: mo.Some(model.RecurrenceRule{Frequency: model.FrequencyDaily, Interval: 1})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddEvent(ctx, tt.item)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestUpdateAndDeleteEvent(t *testing.T) {
	ctx := context.Background()
	svc, _, p := newTestService(t, time.Minute)
	start := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)

	created, err := svc.AddEvent(ctx, item(p.ID, "Gym", start,
		mo.Some(model.RecurrenceRule{Frequency: model.FrequencyDaily, Interval: 1})))
	require.NoError(t, err)
	rule, ok := created.Rule().Get()
	require.True(t, ok)
	assert.True(t, start.Equal(rule.Start))
	assert.Equal(t, p.ID, rule.ProgenyID)

	got, err := svc.Events(ctx, p.ID, start, start.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// FrequencyNone removes the recurrence.
	created.ProgenyID = 0
	created.Recurrence = mo.Some(model.RecurrenceRule{Frequency: model.FrequencyNone})
	updated, err := svc.UpdateEvent(ctx, created)
	require.NoError(t, err)
	assert.Zero(t, updated.RecurrenceRuleID)
	assert.Equal(t, p.ID, updated.ProgenyID)

	got, err = svc.Events(ctx, p.ID, start, start.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, got, 1)

	loaded, err := svc.Event(ctx, created.EventID)
	require.NoError(t, err)
	assert.True(t, loaded.Rule().IsAbsent())

	_, err = svc.UpdateEvent(ctx, model.CalendarItem{EventID: 999, Title: "x"})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, svc.DeleteEvent(ctx, created.EventID))
	assert.ErrorIs(t, svc.DeleteEvent(ctx, created.EventID), model.ErrNotFound)

	got, err = svc.Events(ctx, p.ID, start, start.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEventsCacheStaysBounded(t *testing.T) {
	ctx := context.Background()
	svc, _, p := newTestService(t, 30*time.Second)
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	// Every call asks for a different window, one second apart.
	for i := 0; i < 1000; i++ {
		_, err := svc.Events(ctx, p.ID, now.Add(-24*time.Hour), now.Add(7*24*time.Hour))
		require.NoError(t, err)
		now = now.Add(time.Second)
	}

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	assert.LessOrEqual(t, len(svc.cache), 30)
}

func TestAddEventNamesOffsetOnlyZones(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	p, err := st.CreateProgeny(ctx, model.Progeny{Name: "Maja"})
	require.NoError(t, err)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	svc := NewService(st, 0, WithLocation(ny))

	// Monday 21:00 at -05:00 is Tuesday in UTC.
	start := time.Date(2025, 1, 6, 21, 0, 0, 0, time.FixedZone("", -5*3600))
	weekly := mo.Some(model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "MO"})
	created, err := svc.AddEvent(ctx, item(p.ID, "Hockey", start, weekly))
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", created.StartTime.Location().String())

	// Across the March DST change the series stays on Monday 21:00 local.
	got, err := svc.Events(ctx, p.ID, time.Date(2025, 3, 1, 0, 0, 0, 0, ny), time.Date(2025, 3, 31, 0, 0, 0, 0, ny))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, ev := range got {
		local := ev.StartTime.In(ny)
		assert.Equal(t, time.Monday, local.Weekday(), local)
		assert.Equal(t, 21, local.Hour(), local)
	}

	// Named zones are kept as given.
	utcStart := time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)
	kept := InZone(item(p.ID, "Piano", utcStart, mo.None[model.RecurrenceRule]()), ny)
	assert.Equal(t, time.UTC, kept.StartTime.Location())
}
