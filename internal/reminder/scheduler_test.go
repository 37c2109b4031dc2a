package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"progenycal/internal/model"
	"progenycal/internal/store"
)

type sentEmail struct {
	To, Subject, HTML string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *fakeMailer) SendEmail(_ context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{To: to, Subject: subject, HTML: html})
	return nil
}

type sentPush struct {
	UserID, Title, Body, Link, CollapseKey string
}

type fakePusher struct {
	mu   sync.Mutex
	sent []sentPush
	err  error
}

func (p *fakePusher) SendPush(_ context.Context, userID, title, body, link, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentPush{userID, title, body, link, key})
	return nil
}

type fixture struct {
	store   *store.Store
	mailer  *fakeMailer
	pusher  *fakePusher
	user    model.User
	progeny model.Progeny
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	user := model.User{UserID: "u1", Email: "dad@example.com", DisplayName: "Dad"}
	require.NoError(t, s.CreateUser(ctx, user))
	progeny, err := s.CreateProgeny(ctx, model.Progeny{Name: "Oliver", NickName: "Ollie"})
	require.NoError(t, err)

	return &fixture{store: s, mailer: &fakeMailer{}, pusher: &fakePusher{}, user: user, progeny: progeny}
}

func (f *fixture) scheduler(now *time.Time) *Scheduler {
	return NewScheduler(f.store, f.mailer, f.pusher,
		Config{BaseURL: "http://cal.test/"},
		WithClock(func() time.Time { return *now }),
	)
}

func (f *fixture) event(t *testing.T, start time.Time, rule mo.Option[model.RecurrenceRule]) model.CalendarItem {
	t.Helper()
	end := start.Add(time.Hour)
	item, err := f.store.CreateCalendarItem(context.Background(), model.CalendarItem{
		ProgenyID:  f.progeny.ID,
		Title:      "Swimming lesson",
		Location:   "City pool",
		StartTime:  &start,
		EndTime:    &end,
		Recurrence: rule,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) reminder(t *testing.T, r model.CalendarReminder) model.CalendarReminder {
	t.Helper()
	r.UserID = f.user.UserID
	created, err := f.store.CreateReminder(context.Background(), r)
	require.NoError(t, err)
	return created
}

func daily() mo.Option[model.RecurrenceRule] {
	return mo.Some(model.RecurrenceRule{Frequency: model.FrequencyDaily, Interval: 1})
}

func TestSweepRecurringFiresOnceThenCooldownBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	anchorStart := time.Date(2024, 3, 1, 9, 10, 0, 0, time.UTC)
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	item := f.event(t, anchorStart, daily())
	r := f.reminder(t, model.CalendarReminder{
		EventID:              item.EventID,
		NotifyTimeOffsetType: model.NotifyThirtyMinutes,
		NotifyTime:           anchorStart.Add(-30 * time.Minute),
		NotifiedDate:         now.Add(-48 * time.Hour),
		RecurrenceRuleID:     item.RecurrenceRuleID,
	})

	s := f.scheduler(&now)
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, f.mailer.sent, 1)
	email := f.mailer.sent[0]
	assert.Equal(t, "dad@example.com", email.To)
	assert.Equal(t, "Reminder: Swimming lesson (Ollie)", email.Subject)
	assert.Contains(t, email.HTML, "Sunday, March 10, 2024 09:10 - 10:10 UTC")
	assert.Contains(t, email.HTML, "City pool")

	require.Len(t, f.pusher.sent, 1)
	push := f.pusher.sent[0]
	assert.Equal(t, "u1", push.UserID)
	assert.Equal(t, "http://cal.test/calendar?childId=1&eventId=1", push.Link)
	assert.Equal(t, "calendar-reminder-1", push.CollapseKey)

	stored, err := f.store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified)
	assert.WithinDuration(t, now, stored.NotifiedDate, time.Minute)

	// Immediately again: the cooldown holds.
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Len(t, f.mailer.sent, 1)

	// The next day's instance fires once the cooldown has elapsed.
	now = now.Add(24 * time.Hour)
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.mailer.sent, 2)
}

func TestSweepRecurringAfterEventMoved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	anchorStart := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	item := f.event(t, anchorStart, daily())
	f.reminder(t, model.CalendarReminder{
		EventID:              item.EventID,
		NotifyTimeOffsetType: model.NotifyThirtyMinutes,
		NotifyTime:           anchorStart.Add(-30 * time.Minute),
		RecurrenceRuleID:     item.RecurrenceRuleID,
	})

	moved := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	movedEnd := moved.Add(time.Hour)
	item.StartTime, item.EndTime = &moved, &movedEnd
	_, err := f.store.UpdateCalendarItem(ctx, item)
	require.NoError(t, err)

	// A week later, ten minutes after the 14:30 trigger of the moved series.
	now := time.Date(2025, 3, 10, 14, 40, 0, 0, time.UTC)
	res, err := f.scheduler(&now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	require.Len(t, f.mailer.sent, 1)
	assert.Contains(t, f.mailer.sent[0].HTML, "15:00 - 16:00")
}

func TestSweepRecurringRespectsCatchUpWindow(t *testing.T) {
	f := newFixture(t)

	anchorStart := time.Date(2024, 3, 1, 9, 10, 0, 0, time.UTC)
	item := f.event(t, anchorStart, daily())
	f.reminder(t, model.CalendarReminder{
		EventID:          item.EventID,
		NotifyTime:       anchorStart.Add(-30 * time.Minute),
		RecurrenceRuleID: item.RecurrenceRuleID,
	})

	// Today's trigger (08:40) is 7h old and tomorrow's is in the future.
	now := time.Date(2024, 3, 10, 15, 40, 0, 0, time.UTC)
	res, err := f.scheduler(&now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Zero(t, res.Sent)
	assert.Empty(t, f.mailer.sent)

	// Within the catch-up window a missed trigger still fires.
	now = time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	res, err = f.scheduler(&now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestSweepOneShotReminder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	now := time.Date(2024, 4, 2, 7, 0, 0, 0, time.UTC)
	item := f.event(t, now.Add(10*time.Minute), mo.None[model.RecurrenceRule]())
	r := f.reminder(t, model.CalendarReminder{
		EventID:              item.EventID,
		NotifyTimeOffsetType: model.NotifyFifteenMinutes,
		NotifyTime:           now.Add(-5 * time.Minute),
	})
	f.reminder(t, model.CalendarReminder{EventID: item.EventID, NotifyTime: now.Add(time.Hour)})

	s := f.scheduler(&now)
	due, err := s.DueOneShotReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, r.ID, due[0].ID)

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Len(t, f.mailer.sent, 1)

	stored, err := f.store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified)
	assert.True(t, now.Equal(stored.NotifiedDate))

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Len(t, f.mailer.sent, 1)
}

func TestSweepEmailFailureLeavesReminderPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	now := time.Date(2024, 4, 2, 7, 0, 0, 0, time.UTC)
	item := f.event(t, now.Add(10*time.Minute), mo.None[model.RecurrenceRule]())
	r := f.reminder(t, model.CalendarReminder{EventID: item.EventID, NotifyTime: now.Add(-time.Minute)})

	f.mailer.err = errors.New("554 relay denied")
	s := f.scheduler(&now)
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Sent)
	assert.Empty(t, f.pusher.sent)

	stored, err := f.store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, stored.Notified)
	assert.True(t, stored.NotifiedDate.IsZero())

	f.mailer.err = nil
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestSweepPushFailureStillCountsAsSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	now := time.Date(2024, 4, 2, 7, 0, 0, 0, time.UTC)
	item := f.event(t, now.Add(10*time.Minute), mo.None[model.RecurrenceRule]())
	r := f.reminder(t, model.CalendarReminder{EventID: item.EventID, NotifyTime: now.Add(-time.Minute)})

	f.pusher.err = errors.New("gateway down")
	res, err := f.scheduler(&now).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	stored, err := f.store.GetReminder(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified)
}

func TestSweepSkipsReminderWithMissingData(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 4, 2, 7, 0, 0, 0, time.UTC)

	f.reminder(t, model.CalendarReminder{EventID: 999, NotifyTime: now.Add(-time.Hour), RecurrenceRuleID: 5})
	f.reminder(t, model.CalendarReminder{EventID: 998, NotifyTime: now.Add(-time.Hour)})

	res, err := f.scheduler(&now).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.Empty(t, f.mailer.sent)
}

func TestSweepRefusesToOverlap(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	s := f.scheduler(&now)

	s.running.Lock()
	_, err := s.Sweep(context.Background())
	s.running.Unlock()
	assert.ErrorIs(t, err, ErrSweepInProgress)

	_, err = s.Sweep(context.Background())
	assert.NoError(t, err)
}

func TestSweepStopsOnCanceledContext(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.scheduler(&now).Sweep(ctx)
	assert.Error(t, err)
}

func TestFindDueInstance(t *testing.T) {
	anchorStart := time.Date(2024, 1, 1, 16, 0, 0, 0, time.UTC)
	end := anchorStart.Add(time.Hour)
	anchor := model.CalendarItem{EventID: 1, StartTime: &anchorStart, EndTime: &end}
	weekly := model.RecurrenceRule{Frequency: model.FrequencyWeekly, Interval: 1, ByDay: "MO", Start: anchorStart}

	tests := []struct {
		name     string
		reminder model.CalendarReminder
		now      time.Time
		want     time.Time
	}{
		{
			name:     "before start",
			reminder: model.CalendarReminder{NotifyTime: anchorStart.Add(-time.Hour)},
			now:      time.Date(2024, 1, 15, 15, 5, 0, 0, time.UTC),
			want:     time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC),
		},
		{
			name:     "after start",
			reminder: model.CalendarReminder{NotifyTime: anchorStart.Add(15 * time.Minute)},
			now:      time.Date(2024, 1, 15, 16, 20, 0, 0, time.UTC),
			want:     time.Date(2024, 1, 15, 16, 0, 0, 0, time.UTC),
		},
		{
			name:     "the anchor itself",
			reminder: model.CalendarReminder{NotifyTime: anchorStart.Add(-24 * time.Hour)},
			now:      time.Date(2023, 12, 31, 16, 30, 0, 0, time.UTC),
			want:     anchorStart,
		},
		{
			name:     "not yet",
			reminder: model.CalendarReminder{NotifyTime: anchorStart.Add(-time.Hour)},
			now:      time.Date(2024, 1, 15, 14, 59, 0, 0, time.UTC),
		},
		{
			name: "cooling down",
			reminder: model.CalendarReminder{
				NotifyTime:   anchorStart.Add(-time.Hour),
				NotifiedDate: time.Date(2024, 1, 15, 1, 0, 0, 0, time.UTC),
			},
			now: time.Date(2024, 1, 15, 15, 5, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindDueInstance(tt.reminder, anchor, weekly, tt.now, DefaultCatchUp, DefaultCooldown).Get()
			if tt.want.IsZero() {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, *got.StartTime)
		})
	}

	assert.True(t, FindDueInstance(model.CalendarReminder{}, model.CalendarItem{}, weekly,
		anchorStart, DefaultCatchUp, DefaultCooldown).IsAbsent())
}
