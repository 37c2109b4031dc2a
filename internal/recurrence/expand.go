package recurrence

import (
	"errors"
	"sort"
	"time"

	"github.com/samber/mo"

	appLog "progenycal/internal/log"
	"progenycal/internal/model"
)

const defaultMaxInstances = 5000

// ExpandConfig controls how a recurring item is materialized.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive window for instance starts.
	// Callers wanting whole-day semantics pass EndOfDay(end) as RangeEnd.
	RangeStart time.Time
	RangeEnd   time.Time

	// IncludeOriginal keeps the instance that coincides with the anchor.
	IncludeOriginal bool

	// MaxInstances caps the result. If zero, defaultMaxInstances is used.
	MaxInstances int
}

// Expand materializes the instances of anchor's series whose start falls in
// [cfg.RangeStart, cfg.RangeEnd]. Instances copy the anchor's fields, keep
// its EventID and duration, and are returned in chronological order.
//
// Input it cannot expand (no rule, no times, inverted window, a series that
// starts after the window or ends before it) yields an empty slice.
func Expand(rule mo.Option[model.RecurrenceRule], anchor model.CalendarItem, cfg ExpandConfig) []model.CalendarItem {
	out := make([]model.CalendarItem, 0)

	r, ok := rule.Get()
	if !ok || !r.Recurring() || !anchor.HasTimes() {
		return out
	}
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return out
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = defaultMaxInstances
	}

	anchorStart := *anchor.StartTime
	loc := anchorStart.Location()
	duration := anchor.Duration()

	anchorDate := civil(anchorStart)
	rangeStartDate := civil(cfg.RangeStart.In(loc))
	rangeEndDate := civil(cfg.RangeEnd.In(loc))

	seriesStart := anchorDate
	if !r.Start.IsZero() {
		seriesStart = civil(r.Start.In(loc))
	}
	if seriesStart.After(rangeEndDate) || anchorDate.After(rangeEndDate) {
		return out
	}

	var untilDate time.Time
	if r.EndOption == model.EndUntilDate {
		untilDate = civil(r.Until.In(loc))
		if untilDate.Before(rangeStartDate) {
			return out
		}
	}

	strat, err := strategyFor(r, anchorDate)
	if err != nil {
		appLog.Debug("expand: skipping rule with invalid selectors", "rule_id", r.ID, "err", err.Error())
		return out
	}

	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	count := r.Count
	if count < 1 {
		count = 1
	}

	if cfg.IncludeOriginal && inWindow(anchorStart, cfg) {
		out = append(out, materialize(anchor, anchorStart, duration))
	}

	// Interval alignment is relative to the anchor's period. A count-limited
	// series must be walked from its beginning to spend the budget correctly.
	cursor := periodStart(anchorDate, strat.unit)
	if r.EndOption != model.EndAfterCount && rangeStartDate.After(anchorDate) {
		skip := periodsBetween(cursor, periodStart(rangeStartDate, strat.unit), strat.unit)
		cursor = advance(cursor, strat.unit, skip/interval*interval)
	}

	// The anchor is always occurrence #1, whether or not it matches the
	// selectors.
	occurrences := 1

walk:
	for !cursor.After(rangeEndDate) {
		for _, day := range strat.candidates(cursor) {
			if r.EndOption == model.EndUntilDate && day.After(untilDate) {
				break walk
			}

			start := atTimeOf(day, anchorStart)
			if !start.After(anchorStart) {
				continue
			}

			occurrences++
			if r.EndOption == model.EndAfterCount && occurrences > count {
				break walk
			}

			if start.Before(cfg.RangeStart) {
				continue
			}
			if start.After(cfg.RangeEnd) {
				break walk
			}

			if len(out) >= cfg.MaxInstances {
				appLog.Error("expand: truncated instances due to cap",
					errors.New("max instances reached"),
					"event_id", anchor.EventID,
					"rule_id", r.ID,
					"cap", cfg.MaxInstances,
				)
				break walk
			}
			out = append(out, materialize(anchor, start, duration))
		}
		cursor = advance(cursor, strat.unit, interval)
	}

	return out
}

// ExpandItems is the read path: every item overlapping the window plus the
// instances of recurring items, sorted by start. Items without start/end
// times are skipped.
func ExpandItems(items []model.CalendarItem, cfg ExpandConfig) []model.CalendarItem {
	out := make([]model.CalendarItem, 0, len(items))

	instanceCfg := cfg
	instanceCfg.IncludeOriginal = false

	for _, item := range items {
		if !item.HasTimes() {
			continue
		}
		if timeRangesOverlap(*item.StartTime, *item.EndTime, cfg.RangeStart, cfg.RangeEnd) {
			out = append(out, item)
		}
		out = append(out, Expand(item.Rule(), item, instanceCfg)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(*out[j].StartTime)
	})
	return out
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns 23:59:59 of t's day in t's location.
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

func inWindow(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}

// timeRangesOverlap reports whether [aStart, aEnd] intersects [bStart, bEnd].
func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(aStart) {
		aEnd = aStart
	}
	return !aEnd.Before(bStart) && !aStart.After(bEnd)
}

func materialize(anchor model.CalendarItem, start time.Time, duration time.Duration) model.CalendarItem {
	inst := anchor
	end := start.Add(duration)
	inst.StartTime = &start
	inst.EndTime = &end
	return inst
}

// atTimeOf places the civil date day at ref's wall-clock time in ref's
// location.
func atTimeOf(day, ref time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), ref.Location())
}
