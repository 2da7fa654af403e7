package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"blinkwatch/internal/model"
	"blinkwatch/internal/storage"
)

// DayLayout is the calendar-day key format for aggregate rows.
const DayLayout = "2006-01-02"

// recomputeEventLimit bounds one day's event scan; far above any plausible
// per-user daily blink volume.
const recomputeEventLimit = 500000

// Aggregator rolls blink events up into one row per (user, day). It never
// schedules itself; callers invoke it from a batch job or an API action.
type Aggregator struct {
	store  storage.Store
	logger *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger}
}

// Summarize reduces one day's blink events to the aggregate columns:
// event count, mean closure duration over events that carry one, and
// median EAR over events that carry one. Nil means no data.
func Summarize(events []model.BlinkEvent) (count int, avgDurationMs *float64, medianEAR *float64) {
	count = len(events)
	var durations, ears []float64
	for _, ev := range events {
		if ev.DurationMs != nil {
			durations = append(durations, float64(*ev.DurationMs))
		}
		if ev.EAR != nil {
			ears = append(ears, *ev.EAR)
		}
	}
	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		avg := sum / float64(len(durations))
		avgDurationMs = &avg
	}
	if len(ears) > 0 {
		m := median(ears)
		medianEAR = &m
	}
	return count, avgDurationMs, medianEAR
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// DayBounds returns the inclusive epoch-millisecond range covering one UTC
// calendar day.
func DayBounds(day string) (startMs, endMs int64, err error) {
	t, err := time.ParseInLocation(DayLayout, day, time.UTC)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid day %q: %w", day, err)
	}
	startMs = t.UnixMilli()
	endMs = t.Add(24*time.Hour).UnixMilli() - 1
	return startMs, endMs, nil
}

// Upsert writes caller-supplied summary values for (userID, day).
func (a *Aggregator) Upsert(ctx context.Context, userID int64, day string, blinkCount int, avgDurationMs, medianEAR *float64) error {
	if a.store == nil {
		return storage.ErrUnavailable
	}
	if _, _, err := DayBounds(day); err != nil {
		return err
	}
	return a.store.UpsertAggregate(ctx, model.BlinkAggregate{
		UserID:        userID,
		Day:           day,
		BlinkCount:    blinkCount,
		AvgDurationMs: avgDurationMs,
		MedianEAR:     medianEAR,
	})
}

// RecomputeDay re-derives the aggregate row for (userID, day) from the
// event table and overwrites it in place.
func (a *Aggregator) RecomputeDay(ctx context.Context, userID int64, day string) (model.BlinkAggregate, error) {
	if a.store == nil {
		return model.BlinkAggregate{}, storage.ErrUnavailable
	}
	startMs, endMs, err := DayBounds(day)
	if err != nil {
		return model.BlinkAggregate{}, err
	}
	events, err := a.store.QueryBlinkEvents(ctx, storage.EventFilter{
		UserID:       &userID,
		StartEpochMs: &startMs,
		EndEpochMs:   &endMs,
		Limit:        recomputeEventLimit,
	})
	if err != nil {
		return model.BlinkAggregate{}, err
	}
	count, avgDur, medEAR := Summarize(events)
	agg := model.BlinkAggregate{
		UserID:        userID,
		Day:           day,
		BlinkCount:    count,
		AvgDurationMs: avgDur,
		MedianEAR:     medEAR,
	}
	if err := a.store.UpsertAggregate(ctx, agg); err != nil {
		return model.BlinkAggregate{}, err
	}
	if a.logger != nil {
		a.logger.Info("aggregate recomputed", "user_id", userID, "day", day, "blink_count", count)
	}
	return agg, nil
}
