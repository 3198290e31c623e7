package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

// Aggregator maintains the daily_aggregates rollups. Every recompute is a full
// replace from the canonical tables, never an incremental delta, so it
// self-heals after corrections and is safe to run concurrently with itself.
type Aggregator struct {
	store Store
}

// NewAggregator constructs an Aggregator.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// UpsertDay recomputes one scope's rollup. A day with no contributing canonical
// data in any category is deleted rather than persisted as an all-null row.
// Idempotent: the same canonical state always produces the same row.
func (a *Aggregator) UpsertDay(ctx context.Context, scope domain.DayScope) error {
	scope.Day = domain.DayStart(scope.Day)

	totals, err := a.store.DayTotals(ctx, scope.UserID, scope.SourceID, scope.Day)
	if err != nil {
		return fmt.Errorf("day totals %s: %w", scope.Key(), err)
	}

	if totals.Empty() {
		return a.store.DeleteDailyAggregate(ctx, scope)
	}

	agg := domain.DailyAggregate{
		UserID:           scope.UserID,
		SourceID:         scope.SourceID,
		Day:              scope.Day,
		StepsTotal:       totals.StepsTotal,
		DistanceMTotal:   totals.DistanceMTotal,
		RestingHeartRate: totals.RestingHeartRate,
		HRVAverageMS:     totals.HRVAverageMS,
		SleepSeconds:     totals.SleepSeconds,
		Summary: map[string]interface{}{
			"step_rows":          totals.StepRows,
			"heart_rate_samples": totals.HeartRateSamples,
			"sleep_sessions":     totals.SleepSessions,
		},
		DedupeKey: scope.Key(),
	}
	return a.store.UpsertDailyAggregate(ctx, agg)
}

// RebuildRange applies UpsertDay once per calendar day in [from, to] inclusive.
// Administrative backfill is just repeated application of the idempotent
// primitive.
func (a *Aggregator) RebuildRange(ctx context.Context, userID string, sourceID *uuid.UUID, from, to time.Time) (int, error) {
	first := domain.DayStart(from)
	last := domain.DayStart(to)
	if last.Before(first) {
		return 0, fmt.Errorf("rebuild range: end %s precedes start %s", last.Format("2006-01-02"), first.Format("2006-01-02"))
	}

	days := 0
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if err := a.UpsertDay(ctx, domain.DayScope{UserID: userID, SourceID: sourceID, Day: day}); err != nil {
			return days, err
		}
		days++
	}
	return days, nil
}
