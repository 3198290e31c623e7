package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/wearable/internal/domain"
)

// DayTotals recomputes one (user, source-or-all, day) window straight from the
// canonical tables. A nil sourceID means "all sources". Interval records count
// when they overlap the window; instants when they fall inside it.
func (s *Store) DayTotals(ctx context.Context, userID string, sourceID *uuid.UUID, day time.Time) (domain.DayTotals, error) {
	var totals domain.DayTotals

	dayStart := domain.DayStart(day)
	dayEnd := dayStart.Add(24 * time.Hour)

	const stepsQuery = `SELECT COALESCE(SUM(steps),0), COALESCE(SUM(distance_m),0), COUNT(*)
        FROM canonical_steps
        WHERE user_id=$1 AND ($2::uuid IS NULL OR source_id=$2)
          AND start_time < $4 AND end_time >= $3`

	if err := s.pool.QueryRow(ctx, stepsQuery, userID, sourceID, dayStart, dayEnd).
		Scan(&totals.StepsTotal, &totals.DistanceMTotal, &totals.StepRows); err != nil {
		return totals, err
	}

	const heartRateQuery = `SELECT MIN(bpm), AVG(variability_ms), COUNT(*)
        FROM canonical_heart_rate
        WHERE user_id=$1 AND ($2::uuid IS NULL OR source_id=$2)
          AND recorded_at >= $3 AND recorded_at < $4`

	if err := s.pool.QueryRow(ctx, heartRateQuery, userID, sourceID, dayStart, dayEnd).
		Scan(&totals.RestingHeartRate, &totals.HRVAverageMS, &totals.HeartRateSamples); err != nil {
		return totals, err
	}

	const sleepQuery = `SELECT COALESCE(SUM(duration_seconds),0), COUNT(*)
        FROM canonical_sleep_sessions
        WHERE user_id=$1 AND ($2::uuid IS NULL OR source_id=$2)
          AND start_time < $4 AND end_time > $3`

	if err := s.pool.QueryRow(ctx, sleepQuery, userID, sourceID, dayStart, dayEnd).
		Scan(&totals.SleepSeconds, &totals.SleepSessions); err != nil {
		return totals, err
	}

	return totals, nil
}

// UpsertDailyAggregate fully replaces the rollup row's value fields.
func (s *Store) UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error {
	summary := agg.Summary
	if summary == nil {
		summary = map[string]interface{}{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO daily_aggregates (id, user_id, source_id, day, steps_total, distance_m_total, resting_heart_rate, hrv_avg_ms, sleep_seconds, summary, dedupe_key, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW(),NOW())
        ON CONFLICT (dedupe_key) DO UPDATE SET
            steps_total = EXCLUDED.steps_total,
            distance_m_total = EXCLUDED.distance_m_total,
            resting_heart_rate = EXCLUDED.resting_heart_rate,
            hrv_avg_ms = EXCLUDED.hrv_avg_ms,
            sleep_seconds = EXCLUDED.sleep_seconds,
            summary = EXCLUDED.summary,
            updated_at = NOW()`

	_, err = s.pool.Exec(ctx, stmt,
		uuid.New(), agg.UserID, agg.SourceID, agg.Day,
		agg.StepsTotal, agg.DistanceMTotal, agg.RestingHeartRate, agg.HRVAverageMS,
		agg.SleepSeconds, summaryJSON, agg.DedupeKey)
	return err
}

// DeleteDailyAggregate removes the rollup row for a scope, if present. An empty
// day must not survive as a placeholder.
func (s *Store) DeleteDailyAggregate(ctx context.Context, scope domain.DayScope) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM daily_aggregates WHERE dedupe_key=$1`, scope.Key())
	return err
}

// DailyAggregateByDay fetches one rollup row; nil when the day has no data.
func (s *Store) DailyAggregateByDay(ctx context.Context, scope domain.DayScope) (*domain.DailyAggregate, error) {
	const query = `SELECT id, user_id, source_id, day, steps_total, distance_m_total, resting_heart_rate, hrv_avg_ms, sleep_seconds, summary, dedupe_key
        FROM daily_aggregates WHERE dedupe_key=$1`

	agg, err := scanAggregate(s.pool.QueryRow(ctx, query, scope.Key()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// DailyAggregateRange lists rollup rows for a scope between two days inclusive.
// A nil sourceID selects the user-wide rows, not every source's rows.
func (s *Store) DailyAggregateRange(ctx context.Context, userID string, sourceID *uuid.UUID, from, to time.Time) ([]domain.DailyAggregate, error) {
	const query = `SELECT id, user_id, source_id, day, steps_total, distance_m_total, resting_heart_rate, hrv_avg_ms, sleep_seconds, summary, dedupe_key
        FROM daily_aggregates
        WHERE user_id=$1
          AND (($2::uuid IS NULL AND source_id IS NULL) OR source_id=$2)
          AND day >= $3 AND day <= $4
        ORDER BY day`

	rows, err := s.pool.Query(ctx, query, userID, sourceID, domain.DayStart(from), domain.DayStart(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	aggregates := make([]domain.DailyAggregate, 0)
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggregates = append(aggregates, *agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return aggregates, nil
}

func scanAggregate(row pgx.Row) (*domain.DailyAggregate, error) {
	var agg domain.DailyAggregate
	var sourceID uuid.NullUUID
	var summaryJSON []byte

	if err := row.Scan(&agg.ID, &agg.UserID, &sourceID, &agg.Day,
		&agg.StepsTotal, &agg.DistanceMTotal, &agg.RestingHeartRate, &agg.HRVAverageMS,
		&agg.SleepSeconds, &summaryJSON, &agg.DedupeKey); err != nil {
		return nil, err
	}

	if sourceID.Valid {
		id := sourceID.UUID
		agg.SourceID = &id
	}
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &agg.Summary); err != nil {
			return nil, err
		}
	}
	agg.Day = agg.Day.UTC()
	return &agg, nil
}
