package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"example.com/wearable/internal/domain"
)

// Canonical upserts. Re-normalizing a dedupe key must overwrite every mutable
// field in one statement so corrected re-sends converge without read-then-write
// races.

// UpsertSteps writes or overwrites the canonical steps row for its dedupe key.
func (s *Store) UpsertSteps(ctx context.Context, row domain.CanonicalSteps) error {
	const stmt = `INSERT INTO canonical_steps (id, user_id, source_id, raw_record_id, start_time, end_time, steps, distance_m, active_minutes, dedupe_key, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
        ON CONFLICT (dedupe_key) DO UPDATE SET
            source_id = EXCLUDED.source_id,
            raw_record_id = EXCLUDED.raw_record_id,
            start_time = EXCLUDED.start_time,
            end_time = EXCLUDED.end_time,
            steps = EXCLUDED.steps,
            distance_m = EXCLUDED.distance_m,
            active_minutes = EXCLUDED.active_minutes,
            updated_at = NOW()`

	_, err := s.pool.Exec(ctx, stmt,
		uuid.New(), row.UserID, row.SourceID, row.RawRecordID,
		row.StartTime, row.EndTime, row.Steps, row.DistanceM, row.ActiveMinutes, row.DedupeKey)
	return err
}

// UpsertHeartRate writes or overwrites the canonical heart-rate row.
func (s *Store) UpsertHeartRate(ctx context.Context, row domain.CanonicalHeartRate) error {
	const stmt = `INSERT INTO canonical_heart_rate (id, user_id, source_id, raw_record_id, recorded_at, bpm, confidence, variability_ms, dedupe_key, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
        ON CONFLICT (dedupe_key) DO UPDATE SET
            source_id = EXCLUDED.source_id,
            raw_record_id = EXCLUDED.raw_record_id,
            recorded_at = EXCLUDED.recorded_at,
            bpm = EXCLUDED.bpm,
            confidence = EXCLUDED.confidence,
            variability_ms = EXCLUDED.variability_ms,
            updated_at = NOW()`

	_, err := s.pool.Exec(ctx, stmt,
		uuid.New(), row.UserID, row.SourceID, row.RawRecordID,
		row.RecordedAt, row.BPM, row.Confidence, row.VariabilityMS, row.DedupeKey)
	return err
}

const upsertSleepSessionStmt = `INSERT INTO canonical_sleep_sessions (id, user_id, source_id, raw_record_id, start_time, end_time, sleep_type, score, duration_seconds, dedupe_key, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
    ON CONFLICT (dedupe_key) DO UPDATE SET
        source_id = EXCLUDED.source_id,
        raw_record_id = EXCLUDED.raw_record_id,
        start_time = EXCLUDED.start_time,
        end_time = EXCLUDED.end_time,
        sleep_type = EXCLUDED.sleep_type,
        score = EXCLUDED.score,
        duration_seconds = EXCLUDED.duration_seconds,
        updated_at = NOW()
    RETURNING id`

const upsertSleepStageStmt = `INSERT INTO canonical_sleep_stages (id, user_id, session_id, source_id, raw_record_id, stage_type, start_time, end_time, duration_seconds, dedupe_key, created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
    ON CONFLICT (dedupe_key) DO UPDATE SET
        session_id = EXCLUDED.session_id,
        source_id = EXCLUDED.source_id,
        raw_record_id = EXCLUDED.raw_record_id,
        stage_type = EXCLUDED.stage_type,
        start_time = EXCLUDED.start_time,
        end_time = EXCLUDED.end_time,
        duration_seconds = EXCLUDED.duration_seconds,
        updated_at = NOW()`

// UpsertSleepSession writes or overwrites a sleep session and returns the stored
// row's id (the existing id on conflict).
func (s *Store) UpsertSleepSession(ctx context.Context, row domain.CanonicalSleepSession) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, upsertSleepSessionStmt,
		uuid.New(), row.UserID, row.SourceID, row.RawRecordID,
		row.StartTime, row.EndTime, row.SleepType, row.Score, row.DurationSeconds, row.DedupeKey).Scan(&id)
	return id, err
}

// UpsertSleepSessionWithStages writes a session and its embedded stages in one
// transaction, so stages never land without their session.
func (s *Store) UpsertSleepSessionWithStages(ctx context.Context, session domain.CanonicalSleepSession, stages []domain.CanonicalSleepStage) (uuid.UUID, error) {
	var sessionID uuid.UUID

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return sessionID, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	err = tx.QueryRow(ctx, upsertSleepSessionStmt,
		uuid.New(), session.UserID, session.SourceID, session.RawRecordID,
		session.StartTime, session.EndTime, session.SleepType, session.Score, session.DurationSeconds, session.DedupeKey).Scan(&sessionID)
	if err != nil {
		return sessionID, err
	}

	for _, stage := range stages {
		_, err = tx.Exec(ctx, upsertSleepStageStmt,
			uuid.New(), stage.UserID, sessionID, stage.SourceID, stage.RawRecordID,
			stage.StageType, stage.StartTime, stage.EndTime, stage.DurationSeconds, stage.DedupeKey)
		if err != nil {
			return sessionID, err
		}
	}

	err = tx.Commit(ctx)
	return sessionID, err
}

// UpsertSleepStage writes or overwrites a standalone sleep stage.
func (s *Store) UpsertSleepStage(ctx context.Context, row domain.CanonicalSleepStage) error {
	_, err := s.pool.Exec(ctx, upsertSleepStageStmt,
		uuid.New(), row.UserID, row.SessionID, row.SourceID, row.RawRecordID,
		row.StageType, row.StartTime, row.EndTime, row.DurationSeconds, row.DedupeKey)
	return err
}

// SleepSessionIDByKey resolves a session dedupe key to its stored row id.
func (s *Store) SleepSessionIDByKey(ctx context.Context, userID, dedupeKey string) (uuid.UUID, bool, error) {
	const query = `SELECT id FROM canonical_sleep_sessions WHERE user_id=$1 AND dedupe_key=$2`

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query, userID, dedupeKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.UUID{}, false, nil
	}
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return id, true, nil
}
