package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

// Normalizer interprets raw records by declared type and upserts them into the
// canonical tables. Every upsert is keyed on the record's dedupe key, so
// re-normalizing a corrected re-send converges instead of duplicating rows.
type Normalizer struct {
	store Store
}

// NewNormalizer constructs a Normalizer.
func NewNormalizer(store Store) *Normalizer {
	return &Normalizer{store: store}
}

// Normalize canonicalizes one raw record and returns the (user, source, day)
// scopes whose rollups it touched. A *domain.NormalizationError means the record
// was skipped; any other error is an unexpected persistence failure.
func (n *Normalizer) Normalize(ctx context.Context, rec domain.RawRecord) ([]domain.DayScope, error) {
	payload, err := domain.ParsePayload(rec)
	if err != nil {
		return nil, err
	}

	switch p := payload.(type) {
	case domain.StepsPayload:
		return n.normalizeSteps(ctx, rec, p)
	case domain.HeartRatePayload:
		return n.normalizeHeartRate(ctx, rec, p)
	case domain.SleepSessionPayload:
		return n.normalizeSleepSession(ctx, rec, p)
	case domain.SleepStagePayload:
		return n.normalizeSleepStage(ctx, rec, p)
	default:
		return nil, domain.NewNormalizationError(rec.DedupeKey, "unhandled payload kind %q", payload.Kind())
	}
}

func (n *Normalizer) normalizeSteps(ctx context.Context, rec domain.RawRecord, p domain.StepsPayload) ([]domain.DayScope, error) {
	row := domain.CanonicalSteps{
		UserID:        rec.UserID,
		SourceID:      rec.SourceID,
		RawRecordID:   rawRecordRef(rec),
		StartTime:     p.Start,
		EndTime:       p.End,
		Steps:         p.Steps,
		DistanceM:     p.DistanceM,
		ActiveMinutes: p.ActiveMinutes,
		DedupeKey:     rec.DedupeKey,
	}
	if err := n.store.UpsertSteps(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert steps: %w", err)
	}
	return scopesFor(rec, p.Start, p.End), nil
}

func (n *Normalizer) normalizeHeartRate(ctx context.Context, rec domain.RawRecord, p domain.HeartRatePayload) ([]domain.DayScope, error) {
	row := domain.CanonicalHeartRate{
		UserID:        rec.UserID,
		SourceID:      rec.SourceID,
		RawRecordID:   rawRecordRef(rec),
		RecordedAt:    p.RecordedAt,
		BPM:           p.BPM,
		Confidence:    p.Confidence,
		VariabilityMS: p.VariabilityMS,
		DedupeKey:     rec.DedupeKey,
	}
	if err := n.store.UpsertHeartRate(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert heart rate: %w", err)
	}
	return scopesFor(rec, p.RecordedAt, p.RecordedAt), nil
}

func (n *Normalizer) normalizeSleepSession(ctx context.Context, rec domain.RawRecord, p domain.SleepSessionPayload) ([]domain.DayScope, error) {
	session := domain.CanonicalSleepSession{
		UserID:          rec.UserID,
		SourceID:        rec.SourceID,
		RawRecordID:     rawRecordRef(rec),
		StartTime:       p.Start,
		EndTime:         p.End,
		SleepType:       p.SleepType,
		Score:           p.Score,
		DurationSeconds: p.DurationSeconds,
		DedupeKey:       rec.DedupeKey,
	}

	if len(p.Stages) == 0 {
		if _, err := n.store.UpsertSleepSession(ctx, session); err != nil {
			return nil, fmt.Errorf("upsert sleep session: %w", err)
		}
		return scopesFor(rec, p.Start, p.End), nil
	}

	stages := make([]domain.CanonicalSleepStage, 0, len(p.Stages))
	for _, stage := range p.Stages {
		stages = append(stages, domain.CanonicalSleepStage{
			UserID:          rec.UserID,
			SourceID:        rec.SourceID,
			RawRecordID:     rawRecordRef(rec),
			StageType:       stage.StageType,
			StartTime:       stage.Start,
			EndTime:         stage.End,
			DurationSeconds: stage.DurationSeconds,
			DedupeKey:       stage.DedupeKey,
		})
	}

	if _, err := n.store.UpsertSleepSessionWithStages(ctx, session, stages); err != nil {
		return nil, fmt.Errorf("upsert sleep session with stages: %w", err)
	}

	scopes := scopeSet{}
	scopes.addRange(rec, p.Start, p.End)
	for _, stage := range p.Stages {
		scopes.addRange(rec, stage.Start, stage.End)
	}
	return scopes.list(), nil
}

func (n *Normalizer) normalizeSleepStage(ctx context.Context, rec domain.RawRecord, p domain.SleepStagePayload) ([]domain.DayScope, error) {
	sessionID, found, err := n.store.SleepSessionIDByKey(ctx, rec.UserID, p.SessionDedupeKey)
	if err != nil {
		return nil, fmt.Errorf("resolve sleep session: %w", err)
	}
	if !found {
		return nil, domain.NewNormalizationError(rec.DedupeKey, "no sleep session for session_dedupe_key %q", p.SessionDedupeKey)
	}

	row := domain.CanonicalSleepStage{
		UserID:          rec.UserID,
		SessionID:       sessionID,
		SourceID:        rec.SourceID,
		RawRecordID:     rawRecordRef(rec),
		StageType:       p.StageType,
		StartTime:       p.Start,
		EndTime:         p.End,
		DurationSeconds: p.DurationSeconds,
		DedupeKey:       p.DedupeKey,
	}
	if err := n.store.UpsertSleepStage(ctx, row); err != nil {
		return nil, fmt.Errorf("upsert sleep stage: %w", err)
	}
	return scopesFor(rec, p.Start, p.End), nil
}

func rawRecordRef(rec domain.RawRecord) *uuid.UUID {
	if rec.ID == (uuid.UUID{}) {
		return nil
	}
	id := rec.ID
	return &id
}

func scopesFor(rec domain.RawRecord, start, end time.Time) []domain.DayScope {
	days := domain.DaysSpanned(start, end)
	scopes := make([]domain.DayScope, 0, len(days))
	for _, day := range days {
		scopes = append(scopes, domain.DayScope{UserID: rec.UserID, SourceID: rec.SourceID, Day: day})
	}
	return scopes
}

type scopeSet map[string]domain.DayScope

func (s scopeSet) addRange(rec domain.RawRecord, start, end time.Time) {
	for _, scope := range scopesFor(rec, start, end) {
		s[scope.Key()] = scope
	}
}

func (s scopeSet) list() []domain.DayScope {
	scopes := make([]domain.DayScope, 0, len(s))
	for _, scope := range s {
		scopes = append(scopes, scope)
	}
	return scopes
}
