package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

// mockStore is an in-memory Store with just enough behaviour for the pipeline
// unit tests: key-based dedupe at intake, canonical upserts by dedupe key, and
// scripted day totals.
type mockStore struct {
	sourceID     uuid.UUID
	source       domain.Source
	existingKeys map[string]bool
	ingested     []domain.RawRecord

	intakeErr error
	rawErr    error

	steps      map[string]domain.CanonicalSteps
	stepsErr   error
	heartRates map[string]domain.CanonicalHeartRate
	sessions   map[string]domain.CanonicalSleepSession
	sessionIDs map[string]uuid.UUID
	stages     map[string]domain.CanonicalSleepStage

	sessionStageBatches [][]domain.CanonicalSleepStage

	totals    map[string]domain.DayTotals
	totalsErr error
	upserts   []domain.DailyAggregate
	deletes   []domain.DayScope
}

func newMockStore() *mockStore {
	return &mockStore{
		sourceID:     uuid.New(),
		existingKeys: make(map[string]bool),
		steps:        make(map[string]domain.CanonicalSteps),
		heartRates:   make(map[string]domain.CanonicalHeartRate),
		sessions:     make(map[string]domain.CanonicalSleepSession),
		sessionIDs:   make(map[string]uuid.UUID),
		stages:       make(map[string]domain.CanonicalSleepStage),
		totals:       make(map[string]domain.DayTotals),
	}
}

func (m *mockStore) IngestBatch(ctx context.Context, src domain.Source, records []domain.RawRecord) (domain.IntakeResult, error) {
	if m.intakeErr != nil {
		return domain.IntakeResult{}, m.intakeErr
	}
	m.source = src

	result := domain.IntakeResult{SourceID: m.sourceID}
	for _, rec := range records {
		if m.existingKeys[rec.DedupeKey] {
			result.Duplicates++
			continue
		}
		m.existingKeys[rec.DedupeKey] = true
		rec.ID = uuid.New()
		sourceID := m.sourceID
		rec.SourceID = &sourceID
		m.ingested = append(m.ingested, rec)
		result.AcceptedKeys = append(result.AcceptedKeys, rec.DedupeKey)
	}
	return result, nil
}

func (m *mockStore) RawRecordsByKeys(ctx context.Context, userID string, keys []string) ([]domain.RawRecord, error) {
	if m.rawErr != nil {
		return nil, m.rawErr
	}
	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		wanted[key] = true
	}
	var out []domain.RawRecord
	for _, rec := range m.ingested {
		if rec.UserID == userID && wanted[rec.DedupeKey] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) UpsertSteps(ctx context.Context, row domain.CanonicalSteps) error {
	if m.stepsErr != nil {
		return m.stepsErr
	}
	m.steps[row.DedupeKey] = row
	return nil
}

func (m *mockStore) UpsertHeartRate(ctx context.Context, row domain.CanonicalHeartRate) error {
	m.heartRates[row.DedupeKey] = row
	return nil
}

func (m *mockStore) UpsertSleepSession(ctx context.Context, row domain.CanonicalSleepSession) (uuid.UUID, error) {
	id, ok := m.sessionIDs[row.DedupeKey]
	if !ok {
		id = uuid.New()
		m.sessionIDs[row.DedupeKey] = id
	}
	row.ID = id
	m.sessions[row.DedupeKey] = row
	return id, nil
}

func (m *mockStore) UpsertSleepSessionWithStages(ctx context.Context, session domain.CanonicalSleepSession, stages []domain.CanonicalSleepStage) (uuid.UUID, error) {
	id, err := m.UpsertSleepSession(ctx, session)
	if err != nil {
		return id, err
	}
	for _, stage := range stages {
		stage.SessionID = id
		m.stages[stage.DedupeKey] = stage
	}
	m.sessionStageBatches = append(m.sessionStageBatches, stages)
	return id, nil
}

func (m *mockStore) UpsertSleepStage(ctx context.Context, row domain.CanonicalSleepStage) error {
	m.stages[row.DedupeKey] = row
	return nil
}

func (m *mockStore) SleepSessionIDByKey(ctx context.Context, userID, dedupeKey string) (uuid.UUID, bool, error) {
	id, ok := m.sessionIDs[dedupeKey]
	return id, ok, nil
}

func (m *mockStore) DayTotals(ctx context.Context, userID string, sourceID *uuid.UUID, day time.Time) (domain.DayTotals, error) {
	if m.totalsErr != nil {
		return domain.DayTotals{}, m.totalsErr
	}
	scope := domain.DayScope{UserID: userID, SourceID: sourceID, Day: day}
	return m.totals[scope.Key()], nil
}

func (m *mockStore) UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error {
	m.upserts = append(m.upserts, agg)
	return nil
}

func (m *mockStore) DeleteDailyAggregate(ctx context.Context, scope domain.DayScope) error {
	m.deletes = append(m.deletes, scope)
	return nil
}
