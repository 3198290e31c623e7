package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

func rawRecordFor(t *testing.T, store *mockStore, key string, env domain.PayloadEnvelope) domain.RawRecord {
	t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	sourceID := store.sourceID
	return domain.RawRecord{
		ID:        uuid.New(),
		UserID:    "user-1",
		SourceID:  &sourceID,
		Payload:   payload,
		DedupeKey: key,
	}
}

func TestNormalizeStepsUpsertsAndScopes(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	rec := rawRecordFor(t, store, "steps-1", domain.PayloadEnvelope{
		Type:   "steps",
		Start:  "2024-01-01T23:00:00Z",
		End:    "2024-01-02T01:00:00Z",
		Fields: map[string]interface{}{"steps": float64(500)},
	})

	scopes, err := normalizer.Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected 2 day scopes got %d", len(scopes))
	}
	row, ok := store.steps["steps-1"]
	if !ok {
		t.Fatalf("steps row not upserted")
	}
	if row.Steps != 500 {
		t.Fatalf("expected 500 steps got %d", row.Steps)
	}
	if row.RawRecordID == nil || *row.RawRecordID != rec.ID {
		t.Fatalf("raw record reference not preserved")
	}
	for _, scope := range scopes {
		if scope.SourceID == nil || *scope.SourceID != store.sourceID {
			t.Fatalf("scope lost source: %+v", scope)
		}
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	rec := rawRecordFor(t, store, "hr-1", domain.PayloadEnvelope{
		Type:   "heart_rate",
		Start:  "2024-01-01T08:00:00Z",
		Fields: map[string]interface{}{"bpm": float64(60)},
	})

	for i := 0; i < 2; i++ {
		if _, err := normalizer.Normalize(context.Background(), rec); err != nil {
			t.Fatalf("pass %d: unexpected error: %v", i, err)
		}
	}
	if len(store.heartRates) != 1 {
		t.Fatalf("expected exactly one canonical row got %d", len(store.heartRates))
	}
}

func TestNormalizeSleepSessionWithEmbeddedStages(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	rec := rawRecordFor(t, store, "sleep-1", domain.PayloadEnvelope{
		Type:  "sleep_session",
		Start: "2024-01-01T22:00:00Z",
		End:   "2024-01-02T06:00:00Z",
		Fields: map[string]interface{}{
			"stages": []interface{}{
				map[string]interface{}{"stage_type": "deep", "start": "2024-01-01T22:30:00Z", "end": "2024-01-02T00:00:00Z"},
				map[string]interface{}{"stage_type": "rem", "start": "2024-01-02T00:00:00Z", "end": "2024-01-02T01:00:00Z"},
			},
		},
	})

	scopes, err := normalizer.Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.sessionStageBatches) != 1 {
		t.Fatalf("expected one session+stages unit of work got %d", len(store.sessionStageBatches))
	}
	if len(store.sessionStageBatches[0]) != 2 {
		t.Fatalf("expected 2 stages got %d", len(store.sessionStageBatches[0]))
	}
	if _, ok := store.stages["sleep-1:stage:0"]; !ok {
		t.Fatalf("derived stage key missing, have %v", store.stages)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected 2 day scopes got %d", len(scopes))
	}
}

func TestNormalizeStageBeforeSessionFails(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	stage := rawRecordFor(t, store, "stage-1", domain.PayloadEnvelope{
		Type:  "sleep_stage",
		Start: "2024-01-01T23:00:00Z",
		End:   "2024-01-01T23:30:00Z",
		Fields: map[string]interface{}{
			"session_dedupe_key": "session-1",
			"stage_type":         "light",
		},
	})

	_, err := normalizer.Normalize(context.Background(), stage)
	var nerr *domain.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError got %v", err)
	}

	// Once the session exists, the same stage normalizes cleanly.
	session := rawRecordFor(t, store, "session-1", domain.PayloadEnvelope{
		Type:  "sleep",
		Start: "2024-01-01T22:00:00Z",
		End:   "2024-01-02T06:00:00Z",
	})
	if _, err := normalizer.Normalize(context.Background(), session); err != nil {
		t.Fatalf("session normalize failed: %v", err)
	}
	if _, err := normalizer.Normalize(context.Background(), stage); err != nil {
		t.Fatalf("stage should succeed after session: %v", err)
	}
	stored, ok := store.stages["stage-1"]
	if !ok {
		t.Fatalf("stage not stored")
	}
	if stored.SessionID != store.sessionIDs["session-1"] {
		t.Fatalf("stage not linked to session row")
	}
}

func TestNormalizeHeartRateScopeIsInstantDay(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	rec := rawRecordFor(t, store, "hr-2", domain.PayloadEnvelope{
		Type:   "hr",
		Start:  "2024-01-01T08:15:00Z",
		Fields: map[string]interface{}{"bpm": float64(72)},
	})

	scopes, err := normalizer.Normalize(context.Background(), rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scopes) != 1 {
		t.Fatalf("expected 1 scope got %d", len(scopes))
	}
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !scopes[0].Day.Equal(want) {
		t.Fatalf("expected day %v got %v", want, scopes[0].Day)
	}
}

func TestNormalizeMalformedPayloadSkipsStore(t *testing.T) {
	store := newMockStore()
	normalizer := NewNormalizer(store)

	rec := domain.RawRecord{UserID: "user-1", Payload: []byte("{"), DedupeKey: "bad-1"}
	_, err := normalizer.Normalize(context.Background(), rec)
	var nerr *domain.NormalizationError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NormalizationError got %v", err)
	}
	if len(store.steps)+len(store.heartRates)+len(store.sessions)+len(store.stages) != 0 {
		t.Fatalf("malformed record must not touch canonical tables")
	}
}
