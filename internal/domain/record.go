package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawRecord is an immutable ingested device event. The payload is the opaque JSON
// envelope written at intake; it is only ever read back by the normalizer.
type RawRecord struct {
	ID          uuid.UUID
	UserID      string
	SourceID    *uuid.UUID
	CollectedAt time.Time
	ReceivedAt  time.Time
	Payload     []byte
	DedupeKey   string
}

// PayloadEnvelope is the JSON shape stored in raw_records.payload: the declared
// type tag, UTC-normalized timestamps, the batch timezone for interpreting any
// nested timestamps, and the type-specific fields.
type PayloadEnvelope struct {
	Type     string                 `json:"type"`
	Start    string                 `json:"start"`
	End      string                 `json:"end,omitempty"`
	Timezone string                 `json:"tz,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// RecordKind names the canonical table a payload normalizes into.
type RecordKind string

const (
	RecordKindSteps        RecordKind = "steps"
	RecordKindHeartRate    RecordKind = "heart_rate"
	RecordKindSleepSession RecordKind = "sleep_session"
	RecordKindSleepStage   RecordKind = "sleep_stage"
)

// Payload is the tagged union of record kinds produced by ParsePayload.
type Payload interface {
	Kind() RecordKind
}

// StepsPayload is a step-count sample over an interval (or an instant when the
// device omits end).
type StepsPayload struct {
	Start         time.Time
	End           time.Time
	Steps         int
	DistanceM     *float64
	ActiveMinutes *int
}

func (StepsPayload) Kind() RecordKind { return RecordKindSteps }

// HeartRatePayload is a single heart-rate sample.
type HeartRatePayload struct {
	RecordedAt    time.Time
	BPM           int
	Confidence    *string
	VariabilityMS *float64
}

func (HeartRatePayload) Kind() RecordKind { return RecordKindHeartRate }

// SleepSessionPayload is one sleep interval, optionally carrying its stages inline.
type SleepSessionPayload struct {
	Start           time.Time
	End             time.Time
	SleepType       *string
	Score           *int
	DurationSeconds int
	Stages          []SleepStagePayload
}

func (SleepSessionPayload) Kind() RecordKind { return RecordKindSleepSession }

// SleepStagePayload is one stage within a sleep session, referencing its session
// by dedupe key.
type SleepStagePayload struct {
	SessionDedupeKey string
	StageType        string
	Start            time.Time
	End              time.Time
	DurationSeconds  int
	DedupeKey        string
}

func (SleepStagePayload) Kind() RecordKind { return RecordKindSleepStage }

// DeriveDedupeKey computes a stable key for records the client sent without one.
func DeriveDedupeKey(userID, sourceKey, recordType, start, end string) string {
	sum := sha256.Sum256([]byte(userID + "|" + sourceKey + "|" + recordType + "|" + start + "|" + end))
	return hex.EncodeToString(sum[:])
}

// StageDedupeKey derives the key for an embedded stage that carries none of its own.
func StageDedupeKey(sessionKey string, index int) string {
	return fmt.Sprintf("%s:stage:%d", sessionKey, index)
}

// ParsePayload interprets a raw record by its declared type and returns exactly one
// payload variant. Every failure is a *NormalizationError carrying the record
// identity; callers treat those as per-record skips, never batch aborts.
func ParsePayload(rec RawRecord) (Payload, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "malformed payload: %v", err)
	}

	loc := time.UTC
	if env.Timezone != "" {
		if parsed, err := time.LoadLocation(env.Timezone); err == nil {
			loc = parsed
		}
	}

	start, err := ParseTimestamp(env.Start, loc)
	if err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid start: %v", err)
	}

	var end time.Time
	hasEnd := env.End != ""
	if hasEnd {
		end, err = ParseTimestamp(env.End, loc)
		if err != nil {
			return nil, NewNormalizationError(rec.DedupeKey, "invalid end: %v", err)
		}
	}

	switch env.Type {
	case "steps", "step_count":
		return parseSteps(rec, env, start, end, hasEnd)
	case "heart_rate", "hr":
		return parseHeartRate(rec, env, start)
	case "sleep_session", "sleep":
		return parseSleepSession(rec, env, start, end, hasEnd, loc)
	case "sleep_stage", "sleep_segment":
		return parseSleepStage(rec, env, start, end, hasEnd)
	default:
		return nil, NewNormalizationError(rec.DedupeKey, "unsupported record type %q", env.Type)
	}
}

func parseSteps(rec RawRecord, env PayloadEnvelope, start, end time.Time, hasEnd bool) (Payload, error) {
	if !hasEnd {
		end = start
	}
	if end.Before(start) {
		return nil, NewNormalizationError(rec.DedupeKey, "end precedes start")
	}

	steps, ok, err := intField(env.Fields, "steps")
	if err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid steps: %v", err)
	}
	if !ok {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field steps")
	}
	if steps < 0 {
		return nil, NewNormalizationError(rec.DedupeKey, "steps must be non-negative")
	}

	payload := StepsPayload{Start: start, End: end, Steps: steps}

	if distance, ok, err := floatField(env.Fields, "distance_m"); err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid distance_m: %v", err)
	} else if ok {
		if distance < 0 {
			return nil, NewNormalizationError(rec.DedupeKey, "distance_m must be non-negative")
		}
		payload.DistanceM = &distance
	}

	if minutes, ok, err := intField(env.Fields, "active_minutes"); err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid active_minutes: %v", err)
	} else if ok {
		payload.ActiveMinutes = &minutes
	}

	return payload, nil
}

func parseHeartRate(rec RawRecord, env PayloadEnvelope, start time.Time) (Payload, error) {
	bpm, ok, err := intField(env.Fields, "bpm")
	if err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid bpm: %v", err)
	}
	if !ok {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field bpm")
	}
	if bpm <= 0 {
		return nil, NewNormalizationError(rec.DedupeKey, "bpm must be positive")
	}

	payload := HeartRatePayload{RecordedAt: start, BPM: bpm}

	if confidence, ok := stringField(env.Fields, "confidence"); ok {
		payload.Confidence = &confidence
	}
	if hrv, ok, err := floatField(env.Fields, "variability_ms"); err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid variability_ms: %v", err)
	} else if ok {
		payload.VariabilityMS = &hrv
	}

	return payload, nil
}

func parseSleepSession(rec RawRecord, env PayloadEnvelope, start, end time.Time, hasEnd bool, loc *time.Location) (Payload, error) {
	if !hasEnd {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field end")
	}
	if !end.After(start) {
		return nil, NewNormalizationError(rec.DedupeKey, "end must be after start")
	}

	payload := SleepSessionPayload{Start: start, End: end}

	if sleepType, ok := stringField(env.Fields, "sleep_type"); ok {
		payload.SleepType = &sleepType
	}
	if score, ok, err := intField(env.Fields, "score"); err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid score: %v", err)
	} else if ok {
		payload.Score = &score
	}

	duration, ok, err := intField(env.Fields, "duration_seconds")
	if err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid duration_seconds: %v", err)
	}
	if !ok {
		duration = int(end.Sub(start).Seconds())
	}
	payload.DurationSeconds = duration

	rawStages, ok := env.Fields["stages"]
	if !ok {
		return payload, nil
	}
	stageList, ok := rawStages.([]interface{})
	if !ok {
		return nil, NewNormalizationError(rec.DedupeKey, "stages must be an array")
	}

	for i, item := range stageList {
		stageFields, ok := item.(map[string]interface{})
		if !ok {
			return nil, NewNormalizationError(rec.DedupeKey, "stage %d is not an object", i)
		}
		stage, err := parseEmbeddedStage(rec, stageFields, i, loc)
		if err != nil {
			return nil, err
		}
		payload.Stages = append(payload.Stages, stage)
	}

	return payload, nil
}

func parseEmbeddedStage(rec RawRecord, fields map[string]interface{}, index int, loc *time.Location) (SleepStagePayload, error) {
	stageType, ok := stringField(fields, "stage_type")
	if !ok {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d missing stage_type", index)
	}

	rawStart, ok := stringField(fields, "start")
	if !ok {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d missing start", index)
	}
	start, err := ParseTimestamp(rawStart, loc)
	if err != nil {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d invalid start: %v", index, err)
	}

	rawEnd, ok := stringField(fields, "end")
	if !ok {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d missing end", index)
	}
	end, err := ParseTimestamp(rawEnd, loc)
	if err != nil {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d invalid end: %v", index, err)
	}
	if !end.After(start) {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d end must be after start", index)
	}

	duration, ok, err := intField(fields, "duration_seconds")
	if err != nil {
		return SleepStagePayload{}, NewNormalizationError(rec.DedupeKey, "stage %d invalid duration_seconds: %v", index, err)
	}
	if !ok {
		duration = int(end.Sub(start).Seconds())
	}

	key, _ := stringField(fields, "dedupe_key")
	if key == "" {
		key = StageDedupeKey(rec.DedupeKey, index)
	}

	return SleepStagePayload{
		SessionDedupeKey: rec.DedupeKey,
		StageType:        stageType,
		Start:            start,
		End:              end,
		DurationSeconds:  duration,
		DedupeKey:        key,
	}, nil
}

func parseSleepStage(rec RawRecord, env PayloadEnvelope, start, end time.Time, hasEnd bool) (Payload, error) {
	sessionKey, ok := stringField(env.Fields, "session_dedupe_key")
	if !ok || sessionKey == "" {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field session_dedupe_key")
	}
	stageType, ok := stringField(env.Fields, "stage_type")
	if !ok {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field stage_type")
	}
	if !hasEnd {
		return nil, NewNormalizationError(rec.DedupeKey, "missing required field end")
	}
	if !end.After(start) {
		return nil, NewNormalizationError(rec.DedupeKey, "end must be after start")
	}

	duration, ok, err := intField(env.Fields, "duration_seconds")
	if err != nil {
		return nil, NewNormalizationError(rec.DedupeKey, "invalid duration_seconds: %v", err)
	}
	if !ok {
		duration = int(end.Sub(start).Seconds())
	}

	return SleepStagePayload{
		SessionDedupeKey: sessionKey,
		StageType:        stageType,
		Start:            start,
		End:              end,
		DurationSeconds:  duration,
		DedupeKey:        rec.DedupeKey,
	}, nil
}

func intField(fields map[string]interface{}, name string) (int, bool, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	num, ok := raw.(float64)
	if !ok {
		return 0, false, fmt.Errorf("%s is not a number", name)
	}
	value := int(num)
	if float64(value) != num {
		return 0, false, fmt.Errorf("%s is not an integer", name)
	}
	return value, true, nil
}

func floatField(fields map[string]interface{}, name string) (float64, bool, error) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return 0, false, nil
	}
	num, ok := raw.(float64)
	if !ok {
		return 0, false, fmt.Errorf("%s is not a number", name)
	}
	return num, true, nil
}

func stringField(fields map[string]interface{}, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok || raw == nil {
		return "", false
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
