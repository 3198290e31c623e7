// Package pipeline wires the wearable ingestion flow: source resolution and raw
// intake in one transaction, then per-record normalization into canonical tables
// and full-recompute day rollups over the affected scopes.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"example.com/wearable/internal/domain"
)

// ErrETLFailed marks an unexpected failure after intake committed. Accepted raw
// records and any canonical rows written so far are preserved; a later rebuild
// can complete the work.
var ErrETLFailed = errors.New("etl failed after intake")

// ErrInvalidBatch marks a batch-level validation failure (bad source identity).
var ErrInvalidBatch = errors.New("invalid batch")

// Store captures the persistence operations the pipeline needs.
type Store interface {
	IngestBatch(ctx context.Context, src domain.Source, records []domain.RawRecord) (domain.IntakeResult, error)
	RawRecordsByKeys(ctx context.Context, userID string, keys []string) ([]domain.RawRecord, error)

	UpsertSteps(ctx context.Context, row domain.CanonicalSteps) error
	UpsertHeartRate(ctx context.Context, row domain.CanonicalHeartRate) error
	UpsertSleepSession(ctx context.Context, row domain.CanonicalSleepSession) (uuid.UUID, error)
	UpsertSleepSessionWithStages(ctx context.Context, session domain.CanonicalSleepSession, stages []domain.CanonicalSleepStage) (uuid.UUID, error)
	UpsertSleepStage(ctx context.Context, row domain.CanonicalSleepStage) error
	SleepSessionIDByKey(ctx context.Context, userID, dedupeKey string) (uuid.UUID, bool, error)

	DayTotals(ctx context.Context, userID string, sourceID *uuid.UUID, day time.Time) (domain.DayTotals, error)
	UpsertDailyAggregate(ctx context.Context, agg domain.DailyAggregate) error
	DeleteDailyAggregate(ctx context.Context, scope domain.DayScope) error
}

// BatchInput is one device sync batch from an authenticated caller.
type BatchInput struct {
	UserID      string
	Provider    string
	DeviceID    string
	DisplayName string
	Timezone    string
	Metadata    map[string]interface{}
	Records     []BatchRecord
}

// BatchRecord is one raw device event inside a batch. Start and End are ISO-8601
// strings, possibly timezone-naive; naive values are interpreted in the batch's
// timezone.
type BatchRecord struct {
	Type      string
	Start     string
	End       string
	Fields    map[string]interface{}
	DedupeKey string
}

// RecordError describes one rejected or skipped record.
type RecordError struct {
	Index     int
	DedupeKey string
	Reason    string
}

// ETLSummary reports the normalization and aggregation stage.
type ETLSummary struct {
	Processed  int
	Skipped    int
	Errors     int
	Aggregated int
}

// BatchSummary combines intake and ETL results for one batch. ETL is nil when the
// stage runs asynchronously.
type BatchSummary struct {
	Accepted   int
	Duplicates int
	Errors     []RecordError
	ETL        *ETLSummary
}
