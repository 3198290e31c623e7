package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/wearable/internal/domain"
	"example.com/wearable/internal/observability"
)

const defaultETLTimeout = 2 * time.Minute

// Service is the pipeline orchestrator. Intake (source resolution + raw inserts)
// runs in one transaction; normalization and aggregation run after the intake
// commit, over exactly the keys that were newly accepted.
type Service struct {
	store      Store
	normalizer *Normalizer
	aggregator *Aggregator
	logger     *zap.Logger
	asyncETL   bool
	etlTimeout time.Duration
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithAsyncETL makes the ETL stage run in a background goroutine after intake
// commits. The batch summary then reports intake counts only.
func WithAsyncETL(timeout time.Duration) Option {
	return func(s *Service) {
		s.asyncETL = true
		if timeout > 0 {
			s.etlTimeout = timeout
		}
	}
}

// NewService constructs the pipeline Service.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:      store,
		normalizer: NewNormalizer(store),
		aggregator: NewAggregator(store),
		logger:     logger,
		etlTimeout: defaultETLTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Aggregator exposes the rollup primitive for administrative rebuilds.
func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

// IngestBatch validates and ingests one batch, then runs the ETL stage. Malformed
// records are collected as per-record errors and never block their siblings. The
// returned summary is valid even when the error is ErrETLFailed: intake committed
// and the caller must still see what was stored.
func (s *Service) IngestBatch(ctx context.Context, input BatchInput) (*BatchSummary, error) {
	started := time.Now()

	if err := domain.ValidateSourceIdentity(input.Provider, input.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	loc, err := domain.LoadTimezone(input.Timezone)
	if err != nil {
		return nil, err
	}

	sourceKey := domain.SourceDedupeKey(input.UserID, input.Provider, input.DeviceID)
	source := domain.Source{
		UserID:      input.UserID,
		Provider:    input.Provider,
		ExternalID:  input.DeviceID,
		DisplayName: input.DisplayName,
		Metadata:    input.Metadata,
		DedupeKey:   sourceKey,
	}

	summary := &BatchSummary{Errors: []RecordError{}}
	now := time.Now().UTC()
	records := make([]domain.RawRecord, 0, len(input.Records))
	for i, rec := range input.Records {
		raw, buildErr := buildRawRecord(input.UserID, sourceKey, input.Timezone, loc, now, rec)
		if buildErr != nil {
			summary.Errors = append(summary.Errors, RecordError{Index: i, DedupeKey: rec.DedupeKey, Reason: buildErr.Error()})
			continue
		}
		records = append(records, raw)
	}

	intake, err := s.store.IngestBatch(ctx, source, records)
	if err != nil {
		return nil, fmt.Errorf("intake: %w", err)
	}
	summary.Accepted = len(intake.AcceptedKeys)
	summary.Duplicates = intake.Duplicates
	observability.RecordIntake(summary.Accepted, summary.Duplicates, len(summary.Errors))

	s.logger.Info("batch ingested",
		zap.String("user_id", input.UserID),
		zap.String("source_id", intake.SourceID.String()),
		zap.Int("accepted", summary.Accepted),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("rejected", len(summary.Errors)))

	if s.asyncETL {
		go s.runETLDetached(input.UserID, intake.SourceID, intake.AcceptedKeys)
		observability.ObserveBatchDuration(time.Since(started))
		observability.RecordBatchProcessed(time.Now().UTC())
		return summary, nil
	}

	etl, skipped, etlErr := s.runETL(ctx, input.UserID, intake.SourceID, intake.AcceptedKeys)
	summary.ETL = &etl
	summary.Errors = append(summary.Errors, skipped...)

	observability.ObserveBatchDuration(time.Since(started))
	observability.RecordBatchProcessed(time.Now().UTC())

	if etlErr != nil {
		s.reportETLFailure(input.UserID, intake.SourceID, etlErr)
		return summary, fmt.Errorf("%w: %v", ErrETLFailed, etlErr)
	}
	return summary, nil
}

// RunETL normalizes the given raw records and recomputes every affected day
// rollup. Exposed for administrative re-processing of already-ingested keys.
func (s *Service) RunETL(ctx context.Context, userID string, sourceID uuid.UUID, keys []string) (ETLSummary, error) {
	etl, _, err := s.runETL(ctx, userID, sourceID, keys)
	return etl, err
}

func (s *Service) runETLDetached(userID string, sourceID uuid.UUID, keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.etlTimeout)
	defer cancel()

	if _, _, err := s.runETL(ctx, userID, sourceID, keys); err != nil {
		s.reportETLFailure(userID, sourceID, err)
	}
}

func (s *Service) runETL(ctx context.Context, userID string, sourceID uuid.UUID, keys []string) (ETLSummary, []RecordError, error) {
	var etl ETLSummary
	var skipped []RecordError

	if len(keys) == 0 {
		return etl, nil, nil
	}

	records, err := s.store.RawRecordsByKeys(ctx, userID, keys)
	if err != nil {
		etl.Errors++
		return etl, nil, fmt.Errorf("load raw records: %w", err)
	}

	scopes := scopeSet{}
	for _, rec := range records {
		recScopes, err := s.normalizer.Normalize(ctx, rec)
		if err != nil {
			var nerr *domain.NormalizationError
			if errors.As(err, &nerr) {
				etl.Skipped++
				skipped = append(skipped, RecordError{DedupeKey: nerr.DedupeKey, Reason: nerr.Reason})
				observability.RecordETLOutcome("skipped")
				s.logger.Warn("record skipped",
					zap.String("user_id", userID),
					zap.String("dedupe_key", nerr.DedupeKey),
					zap.String("reason", nerr.Reason))
				continue
			}
			// Unexpected persistence error: abort the remaining work for this
			// batch. Already-normalized records stay committed.
			etl.Errors++
			observability.RecordETLOutcome("failed")
			return etl, skipped, fmt.Errorf("normalize %s: %w", rec.DedupeKey, err)
		}
		etl.Processed++
		observability.RecordETLOutcome("processed")

		for _, scope := range recScopes {
			scopes[scope.Key()] = scope
			all := scope.AllSources()
			scopes[all.Key()] = all
		}
	}

	for _, scope := range scopes {
		if err := s.aggregator.UpsertDay(ctx, scope); err != nil {
			etl.Errors++
			return etl, skipped, err
		}
		etl.Aggregated++
	}
	observability.RecordDaysAggregated(etl.Aggregated)

	return etl, skipped, nil
}

func (s *Service) reportETLFailure(userID string, sourceID uuid.UUID, err error) {
	s.logger.Error("etl failed after intake",
		zap.String("user_id", userID),
		zap.String("source_id", sourceID.String()),
		zap.Error(err))
	sentry.CaptureException(err)
}

func buildRawRecord(userID, sourceKey, tzName string, loc *time.Location, now time.Time, rec BatchRecord) (domain.RawRecord, error) {
	start, err := domain.ParseTimestamp(rec.Start, loc)
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("invalid start: %v", err)
	}

	var endValue string
	if rec.End != "" {
		end, err := domain.ParseTimestamp(rec.End, loc)
		if err != nil {
			return domain.RawRecord{}, fmt.Errorf("invalid end: %v", err)
		}
		if end.Before(start) {
			return domain.RawRecord{}, errors.New("end precedes start")
		}
		endValue = end.Format(time.RFC3339Nano)
	}

	startValue := start.Format(time.RFC3339Nano)
	dedupeKey := rec.DedupeKey
	if dedupeKey == "" {
		dedupeKey = domain.DeriveDedupeKey(userID, sourceKey, rec.Type, startValue, endValue)
	}

	payload, err := json.Marshal(domain.PayloadEnvelope{
		Type:     rec.Type,
		Start:    startValue,
		End:      endValue,
		Timezone: tzName,
		Fields:   rec.Fields,
	})
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("serialize payload: %v", err)
	}

	return domain.RawRecord{
		UserID:      userID,
		CollectedAt: start,
		ReceivedAt:  now,
		Payload:     payload,
		DedupeKey:   dedupeKey,
	}, nil
}
