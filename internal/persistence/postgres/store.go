// Package postgres provides Postgres-backed persistence for the wearable pipeline.
// Every idempotency guarantee lives here as a single-statement ON CONFLICT upsert.
package postgres

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/wearable/internal/domain"
)

// Store provides access to sources, raw records, canonical tables, and rollups.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// IngestBatch resolves the batch's source and inserts its raw records inside one
// transaction. Source resolution is an atomic upsert on the source dedupe key, so
// concurrent batches for the same device serialize on the row instead of racing.
// Raw inserts are insert-if-absent: an existing dedupe key is counted as a
// duplicate, not an error. Any database error rolls the whole batch back.
func (s *Store) IngestBatch(ctx context.Context, src domain.Source, records []domain.RawRecord) (domain.IntakeResult, error) {
	var result domain.IntakeResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	metadata := src.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return result, err
	}

	const upsertSource = `INSERT INTO sources (id, user_id, provider, external_id, display_name, sync_metadata, last_synced_at, dedupe_key, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,NOW(),$7,NOW(),NOW())
        ON CONFLICT (dedupe_key) DO UPDATE SET
            sync_metadata = EXCLUDED.sync_metadata,
            display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE sources.display_name END,
            last_synced_at = NOW(),
            updated_at = NOW()
        RETURNING id`

	var sourceID uuid.UUID
	err = tx.QueryRow(ctx, upsertSource,
		uuid.New(),
		src.UserID,
		src.Provider,
		src.ExternalID,
		src.DisplayName,
		metadataJSON,
		src.DedupeKey,
	).Scan(&sourceID)
	if err != nil {
		return result, err
	}
	result.SourceID = sourceID

	const insertRaw = `INSERT INTO raw_records (id, user_id, source_id, collected_at, received_at, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (dedupe_key) DO NOTHING`

	for _, rec := range records {
		var tag pgconn.CommandTag
		tag, err = tx.Exec(ctx, insertRaw,
			uuid.New(),
			rec.UserID,
			sourceID,
			rec.CollectedAt,
			rec.ReceivedAt,
			rec.Payload,
			rec.DedupeKey,
		)
		if err != nil {
			return result, err
		}
		if tag.RowsAffected() == 1 {
			result.AcceptedKeys = append(result.AcceptedKeys, rec.DedupeKey)
		} else {
			result.Duplicates++
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// RawRecordsByKeys loads the raw rows for a set of dedupe keys in intake order.
func (s *Store) RawRecordsByKeys(ctx context.Context, userID string, keys []string) ([]domain.RawRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	const query = `SELECT id, user_id, source_id, collected_at, received_at, payload, dedupe_key
        FROM raw_records
        WHERE user_id=$1 AND dedupe_key = ANY($2)
        ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, userID, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.RawRecord, 0, len(keys))
	for rows.Next() {
		var rec domain.RawRecord
		var sourceID uuid.NullUUID
		if err := rows.Scan(&rec.ID, &rec.UserID, &sourceID, &rec.CollectedAt, &rec.ReceivedAt, &rec.Payload, &rec.DedupeKey); err != nil {
			return nil, err
		}
		if sourceID.Valid {
			id := sourceID.UUID
			rec.SourceID = &id
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
