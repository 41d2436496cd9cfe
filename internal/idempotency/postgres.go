package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository keeps records in idempotency_keys; the primary key on key is the
// unique constraint behind Reserve.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = "key, request_hash, state, COALESCE(transaction_id, 0), result, created_at, expires_at"

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var state string
	if err := row.Scan(&rec.Key, &rec.RequestHash, &state, &rec.TransactionID, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	rec.State = State(state)
	return &rec, nil
}

func (r *PostgresRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (*Record, bool, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, state, expires_at)
		 VALUES ($1, $2, 'in_flight', $3)
		 ON CONFLICT (key) DO UPDATE SET state = 'in_flight', expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.state = 'released' AND idempotency_keys.request_hash = EXCLUDED.request_hash
		 RETURNING `+recordColumns,
		key, requestHash, expiresAt))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("key reservation failed: %w", err)
	}

	// Conflict without update: someone else holds or finished the key.
	rec, err = scanRecord(r.db.QueryRow(ctx, "SELECT "+recordColumns+" FROM idempotency_keys WHERE key = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Purged between the two statements; let the caller retry as a fresh request.
			return r.Reserve(ctx, key, requestHash, expiresAt)
		}
		return nil, false, fmt.Errorf("idempotency query failed: %w", err)
	}
	return rec, false, nil
}

func (r *PostgresRepository) Attach(ctx context.Context, key string, transactionID int64) error {
	return r.transition(ctx,
		"UPDATE idempotency_keys SET transaction_id = $2 WHERE key = $1 AND state = 'in_flight'",
		key, transactionID)
}

func (r *PostgresRepository) Complete(ctx context.Context, key string, result []byte) error {
	return r.transition(ctx,
		"UPDATE idempotency_keys SET state = 'completed', result = $2 WHERE key = $1 AND state = 'in_flight'",
		key, result)
}

func (r *PostgresRepository) Release(ctx context.Context, key string) error {
	return r.transition(ctx,
		"UPDATE idempotency_keys SET state = 'released' WHERE key = $1 AND state = 'in_flight'",
		key)
}

func (r *PostgresRepository) transition(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInFlight
	}
	return nil
}

func (r *PostgresRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
