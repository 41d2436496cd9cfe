package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletops/internal/domain"
)

const uniqueViolation = "23505"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

const accountColumns = "id, COALESCE(email, ''), balance, version, created_at, updated_at"

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var balance int64
	if err := row.Scan(&a.ID, &a.Email, &balance, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = domain.Amount(balance)
	return &a, nil
}

// CreateAccount inserts an account at version 1 with the given opening balance.
func (s *Store) CreateAccount(ctx context.Context, email string, initial domain.Amount) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"INSERT INTO accounts (email, balance) VALUES (NULLIF(lower(trim($1)), ''), $2) RETURNING "+accountColumns,
		email, int64(initial)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrEmailTaken
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return acc, nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE email = lower(trim($1))", email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return acc, nil
}

// TryAdjustBalance is a compare-and-swap on accounts.version. The conditional UPDATE and
// the ledger entry insert share one database transaction, so a leg is either fully
// applied (balance, version, entry) or not at all. The transaction row is locked first,
// so a credit and a refund of the same transfer cannot commit side by side.
func (s *Store) TryAdjustBalance(ctx context.Context, id int64, delta domain.Amount, expectedVersion int64, posting domain.Posting) (*domain.Account, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockLegs(ctx, tx, posting); err != nil {
		return nil, err
	}

	acc, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts
		 SET balance = balance + $1, version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3 AND balance + $1 >= 0
		 RETURNING `+accountColumns,
		int64(delta), id, expectedVersion))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyRejectedAdjust(ctx, tx, id, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (transaction_id, account_id, leg, delta, balance_after, version_after)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		posting.TransactionID, id, string(posting.Leg), int64(delta), int64(acc.Balance), acc.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrLegAlreadyApplied
		}
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return acc, nil
}

// lockLegs takes the row lock of the posting's transaction and refuses a leg whose
// counterpart already committed. Read committed gives the check a fresh snapshot after
// the lock is granted.
func lockLegs(ctx context.Context, tx pgx.Tx, posting domain.Posting) error {
	var txID int64
	err := tx.QueryRow(ctx, "SELECT id FROM transactions WHERE id = $1 FOR UPDATE", posting.TransactionID).Scan(&txID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTransactionNotFound
		}
		return fmt.Errorf("transaction lock failed: %w", err)
	}

	other, ok := posting.Leg.Excludes()
	if !ok {
		return nil
	}
	var applied bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE transaction_id = $1 AND leg = $2)",
		posting.TransactionID, string(other)).Scan(&applied)
	if err != nil {
		return fmt.Errorf("ledger entry query failed: %w", err)
	}
	if applied {
		return domain.ErrLegConflict
	}
	return nil
}

// classifyRejectedAdjust explains why the conditional UPDATE matched no row.
func (s *Store) classifyRejectedAdjust(ctx context.Context, tx pgx.Tx, id, expectedVersion int64) error {
	var version int64
	err := tx.QueryRow(ctx, "SELECT version FROM accounts WHERE id = $1", id).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAccountNotFound
		}
		return fmt.Errorf("account query failed: %w", err)
	}
	if version != expectedVersion {
		return domain.ErrConcurrencyConflict
	}
	return domain.ErrInsufficientFunds
}

const entryColumns = "id, transaction_id, account_id, leg, delta, balance_after, version_after, created_at"

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var leg string
	var delta, balanceAfter int64
	if err := row.Scan(&e.ID, &e.TransactionID, &e.AccountID, &leg, &delta, &balanceAfter, &e.VersionAfter, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Leg = domain.Leg(leg)
	e.Delta = domain.Amount(delta)
	e.BalanceAfter = domain.Amount(balanceAfter)
	return &e, nil
}

func (s *Store) GetEntry(ctx context.Context, transactionID int64, leg domain.Leg) (*domain.LedgerEntry, error) {
	e, err := scanEntry(s.Db.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE transaction_id = $1 AND leg = $2",
		transactionID, string(leg)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger entry query failed: %w", err)
	}
	return e, nil
}

// ListEntries retrieves ledger entries for a specific account, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.Db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC",
		accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries query failed: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger entry scan failed: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *Store) ensureAccount(ctx context.Context, accountID int64) error {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("account query failed: %w", err)
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return nil
}

const transactionColumns = `id, sender_account_id, receiver_account_id, amount, note, status,
	idempotency_key, failure_reason, reversal_of, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount int64
	var status string
	if err := row.Scan(&t.ID, &t.SenderAccountID, &t.ReceiverAccountID, &amount, &t.Note, &status,
		&t.IdempotencyKey, &t.FailureReason, &t.ReversalOf, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Amount = domain.Amount(amount)
	t.Status = domain.TransactionStatus(status)
	return &t, nil
}

func (s *Store) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO transactions (sender_account_id, receiver_account_id, amount, note, status, idempotency_key, reversal_of)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		t.SenderAccountID, t.ReceiverAccountID, int64(t.Amount), t.Note, string(t.Status), t.IdempotencyKey, t.ReversalOf,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

// GetTransaction retrieves transaction details.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	t, err := scanTransaction(s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return t, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.Db.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction query failed: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, reason string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = now()
		 WHERE id = $3 AND status = $4`,
		string(to), reason, id, string(from))
	if err != nil {
		return fmt.Errorf("transaction status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return err
		}
		return domain.ErrStatusConflict
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error) {
	if err := s.ensureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.queryTransactions(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		 WHERE sender_account_id = $1 OR receiver_account_id = $1
		 ORDER BY id DESC LIMIT $2`,
		accountID, limit)
}

func (s *Store) ListReversals(ctx context.Context, originalID int64) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reversal_of = $1 ORDER BY id ASC",
		originalID)
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		 WHERE status = 'pending' AND updated_at < $1
		 ORDER BY id ASC LIMIT $2`,
		before, limit)
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transactions query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("transaction scan failed: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) RecordIncident(ctx context.Context, inc *domain.Incident) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO reconciliation_incidents (transaction_id, account_id, amount, kind, detail)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		inc.TransactionID, inc.AccountID, int64(inc.Amount), string(inc.Kind), inc.Detail,
	).Scan(&inc.ID, &inc.CreatedAt)
	if err != nil {
		return fmt.Errorf("incident insert failed: %w", err)
	}
	return nil
}

func (s *Store) ListOpenIncidents(ctx context.Context) ([]domain.Incident, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, transaction_id, account_id, amount, kind, detail, created_at, resolved_at
		 FROM reconciliation_incidents WHERE resolved_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("incidents query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Incident
	for rows.Next() {
		var inc domain.Incident
		var amount int64
		var kind string
		if err := rows.Scan(&inc.ID, &inc.TransactionID, &inc.AccountID, &amount, &kind, &inc.Detail, &inc.CreatedAt, &inc.ResolvedAt); err != nil {
			return nil, fmt.Errorf("incident scan failed: %w", err)
		}
		inc.Amount = domain.Amount(amount)
		inc.Kind = domain.IncidentKind(kind)
		out = append(out, inc)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
