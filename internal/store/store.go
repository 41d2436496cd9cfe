// Package store holds the persistence contracts of the ledger and their PostgreSQL and
// in-memory implementations. The account balance is only ever mutated through
// AccountStore.TryAdjustBalance, a compare-and-swap on the account version.
package store

import (
	"context"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
)

type AccountStore interface {
	CreateAccount(ctx context.Context, email string, initial domain.Amount) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)

	// TryAdjustBalance applies delta only when the stored version equals expectedVersion
	// and the resulting balance stays non-negative. The ledger entry for posting is written
	// atomically with the balance change. Legs of one transaction are serialized: a credit
	// or refund fails with domain.ErrLegConflict once the other has been applied.
	TryAdjustBalance(ctx context.Context, id int64, delta domain.Amount, expectedVersion int64, posting domain.Posting) (*domain.Account, error)

	// GetEntry returns nil, nil when the leg has not been applied.
	GetEntry(ctx context.Context, transactionID int64, leg domain.Leg) (*domain.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error)
}

type TransactionStore interface {
	// InsertTransaction assigns ID and timestamps. A second transaction with the same
	// idempotency key fails with domain.ErrDuplicateIdempotencyKey.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	// UpdateTransactionStatus moves id from one status to another, failing with
	// domain.ErrStatusConflict if the stored status is not from.
	UpdateTransactionStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, reason string) error
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error)
	// ListReversals returns every transaction reversing originalID, oldest first.
	ListReversals(ctx context.Context, originalID int64) ([]domain.Transaction, error)
	// ListStalePending returns pending transactions not touched since before.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error)
}

type IncidentStore interface {
	RecordIncident(ctx context.Context, inc *domain.Incident) error
	ListOpenIncidents(ctx context.Context) ([]domain.Incident, error)
}

// Ledger bundles the three stores; both backends implement it.
type Ledger interface {
	AccountStore
	TransactionStore
	IncidentStore
}

var (
	_ Ledger = (*Store)(nil)
	_ Ledger = (*Memory)(nil)
)
