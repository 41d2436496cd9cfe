package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to LEDGER_TEST_DATABASE_URL and applies the migrations.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	m, err := migrate.New("file://../../migrations", dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		require.NoError(t, err)
	}
	_, _ = m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresTryAdjustBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, err := s.CreateAccount(ctx, "", 1000)
	require.NoError(t, err)

	tx := &domain.Transaction{
		SenderAccountID: acc.ID,
		Amount:          300,
		Status:          domain.StatusPending,
		IdempotencyKey:  fmt.Sprintf("pg-test-%d", time.Now().UnixNano()),
	}
	require.NoError(t, s.InsertTransaction(ctx, tx))

	posting := domain.Posting{TransactionID: tx.ID, Leg: domain.LegDebit}

	_, err = s.TryAdjustBalance(ctx, acc.ID, -300, acc.Version+1, posting)
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = s.TryAdjustBalance(ctx, acc.ID, -1001, acc.Version, posting)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	updated, err := s.TryAdjustBalance(ctx, acc.ID, -300, acc.Version, posting)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(700), updated.Balance)
	assert.Equal(t, acc.Version+1, updated.Version)

	_, err = s.TryAdjustBalance(ctx, acc.ID, -300, updated.Version, posting)
	assert.ErrorIs(t, err, domain.ErrLegAlreadyApplied)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(700), got.Balance, "a duplicate leg rolls back its balance change")

	entry, err := s.GetEntry(ctx, tx.ID, domain.LegDebit)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.Amount(-300), entry.Delta)

	missing, err := s.GetEntry(ctx, tx.ID, domain.LegCredit)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresTransactionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc, err := s.CreateAccount(ctx, "", 10)
	require.NoError(t, err)

	key := fmt.Sprintf("pg-status-%d", time.Now().UnixNano())
	tx := &domain.Transaction{SenderAccountID: acc.ID, Amount: 1, Status: domain.StatusPending, IdempotencyKey: key}
	require.NoError(t, s.InsertTransaction(ctx, tx))

	dup := &domain.Transaction{SenderAccountID: acc.ID, Amount: 1, Status: domain.StatusPending, IdempotencyKey: key}
	assert.ErrorIs(t, s.InsertTransaction(ctx, dup), domain.ErrDuplicateIdempotencyKey)

	require.NoError(t, s.UpdateTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed, "abandoned"))
	err = s.UpdateTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusCompleted, "")
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	got, err := s.GetTransactionByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "abandoned", got.FailureReason)
}

func TestPostgresCreditAndRefundExcludeEachOther(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sender, err := s.CreateAccount(ctx, "", 100)
	require.NoError(t, err)
	receiver, err := s.CreateAccount(ctx, "", 0)
	require.NoError(t, err)

	tx := &domain.Transaction{
		SenderAccountID:   sender.ID,
		ReceiverAccountID: &receiver.ID,
		Amount:            40,
		Status:            domain.StatusPending,
		IdempotencyKey:    fmt.Sprintf("pg-legs-%d", time.Now().UnixNano()),
	}
	require.NoError(t, s.InsertTransaction(ctx, tx))

	_, err = s.TryAdjustBalance(ctx, receiver.ID, 40, receiver.Version, domain.Posting{TransactionID: tx.ID, Leg: domain.LegCredit})
	require.NoError(t, err)
	_, err = s.TryAdjustBalance(ctx, sender.ID, 40, sender.Version, domain.Posting{TransactionID: tx.ID, Leg: domain.LegRefund})
	assert.ErrorIs(t, err, domain.ErrLegConflict)

	got, err := s.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(100), got.Balance)

	_, err = s.TryAdjustBalance(ctx, sender.ID, 1, got.Version, domain.Posting{TransactionID: tx.ID + 1_000_000, Leg: domain.LegDebit})
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	revs, err := s.ListReversals(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, revs)
}
