package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTryAdjustBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	acc, err := m.CreateAccount(ctx, "alice@example.com", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Version)

	updated, err := m.TryAdjustBalance(ctx, acc.ID, -300, 1, domain.Posting{TransactionID: 1, Leg: domain.LegDebit})
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(700), updated.Balance)
	assert.Equal(t, int64(2), updated.Version)

	entry, err := m.GetEntry(ctx, 1, domain.LegDebit)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, domain.Amount(-300), entry.Delta)
	assert.Equal(t, domain.Amount(700), entry.BalanceAfter)
	assert.Equal(t, int64(2), entry.VersionAfter)
}

func TestMemoryTryAdjustBalanceRejections(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acc, err := m.CreateAccount(ctx, "", 100)
	require.NoError(t, err)

	_, err = m.TryAdjustBalance(ctx, acc.ID, -10, 7, domain.Posting{TransactionID: 1, Leg: domain.LegDebit})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = m.TryAdjustBalance(ctx, acc.ID, -101, 1, domain.Posting{TransactionID: 1, Leg: domain.LegDebit})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.TryAdjustBalance(ctx, 999, 10, 1, domain.Posting{TransactionID: 1, Leg: domain.LegCredit})
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = m.TryAdjustBalance(ctx, acc.ID, -100, 1, domain.Posting{TransactionID: 1, Leg: domain.LegDebit})
	require.NoError(t, err)
	_, err = m.TryAdjustBalance(ctx, acc.ID, 50, 2, domain.Posting{TransactionID: 1, Leg: domain.LegDebit})
	assert.ErrorIs(t, err, domain.ErrLegAlreadyApplied)

	got, err := m.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(0), got.Balance, "rejected adjustments apply nothing")
	assert.Equal(t, int64(2), got.Version)

	missing, err := m.GetEntry(ctx, 1, domain.LegCredit)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	acc, err := m.CreateAccount(ctx, "", 0)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.TryAdjustBalance(ctx, acc.ID, 10, 1, domain.Posting{TransactionID: int64(i + 1), Leg: domain.LegCredit})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "only one writer can hold the expected version")
	got, err := m.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(10), got.Balance)
}

func TestMemoryEmailLookup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	acc, err := m.CreateAccount(ctx, " Bob@Example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", acc.Email)

	_, err = m.CreateAccount(ctx, "bob@example.com", 0)
	assert.ErrorIs(t, err, domain.ErrEmailTaken)

	found, err := m.GetAccountByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, found.ID)

	_, err = m.GetAccountByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestMemoryTransactions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.CreateAccount(ctx, "", 100)
	b, _ := m.CreateAccount(ctx, "", 100)

	tx := &domain.Transaction{SenderAccountID: a.ID, ReceiverAccountID: &b.ID, Amount: 5, Status: domain.StatusPending, IdempotencyKey: "k1"}
	require.NoError(t, m.InsertTransaction(ctx, tx))
	assert.NotZero(t, tx.ID)

	dup := &domain.Transaction{SenderAccountID: a.ID, Amount: 5, Status: domain.StatusPending, IdempotencyKey: "k1"}
	assert.ErrorIs(t, m.InsertTransaction(ctx, dup), domain.ErrDuplicateIdempotencyKey)

	byKey, err := m.GetTransactionByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, byKey.ID)

	require.NoError(t, m.UpdateTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusCompleted, ""))
	err = m.UpdateTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed, "x")
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	err = m.UpdateTransactionStatus(ctx, 404, domain.StatusPending, domain.StatusFailed, "x")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	forB, err := m.ListTransactions(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, domain.StatusCompleted, forB[0].Status)
}

func TestMemoryListStalePending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.CreateAccount(ctx, "", 100)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })
	old := &domain.Transaction{SenderAccountID: a.ID, Amount: 1, Status: domain.StatusPending, IdempotencyKey: "old"}
	require.NoError(t, m.InsertTransaction(ctx, old))

	m.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	fresh := &domain.Transaction{SenderAccountID: a.ID, Amount: 1, Status: domain.StatusPending, IdempotencyKey: "fresh"}
	require.NoError(t, m.InsertTransaction(ctx, fresh))

	stale, err := m.ListStalePending(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	// Touching a pending transaction refreshes its staleness clock.
	require.NoError(t, m.UpdateTransactionStatus(ctx, old.ID, domain.StatusPending, domain.StatusPending, ""))
	stale, err = m.ListStalePending(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestMemoryCreditAndRefundExcludeEachOther(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sender, err := m.CreateAccount(ctx, "", 100)
	require.NoError(t, err)
	receiver, err := m.CreateAccount(ctx, "", 0)
	require.NoError(t, err)

	_, err = m.TryAdjustBalance(ctx, receiver.ID, 40, 1, domain.Posting{TransactionID: 5, Leg: domain.LegCredit})
	require.NoError(t, err)
	_, err = m.TryAdjustBalance(ctx, sender.ID, 40, 1, domain.Posting{TransactionID: 5, Leg: domain.LegRefund})
	assert.ErrorIs(t, err, domain.ErrLegConflict)

	_, err = m.TryAdjustBalance(ctx, sender.ID, 10, 1, domain.Posting{TransactionID: 6, Leg: domain.LegRefund})
	require.NoError(t, err)
	_, err = m.TryAdjustBalance(ctx, receiver.ID, 10, 2, domain.Posting{TransactionID: 6, Leg: domain.LegCredit})
	assert.ErrorIs(t, err, domain.ErrLegConflict)

	got, err := m.GetAccount(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(110), got.Balance)
	got, err = m.GetAccount(ctx, receiver.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Amount(40), got.Balance)
}

func TestMemoryListReversals(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	orig := &domain.Transaction{SenderAccountID: 1, Amount: 5, Status: domain.StatusCompleted, IdempotencyKey: "orig"}
	require.NoError(t, m.InsertTransaction(ctx, orig))
	for i := range 2 {
		rev := &domain.Transaction{SenderAccountID: 2, Amount: 5, Status: domain.StatusPending,
			IdempotencyKey: domain.ReversalKey(orig.ID, i), ReversalOf: &orig.ID}
		require.NoError(t, m.InsertTransaction(ctx, rev))
	}

	revs, err := m.ListReversals(ctx, orig.ID)
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, domain.ReversalKey(orig.ID, 0), revs[0].IdempotencyKey)

	none, err := m.ListReversals(ctx, revs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}
