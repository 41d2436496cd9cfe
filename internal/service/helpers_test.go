package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/notify"
	"github.com/punchamoorthee/walletops/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// adjustFault decides what happens to one TryAdjustBalance call. apply runs the real
// adjustment before err is returned, which simulates a write that landed but whose
// acknowledgement was lost.
type adjustFault func(accountID int64, posting domain.Posting) (apply bool, err error)

// faultyLedger wraps the memory ledger with injectable storage failures.
type faultyLedger struct {
	*store.Memory

	mu         sync.Mutex
	adjust     adjustFault
	entryFault func(txID int64, leg domain.Leg) error
	// hidden makes GetEntry report a leg as absent, like a read that raced the commit.
	hidden func(txID int64, leg domain.Leg) bool
}

func newFaultyLedger() *faultyLedger {
	return &faultyLedger{Memory: store.NewMemory()}
}

func (f *faultyLedger) setAdjustFault(fn adjustFault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjust = fn
}

func (f *faultyLedger) setEntryFault(fn func(txID int64, leg domain.Leg) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryFault = fn
}

func (f *faultyLedger) hideEntries(fn func(txID int64, leg domain.Leg) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = fn
}

func (f *faultyLedger) TryAdjustBalance(ctx context.Context, id int64, delta domain.Amount, expectedVersion int64, posting domain.Posting) (*domain.Account, error) {
	f.mu.Lock()
	fault := f.adjust
	f.mu.Unlock()

	if fault != nil {
		if apply, err := fault(id, posting); err != nil {
			if apply {
				_, _ = f.Memory.TryAdjustBalance(ctx, id, delta, expectedVersion, posting)
			}
			return nil, err
		}
	}
	return f.Memory.TryAdjustBalance(ctx, id, delta, expectedVersion, posting)
}

func (f *faultyLedger) GetEntry(ctx context.Context, txID int64, leg domain.Leg) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	fault, hidden := f.entryFault, f.hidden
	f.mu.Unlock()

	if fault != nil {
		if err := fault(txID, leg); err != nil {
			return nil, err
		}
	}
	if hidden != nil && hidden(txID, leg) {
		return nil, nil
	}
	return f.Memory.GetEntry(ctx, txID, leg)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingDispatcher) Notify(ctx context.Context, event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingDispatcher) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testOptions() Options {
	return Options{
		MaxConflictRetries: 100,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
		StorageTimeout:     time.Second,
		RepairAttempts:     3,
	}
}

type fixture struct {
	ledger   *faultyLedger
	guard    *idempotency.Guard
	events   *recordingDispatcher
	service  *TransferService
	accounts []int64
}

func newFixture(t *testing.T, opts Options, balances ...domain.Amount) *fixture {
	t.Helper()

	ledger := newFaultyLedger()
	guard := idempotency.NewGuard(idempotency.NewMemoryRepository(), time.Hour)
	events := &recordingDispatcher{}

	f := &fixture{
		ledger:  ledger,
		guard:   guard,
		events:  events,
		service: NewTransferService(ledger, guard, events, opts, zaptest.NewLogger(t)),
	}
	for _, b := range balances {
		acc, err := ledger.CreateAccount(context.Background(), "", b)
		require.NoError(t, err)
		f.accounts = append(f.accounts, acc.ID)
	}
	return f
}

func (f *fixture) balance(t *testing.T, id int64) domain.Amount {
	t.Helper()
	acc, err := f.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) total(t *testing.T) domain.Amount {
	t.Helper()
	var sum domain.Amount
	for _, id := range f.accounts {
		sum += f.balance(t, id)
	}
	return sum
}

func transferReq(from, to int64, amount domain.Amount, key string) domain.TransferRequest {
	return domain.TransferRequest{
		SenderID:       from,
		ReceiverID:     &to,
		Amount:         amount,
		IdempotencyKey: key,
	}
}
