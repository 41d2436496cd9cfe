package service

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSweeperSettlesStalePending(t *testing.T) {
	f := newFixture(t, testOptions(), 1000, 500)
	a, b := f.accounts[0], f.accounts[1]
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.ledger.SetClock(func() time.Time { return base })

	// A request that died after reserving its key but before moving money.
	req := transferReq(a, b, 100, "k-dead")
	d, err := f.guard.BeginOrGet(ctx, req.IdempotencyKey, req.Fingerprint())
	require.NoError(t, err)
	require.Equal(t, idempotency.FreshStart, d.Outcome)
	dead := &domain.Transaction{SenderAccountID: a, ReceiverAccountID: &b, Amount: 100, Status: domain.StatusPending, IdempotencyKey: req.IdempotencyKey}
	require.NoError(t, f.ledger.InsertTransaction(ctx, dead))

	// A request that died between debit and credit.
	half := &domain.Transaction{SenderAccountID: a, ReceiverAccountID: &b, Amount: 200, Status: domain.StatusPending, IdempotencyKey: "k-half"}
	require.NoError(t, f.ledger.InsertTransaction(ctx, half))
	acc, err := f.ledger.GetAccount(ctx, a)
	require.NoError(t, err)
	_, err = f.ledger.TryAdjustBalance(ctx, a, -200, acc.Version, domain.Posting{TransactionID: half.ID, Leg: domain.LegDebit})
	require.NoError(t, err)

	// Still fresh: must be left alone.
	f.ledger.SetClock(func() time.Time { return base.Add(9 * time.Minute) })
	fresh := &domain.Transaction{SenderAccountID: a, Amount: 1, Status: domain.StatusPending, IdempotencyKey: "k-fresh"}
	require.NoError(t, f.ledger.InsertTransaction(ctx, fresh))

	sweeper := NewSweeper(f.ledger, f.guard, f.events, 5*time.Minute, zaptest.NewLogger(t))
	sweeper.now = func() time.Time { return base.Add(10 * time.Minute) }

	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, 1, report.Escalated)

	tx, err := f.ledger.GetTransaction(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "abandoned", tx.FailureReason)

	tx, err = f.ledger.GetTransaction(ctx, half.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status, "money moved: only an operator may settle it")

	tx, err = f.ledger.GetTransaction(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)

	incidents, err := f.ledger.ListOpenIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentStalePendingWithEntries, incidents[0].Kind)
	assert.Equal(t, half.ID, incidents[0].TransactionID)

	// The dead request's key now replays the abandonment.
	res, err := f.service.Transfer(ctx, req)
	assert.ErrorIs(t, err, domain.ErrAbandoned)
	require.NotNil(t, res)
	assert.True(t, res.Replayed)
	assert.Equal(t, dead.ID, res.TransactionID)

	again, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Abandoned)
	assert.Zero(t, again.Escalated, "an open incident is not raised twice")

	assert.Contains(t, f.events.types(), notify.ReconciliationRequired)
	assert.Contains(t, f.events.types(), notify.TransferFailed)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testOptions())
	sweeper := NewSweeper(f.ledger, f.guard, f.events, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
