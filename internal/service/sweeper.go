package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/idempotency"
	"github.com/punchamoorthee/walletops/internal/notify"
	"github.com/punchamoorthee/walletops/internal/store"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// Sweeper settles transactions that stayed pending after their request died, and
// purges expired idempotency records.
type Sweeper struct {
	ledger     store.Ledger
	guard      *idempotency.Guard
	notifier   notify.Dispatcher
	staleAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(ledger store.Ledger, guard *idempotency.Guard, notifier notify.Dispatcher, staleAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		ledger:     ledger,
		guard:      guard,
		notifier:   notifier,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Purged    int64
	Abandoned int
	Escalated int
}

// Sweep runs one pass. A stale pending transaction without ledger entries never moved
// money and is marked failed; one with entries is escalated, once, for reconciliation.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	purged, err := s.guard.Purge(ctx)
	if err != nil {
		s.logger.Warn("Failed to purge idempotency records", zap.Error(err))
	}
	report.Purged = purged

	stale, err := s.ledger.ListStalePending(ctx, s.now().Add(-s.staleAfter), sweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale transactions: %w", err)
	}
	if len(stale) == 0 {
		return report, nil
	}

	open, err := s.ledger.ListOpenIncidents(ctx)
	if err != nil {
		return report, fmt.Errorf("list open incidents: %w", err)
	}
	escalated := make(map[int64]bool, len(open))
	for _, inc := range open {
		escalated[inc.TransactionID] = true
	}

	for i := range stale {
		tx := &stale[i]
		if escalated[tx.ID] {
			continue
		}

		moved, err := s.hasEntries(ctx, tx.ID)
		if err != nil {
			s.logger.Warn("Failed to inspect stale transaction", zap.Int64("transaction_id", tx.ID), zap.Error(err))
			continue
		}

		if moved {
			if err := s.escalate(ctx, tx); err != nil {
				s.logger.Warn("Failed to record incident", zap.Int64("transaction_id", tx.ID), zap.Error(err))
				continue
			}
			report.Escalated++
			continue
		}

		abandoned, err := s.abandon(ctx, tx)
		if err != nil {
			s.logger.Warn("Failed to abandon stale transaction", zap.Int64("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		if abandoned {
			report.Abandoned++
		}
	}

	if report.Abandoned > 0 || report.Escalated > 0 || report.Purged > 0 {
		s.logger.Info("Sweep finished",
			zap.Int64("purged_keys", report.Purged),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("escalated", report.Escalated))
	}
	return report, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) hasEntries(ctx context.Context, txID int64) (bool, error) {
	for _, leg := range []domain.Leg{domain.LegDebit, domain.LegCredit, domain.LegRefund} {
		entry, err := s.ledger.GetEntry(ctx, txID, leg)
		if err != nil {
			return false, err
		}
		if entry != nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Sweeper) abandon(ctx context.Context, tx *domain.Transaction) (bool, error) {
	code := domain.Code(domain.ErrAbandoned)
	err := s.ledger.UpdateTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed, code)
	if errors.Is(err, domain.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := domain.TransferResult{TransactionID: tx.ID, Status: domain.StatusFailed, ErrorCode: code}
	if err := s.guard.Complete(ctx, tx.IdempotencyKey, res); err != nil && !errors.Is(err, idempotency.ErrNotInFlight) {
		s.logger.Warn("Failed to finalize idempotency key", zap.String("idempotency_key", tx.IdempotencyKey), zap.Error(err))
	}
	s.notifier.Notify(ctx, notify.NewEvent(notify.TransferFailed, tx, code))
	return true, nil
}

func (s *Sweeper) escalate(ctx context.Context, tx *domain.Transaction) error {
	inc := &domain.Incident{
		TransactionID: tx.ID,
		AccountID:     tx.SenderAccountID,
		Amount:        tx.Amount,
		Kind:          domain.IncidentStalePendingWithEntries,
		Detail:        fmt.Sprintf("pending since %s with applied ledger entries", tx.UpdatedAt.UTC().Format(time.RFC3339)),
	}
	if err := s.ledger.RecordIncident(ctx, inc); err != nil {
		return err
	}

	incidentsTotal.WithLabelValues(string(inc.Kind)).Inc()
	s.logger.Error("Reconciliation required",
		zap.Int64("transaction_id", tx.ID),
		zap.Int64("account_id", tx.SenderAccountID),
		zap.Stringer("amount", tx.Amount),
		zap.String("kind", string(inc.Kind)))
	s.notifier.Notify(ctx, notify.NewEvent(notify.ReconciliationRequired, tx, string(inc.Kind)))
	return nil
}
