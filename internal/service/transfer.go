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

type Options struct {
	// MaxConflictRetries bounds the re-read and retry cycles after a version conflict.
	MaxConflictRetries int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	// StorageTimeout bounds every single storage call.
	StorageTimeout time.Duration
	// RepairAttempts bounds retries of refunds, status writes and incident writes.
	RepairAttempts int
}

func DefaultOptions() Options {
	return Options{
		MaxConflictRetries: 5,
		RetryBaseDelay:     5 * time.Millisecond,
		RetryMaxDelay:      200 * time.Millisecond,
		StorageTimeout:     2 * time.Second,
		RepairAttempts:     5,
	}
}

// TransferService moves money between accounts as a saga: debit the sender, credit the
// receiver, and refund the sender if the credit cannot be applied.
type TransferService struct {
	ledger   store.Ledger
	guard    *idempotency.Guard
	notifier notify.Dispatcher
	opts     Options
	logger   *zap.Logger
}

func NewTransferService(ledger store.Ledger, guard *idempotency.Guard, notifier notify.Dispatcher, opts Options, logger *zap.Logger) *TransferService {
	return &TransferService{
		ledger:   ledger,
		guard:    guard,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Transfer executes req at most once per idempotency key. Business rejections come back
// with both a failed result and the matching domain error; replays return the cached
// result and the same error as the original call.
func (s *TransferService) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	res, err := s.transfer(ctx, req)
	transfersTotal.WithLabelValues(outcomeLabel(res, err)).Inc()
	return res, err
}

// Withdraw debits the sender without crediting any account.
func (s *TransferService) Withdraw(ctx context.Context, senderID int64, amount domain.Amount, key, note string) (*domain.TransferResult, error) {
	return s.Transfer(ctx, domain.TransferRequest{
		SenderID:       senderID,
		Amount:         amount,
		IdempotencyKey: key,
		Note:           note,
	})
}

// Reverse moves the amount of a completed transfer back from receiver to sender as a new
// transaction, then marks the original reversed. The reversal key is derived from the
// original id and the number of earlier reversals that failed, so a rejected reversal
// can be retried while a successful one is only ever replayed.
func (s *TransferService) Reverse(ctx context.Context, transactionID int64, note string) (*domain.TransferResult, error) {
	orig, err := s.getTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if orig.ReceiverAccountID == nil || orig.ReversalOf != nil {
		return nil, domain.ErrNotReversible
	}
	if orig.Status != domain.StatusCompleted && orig.Status != domain.StatusReversed {
		return nil, domain.ErrNotReversible
	}

	attempt, err := s.failedReversals(ctx, orig.ID)
	if err != nil {
		return nil, err
	}

	if note == "" {
		note = fmt.Sprintf("reversal of transaction %d", orig.ID)
	}
	res, err := s.Transfer(ctx, domain.TransferRequest{
		SenderID:       *orig.ReceiverAccountID,
		ReceiverID:     &orig.SenderAccountID,
		Amount:         orig.Amount,
		IdempotencyKey: domain.ReversalKey(orig.ID, attempt),
		Note:           note,
		ReversalOf:     &orig.ID,
	})
	if err != nil || res.Status != domain.StatusCompleted {
		return res, err
	}

	if orig.Status == domain.StatusCompleted {
		detached := context.WithoutCancel(ctx)
		err := s.setStatus(detached, orig.ID, domain.StatusCompleted, domain.StatusReversed, "")
		if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			s.recordIncident(detached, orig, orig.SenderAccountID, domain.IncidentStatusUpdateFailed, err)
		}
	}
	return res, nil
}

// failedReversals counts reversals of id that ended failed. Failed transactions moved no
// money, so only they free up the next reversal key.
func (s *TransferService) failedReversals(ctx context.Context, id int64) (int, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	reversals, err := s.ledger.ListReversals(sctx, id)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range reversals {
		if r.Status == domain.StatusFailed {
			n++
		}
	}
	return n, nil
}

func (s *TransferService) transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	sctx, cancel := s.storageCtx(ctx)
	decision, err := s.guard.BeginOrGet(sctx, req.IdempotencyKey, req.Fingerprint())
	cancel()
	if err != nil {
		return nil, err
	}

	switch decision.Outcome {
	case idempotency.Terminal:
		return decision.Result, domain.ErrorForCode(decision.Result.ErrorCode)
	case idempotency.InFlight:
		return nil, domain.ErrDuplicateInFlight
	}

	tx, res, err := s.prepare(ctx, req, decision.TransactionID)
	if tx == nil {
		return res, err
	}
	return s.execute(ctx, tx)
}

// prepare resolves the accounts and produces the pending transaction to execute. When it
// returns a nil transaction the request is finished and the key is already settled.
func (s *TransferService) prepare(ctx context.Context, req domain.TransferRequest, attachedID int64) (*domain.Transaction, *domain.TransferResult, error) {
	key := req.IdempotencyKey

	receiverID, err := s.resolveReceiver(ctx, req)
	if err == nil {
		_, err = s.getAccount(ctx, req.SenderID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) || errors.Is(err, domain.ErrSelfTransfer) {
			res, err := s.reject(ctx, key, nil, err)
			return nil, res, err
		}
		return nil, nil, s.abort(ctx, key, err)
	}

	if attachedID != 0 {
		tx, err := s.getTransaction(ctx, attachedID)
		if err != nil {
			return nil, nil, s.abort(ctx, key, err)
		}
		return s.resume(ctx, tx)
	}

	tx := &domain.Transaction{
		SenderAccountID:   req.SenderID,
		ReceiverAccountID: receiverID,
		Amount:            req.Amount,
		Note:              req.Note,
		Status:            domain.StatusPending,
		IdempotencyKey:    key,
		ReversalOf:        req.ReversalOf,
	}

	sctx, cancel := s.storageCtx(ctx)
	err = s.ledger.InsertTransaction(sctx, tx)
	cancel()
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		// The key outlived its idempotency record; the ledger still knows it.
		existing, err := s.getTransactionByKey(ctx, key)
		if err != nil {
			return nil, nil, s.abort(ctx, key, err)
		}
		if !sameEffect(existing, tx) {
			return nil, nil, s.abort(ctx, key, domain.ErrIdempotencyMismatch)
		}
		return s.resume(ctx, existing)
	}
	if err != nil {
		return nil, nil, s.abort(ctx, key, err)
	}

	s.attach(ctx, tx)
	return tx, nil, nil
}

// resume continues with a transaction created by an earlier attempt for the same key.
func (s *TransferService) resume(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, *domain.TransferResult, error) {
	if tx.Status.Terminal() {
		res := &domain.TransferResult{
			TransactionID: tx.ID,
			Status:        tx.Status,
			ErrorCode:     tx.FailureReason,
		}
		s.completeKey(ctx, tx.IdempotencyKey, *res)
		res.Replayed = true
		return nil, res, domain.ErrorForCode(tx.FailureReason)
	}

	debit, err := s.legEntry(ctx, tx.ID, domain.LegDebit)
	if err != nil {
		return nil, nil, s.abort(ctx, tx.IdempotencyKey, err)
	}
	if debit != nil {
		// An earlier attempt moved money and never finished. The key stays in flight
		// until the sweeper settles the transaction.
		return nil, nil, domain.ErrDuplicateInFlight
	}

	sctx, cancel := s.storageCtx(ctx)
	err = s.ledger.UpdateTransactionStatus(sctx, tx.ID, domain.StatusPending, domain.StatusPending, "")
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, nil, s.abort(ctx, tx.IdempotencyKey, domain.ErrDuplicateInFlight)
		}
		return nil, nil, s.abort(ctx, tx.IdempotencyKey, err)
	}

	s.attach(ctx, tx)
	return tx, nil, nil
}

func (s *TransferService) execute(ctx context.Context, tx *domain.Transaction) (*domain.TransferResult, error) {
	log := s.logger.With(zap.Int64("transaction_id", tx.ID), zap.String("idempotency_key", tx.IdempotencyKey))
	detached := context.WithoutCancel(ctx)

	sender, err := s.adjust(ctx, tx.SenderAccountID, -tx.Amount, domain.Posting{TransactionID: tx.ID, Leg: domain.LegDebit})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountNotFound) {
			log.Info("Transfer rejected", zap.Error(err))
			return s.reject(detached, tx.IdempotencyKey, tx, err)
		}

		debit, checkErr := s.legEntry(detached, tx.ID, domain.LegDebit)
		switch {
		case checkErr != nil:
			// Unknown whether the debit landed; keep the key in flight for the sweeper.
			log.Error("Debit outcome unknown", zap.Error(err), zap.NamedError("check_error", checkErr))
			return nil, fmt.Errorf("debit outcome unknown: %w", err)
		case debit == nil:
			log.Warn("Transfer aborted before any balance movement", zap.Error(err))
			return nil, s.abort(detached, tx.IdempotencyKey, err)
		}
		sender = &domain.Account{ID: tx.SenderAccountID, Balance: debit.BalanceAfter, Version: debit.VersionAfter}
	}

	// The debit is durable: from here on the saga ignores caller cancellation.
	if tx.ReceiverAccountID != nil {
		verified, err := s.credit(detached, tx)
		if err != nil {
			return s.compensate(detached, tx, sender.Balance, err, verified)
		}
	}
	return s.complete(detached, tx, sender.Balance)
}

// complete settles a transfer whose debit and credit are both applied.
func (s *TransferService) complete(ctx context.Context, tx *domain.Transaction, senderBalance domain.Amount) (*domain.TransferResult, error) {
	if err := s.setStatus(ctx, tx.ID, domain.StatusPending, domain.StatusCompleted, ""); err != nil {
		s.recordIncident(ctx, tx, tx.SenderAccountID, domain.IncidentStatusUpdateFailed, err)
	}

	res := domain.TransferResult{
		TransactionID:      tx.ID,
		Status:             domain.StatusCompleted,
		SenderBalanceAfter: &senderBalance,
	}
	s.completeKey(ctx, tx.IdempotencyKey, res)
	s.notifier.Notify(ctx, notify.NewEvent(notify.TransferCompleted, tx, ""))

	s.logger.Info("Transfer completed",
		zap.Int64("transaction_id", tx.ID),
		zap.String("idempotency_key", tx.IdempotencyKey),
		zap.Int64("sender_id", tx.SenderAccountID),
		zap.Stringer("amount", tx.Amount),
		zap.Stringer("sender_balance_after", senderBalance))
	return &res, nil
}

// credit applies the receiver leg. verified reports, on error, that the credit is known
// not to have been applied.
func (s *TransferService) credit(ctx context.Context, tx *domain.Transaction) (verified bool, err error) {
	_, err = s.adjust(ctx, *tx.ReceiverAccountID, tx.Amount, domain.Posting{TransactionID: tx.ID, Leg: domain.LegCredit})
	if err == nil {
		return true, nil
	}

	entry, checkErr := s.legEntry(ctx, tx.ID, domain.LegCredit)
	if checkErr != nil {
		return false, fmt.Errorf("%w (outcome check: %v)", err, checkErr)
	}
	if entry != nil {
		return true, nil
	}
	return true, err
}

func (s *TransferService) compensate(ctx context.Context, tx *domain.Transaction, senderBalance domain.Amount, creditErr error, verified bool) (*domain.TransferResult, error) {
	log := s.logger.With(zap.Int64("transaction_id", tx.ID), zap.String("idempotency_key", tx.IdempotencyKey))

	if !verified {
		// Refunding a credit that may have landed would create money.
		return nil, s.escalate(ctx, tx, tx.SenderAccountID, domain.IncidentCreditOutcomeUnknown, creditErr)
	}

	log.Warn("Receiver credit failed, refunding sender", zap.Error(creditErr))

	var sender *domain.Account
	var err error
	posting := domain.Posting{TransactionID: tx.ID, Leg: domain.LegRefund}
	for attempt := 0; attempt < s.attempts(); attempt++ {
		sender, err = s.adjust(ctx, tx.SenderAccountID, tx.Amount, posting)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrLegConflict) {
			// The credit committed after its outcome was read as absent.
			log.Warn("Refund refused, receiver credit already applied", zap.NamedError("credit_error", creditErr))
			return s.complete(ctx, tx, senderBalance)
		}
		if entry, checkErr := s.legEntry(ctx, tx.ID, domain.LegRefund); checkErr == nil && entry != nil {
			sender = &domain.Account{ID: tx.SenderAccountID, Balance: entry.BalanceAfter, Version: entry.VersionAfter}
			err = nil
			break
		}
		_ = sleepWithContext(ctx, backoffDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, attempt))
	}
	if err != nil {
		compensationsTotal.WithLabelValues("failed").Inc()
		return nil, s.escalate(ctx, tx, tx.SenderAccountID, domain.IncidentCompensationFailed,
			fmt.Errorf("refund failed: %w (credit error: %v)", err, creditErr))
	}
	compensationsTotal.WithLabelValues("succeeded").Inc()

	code := domain.Code(domain.ErrCreditFailed)
	if err := s.setStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed, code); err != nil {
		s.recordIncident(ctx, tx, tx.SenderAccountID, domain.IncidentStatusUpdateFailed, err)
	}

	balance := sender.Balance
	res := domain.TransferResult{
		TransactionID:      tx.ID,
		Status:             domain.StatusFailed,
		SenderBalanceAfter: &balance,
		ErrorCode:          code,
	}
	s.completeKey(ctx, tx.IdempotencyKey, res)
	s.notifier.Notify(ctx, notify.NewEvent(notify.TransferFailed, tx, code))

	return &res, fmt.Errorf("%w (cause: %v)", domain.ErrCreditFailed, creditErr)
}

// escalate records a partially applied transfer. The idempotency key stays in flight so
// no retry can run the saga again.
func (s *TransferService) escalate(ctx context.Context, tx *domain.Transaction, accountID int64, kind domain.IncidentKind, cause error) error {
	s.recordIncident(ctx, tx, accountID, kind, cause)
	return &domain.ReconciliationError{
		TransactionID: tx.ID,
		AccountID:     accountID,
		Amount:        tx.Amount,
		Cause:         cause,
	}
}

func (s *TransferService) recordIncident(ctx context.Context, tx *domain.Transaction, accountID int64, kind domain.IncidentKind, cause error) {
	incidentsTotal.WithLabelValues(string(kind)).Inc()
	inc := &domain.Incident{
		TransactionID: tx.ID,
		AccountID:     accountID,
		Amount:        tx.Amount,
		Kind:          kind,
		Detail:        cause.Error(),
	}

	var err error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		sctx, cancel := s.storageCtx(ctx)
		err = s.ledger.RecordIncident(sctx, inc)
		cancel()
		if err == nil {
			break
		}
		_ = sleepWithContext(ctx, backoffDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, attempt))
	}

	s.logger.Error("Reconciliation required",
		zap.Int64("transaction_id", tx.ID),
		zap.Int64("account_id", accountID),
		zap.Stringer("amount", tx.Amount),
		zap.String("kind", string(kind)),
		zap.NamedError("cause", cause),
		zap.NamedError("record_error", err))
	s.notifier.Notify(ctx, notify.NewEvent(notify.ReconciliationRequired, tx, string(kind)))
}

// reject settles the key with a deterministic failure. tx is nil when the request
// failed before a transaction was recorded.
func (s *TransferService) reject(ctx context.Context, key string, tx *domain.Transaction, cause error) (*domain.TransferResult, error) {
	code := domain.Code(cause)
	res := domain.TransferResult{Status: domain.StatusFailed, ErrorCode: code}

	if tx != nil {
		if err := s.setStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed, code); err != nil {
			return nil, s.abort(ctx, key, fmt.Errorf("record failed transfer: %w", err))
		}
		res.TransactionID = tx.ID
		s.notifier.Notify(ctx, notify.NewEvent(notify.TransferFailed, tx, code))
	}

	s.completeKey(ctx, key, res)
	return &res, cause
}

// abort releases the key so the client may retry. Only valid before any balance movement.
func (s *TransferService) abort(ctx context.Context, key string, cause error) error {
	sctx, cancel := s.storageCtx(context.WithoutCancel(ctx))
	defer cancel()

	if err := s.guard.Release(sctx, key); err != nil {
		s.logger.Warn("Failed to release idempotency key", zap.String("idempotency_key", key), zap.Error(err))
	}
	return cause
}

func (s *TransferService) completeKey(ctx context.Context, key string, res domain.TransferResult) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if err := s.guard.Complete(sctx, key, res); err != nil {
		s.logger.Warn("Failed to finalize idempotency key", zap.String("idempotency_key", key), zap.Error(err))
	}
}

func (s *TransferService) attach(ctx context.Context, tx *domain.Transaction) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()

	if err := s.guard.Attach(sctx, tx.IdempotencyKey, tx.ID); err != nil {
		s.logger.Warn("Failed to attach transaction to idempotency key",
			zap.String("idempotency_key", tx.IdempotencyKey), zap.Int64("transaction_id", tx.ID), zap.Error(err))
	}
}

// adjust re-reads the account and applies delta with a version check, retrying
// version conflicts with jittered backoff.
func (s *TransferService) adjust(ctx context.Context, accountID int64, delta domain.Amount, posting domain.Posting) (*domain.Account, error) {
	for attempt := 0; ; attempt++ {
		acc, err := s.getAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}

		sctx, cancel := s.storageCtx(ctx)
		updated, err := s.ledger.TryAdjustBalance(sctx, accountID, delta, acc.Version, posting)
		cancel()
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return updated, err
		}

		conflictRetriesTotal.Inc()
		if attempt >= s.opts.MaxConflictRetries {
			return nil, domain.ErrConflictExhausted
		}
		if err := sleepWithContext(ctx, backoffDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, attempt)); err != nil {
			return nil, err
		}
	}
}

func (s *TransferService) setStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, reason string) error {
	var err error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		sctx, cancel := s.storageCtx(ctx)
		err = s.ledger.UpdateTransactionStatus(sctx, id, from, to, reason)
		cancel()
		if err == nil || errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrTransactionNotFound) {
			return err
		}
		_ = sleepWithContext(ctx, backoffDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, attempt))
	}
	return err
}

func (s *TransferService) legEntry(ctx context.Context, txID int64, leg domain.Leg) (*domain.LedgerEntry, error) {
	var err error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		sctx, cancel := s.storageCtx(ctx)
		var entry *domain.LedgerEntry
		entry, err = s.ledger.GetEntry(sctx, txID, leg)
		cancel()
		if err == nil {
			return entry, nil
		}
		if ctx.Err() != nil {
			break
		}
		_ = sleepWithContext(ctx, backoffDelay(s.opts.RetryBaseDelay, s.opts.RetryMaxDelay, attempt))
	}
	return nil, err
}

func (s *TransferService) resolveReceiver(ctx context.Context, req domain.TransferRequest) (*int64, error) {
	if req.IsWithdrawal() {
		return nil, nil
	}
	if req.ReceiverID != nil {
		acc, err := s.getAccount(ctx, *req.ReceiverID)
		if err != nil {
			return nil, err
		}
		return &acc.ID, nil
	}

	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	acc, err := s.ledger.GetAccountByEmail(sctx, req.ReceiverEmail)
	if err != nil {
		return nil, err
	}
	if acc.ID == req.SenderID {
		return nil, domain.ErrSelfTransfer
	}
	return &acc.ID, nil
}

func (s *TransferService) getAccount(ctx context.Context, id int64) (*domain.Account, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.ledger.GetAccount(sctx, id)
}

func (s *TransferService) getTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.ledger.GetTransaction(sctx, id)
}

func (s *TransferService) getTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	sctx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.ledger.GetTransactionByKey(sctx, key)
}

func (s *TransferService) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StorageTimeout)
}

func (s *TransferService) attempts() int {
	if s.opts.RepairAttempts <= 0 {
		return 1
	}
	return s.opts.RepairAttempts
}

func sameEffect(a, b *domain.Transaction) bool {
	return a.SenderAccountID == b.SenderAccountID &&
		a.Amount == b.Amount &&
		equalID(a.ReceiverAccountID, b.ReceiverAccountID) &&
		equalID(a.ReversalOf, b.ReversalOf)
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
