package domain

import (
	"errors"
	"fmt"
)

// Validation errors: rejected before any storage access.
var (
	ErrSelfTransfer           = errors.New("self-transfer not allowed")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrMissingIdempotencyKey  = errors.New("idempotency key required")
	ErrReservedIdempotencyKey = errors.New("idempotency key uses a reserved prefix")
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEmailTaken          = errors.New("email already registered")

	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotReversible     = errors.New("transaction cannot be reversed")
	ErrCreditFailed      = errors.New("receiver credit failed; sender refunded")
	ErrAbandoned         = errors.New("transfer abandoned before any balance movement")

	ErrConcurrencyConflict = errors.New("account version conflict")
	ErrConflictExhausted   = errors.New("account version conflict retries exhausted")
	ErrDuplicateInFlight   = errors.New("request with this idempotency key is in progress")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")

	// Storage-level signals the engine translates.
	ErrLegAlreadyApplied       = errors.New("ledger leg already applied")
	ErrLegConflict             = errors.New("opposing ledger leg already applied")
	ErrDuplicateIdempotencyKey = errors.New("transaction with this idempotency key exists")
	ErrStatusConflict          = errors.New("transaction status changed concurrently")

	ErrReconciliationRequired = errors.New("reconciliation required")
)

// ReconciliationError reports a transfer that was partially applied and could not be
// repaired automatically. It matches ErrReconciliationRequired via errors.Is.
type ReconciliationError struct {
	TransactionID int64
	AccountID     int64
	Amount        Amount
	Cause         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation required for transaction %d (account %d, amount %s): %v",
		e.TransactionID, e.AccountID, e.Amount, e.Cause)
}

func (e *ReconciliationError) Is(target error) bool {
	return target == ErrReconciliationRequired
}

func (e *ReconciliationError) Unwrap() error {
	return e.Cause
}

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindBusiness
	KindConflict
	KindReconciliation
)

// KindOf classifies err for callers that map errors onto transport status codes.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrReconciliationRequired):
		return KindReconciliation
	case errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMissingIdempotencyKey),
		errors.Is(err, ErrReservedIdempotencyKey),
		errors.Is(err, ErrAmountPrecision),
		errors.Is(err, ErrIdempotencyMismatch):
		return KindValidation
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrNotReversible),
		errors.Is(err, ErrCreditFailed),
		errors.Is(err, ErrAbandoned),
		errors.Is(err, ErrEmailTaken):
		return KindBusiness
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrConflictExhausted),
		errors.Is(err, ErrDuplicateInFlight):
		return KindConflict
	}
	return KindInternal
}

var codes = []struct {
	code string
	err  error
}{
	{"reconciliation_required", ErrReconciliationRequired},
	{"self_transfer", ErrSelfTransfer},
	{"invalid_amount", ErrInvalidAmount},
	{"account_not_found", ErrAccountNotFound},
	{"insufficient_funds", ErrInsufficientFunds},
	{"credit_failed", ErrCreditFailed},
	{"not_reversible", ErrNotReversible},
	{"abandoned", ErrAbandoned},
	{"missing_idempotency_key", ErrMissingIdempotencyKey},
	{"reserved_idempotency_key", ErrReservedIdempotencyKey},
	{"idempotency_mismatch", ErrIdempotencyMismatch},
	{"duplicate_in_flight", ErrDuplicateInFlight},
	{"conflict_exhausted", ErrConflictExhausted},
	{"transaction_not_found", ErrTransactionNotFound},
	{"email_taken", ErrEmailTaken},
	{"amount_precision", ErrAmountPrecision},
}

// Code returns the stable code stored in terminal results and transaction failure reasons.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// ErrorForCode rebuilds the sentinel for a cached code; unknown codes yield nil.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
