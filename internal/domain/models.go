package domain

import (
	"time"
)

// Account represents a user's balance in the ledger.
// Version increases by one on every applied balance delta.
type Account struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email,omitempty"`
	Balance   Amount    `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusReversed  TransactionStatus = "reversed"
)

// Terminal reports whether no further balance movement can happen for the status
// without a separate compensating transaction.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Transaction is the record of intent to move money. ReceiverAccountID is nil for withdrawals.
type Transaction struct {
	ID                int64             `json:"id"`
	SenderAccountID   int64             `json:"sender_account_id"`
	ReceiverAccountID *int64            `json:"receiver_account_id,omitempty"`
	Amount            Amount            `json:"amount"`
	Note              string            `json:"note,omitempty"`
	Status            TransactionStatus `json:"status"`
	IdempotencyKey    string            `json:"idempotency_key"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	ReversalOf        *int64            `json:"reversal_of,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Leg names one balance movement of a transaction.
type Leg string

const (
	LegDebit  Leg = "debit"
	LegCredit Leg = "credit"
	LegRefund Leg = "refund"
)

// Excludes returns the leg that can never coexist with l in one transaction: a credit
// and a refund both settle the debit.
func (l Leg) Excludes() (Leg, bool) {
	switch l {
	case LegCredit:
		return LegRefund, true
	case LegRefund:
		return LegCredit, true
	}
	return "", false
}

// Posting ties a balance adjustment to the transaction leg it implements.
type Posting struct {
	TransactionID int64
	Leg           Leg
}

// LedgerEntry represents one applied balance delta.
// At most one entry exists per (TransactionID, Leg).
type LedgerEntry struct {
	ID            int64     `json:"id"`
	TransactionID int64     `json:"transaction_id"`
	AccountID     int64     `json:"account_id"`
	Leg           Leg       `json:"leg"`
	Delta         Amount    `json:"delta"`
	BalanceAfter  Amount    `json:"balance_after"`
	VersionAfter  int64     `json:"version_after"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransferRequest is the caller-facing transfer command.
type TransferRequest struct {
	SenderID       int64
	ReceiverID     *int64
	ReceiverEmail  string
	Amount         Amount
	IdempotencyKey string
	Note           string

	// ReversalOf is set by the engine when the request compensates a completed transfer.
	ReversalOf *int64
}

// IsWithdrawal reports whether the request names no receiver at all.
func (r TransferRequest) IsWithdrawal() bool {
	return r.ReceiverID == nil && r.ReceiverEmail == ""
}

// TransferResult is the canonical response; it is cached verbatim for idempotent replays.
type TransferResult struct {
	TransactionID      int64             `json:"transaction_id,omitempty"`
	Status             TransactionStatus `json:"status"`
	SenderBalanceAfter *Amount           `json:"sender_balance_after,omitempty"`
	ErrorCode          string            `json:"error_code,omitempty"`
	Replayed           bool              `json:"-"`
}

type IncidentKind string

const (
	IncidentCompensationFailed      IncidentKind = "compensation_failed"
	IncidentCreditOutcomeUnknown    IncidentKind = "credit_outcome_unknown"
	IncidentStatusUpdateFailed      IncidentKind = "status_update_failed"
	IncidentStalePendingWithEntries IncidentKind = "stale_pending_with_entries"
)

// Incident records a partially applied transfer that needs reconciliation.
type Incident struct {
	ID            int64        `json:"id"`
	TransactionID int64        `json:"transaction_id"`
	AccountID     int64        `json:"account_id"`
	Amount        Amount       `json:"amount"`
	Kind          IncidentKind `json:"kind"`
	Detail        string       `json:"detail"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}
