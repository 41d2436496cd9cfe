// Package idempotency deduplicates transfer requests by client-supplied key.
//
// Each key is in exactly one of three situations: never seen, in flight (a request
// holds it), or terminal (a cached result exists). The check-and-set that moves a key
// out of "never seen" is atomic in every Repository backend, so two concurrent requests
// with the same key can never both start executing.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
)

type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	// StateReleased marks a key whose request stopped before any balance movement.
	// The same payload may reserve it again.
	StateReleased State = "released"
)

var ErrNotInFlight = errors.New("idempotency key is not in flight")

// Record is the stored state of one key.
type Record struct {
	Key           string
	RequestHash   string
	State         State
	TransactionID int64
	Result        json.RawMessage
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

type Repository interface {
	// Reserve atomically creates an in-flight record, or re-reserves a released record
	// with the same hash. reserved is false when an existing record was returned untouched.
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (rec *Record, reserved bool, err error)
	Attach(ctx context.Context, key string, transactionID int64) error
	Complete(ctx context.Context, key string, result []byte) error
	Release(ctx context.Context, key string) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type Outcome int

const (
	FreshStart Outcome = iota
	InFlight
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case FreshStart:
		return "fresh_start"
	case InFlight:
		return "in_flight"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Decision is the answer of BeginOrGet. TransactionID is set when a fresh start
// re-reserved a released key that already has a pending transaction.
type Decision struct {
	Outcome       Outcome
	TransactionID int64
	Result        *domain.TransferResult
}

type Guard struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

func NewGuard(repo Repository, retention time.Duration) *Guard {
	return &Guard{repo: repo, ttl: retention, now: time.Now}
}

func (g *Guard) BeginOrGet(ctx context.Context, key, fingerprint string) (Decision, error) {
	rec, reserved, err := g.repo.Reserve(ctx, key, fingerprint, g.now().Add(g.ttl))
	if err != nil {
		return Decision{}, fmt.Errorf("idempotency reserve failed: %w", err)
	}
	if reserved {
		return Decision{Outcome: FreshStart, TransactionID: rec.TransactionID}, nil
	}

	if rec.RequestHash != fingerprint {
		return Decision{}, domain.ErrIdempotencyMismatch
	}

	switch rec.State {
	case StateCompleted:
		var result domain.TransferResult
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			return Decision{}, fmt.Errorf("idempotency result decode failed: %w", err)
		}
		result.Replayed = true
		return Decision{Outcome: Terminal, TransactionID: rec.TransactionID, Result: &result}, nil
	default:
		return Decision{Outcome: InFlight, TransactionID: rec.TransactionID}, nil
	}
}

func (g *Guard) Attach(ctx context.Context, key string, transactionID int64) error {
	return g.repo.Attach(ctx, key, transactionID)
}

func (g *Guard) Complete(ctx context.Context, key string, result domain.TransferResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return g.repo.Complete(ctx, key, body)
}

func (g *Guard) Release(ctx context.Context, key string) error {
	return g.repo.Release(ctx, key)
}

// Purge removes records whose retention window has ended.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	return g.repo.Purge(ctx, g.now())
}
