package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/punchamoorthee/walletops/internal/domain"
)

type entryKey struct {
	txID int64
	leg  domain.Leg
}

// Memory is a process-local Ledger used by tests and STORAGE_BACKEND=memory.
// A single mutex makes every method atomic, which gives TryAdjustBalance the same
// compare-and-swap contract as the conditional UPDATE in Postgres.
type Memory struct {
	mu sync.Mutex

	accounts     map[int64]domain.Account
	emails       map[string]int64
	transactions map[int64]domain.Transaction
	keys         map[string]int64
	entries      map[entryKey]domain.LedgerEntry
	incidents    []domain.Incident

	nextAccount, nextTx, nextEntry, nextIncident int64

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[int64]domain.Account),
		emails:       make(map[string]int64),
		transactions: make(map[int64]domain.Transaction),
		keys:         make(map[string]int64),
		entries:      make(map[entryKey]domain.LedgerEntry),
		now:          time.Now,
	}
}

func (m *Memory) CreateAccount(ctx context.Context, email string, initial domain.Amount) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = normalizeEmail(email)
	if email != "" {
		if _, taken := m.emails[email]; taken {
			return nil, domain.ErrEmailTaken
		}
	}

	m.nextAccount++
	now := m.now()
	acc := domain.Account{
		ID:        m.nextAccount,
		Email:     email,
		Balance:   initial,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.accounts[acc.ID] = acc
	if email != "" {
		m.emails[email] = acc.ID
	}
	return &acc, nil
}

func (m *Memory) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return &acc, nil
}

func (m *Memory) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	acc := m.accounts[id]
	return &acc, nil
}

func (m *Memory) TryAdjustBalance(ctx context.Context, id int64, delta domain.Amount, expectedVersion int64, posting domain.Posting) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if acc.Version != expectedVersion {
		return nil, domain.ErrConcurrencyConflict
	}
	if acc.Balance+delta < 0 {
		return nil, domain.ErrInsufficientFunds
	}
	ek := entryKey{posting.TransactionID, posting.Leg}
	if _, dup := m.entries[ek]; dup {
		return nil, domain.ErrLegAlreadyApplied
	}
	if other, ok := posting.Leg.Excludes(); ok {
		if _, applied := m.entries[entryKey{posting.TransactionID, other}]; applied {
			return nil, domain.ErrLegConflict
		}
	}

	acc.Balance += delta
	acc.Version++
	acc.UpdatedAt = m.now()
	m.accounts[id] = acc

	m.nextEntry++
	m.entries[ek] = domain.LedgerEntry{
		ID:            m.nextEntry,
		TransactionID: posting.TransactionID,
		AccountID:     id,
		Leg:           posting.Leg,
		Delta:         delta,
		BalanceAfter:  acc.Balance,
		VersionAfter:  acc.Version,
		CreatedAt:     acc.UpdatedAt,
	}
	return &acc, nil
}

func (m *Memory) GetEntry(ctx context.Context, transactionID int64, leg domain.Leg) (*domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[entryKey{transactionID, leg}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) ListEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.keys[t.IdempotencyKey]; dup {
		return domain.ErrDuplicateIdempotencyKey
	}
	m.nextTx++
	now := m.now()
	t.ID = m.nextTx
	t.CreatedAt = now
	t.UpdatedAt = now
	m.transactions[t.ID] = *t
	m.keys[t.IdempotencyKey] = t.ID
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &t, nil
}

func (m *Memory) GetTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[key]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	t := m.transactions[id]
	return &t, nil
}

func (m *Memory) UpdateTransactionStatus(ctx context.Context, id int64, from, to domain.TransactionStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transactions[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if t.Status != from {
		return domain.ErrStatusConflict
	}
	t.Status = to
	t.FailureReason = reason
	t.UpdatedAt = m.now()
	m.transactions[id] = t
	return nil
}

func (m *Memory) ListTransactions(ctx context.Context, accountID int64, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.SenderAccountID == accountID || (t.ReceiverAccountID != nil && *t.ReceiverAccountID == accountID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListReversals(ctx context.Context, originalID int64) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.ReversalOf != nil && *t.ReversalOf == originalID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, t := range m.transactions {
		if t.Status == domain.StatusPending && t.UpdatedAt.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) RecordIncident(ctx context.Context, inc *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextIncident++
	inc.ID = m.nextIncident
	inc.CreatedAt = m.now()
	m.incidents = append(m.incidents, *inc)
	return nil
}

func (m *Memory) ListOpenIncidents(ctx context.Context) ([]domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Incident
	for _, inc := range m.incidents {
		if inc.ResolvedAt == nil {
			out = append(out, inc)
		}
	}
	return out, nil
}

// SetClock replaces the time source; tests use it to age transactions.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
