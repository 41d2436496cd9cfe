package idempotency

import (
	"context"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryRepository) Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		rec = Record{
			Key:         key,
			RequestHash: requestHash,
			State:       StateInFlight,
			CreatedAt:   m.now(),
			ExpiresAt:   expiresAt,
		}
		m.records[key] = rec
		return &rec, true, nil
	}
	if rec.State == StateReleased && rec.RequestHash == requestHash {
		rec.State = StateInFlight
		rec.ExpiresAt = expiresAt
		m.records[key] = rec
		return &rec, true, nil
	}
	return &rec, false, nil
}

func (m *MemoryRepository) Attach(ctx context.Context, key string, transactionID int64) error {
	return m.update(key, func(rec *Record) { rec.TransactionID = transactionID })
}

func (m *MemoryRepository) Complete(ctx context.Context, key string, result []byte) error {
	return m.update(key, func(rec *Record) {
		rec.State = StateCompleted
		rec.Result = append([]byte(nil), result...)
	})
}

func (m *MemoryRepository) Release(ctx context.Context, key string) error {
	return m.update(key, func(rec *Record) { rec.State = StateReleased })
}

func (m *MemoryRepository) update(key string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.State != StateInFlight {
		return ErrNotInFlight
	}
	fn(&rec)
	m.records[key] = rec
	return nil
}

func (m *MemoryRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, rec := range m.records {
		if rec.ExpiresAt.Before(before) {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}
