package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu        sync.Mutex
	published []Event
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
}

func (p *blockingPublisher) Publish(ctx context.Context, event Event) error {
	p.once.Do(func() { close(p.started) })
	<-p.release

	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, event)
	return nil
}

func testTransaction() *domain.Transaction {
	receiver := int64(2)
	return &domain.Transaction{ID: 10, SenderAccountID: 1, ReceiverAccountID: &receiver, Amount: 300}
}

func TestAsyncDispatcherDropsWhenFull(t *testing.T) {
	pub := newBlockingPublisher()
	d := NewAsyncDispatcher(pub, 1, time.Second, zap.NewNop())

	dropped := notificationsTotal.WithLabelValues(string(TransferCompleted), "dropped")
	before := testutil.ToFloat64(dropped)

	tx := testTransaction()
	d.Notify(context.Background(), NewEvent(TransferCompleted, tx, ""))
	<-pub.started // the worker holds the first event

	d.Notify(context.Background(), NewEvent(TransferCompleted, tx, "")) // queued
	d.Notify(context.Background(), NewEvent(TransferCompleted, tx, "")) // dropped

	assert.Equal(t, before+1, testutil.ToFloat64(dropped))

	close(pub.release)
	d.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.published, 2)
}

func TestAsyncDispatcherAfterClose(t *testing.T) {
	pub := newBlockingPublisher()
	close(pub.release)
	d := NewAsyncDispatcher(pub, 4, time.Second, zap.NewNop())
	d.Close()

	assert.NotPanics(t, func() {
		d.Notify(context.Background(), NewEvent(TransferFailed, testTransaction(), "credit_failed"))
	})
	d.Close()
}

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, event Event) error {
	return errors.New("broker unavailable")
}

func TestAsyncDispatcherPublishErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewAsyncDispatcher(failingPublisher{}, 4, time.Second, zap.New(core))

	d.Notify(context.Background(), NewEvent(TransferCompleted, testTransaction(), ""))
	d.Close()

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Failed to publish notification", logs.All()[0].Message)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(ReconciliationRequired, testTransaction(), "compensation_failed")
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, int64(10), e.TransactionID)
	assert.Equal(t, int64(1), e.SenderID)
	require.NotNil(t, e.ReceiverID)
	assert.Equal(t, int64(2), *e.ReceiverID)
	assert.Equal(t, domain.Amount(300), e.Amount)
	assert.False(t, e.OccurredAt.IsZero())
}

func TestLogPublisherLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := NewLogPublisher(zap.New(core))
	tx := testTransaction()

	require.NoError(t, p.Publish(context.Background(), NewEvent(TransferCompleted, tx, "")))
	require.NoError(t, p.Publish(context.Background(), NewEvent(ReconciliationRequired, tx, "compensation_failed")))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "compensation_failed", entries[1].ContextMap()["reason"])
}

func TestKafkaPublisherTopicRouting(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "ledger.transfers", "ledger.alerts", zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	tx := testTransaction()
	assert.Equal(t, "ledger.transfers", p.topicFor(NewEvent(TransferCompleted, tx, "")))
	assert.Equal(t, "ledger.transfers", p.topicFor(NewEvent(TransferFailed, tx, "")))
	assert.Equal(t, "ledger.alerts", p.topicFor(NewEvent(ReconciliationRequired, tx, "")))
}
