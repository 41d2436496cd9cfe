// Package notify delivers transfer events to collaborators outside the ledger.
// Delivery is best effort: a transfer's outcome never depends on it.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
	"go.uber.org/zap"
)

type EventType string

const (
	TransferCompleted      EventType = "transfer.completed"
	TransferFailed         EventType = "transfer.failed"
	ReconciliationRequired EventType = "reconciliation.required"
)

// Event is the payload published for every terminal transfer outcome.
type Event struct {
	ID            string        `json:"id"`
	Type          EventType     `json:"type"`
	TransactionID int64         `json:"transaction_id"`
	SenderID      int64         `json:"sender_id"`
	ReceiverID    *int64        `json:"receiver_id,omitempty"`
	Amount        domain.Amount `json:"amount"`
	Reason        string        `json:"reason,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// NewEvent stamps an event id and time.
func NewEvent(t EventType, tx *domain.Transaction, reason string) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: tx.ID,
		SenderID:      tx.SenderAccountID,
		ReceiverID:    tx.ReceiverAccountID,
		Amount:        tx.Amount,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
}

type Dispatcher interface {
	Notify(ctx context.Context, event Event)
}

// Publisher performs the actual delivery of one event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notifications_total",
		Help: "Notifications handled by the async dispatcher, labeled by type and result",
	}, []string{"type", "result"})
)

// AsyncDispatcher queues events and publishes them from a single worker goroutine.
// Notify never blocks: when the queue is full the event is dropped and logged.
type AsyncDispatcher struct {
	publisher      Publisher
	queue          chan Event
	publishTimeout time.Duration
	logger         *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewAsyncDispatcher(publisher Publisher, queueSize int, publishTimeout time.Duration, logger *zap.Logger) *AsyncDispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &AsyncDispatcher{
		publisher:      publisher,
		queue:          make(chan Event, queueSize),
		publishTimeout: publishTimeout,
		logger:         logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *AsyncDispatcher) Notify(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(event, "dispatcher closed")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

func (d *AsyncDispatcher) drop(event Event, reason string) {
	notificationsTotal.WithLabelValues(string(event.Type), "dropped").Inc()
	d.logger.Warn("Notification dropped",
		zap.String("reason", reason),
		zap.String("type", string(event.Type)),
		zap.Int64("transaction_id", event.TransactionID))
}

func (d *AsyncDispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
		err := d.publisher.Publish(ctx, event)
		cancel()
		if err != nil {
			notificationsTotal.WithLabelValues(string(event.Type), "error").Inc()
			d.logger.Error("Failed to publish notification",
				zap.String("type", string(event.Type)),
				zap.Int64("transaction_id", event.TransactionID),
				zap.Error(err))
			continue
		}
		notificationsTotal.WithLabelValues(string(event.Type), "sent").Inc()
	}
}

// Close stops accepting events and waits until the queue is drained.
func (d *AsyncDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
