package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to the log. It is used when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Int64("transaction_id", event.TransactionID),
		zap.Int64("sender_id", event.SenderID),
		zap.Stringer("amount", event.Amount),
	}
	if event.ReceiverID != nil {
		fields = append(fields, zap.Int64("receiver_id", *event.ReceiverID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if event.Type == ReconciliationRequired {
		p.logger.Error("Transfer event", fields...)
		return nil
	}
	p.logger.Info("Transfer event", fields...)
	return nil
}
