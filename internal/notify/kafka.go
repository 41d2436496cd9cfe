package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes transfer events to one topic and reconciliation alerts to another.
type KafkaPublisher struct {
	writer         *kafka.Writer
	transfersTopic string
	alertsTopic    string
	logger         *zap.Logger
}

func NewKafkaPublisher(brokers []string, transfersTopic, alertsTopic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{
		writer:         writer,
		transfersTopic: transfersTopic,
		alertsTopic:    alertsTopic,
		logger:         logger,
	}
}

func (p *KafkaPublisher) topicFor(event Event) string {
	if event.Type == ReconciliationRequired {
		return p.alertsTopic
	}
	return p.transfersTopic
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	topic := p.topicFor(event)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatInt(event.TransactionID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to produce message to %s: %w", topic, err)
	}
	p.logger.Debug("Produced event", zap.String("topic", topic), zap.String("event_id", event.ID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
