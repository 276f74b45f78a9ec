package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/uhyunpark/tradeledger/pkg/app/core/events"
)

// KafkaPublisher writes ledger-changed events to a topic, keyed by user id
// so that one user's events stay ordered within a partition.
type KafkaPublisher struct {
	Writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		Writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev events.LedgerChanged) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return p.Writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error { return p.Writer.Close() }

func encodeEvent(ev events.LedgerChanged) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.UserID),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(ev.EventID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

var _ events.Publisher = (*KafkaPublisher)(nil)
