package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// tickMessage is the wire form of a price tick. price may be a JSON
// string or number.
type tickMessage struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"asOf"`
}

// TickConsumer reads price ticks from a Kafka topic into a TickSink.
type TickConsumer struct {
	Reader *kafka.Reader
	Sink   TickSink
	Logger *zap.SugaredLogger
}

func NewTickConsumer(brokers []string, topic, groupID string, sink TickSink, logger *zap.SugaredLogger) *TickConsumer {
	return &TickConsumer{
		Reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
			MaxWait:  100 * time.Millisecond,
		}),
		Sink:   sink,
		Logger: util.OrNop(logger),
	}
}

// Run consumes until ctx is canceled. Malformed messages are logged and
// skipped; ticks are fire-and-forget.
func (c *TickConsumer) Run(ctx context.Context) error {
	defer c.Reader.Close()
	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		applied, err := c.Handle(m.Value)
		if err != nil {
			c.Logger.Warnw("bad_tick_message", "offset", m.Offset, "err", err)
			continue
		}
		c.Logger.Debugw("tick_consumed", "offset", m.Offset, "applied", applied)
	}
}

// Handle decodes one message and applies it.
func (c *TickConsumer) Handle(value []byte) (bool, error) {
	var t tickMessage
	if err := json.Unmarshal(value, &t); err != nil {
		return false, fmt.Errorf("decode tick: %w", err)
	}
	q := pricebook.Quote{Symbol: t.Symbol, Price: t.Price, AsOf: t.AsOf}
	if err := q.Validate(); err != nil {
		return false, err
	}
	return c.Sink.ApplyTick(q), nil
}
