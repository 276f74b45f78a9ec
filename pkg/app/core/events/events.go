package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// LedgerChanged is emitted after every commit, never on rejection.
type LedgerChanged struct {
	EventID        string             `json:"eventId"`
	Kind           ledger.ReceiptKind `json:"kind"`
	UserID         string             `json:"userId"`
	OrderID        string             `json:"orderId"` // order or transfer id
	NewCashBalance decimal.Decimal    `json:"newCashBalance"`
	NewPositions   []ledger.Position  `json:"newPositions"`
	Fill           *ledger.Fill       `json:"fill,omitempty"`
	Version        uint64             `json:"version"`
	At             time.Time          `json:"at"`
}

// NewLedgerChanged builds the event for a just-committed ledger.
func NewLedgerChanged(l *ledger.Ledger, kind ledger.ReceiptKind, id string, fill *ledger.Fill) LedgerChanged {
	return LedgerChanged{
		EventID:        uuid.NewString(),
		Kind:           kind,
		UserID:         l.UserID,
		OrderID:        id,
		NewCashBalance: l.Cash,
		NewPositions:   l.SortedPositions(),
		Fill:           fill,
		Version:        l.Version,
		At:             l.UpdatedAt,
	}
}

// Publisher delivers ledger-changed events to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, ev LedgerChanged) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev LedgerChanged) error

func (f PublisherFunc) Publish(ctx context.Context, ev LedgerChanged) error { return f(ctx, ev) }

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, LedgerChanged) error { return nil }

// Fanout delivers each event to every sink in order. A failing sink is
// logged and does not stop delivery to the rest; the commit that produced
// the event has already happened.
type Fanout struct {
	sinks  []Publisher
	logger *zap.SugaredLogger
}

func NewFanout(logger *zap.SugaredLogger, sinks ...Publisher) *Fanout {
	return &Fanout{sinks: sinks, logger: util.OrNop(logger)}
}

// Add appends a sink. Not safe to call concurrently with Publish.
func (f *Fanout) Add(p Publisher) { f.sinks = append(f.sinks, p) }

func (f *Fanout) Publish(ctx context.Context, ev LedgerChanged) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.logger.Warnw("event_publish_failed", "user_id", ev.UserID, "order_id", ev.OrderID, "err", err)
		}
	}
	return nil
}

// Recorder keeps events in a bounded in-memory buffer for inspection.
type Recorder struct {
	ch chan LedgerChanged
}

func NewRecorder(buffer int) *Recorder {
	return &Recorder{ch: make(chan LedgerChanged, buffer)}
}

// Publish never blocks; events beyond the buffer are dropped.
func (r *Recorder) Publish(_ context.Context, ev LedgerChanged) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// Events returns the receive side.
func (r *Recorder) Events() <-chan LedgerChanged { return r.ch }

// Drain returns everything buffered so far.
func (r *Recorder) Drain() []LedgerChanged {
	var out []LedgerChanged
	for {
		select {
		case ev := <-r.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
