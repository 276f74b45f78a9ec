package pricebook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

var ErrNoQuote = errors.New("no quote")

// Quote is the last known price of a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"asOf"`
}

// Validate rejects quotes that can never be stored.
func (q Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("quote: empty symbol")
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("quote %s: price must be positive: %s", q.Symbol, q.Price)
	}
	if q.AsOf.IsZero() {
		return fmt.Errorf("quote %s: missing asOf", q.Symbol)
	}
	return nil
}

// Sink receives every quote the book accepts, after it is visible to readers.
type Sink interface {
	SaveQuote(q Quote) error
}

// Listener is notified of accepted quotes (websocket hub, metrics).
type Listener func(q Quote)

// slot holds one symbol's quote. Readers load the pointer and never see a
// half-written quote; writers CAS so that asOf only moves forward.
type slot struct {
	q atomic.Pointer[Quote]
}

// Book is the latest-price table. Symbols are independent: an update to one
// symbol never blocks readers or writers of another.
type Book struct {
	slots sync.Map // symbol -> *slot

	sink      Sink
	listeners []Listener
	logger    *zap.SugaredLogger
}

type Option func(*Book)

// WithSink writes accepted quotes through to durable storage.
func WithSink(s Sink) Option { return func(b *Book) { b.sink = s } }

// WithListener registers a callback for accepted quotes.
func WithListener(l Listener) Option {
	return func(b *Book) { b.listeners = append(b.listeners, l) }
}

func New(logger *zap.SugaredLogger, opts ...Option) *Book {
	b := &Book{logger: util.OrNop(logger)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Book) slotFor(symbol string) *slot {
	if s, ok := b.slots.Load(symbol); ok {
		return s.(*slot)
	}
	s, _ := b.slots.LoadOrStore(symbol, &slot{})
	return s.(*slot)
}

// ApplyTick stores q if it is strictly newer than the stored quote for its
// symbol and reports whether it did. Unknown symbols get a new entry.
func (b *Book) ApplyTick(q Quote) bool {
	if err := q.Validate(); err != nil {
		b.logger.Debugw("tick_invalid", "err", err)
		return false
	}
	q.AsOf = q.AsOf.UTC()

	s := b.slotFor(q.Symbol)
	next := &q
	for {
		cur := s.q.Load()
		if cur != nil && !q.AsOf.After(cur.AsOf) {
			return false
		}
		if s.q.CompareAndSwap(cur, next) {
			break
		}
	}

	if b.sink != nil {
		if err := b.sink.SaveQuote(q); err != nil {
			b.logger.Warnw("quote_persist_failed", "symbol", q.Symbol, "err", err)
		}
	}
	for _, l := range b.listeners {
		l(q)
	}
	return true
}

// Latest returns the current quote for symbol.
func (b *Book) Latest(symbol string) (Quote, error) {
	s, ok := b.slots.Load(symbol)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	q := s.(*slot).q.Load()
	if q == nil {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return *q, nil
}

// Snapshot copies out the current quote of every symbol, sorted by symbol.
// Each entry is individually atomic; the set is not a cross-symbol cut.
func (b *Book) Snapshot() []Quote {
	var out []Quote
	b.slots.Range(func(_, v any) bool {
		if q := v.(*slot).q.Load(); q != nil {
			out = append(out, *q)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore loads persisted quotes without writing them back to the sink.
// Ordinary monotonicity applies, so restoring stale data over newer ticks
// is a no-op.
func (b *Book) Restore(quotes []Quote) int {
	n := 0
	for _, q := range quotes {
		if q.Validate() != nil {
			continue
		}
		q.AsOf = q.AsOf.UTC()
		s := b.slotFor(q.Symbol)
		for {
			cur := s.q.Load()
			if cur != nil && !q.AsOf.After(cur.AsOf) {
				break
			}
			qq := q
			if s.q.CompareAndSwap(cur, &qq) {
				n++
				break
			}
		}
	}
	return n
}
