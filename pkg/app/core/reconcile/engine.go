// Package reconcile is the sole writer of user ledgers. It validates each
// order or transfer, applies it to a private copy of the user's ledger,
// persists the copy and only then publishes it.
//
// Commits for one user are serialized by that user's region; commits for
// different users never contend. Every commit is idempotent on its id.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/events"
	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/app/core/validator"
	"github.com/uhyunpark/tradeledger/pkg/storage"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// Store is the durable side of a commit. CommitLedger must write the ledger
// and its fills atomically: all or nothing.
type Store interface {
	CommitLedger(ctx context.Context, l *ledger.Ledger, fills []ledger.Fill) error
	LoadLedger(ctx context.Context, userID string) (*ledger.Ledger, error)
}

type Catalog interface {
	Lookup(symbol string) (*instrument.Instrument, error)
}

type PriceSource interface {
	Latest(symbol string) (pricebook.Quote, error)
}

type Config struct {
	CommitTimeout  time.Duration // bound on one store write
	Retention      ledger.Retention
	CostScale      int32 // decimal places kept for avg cost
	Shards         int
	EventBuffer    int           // events queued beyond this are dropped
	PublishTimeout time.Duration // bound on one Publish call
}

func DefaultConfig() Config {
	return Config{
		CommitTimeout:  2 * time.Second,
		Retention:      ledger.Retention{Capacity: 1024, Window: 24 * time.Hour},
		CostScale:      8,
		Shards:         64,
		EventBuffer:    1024,
		PublishTimeout: 5 * time.Second,
	}
}

type Status string

const (
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
)

// Result is the outcome of a Submit, Deposit or Withdraw. A replayed id
// returns the Result recorded when it was first committed.
type Result struct {
	Status      Status             `json:"status"`
	Kind        ledger.ReceiptKind `json:"kind"`
	ID          string             `json:"id"`
	UserID      string             `json:"userId"`
	Reason      validator.Reason   `json:"reason,omitempty"`
	Cause       validator.Reason   `json:"cause,omitempty"`
	FillPrice   decimal.Decimal    `json:"fillPrice"`
	Amount      decimal.Decimal    `json:"amount"`
	Position    *ledger.Position   `json:"resultingPosition,omitempty"`
	CashBalance decimal.Decimal    `json:"cashBalance"`
	Version     uint64             `json:"version"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

type Engine struct {
	cfg       Config
	store     Store
	catalog   Catalog
	prices    PriceSource
	publisher events.Publisher
	clock     util.Clock
	log       *zap.SugaredLogger
	regions   *regionTable

	events  chan events.LedgerChanged
	dropped atomic.Uint64
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	pending sync.WaitGroup // writes that outlived their commit timeout
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithClock(c util.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

// New creates an engine and starts its event dispatcher. Call Close to
// flush pending events.
func New(cfg Config, store Store, catalog Catalog, prices PriceSource, opts ...Option) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		catalog:   catalog,
		prices:    prices,
		publisher: events.Nop{},
		clock:     util.RealClock{},
		regions:   newRegionTable(cfg.Shards),
		events:    make(chan events.LedgerChanged, cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = util.OrNop(e.log)
	go e.dispatch()
	return e
}

// Close waits for late writes to resolve, then drains queued events.
func (e *Engine) Close() error {
	e.pending.Wait()

	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	e.closeMu.Unlock()

	<-e.done
	return nil
}

func (e *Engine) isClosed() bool {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	return e.closed
}

// DroppedEvents reports how many events were discarded because the
// dispatcher had fallen behind.
func (e *Engine) DroppedEvents() uint64 { return e.dropped.Load() }

func (e *Engine) dispatch() {
	defer close(e.done)
	for ev := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.log.Warnw("event_publish_failed", "user_id", ev.UserID, "order_id", ev.OrderID, "err", err)
		}
		cancel()
	}
}

// Submit validates and commits one order.
//
// Returns a committed Result and nil error, or a rejected Result with a
// *RejectionError, or a zero Result with a *TransientError (retry with the
// same order id) or *InvariantError (defect; nothing committed).
func (e *Engine) Submit(ctx context.Context, o ledger.Order) (Result, error) {
	if err := checkIDs(o.UserID, o.ID); err != nil {
		return Result{}, err
	}
	return e.commit(ctx, mutation{
		kind:   ledger.KindOrder,
		userID: o.UserID,
		id:     o.ID,
		decide: func(snap *ledger.Ledger) validator.Decision {
			return e.validateOrder(o, snap)
		},
		apply: func(next *ledger.Ledger, dec validator.Decision, now time.Time) (ledger.Receipt, *ledger.Fill, error) {
			fill := &ledger.Fill{
				ID:         uuid.NewString(),
				OrderID:    o.ID,
				UserID:     o.UserID,
				Symbol:     o.Symbol,
				Side:       o.Side,
				Quantity:   o.Quantity,
				Price:      dec.FillPrice,
				ExecutedAt: now,
			}
			switch o.Side {
			case ledger.Buy:
				if err := next.ApplyBuy(o.Symbol, o.Quantity, dec.FillPrice, e.cfg.CostScale); err != nil {
					return ledger.Receipt{}, nil, err
				}
			case ledger.Sell:
				realized, err := next.ApplySell(o.Symbol, o.Quantity, dec.FillPrice)
				if err != nil {
					return ledger.Receipt{}, nil, err
				}
				fill.RealizedPnL = realized
			default:
				return ledger.Receipt{}, nil, fmt.Errorf("%w: side %q", ledger.ErrInvariant, o.Side)
			}

			pos := ledger.Position{Symbol: o.Symbol, AvgCost: decimal.Zero}
			if p := next.Position(o.Symbol); p != nil {
				pos = *p
			}
			return ledger.Receipt{
				Symbol:    o.Symbol,
				Side:      o.Side,
				Quantity:  o.Quantity,
				FillPrice: dec.FillPrice,
				Position:  &pos,
			}, fill, nil
		},
	})
}

// Deposit credits cash, creating the ledger on first use. Idempotent on
// transferID.
func (e *Engine) Deposit(ctx context.Context, userID, transferID string, amount decimal.Decimal) (Result, error) {
	return e.transfer(ctx, ledger.KindDeposit, userID, transferID, amount)
}

// Withdraw debits cash. Idempotent on transferID.
func (e *Engine) Withdraw(ctx context.Context, userID, transferID string, amount decimal.Decimal) (Result, error) {
	return e.transfer(ctx, ledger.KindWithdrawal, userID, transferID, amount)
}

func (e *Engine) transfer(ctx context.Context, kind ledger.ReceiptKind, userID, id string, amount decimal.Decimal) (Result, error) {
	if err := checkIDs(userID, id); err != nil {
		return Result{}, err
	}
	return e.commit(ctx, mutation{
		kind:   kind,
		userID: userID,
		id:     id,
		decide: func(snap *ledger.Ledger) validator.Decision {
			return validator.ValidateTransfer(kind, amount, snap)
		},
		apply: func(next *ledger.Ledger, _ validator.Decision, _ time.Time) (ledger.Receipt, *ledger.Fill, error) {
			var err error
			if kind == ledger.KindDeposit {
				err = next.Deposit(amount)
			} else {
				err = next.Withdraw(amount)
			}
			return ledger.Receipt{Amount: amount}, nil, err
		},
	})
}

// Ledger returns the user's published ledger. The returned value is shared
// and must not be mutated.
func (e *Engine) Ledger(ctx context.Context, userID string) (*ledger.Ledger, error) {
	if !idPattern.MatchString(userID) {
		return nil, fmt.Errorf("%w: user id %q", ErrInvalidRequest, userID)
	}
	l, err := e.load(ctx, e.regions.get(userID))
	if err != nil {
		return nil, &TransientError{Op: "load ledger", Err: err}
	}
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return l, nil
}

// mutation is one order or transfer, expressed as a pure decision over a
// ledger snapshot plus the arithmetic that applies it.
type mutation struct {
	kind   ledger.ReceiptKind
	userID string
	id     string
	decide func(snap *ledger.Ledger) validator.Decision
	apply  func(next *ledger.Ledger, dec validator.Decision, now time.Time) (ledger.Receipt, *ledger.Fill, error)
}

func (e *Engine) commit(ctx context.Context, m mutation) (Result, error) {
	if e.isClosed() {
		return Result{}, ErrClosed
	}
	a := e.regions.get(m.userID)

	// Optimistic pre-check against the published snapshot, outside the region.
	snap, err := e.load(ctx, a)
	if err != nil {
		return Result{}, &TransientError{Op: "load ledger", Err: err}
	}
	if res, ok, err := e.replay(snap, m); ok {
		return res, err
	}
	if dec := m.decide(snap); !dec.Accepted {
		e.log.Debugw("rejected", "user_id", m.userID, "order_id", m.id, "kind", m.kind, "reason", dec.Reason)
		return rejected(m, dec.Reason, ""), &RejectionError{Reason: dec.Reason}
	}

	if err := a.acquire(ctx); err != nil {
		return Result{}, &TransientError{Op: "acquire region", Err: err}
	}
	held := true
	defer func() {
		if held {
			a.release()
		}
	}()

	// Authoritative check against the current ledger. A failed write may
	// have dropped the cache since the pre-check.
	cur, err := e.load(ctx, a)
	if err != nil {
		return Result{}, &TransientError{Op: "load ledger", Err: err}
	}
	if res, ok, err := e.replay(cur, m); ok {
		return res, err
	}
	dec := m.decide(cur)
	if !dec.Accepted {
		e.log.Debugw("rejected", "user_id", m.userID, "order_id", m.id, "kind", m.kind,
			"reason", validator.Superseded, "cause", dec.Reason)
		return rejected(m, validator.Superseded, dec.Reason), &RejectionError{Reason: validator.Superseded, Cause: dec.Reason}
	}

	now := e.clock.Now()
	next := ledger.New(m.userID)
	if cur != nil {
		next = cur.Clone()
	}
	rec, fill, err := m.apply(next, dec, now)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		e.log.Errorw("invariant_violation", "user_id", m.userID, "order_id", m.id, "kind", m.kind, "err", err)
		return Result{}, &InvariantError{UserID: m.userID, ID: m.id, Err: err}
	}

	next.Version++
	next.UpdatedAt = now
	rec.Kind = m.kind
	rec.ID = m.id
	rec.Cash = next.Cash
	rec.Version = next.Version
	rec.AppliedAt = now
	next.Applied.Record(rec, now, e.cfg.Retention)

	var fills []ledger.Fill
	if fill != nil {
		fill.Seq = next.Version
		fills = append(fills, *fill)
	}
	ev := events.NewLedgerChanged(next, m.kind, m.id, fill)

	handedOff, err := e.persist(ctx, a, next, fills, ev)
	if handedOff {
		held = false
	}
	if err != nil {
		return Result{}, err
	}

	e.log.Infow("committed", "user_id", m.userID, "order_id", m.id, "kind", m.kind,
		"version", next.Version, "cash", next.Cash.String())
	return committed(rec, m.userID), nil
}

// persist writes next and publishes it once durable. The caller holds the
// region. If the write outlives CommitTimeout the caller gets a transient
// error at once and the region passes to a goroutine that waits for the
// write: success publishes (a retry then replays). A failed write may still
// have landed, so any failure drops the cached ledger and the next access
// reads it back from the store. handedOff reports that the region was
// passed on.
func (e *Engine) persist(ctx context.Context, a *account, next *ledger.Ledger, fills []ledger.Fill, ev events.LedgerChanged) (handedOff bool, err error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	done := make(chan error, 1)
	go func() { done <- e.store.CommitLedger(wctx, next, fills) }()

	select {
	case err := <-done:
		cancel()
		if err != nil {
			e.log.Warnw("persist_failed", "user_id", next.UserID, "order_id", ev.OrderID, "err", err)
			a.invalidate()
			return false, &TransientError{Op: "persist ledger", Err: err}
		}
		e.publish(a, next, ev)
		return false, nil

	case <-wctx.Done():
		e.log.Warnw("persist_timeout", "user_id", next.UserID, "order_id", ev.OrderID, "timeout", e.cfg.CommitTimeout)
		e.pending.Add(1)
		go func() {
			defer e.pending.Done()
			defer a.release()
			defer cancel()
			if err := <-done; err != nil {
				e.log.Warnw("persist_failed_late", "user_id", next.UserID, "order_id", ev.OrderID, "err", err)
				a.invalidate()
				return
			}
			e.publish(a, next, ev)
			e.log.Infow("persist_completed_late", "user_id", next.UserID, "order_id", ev.OrderID, "version", next.Version)
		}()
		return true, &TransientError{Op: "persist ledger", Err: context.DeadlineExceeded}
	}
}

// publish makes next the visible ledger and queues its event. Caller holds
// the region, so events for one user are queued in commit order. Queueing
// never waits: when the buffer is full the event is dropped.
func (e *Engine) publish(a *account, next *ledger.Ledger, ev events.LedgerChanged) {
	a.snap.Store(next)

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		e.log.Warnw("event_dropped_engine_closed", "user_id", ev.UserID, "order_id", ev.OrderID)
		return
	}
	select {
	case e.events <- ev:
	default:
		n := e.dropped.Add(1)
		e.log.Warnw("event_dropped_buffer_full", "user_id", ev.UserID, "order_id", ev.OrderID,
			"version", ev.Version, "dropped", n)
	}
}

// load returns the published ledger, reading it from the store on first
// access. nil means the user has no ledger yet.
func (e *Engine) load(ctx context.Context, a *account) (*ledger.Ledger, error) {
	if a.loaded.Load() {
		return a.snap.Load(), nil
	}
	a.loadMu.Lock()
	defer a.loadMu.Unlock()
	if a.loaded.Load() {
		return a.snap.Load(), nil
	}

	l, err := e.store.LoadLedger(ctx, a.userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		l = nil
		a.snap.Store(nil)
	case err != nil:
		return nil, err
	default:
		if verr := l.Validate(); verr != nil {
			return nil, fmt.Errorf("stored ledger %s: %w", a.userID, verr)
		}
		a.snap.Store(l)
	}
	a.loaded.Store(true)
	return l, nil
}

// replay returns the recorded result when m.id was already applied.
func (e *Engine) replay(snap *ledger.Ledger, m mutation) (Result, bool, error) {
	if snap == nil {
		return Result{}, false, nil
	}
	rec, ok := snap.Applied.Lookup(m.id, e.clock.Now(), e.cfg.Retention)
	if !ok {
		return Result{}, false, nil
	}
	if rec.Kind != m.kind {
		return Result{}, true, fmt.Errorf("%w: %s was a %s", ErrIDReused, m.id, rec.Kind)
	}
	e.log.Debugw("replayed", "user_id", m.userID, "order_id", m.id, "version", rec.Version)
	return committed(rec, snap.UserID), true, nil
}

func (e *Engine) validateOrder(o ledger.Order, snap *ledger.Ledger) validator.Decision {
	inst, err := e.catalog.Lookup(o.Symbol)
	if err != nil {
		inst = nil
	}
	var quote *pricebook.Quote
	if o.Type == ledger.Market {
		if q, err := e.prices.Latest(o.Symbol); err == nil {
			quote = &q
		}
	}
	return validator.Validate(o, snap, inst, quote)
}

func checkIDs(userID, id string) error {
	if !idPattern.MatchString(userID) {
		return fmt.Errorf("%w: user id %q", ErrInvalidRequest, userID)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q", ErrInvalidRequest, id)
	}
	return nil
}

func committed(rec ledger.Receipt, userID string) Result {
	r := Result{
		Status:      StatusCommitted,
		Kind:        rec.Kind,
		ID:          rec.ID,
		UserID:      userID,
		FillPrice:   rec.FillPrice,
		Amount:      rec.Amount,
		CashBalance: rec.Cash,
		Version:     rec.Version,
	}
	if rec.Position != nil {
		p := *rec.Position
		r.Position = &p
	}
	return r
}

func rejected(m mutation, reason, cause validator.Reason) Result {
	return Result{
		Status: StatusRejected,
		Kind:   m.kind,
		ID:     m.id,
		UserID: m.userID,
		Reason: reason,
		Cause:  cause,
	}
}
