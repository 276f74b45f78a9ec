package feed

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

// TickSink consumes price ticks; *pricebook.Book satisfies it.
type TickSink interface {
	ApplyTick(q pricebook.Quote) bool
}

// FeederConfig controls the simulated market
type FeederConfig struct {
	Interval time.Duration              // How often every symbol ticks
	Start    map[string]decimal.Decimal // symbol -> opening price
	StepBps  int64                      // Max move per tick, in basis points
	TickSize decimal.Decimal            // Prices are rounded to this grid
	Ticks    map[string]decimal.Decimal // per-symbol grid, overrides TickSize
	Seed     uint64
}

// defaultOpen is the opening price for a symbol with no known quote.
var defaultOpen = decimal.NewFromInt(100)

// CatalogFeederConfig walks every instrument in list on its own tick grid.
// Opening prices come from last when it has the symbol, then from
// DefaultFeederConfig, then defaultOpen.
func CatalogFeederConfig(list []*instrument.Instrument, last []pricebook.Quote) FeederConfig {
	cfg := DefaultFeederConfig()
	known := cfg.Start
	cfg.Start = make(map[string]decimal.Decimal, len(list))
	cfg.Ticks = make(map[string]decimal.Decimal, len(list))
	for _, in := range list {
		open, ok := known[in.Symbol]
		if !ok {
			open = defaultOpen
		}
		cfg.Start[in.Symbol] = open
		cfg.Ticks[in.Symbol] = in.TickSize
	}
	for _, q := range last {
		if _, ok := cfg.Start[q.Symbol]; ok && q.Price.IsPositive() {
			cfg.Start[q.Symbol] = q.Price
		}
	}
	return cfg
}

func (c FeederConfig) tickFor(symbol string) decimal.Decimal {
	if t, ok := c.Ticks[symbol]; ok && t.IsPositive() {
		return t
	}
	return c.TickSize
}

// DefaultFeederConfig returns reasonable defaults for a devnet
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval: 500 * time.Millisecond,
		Start: map[string]decimal.Decimal{
			"AAPL":  decimal.NewFromInt(150),
			"MSFT":  decimal.NewFromInt(400),
			"GOOGL": decimal.NewFromInt(140),
			"AMZN":  decimal.NewFromInt(180),
			"TSLA":  decimal.NewFromInt(250),
		},
		StepBps:  25,
		TickSize: decimal.New(1, -2),
		Seed:     1,
	}
}

// Walker produces a bounded random walk per symbol.
type Walker struct {
	cfg     FeederConfig
	rng     *rand.Rand
	symbols []string
	prices  map[string]decimal.Decimal
}

func NewWalker(cfg FeederConfig) *Walker {
	w := &Walker{
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		prices: make(map[string]decimal.Decimal, len(cfg.Start)),
	}
	for sym, p := range cfg.Start {
		w.symbols = append(w.symbols, sym)
		w.prices[sym] = p
	}
	sort.Strings(w.symbols)
	return w
}

// Next moves every symbol one step and returns the new quotes stamped at now.
func (w *Walker) Next(now time.Time) []pricebook.Quote {
	out := make([]pricebook.Quote, 0, len(w.symbols))
	for _, sym := range w.symbols {
		bps := w.rng.Int64N(2*w.cfg.StepBps+1) - w.cfg.StepBps
		p := w.prices[sym]
		p = p.Add(p.Mul(decimal.New(bps, -4)))
		tick := w.cfg.tickFor(sym)
		if tick.IsPositive() {
			p = p.Div(tick).Round(0).Mul(tick)
		}
		if !p.IsPositive() {
			p = tick
		}
		w.prices[sym] = p
		out = append(out, pricebook.Quote{Symbol: sym, Price: p, AsOf: now})
	}
	return out
}

// StartFeeder starts a background goroutine that feeds random-walk ticks
// into sink. Returns a cancel function to stop the feeder
func StartFeeder(ctx context.Context, sink TickSink, cfg FeederConfig, clock util.Clock, logger *zap.SugaredLogger) context.CancelFunc {
	logger = util.OrNop(logger)
	if clock == nil {
		clock = util.RealClock{}
	}
	walker := NewWalker(cfg)
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		startTime := clock.Now()
		total, applied := 0, 0
		logger.Infow("feeder_started", "symbols", len(cfg.Start), "interval", cfg.Interval)

		for {
			select {
			case <-feedCtx.Done():
				logger.Infow("feeder_stopped", "ticks", total, "applied", applied,
					"elapsed", clock.Now().Sub(startTime).Round(time.Second))
				return
			case <-ticker.C:
				for _, q := range walker.Next(clock.Now()) {
					total++
					if sink.ApplyTick(q) {
						applied++
					}
				}
			}
		}
	}()

	return cancel
}
