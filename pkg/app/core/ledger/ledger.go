package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvariant marks arithmetic that would leave a ledger in a state
// validation should have prevented (negative cash or quantity).
var ErrInvariant = errors.New("ledger invariant violated")

// Ledger is one user's authoritative cash and holdings.
// A published Ledger is never mutated; writers Clone, apply, and publish
// the copy.
type Ledger struct {
	UserID    string               `json:"userId"`
	Cash      decimal.Decimal      `json:"cashBalance"`
	Positions map[string]*Position `json:"positions"` // symbol -> position, quantity > 0

	// Cumulative statistics
	Deposited   decimal.Decimal `json:"deposited"`
	Withdrawn   decimal.Decimal `json:"withdrawn"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	TradeCount  int64           `json:"tradeCount"`

	Applied   AppliedSet `json:"applied"`
	Version   uint64     `json:"version"` // incremented on every commit
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Position is a long holding in one symbol.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avgCost"` // quantity-weighted purchase price
}

// CostBasis returns quantity × avgCost.
func (p *Position) CostBasis() decimal.Decimal {
	return p.AvgCost.Mul(decimal.NewFromInt(p.Quantity))
}

// New creates an empty ledger for userID.
func New(userID string) *Ledger {
	return &Ledger{
		UserID:    userID,
		Positions: make(map[string]*Position),
	}
}

// Clone returns a deep copy safe to mutate.
func (l *Ledger) Clone() *Ledger {
	cp := *l
	cp.Positions = make(map[string]*Position, len(l.Positions))
	for sym, p := range l.Positions {
		pp := *p
		cp.Positions[sym] = &pp
	}
	cp.Applied = l.Applied.clone()
	return &cp
}

// Position returns the holding for symbol, or nil.
func (l *Ledger) Position(symbol string) *Position {
	return l.Positions[symbol]
}

// Quantity returns the held quantity of symbol, zero if none.
func (l *Ledger) Quantity(symbol string) int64 {
	if p := l.Positions[symbol]; p != nil {
		return p.Quantity
	}
	return 0
}

// SortedPositions returns positions ordered by symbol.
func (l *Ledger) SortedPositions() []Position {
	out := make([]Position, 0, len(l.Positions))
	for _, p := range l.Positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CostBasis returns Σ quantity × avgCost over open positions.
func (l *Ledger) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.Positions {
		total = total.Add(p.CostBasis())
	}
	return total
}

// NetContributed returns deposits − withdrawals + realized P&L: the value
// cash plus cost basis must add up to.
func (l *Ledger) NetContributed() decimal.Decimal {
	return l.Deposited.Sub(l.Withdrawn).Add(l.RealizedPnL)
}

// Validate checks ledger invariants
func (l *Ledger) Validate() error {
	if l.Cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInvariant, l.Cash)
	}
	for sym, p := range l.Positions {
		if p.Symbol != sym {
			return fmt.Errorf("%w: position symbol mismatch: key=%s pos=%s", ErrInvariant, sym, p.Symbol)
		}
		if p.Quantity < 0 {
			return fmt.Errorf("%w: negative quantity %d for %s", ErrInvariant, p.Quantity, sym)
		}
		if p.AvgCost.IsNegative() {
			return fmt.Errorf("%w: negative avg cost %s for %s", ErrInvariant, p.AvgCost, sym)
		}
	}
	return nil
}

// ApplyBuy debits qty × price and folds the purchase into the position's
// average cost, rounded to costScale places. Cash is exact.
func (l *Ledger) ApplyBuy(symbol string, qty int64, price decimal.Decimal, costScale int32) error {
	if qty <= 0 {
		return fmt.Errorf("%w: buy quantity %d", ErrInvariant, qty)
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	cash := l.Cash.Sub(cost)
	if cash.IsNegative() {
		return fmt.Errorf("%w: buy %d %s @ %s leaves cash %s", ErrInvariant, qty, symbol, price, cash)
	}

	pos := l.Positions[symbol]
	if pos == nil {
		pos = &Position{Symbol: symbol, AvgCost: decimal.Zero}
	}
	newQty := pos.Quantity + qty
	if newQty < pos.Quantity {
		return fmt.Errorf("%w: quantity overflow for %s", ErrInvariant, symbol)
	}

	// avg = (oldQty × oldAvg + qty × price) / newQty
	basis := pos.CostBasis().Add(cost)
	pos.AvgCost = basis.DivRound(decimal.NewFromInt(newQty), costScale)
	pos.Quantity = newQty

	l.Positions[symbol] = pos
	l.Cash = cash
	l.TradeCount++
	return nil
}

// ApplySell credits qty × price, books realized P&L against avgCost and
// prunes the position when it reaches zero. AvgCost is left unchanged.
// Returns the realized P&L of this sell.
func (l *Ledger) ApplySell(symbol string, qty int64, price decimal.Decimal) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, fmt.Errorf("%w: sell quantity %d", ErrInvariant, qty)
	}
	pos := l.Positions[symbol]
	held := int64(0)
	if pos != nil {
		held = pos.Quantity
	}
	if held < qty {
		return decimal.Zero, fmt.Errorf("%w: sell %d %s with %d held", ErrInvariant, qty, symbol, held)
	}

	q := decimal.NewFromInt(qty)
	proceeds := price.Mul(q)
	realized := price.Sub(pos.AvgCost).Mul(q)

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		delete(l.Positions, symbol)
	}
	l.Cash = l.Cash.Add(proceeds)
	l.RealizedPnL = l.RealizedPnL.Add(realized)
	l.TradeCount++
	return realized, nil
}

// Deposit credits amount to cash.
func (l *Ledger) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: deposit amount %s", ErrInvariant, amount)
	}
	l.Cash = l.Cash.Add(amount)
	l.Deposited = l.Deposited.Add(amount)
	return nil
}

// Withdraw debits amount from cash.
func (l *Ledger) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdraw amount %s", ErrInvariant, amount)
	}
	cash := l.Cash.Sub(amount)
	if cash.IsNegative() {
		return fmt.Errorf("%w: withdraw %s leaves cash %s", ErrInvariant, amount, cash)
	}
	l.Cash = cash
	l.Withdrawn = l.Withdrawn.Add(amount)
	return nil
}

// Normalize fills in maps left nil by decoding.
func (l *Ledger) Normalize() {
	if l.Positions == nil {
		l.Positions = make(map[string]*Position)
	}
}
