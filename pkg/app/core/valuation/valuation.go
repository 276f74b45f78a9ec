// Package valuation derives market value and P&L from a ledger snapshot and
// the latest quotes. It never mutates either.
package valuation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

type LedgerSource interface {
	Ledger(ctx context.Context, userID string) (*ledger.Ledger, error)
}

type QuoteSource interface {
	Latest(symbol string) (pricebook.Quote, error)
}

// PositionValue is one holding marked to market. When the symbol has no
// quote Available is false and the market fields are nil.
type PositionValue struct {
	Symbol        string           `json:"symbol"`
	Quantity      int64            `json:"quantity"`
	AvgCost       decimal.Decimal  `json:"avgCost"`
	CostBasis     decimal.Decimal  `json:"costBasis"`
	Available     bool             `json:"available"`
	MarketPrice   *decimal.Decimal `json:"marketPrice,omitempty"`
	MarketValue   *decimal.Decimal `json:"marketValue,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealizedPnl,omitempty"`
	PriceAsOf     *time.Time       `json:"priceAsOf,omitempty"`
}

// Valuation is a point-in-time view of one user's account.
type Valuation struct {
	UserID        string          `json:"userId"`
	Currency      string          `json:"currency"`
	CashBalance   decimal.Decimal `json:"cashBalance"`
	Positions     []PositionValue `json:"positions"`
	TotalEquity   decimal.Decimal `json:"totalEquity"` // cash + priced positions only
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	Partial       bool            `json:"partial"` // some position had no quote
	Unpriced      []string        `json:"unpriced,omitempty"`
	Version       uint64          `json:"ledgerVersion"`
	ValuedAt      time.Time       `json:"valuedAt"`

	CashDisplay        string `json:"cashDisplay"`
	TotalEquityDisplay string `json:"totalEquityDisplay"`
}

type Service struct {
	ledgers  LedgerSource
	quotes   QuoteSource
	currency string
	clock    util.Clock
}

func NewService(ledgers LedgerSource, quotes QuoteSource, clock util.Clock) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Service{ledgers: ledgers, quotes: quotes, currency: "USD", clock: clock}
}

// Valuate marks the user's current ledger to the latest quotes. Each quote
// is read once, so a position is valued against a single consistent price.
func (s *Service) Valuate(ctx context.Context, userID string) (Valuation, error) {
	l, err := s.ledgers.Ledger(ctx, userID)
	if err != nil {
		return Valuation{}, err
	}
	return Compute(l, s.quotes, s.currency, s.clock.Now()), nil
}

// Compute is the pure valuation of l against quotes.
func Compute(l *ledger.Ledger, quotes QuoteSource, currency string, now time.Time) Valuation {
	v := Valuation{
		UserID:        l.UserID,
		Currency:      currency,
		CashBalance:   l.Cash,
		Positions:     []PositionValue{},
		TotalEquity:   l.Cash,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   l.RealizedPnL,
		Version:       l.Version,
		ValuedAt:      now,
	}

	for _, p := range l.SortedPositions() {
		pv := PositionValue{
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			AvgCost:   p.AvgCost,
			CostBasis: p.CostBasis(),
		}
		q, err := quotes.Latest(p.Symbol)
		if err != nil {
			v.Partial = true
			v.Unpriced = append(v.Unpriced, p.Symbol)
			v.Positions = append(v.Positions, pv)
			continue
		}

		qty := decimal.NewFromInt(p.Quantity)
		price := q.Price
		value := price.Mul(qty)
		// unrealizedPnL = quantity × (marketPrice − avgCost)
		pnl := price.Sub(p.AvgCost).Mul(qty)
		asOf := q.AsOf

		pv.Available = true
		pv.MarketPrice = &price
		pv.MarketValue = &value
		pv.UnrealizedPnL = &pnl
		pv.PriceAsOf = &asOf

		v.TotalEquity = v.TotalEquity.Add(value)
		v.UnrealizedPnL = v.UnrealizedPnL.Add(pnl)
		v.Positions = append(v.Positions, pv)
	}

	v.CashDisplay = Display(v.CashBalance, currency)
	v.TotalEquityDisplay = Display(v.TotalEquity, currency)
	return v
}
