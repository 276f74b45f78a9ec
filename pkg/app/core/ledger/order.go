package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("invalid side %q", s)
}

// OrderType selects how the fill price is determined.
type OrderType string

const (
	Market OrderType = "MARKET" // fills at the current quote
	Limit  OrderType = "LIMIT"  // fills immediately at LimitPrice
)

func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToUpper(s)) {
	case Market:
		return Market, nil
	case Limit:
		return Limit, nil
	}
	return "", fmt.Errorf("invalid order type %q", s)
}

// Order is an immutable client instruction. The ID is the idempotency key
// and only needs to be unique per user.
type Order struct {
	ID          string           `json:"orderId"`
	UserID      string           `json:"userId"`
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Quantity    int64            `json:"quantity"`
	Type        OrderType        `json:"orderType"`
	LimitPrice  *decimal.Decimal `json:"limitPrice,omitempty"` // required iff Type == Limit
	SubmittedAt time.Time        `json:"submittedAt"`
}

// Fill is the record of one committed order.
type Fill struct {
	ID          string          `json:"fillId"`
	OrderID     string          `json:"orderId"`
	UserID      string          `json:"userId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"` // zero for buys
	Seq         uint64          `json:"seq"`         // ledger version that produced the fill
	ExecutedAt  time.Time       `json:"executedAt"`
}

// Notional returns quantity × price.
func (f *Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}
