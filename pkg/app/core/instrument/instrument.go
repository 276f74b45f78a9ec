package instrument

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+$`)

// Instrument is the static reference data of one tradable symbol.
// Immutable once registered in a Catalog.
type Instrument struct {
	Symbol   string          `json:"symbol"`   // "AAPL"
	Name     string          `json:"name"`     // display only
	Currency string          `json:"currency"` // ISO 4217, defaults to USD
	LotSize  int64           `json:"lotSize"`  // minimum tradable unit, in shares
	TickSize decimal.Decimal `json:"tickSize"` // minimum price increment
}

// New creates an instrument with validation
func New(symbol string, lotSize int64, tickSize decimal.Decimal) (*Instrument, error) {
	in := &Instrument{
		Symbol:   symbol,
		Currency: "USD",
		LotSize:  lotSize,
		TickSize: tickSize,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Validate checks instrument parameter sanity
func (in *Instrument) Validate() error {
	if !symbolPattern.MatchString(in.Symbol) {
		return fmt.Errorf("symbol %q must be uppercase alphanumeric", in.Symbol)
	}
	if in.LotSize <= 0 {
		return fmt.Errorf("%s: lot size must be positive: %d", in.Symbol, in.LotSize)
	}
	if !in.TickSize.IsPositive() {
		return fmt.Errorf("%s: tick size must be positive: %s", in.Symbol, in.TickSize)
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	return nil
}

// ValidQuantity reports whether qty is a positive multiple of the lot size.
func (in *Instrument) ValidQuantity(qty int64) bool {
	return qty > 0 && qty%in.LotSize == 0
}

// ValidPrice reports whether price is a positive multiple of the tick size.
func (in *Instrument) ValidPrice(price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	return price.Mod(in.TickSize).IsZero()
}
