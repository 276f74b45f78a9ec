package valuation

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Display formats amount in currency, e.g. "$1,234.50". Sub-minor-unit
// digits are rounded for display only.
func Display(amount decimal.Decimal, currency string) string {
	// money.New never returns a nil currency; unknown codes get a default
	cur := *money.New(0, currency).Currency()
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}
