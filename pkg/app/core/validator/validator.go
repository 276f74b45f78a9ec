// Package validator decides whether an order can execute against a ledger
// snapshot. It holds no state; every input is passed in.
package validator

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
)

// Reason names why an order or transfer was rejected.
type Reason string

const (
	UnknownSymbol      Reason = "UnknownSymbol"
	InvalidQuantity    Reason = "InvalidQuantity"
	InvalidPrice       Reason = "InvalidPrice"
	NoQuote            Reason = "NoQuote"
	InsufficientFunds  Reason = "InsufficientFunds"
	InsufficientShares Reason = "InsufficientShares"
	InvalidAmount      Reason = "InvalidAmount"

	// Superseded is returned when the pre-check passed but the ledger
	// changed before commit so that the order no longer validates.
	Superseded Reason = "Superseded"
)

func (r Reason) String() string { return string(r) }

// Decision is Accepted(FillPrice) or Rejected(Reason).
type Decision struct {
	Accepted  bool
	FillPrice decimal.Decimal
	Reason    Reason
}

func accept(price decimal.Decimal) Decision { return Decision{Accepted: true, FillPrice: price} }
func reject(r Reason) Decision              { return Decision{Reason: r} }

// Validate applies the order rules in order; the first failing rule decides.
//
//  1. symbol in catalog           UnknownSymbol
//  2. quantity multiple of lot    InvalidQuantity
//  3. limit price on tick grid    InvalidPrice
//  4. fill price available        NoQuote (market only)
//  5. buy: cash ≥ qty × price     InsufficientFunds
//  6. sell: held ≥ qty            InsufficientShares
//
// inst is nil when the symbol is not in the catalog; quote is nil when the
// price book has none. snap may be nil for a user with no ledger yet.
func Validate(order ledger.Order, snap *ledger.Ledger, inst *instrument.Instrument, quote *pricebook.Quote) Decision {
	if inst == nil {
		return reject(UnknownSymbol)
	}
	if !inst.ValidQuantity(order.Quantity) {
		return reject(InvalidQuantity)
	}

	var fill decimal.Decimal
	switch order.Type {
	case ledger.Limit:
		if order.LimitPrice == nil || !inst.ValidPrice(*order.LimitPrice) {
			return reject(InvalidPrice)
		}
		fill = *order.LimitPrice
	case ledger.Market:
		if order.LimitPrice != nil {
			return reject(InvalidPrice)
		}
		if quote == nil {
			return reject(NoQuote)
		}
		fill = quote.Price
	default:
		return reject(InvalidPrice)
	}

	cash := decimal.Zero
	var held int64
	if snap != nil {
		cash = snap.Cash
		held = snap.Quantity(order.Symbol)
	}

	switch order.Side {
	case ledger.Buy:
		if cash.LessThan(fill.Mul(decimal.NewFromInt(order.Quantity))) {
			return reject(InsufficientFunds)
		}
	case ledger.Sell:
		if held < order.Quantity {
			return reject(InsufficientShares)
		}
	default:
		return reject(InvalidQuantity)
	}
	return accept(fill)
}

// ValidateTransfer checks a deposit or withdrawal amount against cash.
func ValidateTransfer(kind ledger.ReceiptKind, amount decimal.Decimal, snap *ledger.Ledger) Decision {
	if !amount.IsPositive() {
		return reject(InvalidAmount)
	}
	if kind == ledger.KindWithdrawal {
		if snap == nil || snap.Cash.LessThan(amount) {
			return reject(InsufficientFunds)
		}
	}
	return accept(decimal.Zero)
}
