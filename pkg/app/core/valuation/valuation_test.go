package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

var t0 = time.Date(2025, 1, 2, 16, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type ledgerMap map[string]*ledger.Ledger

func (m ledgerMap) Ledger(_ context.Context, userID string) (*ledger.Ledger, error) {
	if l, ok := m[userID]; ok {
		return l, nil
	}
	return nil, errors.New("unknown user")
}

func sample() *ledger.Ledger {
	l := ledger.New("alice")
	l.Deposit(d("10000"))
	l.ApplyBuy("AAPL", 10, d("150"), 8)
	l.ApplyBuy("MSFT", 2, d("400"), 8)
	l.Version = 3
	return l
}

func TestValuateFullyPriced(t *testing.T) {
	book := pricebook.New(nil)
	book.ApplyTick(pricebook.Quote{Symbol: "AAPL", Price: d("160"), AsOf: t0})
	book.ApplyTick(pricebook.Quote{Symbol: "MSFT", Price: d("390.5"), AsOf: t0})

	svc := NewService(ledgerMap{"alice": sample()}, book, util.NewManualClock(t0))
	v, err := svc.Valuate(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if v.Partial {
		t.Fatal("unexpected partial valuation")
	}
	// cash 7700 + 10×160 + 2×390.5
	if !v.TotalEquity.Equal(d("10081")) {
		t.Fatalf("equity = %s, want 10081", v.TotalEquity)
	}
	aapl := v.Positions[0]
	if aapl.Symbol != "AAPL" || !aapl.UnrealizedPnL.Equal(d("100")) {
		t.Fatalf("AAPL = %+v", aapl)
	}
	if msft := v.Positions[1]; !msft.UnrealizedPnL.Equal(d("-19")) {
		t.Fatalf("MSFT pnl = %s, want -19", msft.UnrealizedPnL)
	}
	if !v.UnrealizedPnL.Equal(d("81")) {
		t.Fatalf("total pnl = %s", v.UnrealizedPnL)
	}
	if v.TotalEquityDisplay != "$10,081.00" || v.CashDisplay != "$7,700.00" {
		t.Fatalf("display = %q / %q", v.TotalEquityDisplay, v.CashDisplay)
	}
	if v.Version != 3 || !v.ValuedAt.Equal(t0) {
		t.Fatalf("version/at = %d/%s", v.Version, v.ValuedAt)
	}
}

func TestValuatePartialExcludesUnpriced(t *testing.T) {
	book := pricebook.New(nil)
	book.ApplyTick(pricebook.Quote{Symbol: "AAPL", Price: d("150"), AsOf: t0})

	v := Compute(sample(), book, "USD", t0)
	if !v.Partial || len(v.Unpriced) != 1 || v.Unpriced[0] != "MSFT" {
		t.Fatalf("partial=%v unpriced=%v", v.Partial, v.Unpriced)
	}
	msft := v.Positions[1]
	if msft.Available || msft.MarketPrice != nil || msft.UnrealizedPnL != nil {
		t.Fatalf("unpriced position reported values: %+v", msft)
	}
	if !v.TotalEquity.Equal(d("9200")) {
		t.Fatalf("equity = %s, want cash + AAPL only", v.TotalEquity)
	}
}

func TestValuateUnknownUser(t *testing.T) {
	svc := NewService(ledgerMap{}, pricebook.New(nil), nil)
	if _, err := svc.Valuate(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDisplay(t *testing.T) {
	for _, tt := range []struct {
		amount, cur, want string
	}{
		{"1234.5", "USD", "$1,234.50"},
		{"0.004", "USD", "$0.00"},
		{"-12.345", "USD", "-$12.35"},
	} {
		if got := Display(d(tt.amount), tt.cur); got != tt.want {
			t.Errorf("Display(%s %s) = %q, want %q", tt.amount, tt.cur, got, tt.want)
		}
	}
}
