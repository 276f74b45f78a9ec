package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
)

func TestNewLedgerChanged(t *testing.T) {
	l := ledger.New("alice")
	l.Deposit(decimal.NewFromInt(1000))
	l.ApplyBuy("MSFT", 1, decimal.NewFromInt(100), 8)
	l.ApplyBuy("AAPL", 2, decimal.NewFromInt(100), 8)
	l.Version = 3
	l.UpdatedAt = time.Unix(1700000000, 0).UTC()

	ev := NewLedgerChanged(l, ledger.KindOrder, "o-1", nil)
	if ev.EventID == "" || ev.UserID != "alice" || ev.OrderID != "o-1" {
		t.Fatalf("bad event header: %+v", ev)
	}
	if !ev.NewCashBalance.Equal(decimal.NewFromInt(700)) {
		t.Fatalf("cash = %s", ev.NewCashBalance)
	}
	if len(ev.NewPositions) != 2 || ev.NewPositions[0].Symbol != "AAPL" {
		t.Fatalf("positions not sorted: %+v", ev.NewPositions)
	}
	if ev.Version != 3 || !ev.At.Equal(l.UpdatedAt) {
		t.Fatalf("version/at = %d/%s", ev.Version, ev.At)
	}
}

func TestFanoutContinuesPastFailure(t *testing.T) {
	rec := NewRecorder(4)
	failing := PublisherFunc(func(context.Context, LedgerChanged) error { return errors.New("broker down") })
	f := NewFanout(nil, failing, rec)

	if err := f.Publish(context.Background(), LedgerChanged{UserID: "u", OrderID: "1"}); err != nil {
		t.Fatalf("fanout returned %v", err)
	}
	got := rec.Drain()
	if len(got) != 1 || got[0].OrderID != "1" {
		t.Fatalf("recorder got %+v", got)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	rec := NewRecorder(1)
	rec.Publish(context.Background(), LedgerChanged{OrderID: "a"})
	rec.Publish(context.Background(), LedgerChanged{OrderID: "b"})
	if got := rec.Drain(); len(got) != 1 || got[0].OrderID != "a" {
		t.Fatalf("drain = %+v", got)
	}
}
