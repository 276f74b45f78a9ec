package pricebook

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)

func quote(sym, price string, at time.Time) Quote {
	return Quote{Symbol: sym, Price: decimal.RequireFromString(price), AsOf: at}
}

func TestApplyTickMonotonic(t *testing.T) {
	b := New(nil)

	if !b.ApplyTick(quote("AAPL", "150", t0)) {
		t.Fatal("first tick should apply")
	}
	if b.ApplyTick(quote("AAPL", "151", t0)) {
		t.Fatal("equal asOf must be discarded")
	}
	if b.ApplyTick(quote("AAPL", "149", t0.Add(-time.Second))) {
		t.Fatal("older asOf must be discarded")
	}
	q, err := b.Latest("AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Price.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("price = %s, want 150", q.Price)
	}
	if !b.ApplyTick(quote("AAPL", "152", t0.Add(time.Millisecond))) {
		t.Fatal("newer tick should apply")
	}
	q, _ = b.Latest("AAPL")
	if !q.Price.Equal(decimal.NewFromInt(152)) {
		t.Fatalf("price = %s, want 152", q.Price)
	}
}

func TestUnknownSymbolStoredAndMissingReported(t *testing.T) {
	b := New(nil)
	if !b.ApplyTick(quote("ZZZZ", "1.5", t0)) {
		t.Fatal("unknown symbol tick should be stored")
	}
	if _, err := b.Latest("ZZZZ"); err != nil {
		t.Fatalf("latest ZZZZ: %v", err)
	}
	if _, err := b.Latest("MSFT"); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("err = %v, want ErrNoQuote", err)
	}
}

func TestInvalidTickIgnored(t *testing.T) {
	b := New(nil)
	if b.ApplyTick(quote("AAPL", "0", t0)) {
		t.Fatal("zero price should be ignored")
	}
	if b.ApplyTick(Quote{Symbol: "AAPL", Price: decimal.NewFromInt(1)}) {
		t.Fatal("missing asOf should be ignored")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	quotes []Quote
}

func (s *recordingSink) SaveQuote(q Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, q)
	return nil
}

func TestSinkAndListenerSeeOnlyAccepted(t *testing.T) {
	sink := &recordingSink{}
	var heard int
	b := New(nil, WithSink(sink), WithListener(func(Quote) { heard++ }))

	b.ApplyTick(quote("AAPL", "150", t0))
	b.ApplyTick(quote("AAPL", "140", t0))
	b.ApplyTick(quote("AAPL", "151", t0.Add(time.Second)))

	if len(sink.quotes) != 2 || heard != 2 {
		t.Fatalf("sink=%d listener=%d, want 2/2", len(sink.quotes), heard)
	}
}

func TestRestoreKeepsNewer(t *testing.T) {
	b := New(nil)
	b.ApplyTick(quote("AAPL", "155", t0.Add(time.Minute)))

	n := b.Restore([]Quote{
		quote("AAPL", "150", t0),
		quote("MSFT", "400", t0),
	})
	if n != 1 {
		t.Fatalf("restored = %d, want 1", n)
	}
	q, _ := b.Latest("AAPL")
	if !q.Price.Equal(decimal.NewFromInt(155)) {
		t.Fatalf("restore regressed AAPL to %s", q.Price)
	}
	if len(b.Snapshot()) != 2 {
		t.Fatalf("snapshot = %v", b.Snapshot())
	}
}

func TestConcurrentTicksConvergeToNewest(t *testing.T) {
	b := New(nil)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.ApplyTick(quote("AAPL", decimal.NewFromInt(int64(100+i)).String(), t0.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()

	q, _ := b.Latest("AAPL")
	if !q.AsOf.Equal(t0.Add((n - 1) * time.Millisecond)) {
		t.Fatalf("asOf = %s, want newest", q.AsOf)
	}
	if !q.Price.Equal(decimal.NewFromInt(100 + n - 1)) {
		t.Fatalf("price = %s, want %d", q.Price, 100+n-1)
	}
}

func TestPropertyAsOfNeverRegresses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New(nil)
		offsets := rapid.SliceOfN(rapid.IntRange(0, 50), 1, 40).Draw(t, "offsets")

		var maxOff = -1
		for i, off := range offsets {
			before, beforeErr := b.Latest("AAPL")
			applied := b.ApplyTick(quote("AAPL", decimal.NewFromInt(int64(i+1)).String(), t0.Add(time.Duration(off)*time.Second)))

			if applied != (off > maxOff) {
				t.Fatalf("tick %d (off %d, max %d): applied=%v", i, off, maxOff, applied)
			}
			after, _ := b.Latest("AAPL")
			if !applied && beforeErr == nil && (!after.Price.Equal(before.Price) || !after.AsOf.Equal(before.AsOf)) {
				t.Fatalf("discarded tick changed stored quote")
			}
			if off > maxOff {
				maxOff = off
			}
		}
	})
}
