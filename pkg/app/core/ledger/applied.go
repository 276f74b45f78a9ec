package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptKind distinguishes what an idempotency key was used for.
type ReceiptKind string

const (
	KindOrder      ReceiptKind = "order"
	KindDeposit    ReceiptKind = "deposit"
	KindWithdrawal ReceiptKind = "withdrawal"
)

// Receipt is the recorded outcome of an applied order or transfer. Replaying
// the same id returns it unchanged.
type Receipt struct {
	Kind      ReceiptKind     `json:"kind"`
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol,omitempty"`
	Side      Side            `json:"side,omitempty"`
	Quantity  int64           `json:"quantity,omitempty"`
	FillPrice decimal.Decimal `json:"fillPrice"`
	Amount    decimal.Decimal `json:"amount"`             // transfers only
	Position  *Position       `json:"position,omitempty"` // resulting position; nil when pruned
	Cash      decimal.Decimal `json:"cashBalance"`
	Version   uint64          `json:"version"`
	AppliedAt time.Time       `json:"appliedAt"`
}

// Retention bounds the applied set by count and by age.
type Retention struct {
	Capacity int
	Window   time.Duration // zero keeps entries until pushed out by capacity
}

// AppliedSet is a bounded, time-windowed record of recently applied ids,
// oldest first. It travels with the ledger record so that replay
// protection survives restarts.
type AppliedSet struct {
	Entries []Receipt `json:"entries"`
}

func (s *AppliedSet) expired(r Receipt, now time.Time, ret Retention) bool {
	return ret.Window > 0 && now.Sub(r.AppliedAt) > ret.Window
}

// Lookup returns the receipt recorded for id, if it is still retained.
func (s *AppliedSet) Lookup(id string, now time.Time, ret Retention) (Receipt, bool) {
	for i := len(s.Entries) - 1; i >= 0; i-- {
		r := s.Entries[i]
		if r.ID != id {
			continue
		}
		if s.expired(r, now, ret) {
			return Receipt{}, false
		}
		return r, true
	}
	return Receipt{}, false
}

// Record appends r, then evicts expired entries and the oldest entries
// beyond capacity.
func (s *AppliedSet) Record(r Receipt, now time.Time, ret Retention) {
	s.Entries = append(s.Entries, r)

	drop := 0
	for drop < len(s.Entries) && s.expired(s.Entries[drop], now, ret) {
		drop++
	}
	if over := len(s.Entries) - drop - ret.Capacity; ret.Capacity > 0 && over > 0 {
		drop += over
	}
	if drop > 0 {
		s.Entries = append(s.Entries[:0:0], s.Entries[drop:]...)
	}
}

// Len returns the number of retained entries.
func (s *AppliedSet) Len() int { return len(s.Entries) }

func (s AppliedSet) clone() AppliedSet {
	out := AppliedSet{Entries: make([]Receipt, len(s.Entries))}
	for i, r := range s.Entries {
		if r.Position != nil {
			p := *r.Position
			r.Position = &p
		}
		out.Entries[i] = r
	}
	return out
}
