package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
)

// MemoryStore keeps everything in process. Ledgers are stored encoded so
// that callers never share memory with the store.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string][]byte
	fills   map[string][]ledger.Fill // userID -> fills, oldest first
	quotes  map[string]pricebook.Quote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string][]byte),
		fills:   make(map[string][]ledger.Fill),
		quotes:  make(map[string]pricebook.Quote),
	}
}

func (s *MemoryStore) CommitLedger(ctx context.Context, l *ledger.Ledger, fills []ledger.Fill) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeLedger(l)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[l.UserID] = data
	s.fills[l.UserID] = append(s.fills[l.UserID], fills...)
	return nil
}

func (s *MemoryStore) LoadLedger(_ context.Context, userID string) (*ledger.Ledger, error) {
	s.mu.Lock()
	data, ok := s.ledgers[userID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ledger %s: %w", userID, ErrNotFound)
	}
	return decodeLedger(data)
}

func (s *MemoryStore) UserIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.ledgers))
	for id := range s.ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) RecentFills(_ context.Context, userID string, limit int) ([]ledger.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.fills[userID]
	out := make([]ledger.Fill, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) SaveQuote(q pricebook.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.quotes[q.Symbol]; ok && !q.AsOf.After(cur.AsOf) {
		return nil
	}
	s.quotes[q.Symbol] = q
	return nil
}

func (s *MemoryStore) LoadQuotes() ([]pricebook.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pricebook.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
