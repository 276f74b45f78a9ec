package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
)

// PebbleStore persists ledgers, fills and quotes.
// A commit writes the ledger record and its fills in one synced batch, so a
// crash leaves either all of them or none.
type PebbleStore struct {
	db *pebble.DB

	quoteMu sync.Mutex // serializes quote read-compare-write
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error { return s.db.Close() }

// CommitLedger atomically writes the ledger record and the fills it produced.
func (s *PebbleStore) CommitLedger(ctx context.Context, l *ledger.Ledger, fills []ledger.Fill) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeLedger(l)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(ledgerKey(l.UserID), data, nil); err != nil {
		return fmt.Errorf("failed to stage ledger: %w", err)
	}
	for i := range fills {
		f := &fills[i]
		fd, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("failed to marshal fill: %w", err)
		}
		if err := batch.Set(fillKey(f.UserID, f.Seq, f.ID), fd, nil); err != nil {
			return fmt.Errorf("failed to stage fill: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ledger %s: %w", l.UserID, err)
	}
	return nil
}

// LoadLedger loads a user's ledger
// Returns ErrNotFound if the user has none
func (s *PebbleStore) LoadLedger(_ context.Context, userID string) (*ledger.Ledger, error) {
	data, closer, err := s.db.Get(ledgerKey(userID))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("ledger %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	defer closer.Close()
	return decodeLedger(data)
}

// UserIDs lists every user with a persisted ledger.
func (s *PebbleStore) UserIDs(_ context.Context) ([]string, error) {
	prefix := []byte(prefixLedger)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}

// RecentFills loads the most recent N fills for a user
// Fills are returned in reverse chronological order (newest first)
func (s *PebbleStore) RecentFills(_ context.Context, userID string, limit int) ([]ledger.Fill, error) {
	prefix := fillPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []ledger.Fill
	for iter.Last(); iter.Valid() && len(fills) < limit; iter.Prev() {
		var f ledger.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue // Skip invalid entries
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

// SaveQuote persists q unless a newer quote is already stored.
// NoSync: quotes are re-fed by the market after a crash.
func (s *PebbleStore) SaveQuote(q pricebook.Quote) error {
	s.quoteMu.Lock()
	defer s.quoteMu.Unlock()

	key := quoteKey(q.Symbol)
	if data, closer, err := s.db.Get(key); err == nil {
		var cur pricebook.Quote
		uerr := json.Unmarshal(data, &cur)
		closer.Close()
		if uerr == nil && !q.AsOf.After(cur.AsOf) {
			return nil
		}
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("failed to get quote: %w", err)
	}

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// LoadQuotes returns every persisted quote.
func (s *PebbleStore) LoadQuotes() ([]pricebook.Quote, error) {
	prefix := []byte(prefixQuote)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var quotes []pricebook.Quote
	for iter.First(); iter.Valid(); iter.Next() {
		var q pricebook.Quote
		if err := json.Unmarshal(iter.Value(), &q); err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, iter.Error()
}
