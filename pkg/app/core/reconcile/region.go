package reconcile

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
)

// account is the addressable owner of one user's ledger.
//
// region is a single-slot semaphore: holding the slot is the exclusive right
// to commit for this user. Blocked senders on a channel are served in
// arrival order, so a burst for one user commits FIFO.
//
// snap is the last published ledger (nil until the first commit). Readers
// load it without the region; it is replaced, never mutated.
type account struct {
	userID string
	region chan struct{}
	snap   atomic.Pointer[ledger.Ledger]

	loadMu sync.Mutex
	loaded atomic.Bool
}

func newAccount(userID string) *account {
	return &account{userID: userID, region: make(chan struct{}, 1)}
}

// acquire enters the region, giving up if ctx ends first.
func (a *account) acquire(ctx context.Context) error {
	select {
	case a.region <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *account) release() { <-a.region }

// invalidate forgets the cached ledger so the next load reads the store.
// Caller holds the region.
func (a *account) invalidate() { a.loaded.Store(false) }

// shard is one slice of the user table with its own lock.
type shard struct {
	mu       sync.Mutex
	accounts map[string]*account
}

type regionTable struct {
	shards []*shard
}

func newRegionTable(n int) *regionTable {
	if n <= 0 {
		n = 1
	}
	t := &regionTable{shards: make([]*shard, n)}
	for i := range t.shards {
		t.shards[i] = &shard{accounts: make(map[string]*account)}
	}
	return t
}

// get returns the account for userID, creating it on first use. The shard
// lock covers only the map lookup; it is never held across a commit.
func (t *regionTable) get(userID string) *account {
	h := fnv.New32a()
	h.Write([]byte(userID))
	s := t.shards[h.Sum32()%uint32(len(t.shards))]

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		a = newAccount(userID)
		s.accounts[userID] = a
	}
	return a
}
