package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/tradeledger/pkg/app/core/events"
)

// NopJournal discards events.
type NopJournal struct{}

func NewNopJournal() *NopJournal { return &NopJournal{} }

func (j *NopJournal) Publish(context.Context, events.LedgerChanged) error { return nil }

func (j *NopJournal) Close() error { return nil }

// FileJournal appends one JSON line per ledger-changed event.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Publish(_ context.Context, ev events.LedgerChanged) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = fmt.Fprintln(j.f, string(line))
	return err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ events.Publisher = (*NopJournal)(nil)
var _ events.Publisher = (*FileJournal)(nil)
