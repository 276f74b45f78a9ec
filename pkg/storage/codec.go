package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
)

// ErrNotFound is returned when no ledger exists for a user.
var ErrNotFound = errors.New("not found")

func encodeLedger(l *ledger.Ledger) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ledger: %w", err)
	}
	return data, nil
}

func decodeLedger(data []byte) (*ledger.Ledger, error) {
	var l ledger.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger: %w", err)
	}
	// JSON unmarshal may leave maps nil
	l.Normalize()
	return &l, nil
}
