package storage

import (
	"fmt"
)

// Pebble key schema
//
//	ldg:<userID>                 → ledger record (cash, positions, applied set)
//	fill:<userID>:<seq>:<fillID> → fill, seq zero-padded so a prefix scan is chronological
//	px:<symbol>                  → latest accepted quote
const (
	prefixLedger = "ldg:"
	prefixFill   = "fill:"
	prefixQuote  = "px:"
)

// ledgerKey returns the key for a user's ledger
// Format: "ldg:{userID}"
func ledgerKey(userID string) []byte {
	return []byte(prefixLedger + userID)
}

// fillKey returns the key for a fill
// Format: "fill:{userID}:{seq}:{fillID}"
func fillKey(userID string, seq uint64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, userID, seq, fillID))
}

// fillPrefix returns the prefix for all fills of a user
// Format: "fill:{userID}:"
func fillPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, userID))
}

// quoteKey returns the key for a symbol's quote
// Format: "px:{symbol}"
func quoteKey(symbol string) []byte {
	return []byte(prefixQuote + symbol)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
