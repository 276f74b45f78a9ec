package instrument

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Catalog manages the tradable instruments in a thread-safe manner.
// Entries are never mutated after registration; lookups hand out the
// shared pointer.
type Catalog struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		instruments: make(map[string]*Instrument),
	}
}

// Register adds a new instrument to the catalog
// Returns error if an instrument with the same symbol already exists
func (c *Catalog) Register(in *Instrument) error {
	if in == nil {
		return fmt.Errorf("cannot register nil instrument")
	}
	if err := in.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}

	cp := *in
	c.instruments[in.Symbol] = &cp
	return nil
}

// Lookup retrieves an instrument by symbol
func (c *Catalog) Lookup(symbol string) (*Instrument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	in, exists := c.instruments[symbol]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return in, nil
}

// List returns all instruments sorted by symbol
func (c *Catalog) List() []*Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Instrument, 0, len(c.instruments))
	for _, in := range c.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Count returns the number of registered instruments
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments)
}

// LoadFile reads a JSON array of instruments:
//
//	[{"symbol":"AAPL","name":"Apple Inc.","lotSize":1,"tickSize":"0.01"}]
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []Instrument
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	c := NewCatalog()
	for i := range entries {
		if err := c.Register(&entries[i]); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return c, nil
}

var cent = decimal.New(1, -2)

// Defaults is the built-in equity catalog used when no file is configured.
func Defaults() *Catalog {
	c := NewCatalog()
	for _, in := range []Instrument{
		{Symbol: "AAPL", Name: "Apple Inc.", LotSize: 1, TickSize: cent},
		{Symbol: "MSFT", Name: "Microsoft Corporation", LotSize: 1, TickSize: cent},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", LotSize: 1, TickSize: cent},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", LotSize: 1, TickSize: cent},
		{Symbol: "TSLA", Name: "Tesla Inc.", LotSize: 1, TickSize: cent},
	} {
		in := in
		if err := c.Register(&in); err != nil {
			panic(fmt.Sprintf("default catalog: %v", err))
		}
	}
	return c
}
