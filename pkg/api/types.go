package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	OrderID    string           `json:"orderId"` // Client idempotency key
	UserID     string           `json:"userId"`
	Symbol     string           `json:"symbol"`               // e.g., "AAPL"
	Side       string           `json:"side"`                 // "BUY" | "SELL"
	Quantity   int64            `json:"quantity"`             // Whole shares, multiple of lot size
	OrderType  string           `json:"orderType"`            // "MARKET" | "LIMIT"
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"` // Required for LIMIT
}

// TransferRequest is the payload for deposits and withdrawals
type TransferRequest struct {
	TransferID string          `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
}

// TickRequest is the payload for POST /api/v1/ticks
type TickRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"asOf"` // RFC 3339
}

// ==============================
// REST Response Types
// ==============================

// CommitResponse is returned for every order or transfer outcome
type CommitResponse struct {
	Status            string           `json:"status"` // "committed" | "rejected" | "error"
	Kind              string           `json:"kind,omitempty"`
	ID                string           `json:"id,omitempty"`
	UserID            string           `json:"userId,omitempty"`
	Reason            string           `json:"reason,omitempty"` // Rejection reason
	Cause             string           `json:"cause,omitempty"`  // Underlying reason for SUPERSEDED
	FillPrice         *decimal.Decimal `json:"fillPrice,omitempty"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	ResultingPosition *ledger.Position `json:"resultingPosition,omitempty"`
	CashBalance       *decimal.Decimal `json:"cashBalance,omitempty"`
	Version           uint64           `json:"version,omitempty"`
	Retryable         *bool            `json:"retryable,omitempty"` // Set when status is "error"
	Message           string           `json:"message,omitempty"`
}

// TickResponse reports whether a tick advanced the price book
type TickResponse struct {
	Applied bool `json:"applied"` // false for stale or duplicate asOf
}

// InstrumentInfo represents an instrument's static configuration
type InstrumentInfo struct {
	Symbol   string          `json:"symbol"`   // e.g., "AAPL"
	Name     string          `json:"name"`     // e.g., "Apple Inc."
	Currency string          `json:"currency"` // ISO 4217
	LotSize  int64           `json:"lotSize"`  // Minimum quantity increment
	TickSize decimal.Decimal `json:"tickSize"` // Minimum price increment
}

// FillsResponse lists a user's fills, newest first
type FillsResponse struct {
	UserID string        `json:"userId"`
	Fills  []ledger.Fill `json:"fills"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status      string `json:"status"`
	Instruments int    `json:"instruments"`
	WSClients   int    `json:"wsClients"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for all pushed WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "ledger" | "prices"
	Channel string      `json:"channel"` // e.g., "ledger:alice", "prices:AAPL"
	Data    interface{} `json:"data"`    // LedgerChanged or Quote
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["ledger:alice", "prices:AAPL"]
}
