package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/tradeledger/pkg/app/core/events"
	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/app/core/reconcile"
	"github.com/uhyunpark/tradeledger/pkg/app/core/valuation"
	"github.com/uhyunpark/tradeledger/pkg/storage"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

var t0 = time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)

type testNode struct {
	srv    *Server
	engine *reconcile.Engine
	book   *pricebook.Book
	hub    *Hub
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	clock := util.NewManualClock(t0)
	store := storage.NewMemoryStore()
	hub := NewHub(nil)
	book := pricebook.New(nil, pricebook.WithListener(hub.OnQuote))
	catalog := instrument.Defaults()
	engine := reconcile.New(reconcile.DefaultConfig(), store, catalog, book,
		reconcile.WithClock(clock),
		reconcile.WithPublisher(events.NewFanout(nil, hub)),
	)
	t.Cleanup(func() { engine.Close() })

	srv := NewServer(Deps{
		Engine:    engine,
		Prices:    book,
		Catalog:   catalog,
		Valuation: valuation.NewService(engine, book, clock),
		Fills:     store,
		Hub:       hub,
		Clock:     clock,
	}, []string{"http://localhost:3000"})
	return &testNode{srv: srv, engine: engine, book: book, hub: hub}
}

func (n *testNode) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	n.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (n *testNode) deposit(t *testing.T, user, id, amount string) {
	t.Helper()
	rec := n.do(t, "POST", "/api/v1/users/"+user+"/deposits", TransferRequest{
		TransferID: id,
		Amount:     decimal.RequireFromString(amount),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (n *testNode) tick(t *testing.T, symbol, price string, at time.Time) bool {
	t.Helper()
	rec := n.do(t, "POST", "/api/v1/ticks", TickRequest{
		Symbol: symbol,
		Price:  decimal.RequireFromString(price),
		AsOf:   at,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decodeBody[TickResponse](t, rec).Applied
}

func TestOrderLifecycle(t *testing.T) {
	n := newTestNode(t)
	n.deposit(t, "alice", "dep-1", "10000")
	require.True(t, n.tick(t, "AAPL", "150.00", t0))

	rec := n.do(t, "POST", "/api/v1/orders", SubmitOrderRequest{
		OrderID: "o1", UserID: "alice", Symbol: "AAPL", Side: "buy", Quantity: 10, OrderType: "market",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[CommitResponse](t, rec)
	require.Equal(t, "committed", res.Status)
	require.True(t, res.FillPrice.Equal(decimal.RequireFromString("150")))
	require.True(t, res.CashBalance.Equal(decimal.RequireFromString("8500")))
	require.NotNil(t, res.ResultingPosition)
	require.Equal(t, int64(10), res.ResultingPosition.Quantity)

	// replay returns the recorded outcome
	rec = n.do(t, "POST", "/api/v1/orders", SubmitOrderRequest{
		OrderID: "o1", UserID: "alice", Symbol: "AAPL", Side: "buy", Quantity: 10, OrderType: "market",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, res.Version, decodeBody[CommitResponse](t, rec).Version)

	require.True(t, n.tick(t, "AAPL", "160.00", t0.Add(time.Second)))
	rec = n.do(t, "GET", "/api/v1/users/alice/valuation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[valuation.Valuation](t, rec)
	require.True(t, v.TotalEquity.Equal(decimal.RequireFromString("10100")), v.TotalEquity.String())
	require.True(t, v.UnrealizedPnL.Equal(decimal.RequireFromString("100")))
	require.False(t, v.Partial)

	rec = n.do(t, "GET", "/api/v1/users/alice/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	l := decodeBody[ledger.Ledger](t, rec)
	require.Equal(t, int64(10), l.Quantity("AAPL"))

	rec = n.do(t, "GET", "/api/v1/users/alice/fills?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fills := decodeBody[FillsResponse](t, rec)
	require.Len(t, fills.Fills, 1)
	require.Equal(t, "o1", fills.Fills[0].OrderID)
}

func TestRejectionsAreUnprocessable(t *testing.T) {
	n := newTestNode(t)
	n.deposit(t, "bob", "dep-1", "100")

	tests := []struct {
		name   string
		order  SubmitOrderRequest
		reason string
	}{
		{"no quote", SubmitOrderRequest{OrderID: "r1", UserID: "bob", Symbol: "MSFT", Side: "BUY", Quantity: 1, OrderType: "MARKET"}, "NoQuote"},
		{"unknown symbol", SubmitOrderRequest{OrderID: "r2", UserID: "bob", Symbol: "ZZZZ", Side: "BUY", Quantity: 1, OrderType: "MARKET"}, "UnknownSymbol"},
		{"insufficient shares", SubmitOrderRequest{OrderID: "r3", UserID: "bob", Symbol: "AAPL", Side: "SELL", Quantity: 1, OrderType: "LIMIT", LimitPrice: ptr(decimal.RequireFromString("10"))}, "InsufficientShares"},
		{"insufficient funds", SubmitOrderRequest{OrderID: "r4", UserID: "bob", Symbol: "AAPL", Side: "BUY", Quantity: 5, OrderType: "LIMIT", LimitPrice: ptr(decimal.RequireFromString("100"))}, "InsufficientFunds"},
		{"zero quantity", SubmitOrderRequest{OrderID: "r5", UserID: "bob", Symbol: "AAPL", Side: "BUY", Quantity: 0, OrderType: "LIMIT", LimitPrice: ptr(decimal.RequireFromString("1"))}, "InvalidQuantity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := n.do(t, "POST", "/api/v1/orders", tt.order)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
			res := decodeBody[CommitResponse](t, rec)
			require.Equal(t, "rejected", res.Status)
			require.Equal(t, tt.reason, res.Reason)
		})
	}

	l, err := n.engine.Ledger(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, uint64(1), l.Version)
}

func TestMalformedRequests(t *testing.T) {
	n := newTestNode(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"bad json", "POST", "/api/v1/orders", "{", http.StatusBadRequest},
		{"unknown field", "POST", "/api/v1/orders", `{"orderId":"x","bogus":1}`, http.StatusBadRequest},
		{"bad side", "POST", "/api/v1/orders", SubmitOrderRequest{OrderID: "x", UserID: "u", Symbol: "AAPL", Side: "HOLD", Quantity: 1, OrderType: "MARKET"}, http.StatusBadRequest},
		{"bad type", "POST", "/api/v1/orders", SubmitOrderRequest{OrderID: "x", UserID: "u", Symbol: "AAPL", Side: "BUY", Quantity: 1, OrderType: "STOP"}, http.StatusBadRequest},
		{"empty order id", "POST", "/api/v1/orders", SubmitOrderRequest{UserID: "u", Symbol: "AAPL", Side: "BUY", Quantity: 1, OrderType: "MARKET"}, http.StatusBadRequest},
		{"bad user id", "GET", "/api/v1/users/a:b/ledger", nil, http.StatusBadRequest},
		{"unknown user", "GET", "/api/v1/users/nobody/ledger", nil, http.StatusNotFound},
		{"unknown user valuation", "GET", "/api/v1/users/nobody/valuation", nil, http.StatusNotFound},
		{"bad limit", "GET", "/api/v1/users/nobody/fills?limit=-1", nil, http.StatusBadRequest},
		{"tick without asOf", "POST", "/api/v1/ticks", `{"symbol":"AAPL","price":"1"}`, http.StatusBadRequest},
		{"unknown instrument", "GET", "/api/v1/instruments/ZZZZ", nil, http.StatusNotFound},
		{"no price yet", "GET", "/api/v1/prices/AAPL", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := n.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestIDReuseIsConflict(t *testing.T) {
	n := newTestNode(t)
	n.deposit(t, "carol", "same-id", "1000")

	rec := n.do(t, "POST", "/api/v1/users/carol/withdrawals", TransferRequest{TransferID: "same-id", Amount: decimal.NewFromInt(1)})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = n.do(t, "POST", "/api/v1/users/carol/withdrawals", TransferRequest{TransferID: "wd-1", Amount: decimal.NewFromInt(5000)})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "InsufficientFunds", decodeBody[CommitResponse](t, rec).Reason)

	rec = n.do(t, "POST", "/api/v1/users/carol/withdrawals", TransferRequest{TransferID: "wd-2", Amount: decimal.NewFromInt(400)})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[CommitResponse](t, rec)
	require.True(t, res.CashBalance.Equal(decimal.NewFromInt(600)))
	require.True(t, res.Amount.Equal(decimal.NewFromInt(400)))
}

func TestReferenceData(t *testing.T) {
	n := newTestNode(t)

	rec := n.do(t, "GET", "/api/v1/instruments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]InstrumentInfo](t, rec)
	require.Len(t, list, 5)
	require.Equal(t, "AAPL", list[0].Symbol)

	rec = n.do(t, "GET", "/api/v1/instruments/MSFT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(1), decodeBody[InstrumentInfo](t, rec).LotSize)

	require.True(t, n.tick(t, "MSFT", "400.00", t0))
	require.False(t, n.tick(t, "MSFT", "390.00", t0.Add(-time.Second)))

	require.True(t, n.tick(t, "ZZZZ", "1.00", t0))

	rec = n.do(t, "GET", "/api/v1/prices/MSFT", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[pricebook.Quote](t, rec)
	require.True(t, q.Price.Equal(decimal.NewFromInt(400)))

	rec = n.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 5, decodeBody[HealthResponse](t, rec).Instruments)
}

type stubEngine struct {
	Engine
	err error
}

func (s stubEngine) Submit(context.Context, ledger.Order) (reconcile.Result, error) {
	return reconcile.Result{}, s.err
}

func TestEngineFailuresMapToStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"timeout", &reconcile.TransientError{Op: "persist ledger", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable, true},
		{"closed", reconcile.ErrClosed, http.StatusServiceUnavailable, true},
		{"invariant", &reconcile.InvariantError{UserID: "u", ID: "o", Err: ledger.ErrInvariant}, http.StatusInternalServerError, false},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(Deps{Engine: stubEngine{err: tt.err}, Catalog: instrument.Defaults()}, nil)
			body := `{"orderId":"o","userId":"u","symbol":"AAPL","side":"BUY","quantity":1,"orderType":"MARKET"}`
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/orders", strings.NewReader(body)))

			require.Equal(t, tt.status, rec.Code)
			res := decodeBody[CommitResponse](t, rec)
			require.Equal(t, "error", res.Status)
			require.NotNil(t, res.Retryable)
			require.Equal(t, tt.retryable, *res.Retryable)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	n := newTestNode(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	n.srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketPushesLedgerAndPrices(t *testing.T) {
	n := newTestNode(t)
	go n.hub.Run()
	t.Cleanup(n.hub.Stop)

	ts := httptest.NewServer(n.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"ledger:dave", "prices:AAPL"}}))
	require.Eventually(t, func() bool { return n.subscribers("prices:AAPL") == 1 }, 2*time.Second, 10*time.Millisecond)

	n.deposit(t, "dave", "dep-1", "250")
	n.deposit(t, "erin", "dep-1", "250") // not subscribed
	require.True(t, n.tick(t, "AAPL", "150.00", t0))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	seen := map[string]int{}
	for len(seen) < 2 {
		var msg struct {
			Type    string          `json:"type"`
			Channel string          `json:"channel"`
			Data    json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Channel]++

		if msg.Type == "ledger" {
			var ev events.LedgerChanged
			require.NoError(t, json.Unmarshal(msg.Data, &ev))
			require.Equal(t, "dave", ev.UserID)
			require.True(t, ev.NewCashBalance.Equal(decimal.NewFromInt(250)))
		}
	}
	require.Equal(t, 1, seen["ledger:dave"])
	require.Equal(t, 1, seen["prices:AAPL"])
	require.Zero(t, seen["ledger:erin"])
}

func (n *testNode) subscribers(channel string) int {
	n.hub.mu.RLock()
	defer n.hub.mu.RUnlock()
	count := 0
	for c := range n.hub.clients {
		if c.IsSubscribed(channel) {
			count++
		}
	}
	return count
}

func ptr[T any](v T) *T { return &v }
