package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/instrument"
	"github.com/uhyunpark/tradeledger/pkg/app/core/ledger"
	"github.com/uhyunpark/tradeledger/pkg/app/core/pricebook"
	"github.com/uhyunpark/tradeledger/pkg/app/core/reconcile"
	"github.com/uhyunpark/tradeledger/pkg/app/core/valuation"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

const (
	defaultFillLimit = 50
	maxFillLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Engine is the write side of the ledger.
type Engine interface {
	Submit(ctx context.Context, o ledger.Order) (reconcile.Result, error)
	Deposit(ctx context.Context, userID, transferID string, amount decimal.Decimal) (reconcile.Result, error)
	Withdraw(ctx context.Context, userID, transferID string, amount decimal.Decimal) (reconcile.Result, error)
	Ledger(ctx context.Context, userID string) (*ledger.Ledger, error)
}

type Prices interface {
	ApplyTick(q pricebook.Quote) bool
	Latest(symbol string) (pricebook.Quote, error)
}

type Catalog interface {
	Lookup(symbol string) (*instrument.Instrument, error)
	List() []*instrument.Instrument
	Count() int
}

type Valuator interface {
	Valuate(ctx context.Context, userID string) (valuation.Valuation, error)
}

type FillSource interface {
	RecentFills(ctx context.Context, userID string, limit int) ([]ledger.Fill, error)
}

// Deps wires the server to the rest of the node.
type Deps struct {
	Engine    Engine
	Prices    Prices
	Catalog   Catalog
	Valuation Valuator
	Fills     FillSource
	Hub       *Hub
	Logger    *zap.SugaredLogger
	Clock     util.Clock
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine    Engine
	prices    Prices
	catalog   Catalog
	valuation Valuator
	fills     FillSource
	clock     util.Clock

	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string
}

// NewServer creates a new API server. corsOrigins lists the browser origins
// allowed to call the API.
func NewServer(d Deps, corsOrigins []string) *Server {
	if d.Hub == nil {
		d.Hub = NewHub(d.Logger)
	}
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	s := &Server{
		engine:    d.Engine,
		prices:    d.Prices,
		catalog:   d.Catalog,
		valuation: d.Valuation,
		fills:     d.Fills,
		clock:     d.Clock,
		router:    mux.NewRouter(),
		hub:       d.Hub,
		log:       util.OrNop(d.Logger),
		origins:   corsOrigins,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders and price ticks
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/ticks", s.handleTick).Methods("POST")

	// User endpoints
	api.HandleFunc("/users/{userId}/valuation", s.handleGetValuation).Methods("GET")
	api.HandleFunc("/users/{userId}/ledger", s.handleGetLedger).Methods("GET")
	api.HandleFunc("/users/{userId}/fills", s.handleGetFills).Methods("GET")
	api.HandleFunc("/users/{userId}/deposits", s.handleTransfer(ledger.KindDeposit)).Methods("POST")
	api.HandleFunc("/users/{userId}/withdrawals", s.handleTransfer(ledger.KindWithdrawal)).Methods("POST")

	// Reference data
	api.HandleFunc("/instruments", s.handleGetInstruments).Methods("GET")
	api.HandleFunc("/instruments/{symbol}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/prices/{symbol}", s.handleGetPrice).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run()
	defer s.hub.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api: %w", err)
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	side, err := ledger.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_side", err.Error())
		return
	}
	orderType, err := ledger.ParseOrderType(req.OrderType)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order_type", err.Error())
		return
	}

	order := ledger.Order{
		ID:          req.OrderID,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        side,
		Quantity:    req.Quantity,
		Type:        orderType,
		LimitPrice:  req.LimitPrice,
		SubmittedAt: s.clock.Now(),
	}
	res, err := s.engine.Submit(r.Context(), order)
	s.respondOutcome(w, res, err)
}

func (s *Server) handleTransfer(kind ledger.ReceiptKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userId"]

		var req TransferRequest
		if !s.decode(w, r, &req) {
			return
		}

		var (
			res reconcile.Result
			err error
		)
		if kind == ledger.KindDeposit {
			res, err = s.engine.Deposit(r.Context(), userID, req.TransferID, req.Amount)
		} else {
			res, err = s.engine.Withdraw(r.Context(), userID, req.TransferID, req.Amount)
		}
		s.respondOutcome(w, res, err)
	}
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if !s.decode(w, r, &req) {
		return
	}

	q := pricebook.Quote{Symbol: req.Symbol, Price: req.Price, AsOf: req.AsOf}
	if err := q.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_tick", err.Error())
		return
	}
	// unknown symbols are stored too; orders on them still fail validation
	respondStatusJSON(w, http.StatusAccepted, TickResponse{Applied: s.prices.ApplyTick(q)})
}

func (s *Server) handleGetValuation(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	v, err := s.valuation.Valuate(r.Context(), userID)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	respondJSON(w, v)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	l, err := s.engine.Ledger(r.Context(), userID)
	if err != nil {
		s.respondReadError(w, err)
		return
	}
	respondJSON(w, l)
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	limit := defaultFillLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxFillLimit)
	}

	// ledger lookup validates the user id and distinguishes unknown users
	if _, err := s.engine.Ledger(r.Context(), userID); err != nil {
		s.respondReadError(w, err)
		return
	}

	fills, err := s.fills.RecentFills(r.Context(), userID, limit)
	if err != nil {
		s.log.Warnw("fills_read_failed", "user_id", userID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	if fills == nil {
		fills = []ledger.Fill{}
	}
	respondJSON(w, FillsResponse{UserID: userID, Fills: fills})
}

func (s *Server) handleGetInstruments(w http.ResponseWriter, r *http.Request) {
	list := s.catalog.List()

	response := make([]InstrumentInfo, len(list))
	for i, in := range list {
		response[i] = instrumentInfo(in)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	in, err := s.catalog.Lookup(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "unknown_symbol", err.Error())
		return
	}
	respondJSON(w, instrumentInfo(in))
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	q, err := s.prices.Latest(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, "no_quote", err.Error())
		return
	}
	respondJSON(w, q)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:      "ok",
		Instruments: s.catalog.Count(),
		WSClients:   s.hub.ClientCount(),
	})
}

// ==============================
// Helper Functions
// ==============================

func instrumentInfo(in *instrument.Instrument) InstrumentInfo {
	return InstrumentInfo{
		Symbol:   in.Symbol,
		Name:     in.Name,
		Currency: in.Currency,
		LotSize:  in.LotSize,
		TickSize: in.TickSize,
	}
}

// decode reads a JSON body into dst, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("failed to parse request: %v", err))
		return false
	}
	return true
}

// respondOutcome maps the engine's result and error onto an HTTP status.
func (s *Server) respondOutcome(w http.ResponseWriter, res reconcile.Result, err error) {
	var rej *reconcile.RejectionError
	switch {
	case err == nil:
		respondJSON(w, commitResponse(res))

	case errors.As(err, &rej):
		respondStatusJSON(w, http.StatusUnprocessableEntity, CommitResponse{
			Status: string(reconcile.StatusRejected),
			Kind:   string(res.Kind),
			ID:     res.ID,
			UserID: res.UserID,
			Reason: string(rej.Reason),
			Cause:  string(rej.Cause),
		})

	case errors.Is(err, reconcile.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())

	case errors.Is(err, reconcile.ErrIDReused):
		respondError(w, http.StatusConflict, "id_reused", err.Error())

	case reconcile.Retryable(err), errors.Is(err, reconcile.ErrClosed):
		s.log.Warnw("commit_unavailable", "err", err)
		respondStatusError(w, http.StatusServiceUnavailable, true, err.Error())

	default:
		s.log.Errorw("commit_failed", "err", err)
		respondStatusError(w, http.StatusInternalServerError, false, err.Error())
	}
}

func (s *Server) respondReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, reconcile.ErrUnknownUser):
		respondError(w, http.StatusNotFound, "unknown_user", err.Error())
	default:
		s.log.Warnw("read_failed", "err", err)
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	}
}

func commitResponse(res reconcile.Result) CommitResponse {
	out := CommitResponse{
		Status:      string(res.Status),
		Kind:        string(res.Kind),
		ID:          res.ID,
		UserID:      res.UserID,
		CashBalance: &res.CashBalance,
		Version:     res.Version,
	}
	if res.Kind == ledger.KindOrder {
		out.FillPrice = &res.FillPrice
		out.ResultingPosition = res.Position
	} else {
		out.Amount = &res.Amount
	}
	return out
}

func respondStatusError(w http.ResponseWriter, status int, retryable bool, message string) {
	respondStatusJSON(w, status, CommitResponse{
		Status:    "error",
		Retryable: &retryable,
		Message:   message,
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatusJSON(w, http.StatusOK, data)
}

func respondStatusJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatusJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
