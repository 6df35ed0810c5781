// Package api exposes the assistant over HTTP: entry prices and overrides,
// portfolio valuation, market signals, orders and a WebSocket feed of
// entry changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/entries"
	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/journal"
	"github.com/spotdesk/assistant/internal/market"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/orders"
	"github.com/spotdesk/assistant/internal/portfolio"
	"github.com/spotdesk/assistant/internal/settings"
	"github.com/spotdesk/assistant/internal/symbol"
)

// EntryEngine is the entry reconciliation surface used by the handlers.
type EntryEngine interface {
	Entries(ctx context.Context) ([]entries.EntryView, error)
	EffectiveEntry(ctx context.Context, sym string) (model.EffectiveEntry, error)
	SetManualEntry(ctx context.Context, sym string, price decimal.Decimal) error
	ClearManualEntry(ctx context.Context, sym string) error
	ComputeAvgEntries(ctx context.Context, symbols []string, lookbackDays int) (entries.Report, error)
}

// Portfolio values the account.
type Portfolio interface {
	Snapshot(ctx context.Context) (portfolio.Snapshot, error)
}

// BalanceHistory lists recorded balance points.
type BalanceHistory interface {
	Points(ctx context.Context, limit int) ([]journal.BalancePoint, error)
}

// Market produces signals and the market overview.
type Market interface {
	Signals(ctx context.Context, minScore float64, limit int) ([]market.Signal, error)
	Overview(ctx context.Context) (market.Overview, error)
}

// Orders previews, places and lists orders.
type Orders interface {
	PreviewAndLog(ctx context.Context, req orders.Request) (orders.Preview, error)
	MarketBuy(ctx context.Context, req orders.Request) (orders.Result, error)
	History(ctx context.Context, limit int) ([]journal.OrderRecord, error)
}

// SymbolSource lists the symbols a recompute without an explicit list covers.
type SymbolSource interface {
	Symbols(ctx context.Context) []string
}

// Preferences serves and edits the user settings.
type Preferences interface {
	Current() settings.Values
	Update(ctx context.Context, p settings.Patch) (settings.Values, error)
}

// Deps wires the handlers. Any component may be nil; its routes then answer
// 503.
type Deps struct {
	Entries   EntryEngine
	Portfolio Portfolio
	History   BalanceHistory
	Market    Market
	Orders    Orders
	Symbols   SymbolSource
	Settings  Preferences

	LookbackDays int
}

// Service holds the HTTP handlers.
type Service struct {
	deps Deps
}

// NewService creates the handler set.
func NewService(deps Deps) *Service {
	if deps.LookbackDays <= 0 {
		deps.LookbackDays = entries.DefaultLookbackDays
	}
	return &Service{deps: deps}
}

// Mount registers every REST route on r. Callers mount it under /api/v1
// next to the hub's WebSocket route.
func (s *Service) Mount(r chi.Router) {
	r.Get("/entries", s.ListEntries)
	r.Post("/entries/recompute", s.Recompute)
	r.Get("/entries/{symbol}", s.GetEntry)
	r.Put("/entries/{symbol}/manual", s.SetManualEntry)
	r.Delete("/entries/{symbol}/manual", s.ClearManualEntry)

	r.Get("/portfolio", s.GetPortfolio)
	r.Get("/portfolio/history", s.GetPortfolioHistory)

	r.Get("/signals", s.GetSignals)
	r.Get("/market/overview", s.GetMarketOverview)

	r.Post("/orders/preview", s.PreviewOrder)
	r.Post("/orders/market-buy", s.MarketBuy)
	r.Get("/orders", s.ListOrders)

	r.Get("/settings", s.GetSettings)
	r.Put("/settings", s.UpdateSettings)
}

// ListEntries handles GET /api/v1/entries
func (s *Service) ListEntries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeUnavailable(w, "entries")
		return
	}
	views, err := s.deps.Entries.Entries(r.Context())
	if err != nil {
		writeFailure(w, "failed to load entries", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetEntry handles GET /api/v1/entries/{symbol}
// An unknown symbol is not an error; its price is null with source "none".
func (s *Service) GetEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeUnavailable(w, "entries")
		return
	}
	sym, err := symbol.Validate(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	ee, err := s.deps.Entries.EffectiveEntry(r.Context(), sym)
	if err != nil {
		writeFailure(w, "failed to resolve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, ee)
}

// ManualEntryRequest is the body of PUT /api/v1/entries/{symbol}/manual.
type ManualEntryRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SetManualEntry handles PUT /api/v1/entries/{symbol}/manual
func (s *Service) SetManualEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeUnavailable(w, "entries")
		return
	}
	var req ManualEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sym := chi.URLParam(r, "symbol")
	if err := s.deps.Entries.SetManualEntry(r.Context(), sym, req.Price); err != nil {
		writeFailure(w, "failed to set manual entry", err)
		return
	}
	ee, err := s.deps.Entries.EffectiveEntry(r.Context(), sym)
	if err != nil {
		writeFailure(w, "failed to resolve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, ee)
}

// ClearManualEntry handles DELETE /api/v1/entries/{symbol}/manual
// The response carries the entry that applies after the override is gone.
func (s *Service) ClearManualEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeUnavailable(w, "entries")
		return
	}
	sym := chi.URLParam(r, "symbol")
	if err := s.deps.Entries.ClearManualEntry(r.Context(), sym); err != nil {
		writeFailure(w, "failed to clear manual entry", err)
		return
	}
	ee, err := s.deps.Entries.EffectiveEntry(r.Context(), sym)
	if err != nil {
		writeFailure(w, "failed to resolve entry", err)
		return
	}
	writeJSON(w, http.StatusOK, ee)
}

// RecomputeRequest is the body of POST /api/v1/entries/recompute.
type RecomputeRequest struct {
	Symbols      []string `json:"symbols"`
	LookbackDays int      `json:"lookback_days"`
}

// Recompute handles POST /api/v1/entries/recompute
// Without symbols it covers the configured symbol source plus every symbol
// already in the entry documents.
func (s *Service) Recompute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Entries == nil {
		writeUnavailable(w, "entries")
		return
	}
	var req RecomputeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.LookbackDays < 0 {
		writeError(w, "lookback_days must not be negative", http.StatusBadRequest)
		return
	}
	if req.LookbackDays == 0 {
		req.LookbackDays = s.deps.LookbackDays
	}

	ctx := r.Context()
	syms := req.Symbols
	if len(syms) == 0 {
		var err error
		if syms, err = s.defaultSymbols(ctx); err != nil {
			writeFailure(w, "failed to list symbols", err)
			return
		}
	}
	for _, sym := range syms {
		if _, err := symbol.Validate(sym); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rep, err := s.deps.Entries.ComputeAvgEntries(ctx, syms, req.LookbackDays)
	if err != nil {
		status := statusFor(err)
		slog.Warn("recompute request ended early", "run_id", rep.RunID, "status", status, "err", err)
		writeJSON(w, status, struct {
			entries.Report
			Error string `json:"error"`
		}{rep, err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) defaultSymbols(ctx context.Context) ([]string, error) {
	var syms []string
	if s.deps.Symbols != nil {
		syms = append(syms, s.deps.Symbols.Symbols(ctx)...)
	}
	views, err := s.deps.Entries.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		syms = append(syms, v.Symbol)
	}
	return syms, nil
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	if s.deps.Portfolio == nil {
		writeUnavailable(w, "portfolio")
		return
	}
	snap, err := s.deps.Portfolio.Snapshot(r.Context())
	if err != nil {
		writeFailure(w, "failed to load portfolio", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPortfolioHistory handles GET /api/v1/portfolio/history?limit=N
func (s *Service) GetPortfolioHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeUnavailable(w, "portfolio history")
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	points, err := s.deps.History.Points(r.Context(), limit)
	if err != nil {
		writeFailure(w, "failed to load balance history", err)
		return
	}
	if points == nil {
		points = []journal.BalancePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// GetSignals handles GET /api/v1/signals?min_score=S&limit=N
func (s *Service) GetSignals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeUnavailable(w, "market")
		return
	}
	minScore := market.DefaultMinScore
	if s.deps.Settings != nil {
		minScore = s.deps.Settings.Current().SignalScore
	}
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			writeError(w, "min_score must be between 0 and 1", http.StatusBadRequest)
			return
		}
		minScore = v
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	signals, err := s.deps.Market.Signals(r.Context(), minScore, limit)
	if err != nil {
		writeFailure(w, "failed to load signals", err)
		return
	}
	if signals == nil {
		signals = []market.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

// GetMarketOverview handles GET /api/v1/market/overview
func (s *Service) GetMarketOverview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Market == nil {
		writeUnavailable(w, "market")
		return
	}
	ov, err := s.deps.Market.Overview(r.Context())
	if err != nil {
		writeFailure(w, "failed to load market overview", err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// PreviewOrder handles POST /api/v1/orders/preview
func (s *Service) PreviewOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeUnavailable(w, "orders")
		return
	}
	req, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Orders.PreviewAndLog(r.Context(), req)
	if err != nil {
		writeFailure(w, "failed to preview order", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// MarketBuy handles POST /api/v1/orders/market-buy
func (s *Service) MarketBuy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeUnavailable(w, "orders")
		return
	}
	req, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Orders.MarketBuy(r.Context(), req)
	if err != nil {
		writeFailure(w, "market buy failed", err)
		return
	}
	status := http.StatusOK
	if res.Status == orders.StatusFilled {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// ListOrders handles GET /api/v1/orders?limit=N
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orders == nil {
		writeUnavailable(w, "orders")
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	recs, err := s.deps.Orders.History(r.Context(), limit)
	if err != nil {
		writeFailure(w, "failed to load orders", err)
		return
	}
	if recs == nil {
		recs = []journal.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) decodeOrder(w http.ResponseWriter, r *http.Request) (orders.Request, bool) {
	var req orders.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.Budget.IsZero() && s.deps.Settings != nil {
		req.Budget = s.deps.Settings.Current().DefaultBudget
	}
	return req, true
}

// GetSettings handles GET /api/v1/settings
func (s *Service) GetSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeUnavailable(w, "settings")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Current())
}

// UpdateSettings handles PUT /api/v1/settings
// Fields left out of the body keep their value.
func (s *Service) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Settings == nil {
		writeUnavailable(w, "settings")
		return
	}
	var p settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	v, err := s.deps.Settings.Update(r.Context(), p)
	if err != nil {
		writeFailure(w, "failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, name+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrMissingCredentials):
		return http.StatusPreconditionFailed
	case errors.Is(err, symbol.ErrInvalidSymbol),
		errors.Is(err, symbol.ErrUnknownQuote),
		errors.Is(err, entries.ErrInvalidPrice),
		errors.Is(err, orders.ErrInvalidBudget),
		errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrZeroQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orders.ErrOrderBudgetExceeded),
		errors.Is(err, orders.ErrAssetExposureExceeded),
		errors.Is(err, orders.ErrTotalExposureExceeded):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrSymbolNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case exchange.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure logs err and answers with its mapped status. Client errors
// carry the error text; server errors carry message.
func writeFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(message, "err", err)
		writeError(w, message, status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeUnavailable(w http.ResponseWriter, component string) {
	writeError(w, component+" not configured", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
