// Package orders previews and places market buys sized from a quote
// budget, honoring the exchange's lot, tick and notional filters.
//
// Orders are only sent when the service is armed; otherwise a market buy
// returns a DRY_RUN result built from the preview.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/journal"
	"github.com/spotdesk/assistant/internal/metrics"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/symbol"
)

var (
	// ErrZeroQuantity is returned when the budget buys less than one lot.
	ErrZeroQuantity = errors.New("orders: computed quantity is zero, raise the budget or check the symbol")

	// ErrInvalidBudget is returned for a non-positive budget.
	ErrInvalidBudget = errors.New("orders: budget must be positive")
)

// Order statuses.
const (
	StatusPreview = "PREVIEW"
	StatusDryRun  = "DRY_RUN"
	StatusFilled  = "FILLED"
	StatusError   = "ERROR"
)

// Exchange is what the order service needs from the exchange.
type Exchange interface {
	exchange.PriceSource
	exchange.SymbolInfoSource
	exchange.OrderPlacer
	exchange.AccountSource
}

// Journal records order activity.
type Journal interface {
	LogOrder(ctx context.Context, rec journal.OrderRecord) (journal.OrderRecord, error)
	ListOrders(ctx context.Context, limit int) ([]journal.OrderRecord, error)
}

// Request asks for a market buy worth Budget units of the quote asset.
type Request struct {
	Symbol     string              `json:"symbol"`
	Budget     decimal.Decimal     `json:"budget"`
	StopLoss   decimal.NullDecimal `json:"sl"`
	TakeProfit decimal.NullDecimal `json:"tp"`
}

// Preview is the sized order before placement.
type Preview struct {
	Symbol     string              `json:"symbol"`
	Price      decimal.Decimal     `json:"price"`
	Quantity   decimal.Decimal     `json:"qty"`
	Notional   decimal.Decimal     `json:"notional"`
	Budget     decimal.Decimal     `json:"budget"`
	StopLoss   decimal.NullDecimal `json:"sl"`
	TakeProfit decimal.NullDecimal `json:"tp"`
	Bumped     bool                `json:"bumped_to_min_notional,omitempty"`
	Live       bool                `json:"live"`
}

// Result is the outcome of a market buy.
type Result struct {
	Status    string           `json:"status"`
	Preview   Preview          `json:"preview"`
	Fill      *model.OrderFill `json:"order,omitempty"`
	JournalID string           `json:"journal_id,omitempty"`
}

// Service sizes and places orders.
type Service struct {
	ex      Exchange
	journal Journal
	limiter *ExposureLimiter
	quote   string
	live    bool
}

// NewService creates an order service. journal and limiter may be nil.
// quote is the asset budgets are expressed in.
func NewService(ex Exchange, j Journal, limiter *ExposureLimiter, quote string, live bool) *Service {
	if quote == "" {
		quote = "USDT"
	}
	return &Service{ex: ex, journal: j, limiter: limiter, quote: quote, live: live}
}

// Live reports whether orders are really sent.
func (s *Service) Live() bool { return s.live }

// Preview sizes a market buy without placing it. The quantity is the budget
// floored to the lot step, raised to the minimum notional if below it.
func (s *Service) Preview(ctx context.Context, req Request) (Preview, error) {
	sym, err := symbol.Validate(req.Symbol)
	if err != nil {
		return Preview{}, err
	}
	if !req.Budget.IsPositive() {
		return Preview{}, fmt.Errorf("%w: %s", ErrInvalidBudget, req.Budget.String())
	}

	px, err := s.ex.Price(ctx, sym)
	if err != nil {
		return Preview{}, fmt.Errorf("price %s: %w", sym, err)
	}
	if !px.IsPositive() {
		return Preview{}, fmt.Errorf("%w: no price for %s", exchange.ErrSymbolNotFound, sym)
	}
	f, err := s.ex.Filters(ctx, sym)
	if err != nil {
		return Preview{}, fmt.Errorf("filters %s: %w", sym, err)
	}

	p := Preview{
		Symbol:     sym,
		Budget:     req.Budget,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Live:       s.live,
	}
	p.Quantity = floorToStep(req.Budget.Div(px), f.StepSize)
	p.Notional = p.Quantity.Mul(px)
	if f.MinNotional.IsPositive() && p.Notional.LessThan(f.MinNotional) {
		p.Quantity = ceilToStep(f.MinNotional.Div(px), f.StepSize)
		p.Notional = p.Quantity.Mul(px)
		p.Bumped = true
	}
	p.Price = roundToTick(px, f.TickSize)
	return p, nil
}

// PreviewAndLog is Preview followed by a journal record.
func (s *Service) PreviewAndLog(ctx context.Context, req Request) (Preview, error) {
	p, err := s.Preview(ctx, req)
	if err != nil {
		return p, err
	}
	s.log(ctx, journal.KindPreview, StatusPreview, p, nil, nil)
	return p, nil
}

// MarketBuy sizes and, when armed, places a MARKET BUY.
func (s *Service) MarketBuy(ctx context.Context, req Request) (Result, error) {
	p, err := s.Preview(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !p.Quantity.IsPositive() {
		return Result{Preview: p}, ErrZeroQuantity
	}
	if err := s.checkLimits(ctx, p); err != nil {
		metrics.LimitRejections.Inc()
		return Result{Preview: p}, err
	}

	if !s.live {
		res := Result{Status: StatusDryRun, Preview: p}
		res.JournalID = s.log(ctx, journal.KindMarketBuy, StatusDryRun, p, nil, nil)
		metrics.OrdersTotal.WithLabelValues(StatusDryRun).Inc()
		slog.Info("market buy dry run", "symbol", p.Symbol, "qty", p.Quantity.String(), "notional", p.Notional.String())
		return res, nil
	}

	fill, err := s.ex.MarketBuy(ctx, p.Symbol, p.Quantity)
	if err != nil {
		s.log(ctx, journal.KindMarketBuy, StatusError, p, nil, err)
		metrics.OrdersTotal.WithLabelValues(StatusError).Inc()
		slog.Error("market buy failed", "symbol", p.Symbol, "qty", p.Quantity.String(), "err", err)
		return Result{Status: StatusError, Preview: p}, fmt.Errorf("market buy %s: %w", p.Symbol, err)
	}

	res := Result{Status: StatusFilled, Preview: p, Fill: &fill}
	res.JournalID = s.log(ctx, journal.KindMarketBuy, StatusFilled, p, &fill, nil)
	metrics.OrdersTotal.WithLabelValues(StatusFilled).Inc()
	slog.Info("market buy placed",
		"symbol", p.Symbol,
		"order_id", fill.OrderID,
		"executed_qty", fill.ExecutedQuantity.String(),
		"quote_qty", fill.QuoteQuantity.String(),
	)
	return res, nil
}

// History returns the newest journaled orders, oldest first.
func (s *Service) History(ctx context.Context, limit int) ([]journal.OrderRecord, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.ListOrders(ctx, limit)
}

// checkLimits values current holdings in the quote asset and asks the
// limiter whether the order fits.
func (s *Service) checkLimits(ctx context.Context, p Preview) error {
	if s.limiter == nil {
		return nil
	}
	pair, err := symbol.Parse(p.Symbol, []string{s.quote})
	if err != nil {
		return err
	}

	existing := make(map[string]decimal.Decimal)
	if s.limiter.MaxPerAsset.IsPositive() || s.limiter.MaxTotal.IsPositive() {
		bals, err := s.ex.Balances(ctx)
		switch {
		case errors.Is(err, exchange.ErrMissingCredentials) && !s.live:
			// Dry runs may lack credentials; size against empty holdings.
		case err != nil:
			return fmt.Errorf("load balances for limit check: %w", err)
		}
		for _, b := range bals {
			if b.Asset == s.quote {
				continue
			}
			px, err := s.ex.Price(ctx, symbol.Join(b.Asset, s.quote))
			if err != nil {
				slog.Debug("no price for held asset, left out of exposure", "asset", b.Asset, "err", err)
				continue
			}
			existing[b.Asset] = b.Total().Mul(px)
		}
	}
	return s.limiter.CheckLimit(pair.Base, p.Notional, existing)
}

// log journals an order action and returns the record ID. Journal failures
// are logged, never returned.
func (s *Service) log(ctx context.Context, kind, status string, p Preview, fill *model.OrderFill, cause error) string {
	if s.journal == nil {
		return ""
	}
	rec := journal.OrderRecord{
		Kind:       kind,
		Symbol:     p.Symbol,
		Status:     status,
		Quantity:   p.Quantity,
		Price:      p.Price,
		Notional:   p.Notional,
		Budget:     p.Budget,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
	}
	if fill != nil {
		rec.OrderID = fill.OrderID
		if fill.ExecutedQuantity.IsPositive() {
			rec.Quantity = fill.ExecutedQuantity
		}
		if fill.QuoteQuantity.IsPositive() {
			rec.Notional = fill.QuoteQuantity
		}
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	saved, err := s.journal.LogOrder(context.WithoutCancel(ctx), rec)
	if err != nil {
		slog.Warn("order journal write failed", "symbol", p.Symbol, "status", status, "err", err)
		return ""
	}
	return saved.ID
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}
