// Package exchange defines what the assistant needs from a spot exchange
// and implements it for MEXC.
package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
)

var (
	// ErrMissingCredentials is returned by signed calls when no API key or
	// secret is configured. It is never retried.
	ErrMissingCredentials = errors.New("exchange: API key and secret are not configured")

	// ErrTransient wraps network, timeout, rate-limit and API failures that
	// are worth skipping and retrying later.
	ErrTransient = errors.New("exchange: transient failure")

	// ErrSymbolNotFound is returned when the exchange does not list a symbol.
	ErrSymbolNotFound = errors.New("exchange: symbol not found")
)

// TradeFetcher supplies the account's fills for a symbol in [startMs, endMs].
type TradeFetcher interface {
	FetchTrades(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]model.RawTrade, error)
}

// PriceSource returns the last traded price of a symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AccountSource returns spot balances. Requires credentials.
type AccountSource interface {
	Balances(ctx context.Context) ([]model.Balance, error)
}

// SymbolInfoSource returns exchange trading rules for a symbol.
type SymbolInfoSource interface {
	Filters(ctx context.Context, symbol string) (model.SymbolFilters, error)
}

// StatsSource returns the 24h ticker statistics for every symbol.
type StatsSource interface {
	Stats24h(ctx context.Context) ([]model.TickerStats, error)
}

// OrderPlacer places market orders. Requires credentials.
type OrderPlacer interface {
	MarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (model.OrderFill, error)
}

// StableAssets identifies the commission assets that count as quote-stable.
type StableAssets interface {
	QuoteStableAssets() []string
}

// Client is everything the assistant uses from an exchange.
type Client interface {
	TradeFetcher
	PriceSource
	AccountSource
	SymbolInfoSource
	StatsSource
	OrderPlacer
	StableAssets
}

// IsTransient reports whether err should be treated as skip-and-continue.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
