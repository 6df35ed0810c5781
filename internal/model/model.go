// Package model defines the core domain types shared across the assistant.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTrade marks a raw trade that cannot be fed to the cost basis
// calculator (unparsable or negative numbers).
var ErrInvalidTrade = errors.New("model: invalid trade record")

// TradeRecord is an immutable fill from the exchange trade log.
// Once created, these are never modified.
type TradeRecord struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	IsBuy           bool            `json:"is_buy"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	QuoteQuantity   decimal.Decimal `json:"quote_quantity"` // price * quantity when absent upstream
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	Time            time.Time       `json:"time"`
}

// RawTrade is a trade as the exchange reports it, with every number still a
// string. Empty strings mean "absent". MEXC trade IDs are opaque hex
// strings.
type RawTrade struct {
	ID              string
	Symbol          string
	IsBuyer         bool
	Quantity        string
	Price           string
	QuoteQuantity   string
	Commission      string
	CommissionAsset string
	TimeMs          int64
}

// ParseTrade validates a raw trade and converts it into a TradeRecord.
// Missing quote quantity is reconstructed as price * quantity.
func ParseTrade(raw RawTrade) (TradeRecord, error) {
	qty, err := parseNonNegative("quantity", raw.Quantity, false)
	if err != nil {
		return TradeRecord{}, err
	}
	price, err := parseNonNegative("price", raw.Price, true)
	if err != nil {
		return TradeRecord{}, err
	}
	quote, err := parseNonNegative("quote quantity", raw.QuoteQuantity, true)
	if err != nil {
		return TradeRecord{}, err
	}
	if strings.TrimSpace(raw.QuoteQuantity) == "" || quote.IsZero() {
		quote = price.Mul(qty)
	}
	fee, err := parseNonNegative("commission", raw.Commission, true)
	if err != nil {
		return TradeRecord{}, err
	}

	return TradeRecord{
		ID:              raw.ID,
		Symbol:          strings.ToUpper(strings.TrimSpace(raw.Symbol)),
		IsBuy:           raw.IsBuyer,
		Quantity:        qty,
		Price:           price,
		QuoteQuantity:   quote,
		Commission:      fee,
		CommissionAsset: strings.ToUpper(strings.TrimSpace(raw.CommissionAsset)),
		Time:            time.UnixMilli(raw.TimeMs).UTC(),
	}, nil
}

func parseNonNegative(field, s string, optional bool) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("%w: missing %s", ErrInvalidTrade, field)
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", ErrInvalidTrade, field, s)
	}
	if v.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative %s %s", ErrInvalidTrade, field, s)
	}
	return v, nil
}

// ComputedEntry is the cost basis derived from the trade log for one symbol.
// AvgEntry is null when no quantity remains.
type ComputedEntry struct {
	Symbol     string              `json:"symbol"`
	AvgEntry   decimal.NullDecimal `json:"avg_entry"`
	QtySeen    decimal.Decimal     `json:"qty_seen"`
	ComputedAt time.Time           `json:"computed_at"`
}

// EntrySource tells where an effective entry came from.
type EntrySource string

const (
	SourceManual   EntrySource = "manual"
	SourceComputed EntrySource = "computed"
	SourceNone     EntrySource = "none"
)

// EffectiveEntry is the resolved entry price for one symbol. Never stored.
type EffectiveEntry struct {
	Symbol string              `json:"symbol"`
	Price  decimal.NullDecimal `json:"price"`
	Source EntrySource         `json:"source"`
}

// Balance is one spot asset holding.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// TickerStats is a 24h rolling ticker for one symbol.
type TickerStats struct {
	Symbol             string          `json:"symbol"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	LastPrice          decimal.Decimal `json:"last_price"`
	OpenPrice          decimal.Decimal `json:"open_price"`
	HighPrice          decimal.Decimal `json:"high_price"`
	LowPrice           decimal.Decimal `json:"low_price"`
}

// SymbolFilters are the exchange trading rules for a symbol.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// OrderFill is the exchange acknowledgement of a placed order.
type OrderFill struct {
	OrderID          string          `json:"order_id"`
	Symbol           string          `json:"symbol"`
	Side             string          `json:"side"`
	Status           string          `json:"status"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	QuoteQuantity    decimal.Decimal `json:"quote_quantity"`
	TransactTime     time.Time       `json:"transact_time"`
}
