// Package portfolio values spot holdings against their effective entry
// prices. A missing price or entry degrades that field to n/a instead of
// failing the snapshot.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/symbol"
)

// NA is how an unknown value is displayed.
const NA = "n/a"

var (
	dustThreshold = decimal.RequireFromString("0.5")
	hundred       = decimal.NewFromInt(100)
	one           = decimal.NewFromInt(1)
)

// EntryResolver resolves effective entries for a set of symbols.
type EntryResolver interface {
	EffectiveEntries(ctx context.Context, symbols []string) (map[string]model.EffectiveEntry, error)
}

// Position is one holding.
type Position struct {
	Asset       string              `json:"asset"`
	Symbol      string              `json:"symbol,omitempty"`
	Quantity    decimal.Decimal     `json:"qty"`
	Price       decimal.NullDecimal `json:"price"`
	Value       decimal.NullDecimal `json:"value"`
	Entry       decimal.NullDecimal `json:"entry"`
	EntrySource model.EntrySource   `json:"entry_source,omitempty"`
	PLPercent   decimal.NullDecimal `json:"pl_percent"`
	PLQuote     decimal.NullDecimal `json:"pl_quote"`
}

// Snapshot is the valued portfolio.
type Snapshot struct {
	Quote     string          `json:"quote"`
	Positions []Position      `json:"positions"`
	Cash      []Position      `json:"cash"`
	Total     decimal.Decimal `json:"total"`
	Unpriced  []string        `json:"unpriced,omitempty"`
	TakenAt   time.Time       `json:"taken_at"`
}

// Service builds snapshots.
type Service struct {
	account exchange.AccountSource
	prices  exchange.PriceSource
	entries EntryResolver
	quote   string
	stable  map[string]bool
	now     func() time.Time
}

// NewService creates a portfolio service valuing holdings in quote. Assets
// in stable price at 1 and are listed as cash.
func NewService(account exchange.AccountSource, prices exchange.PriceSource, entries EntryResolver, quote string, stable ...string) *Service {
	if quote == "" {
		quote = "USDT"
	}
	set := map[string]bool{strings.ToUpper(quote): true}
	for _, a := range stable {
		set[strings.ToUpper(a)] = true
	}
	return &Service{
		account: account,
		prices:  prices,
		entries: entries,
		quote:   strings.ToUpper(quote),
		stable:  set,
		now:     time.Now,
	}
}

// Quote returns the valuation currency.
func (s *Service) Quote() string { return s.quote }

// Snapshot values every holding with free+locked > 0. Only the balance
// read can fail it.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	bals, err := s.account.Balances(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load balances: %w", err)
	}

	snap := Snapshot{Quote: s.quote, Total: decimal.Zero, TakenAt: s.now().UTC()}
	symbols := make([]string, 0, len(bals))
	for _, b := range bals {
		if !s.stable[b.Asset] {
			symbols = append(symbols, symbol.Join(b.Asset, s.quote))
		}
	}
	entries, err := s.entries.EffectiveEntries(ctx, symbols)
	if err != nil {
		slog.Warn("entries unavailable, P/L shown as n/a", "err", err)
		entries = nil
	}

	for _, b := range bals {
		qty := b.Total()
		if !qty.IsPositive() {
			continue
		}
		if s.stable[b.Asset] {
			snap.Cash = append(snap.Cash, Position{
				Asset:    b.Asset,
				Quantity: qty,
				Price:    decimal.NewNullDecimal(one),
				Value:    decimal.NewNullDecimal(qty),
			})
			snap.Total = snap.Total.Add(qty)
			continue
		}

		pos := Position{Asset: b.Asset, Symbol: symbol.Join(b.Asset, s.quote), Quantity: qty}
		if ee, ok := entries[pos.Symbol]; ok {
			pos.Entry = ee.Price
			pos.EntrySource = ee.Source
		}

		px, err := s.prices.Price(ctx, pos.Symbol)
		if err != nil || !px.IsPositive() {
			slog.Debug("no price for holding", "symbol", pos.Symbol, "err", err)
			snap.Unpriced = append(snap.Unpriced, b.Asset)
			snap.Positions = append(snap.Positions, pos)
			continue
		}
		value := qty.Mul(px)
		if value.LessThan(dustThreshold) {
			continue
		}
		pos.Price = decimal.NewNullDecimal(px)
		pos.Value = decimal.NewNullDecimal(value)
		pos.PLPercent, pos.PLQuote = ProfitLoss(px, pos.Entry, qty)
		snap.Total = snap.Total.Add(value)
		snap.Positions = append(snap.Positions, pos)
	}

	sort.SliceStable(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i].Value, snap.Positions[j].Value
		if a.Valid != b.Valid {
			return a.Valid
		}
		return a.Decimal.GreaterThan(b.Decimal)
	})
	sort.SliceStable(snap.Cash, func(i, j int) bool {
		return snap.Cash[i].Quantity.GreaterThan(snap.Cash[j].Quantity)
	})
	return snap, nil
}

// ProfitLoss returns the P/L in percent (2 dp) and in the quote currency.
// Both are null without a positive entry.
func ProfitLoss(price decimal.Decimal, entry decimal.NullDecimal, qty decimal.Decimal) (decimal.NullDecimal, decimal.NullDecimal) {
	if !entry.Valid || !entry.Decimal.IsPositive() {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	diff := price.Sub(entry.Decimal)
	pct := diff.Div(entry.Decimal).Mul(hundred).Round(2)
	return decimal.NewNullDecimal(pct), decimal.NewNullDecimal(diff.Mul(qty))
}

// Format renders v, or n/a when null.
func Format(v decimal.NullDecimal) string {
	if !v.Valid {
		return NA
	}
	return v.Decimal.String()
}

// Text renders the snapshot for a terminal.
func (s Snapshot) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio (%s)\n\n", s.Quote)
	for _, p := range s.Positions {
		fmt.Fprintf(&b, "%s: %s\n", p.Asset, p.Quantity.String())
		fmt.Fprintf(&b, "   price: %s | entry: %s\n", Format(p.Price), Format(p.Entry))
		if p.PLPercent.Valid {
			fmt.Fprintf(&b, "   P/L: %s%% (%s %s)\n", p.PLPercent.Decimal.StringFixed(2), p.PLQuote.Decimal.StringFixed(2), s.Quote)
		} else {
			fmt.Fprintf(&b, "   P/L: %s\n", NA)
		}
	}
	for _, c := range s.Cash {
		fmt.Fprintf(&b, "%s: %s\n", c.Asset, c.Quantity.String())
	}
	fmt.Fprintf(&b, "\nTotal: %s %s\n", s.Total.StringFixed(2), s.Quote)
	return b.String()
}
