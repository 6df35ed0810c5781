// Package market turns 24h ticker statistics into trade ideas and a market
// overview.
package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/model"
)

const (
	DefaultSignalLimit = 10
	DefaultMinScore    = 0.68
)

var (
	minQuoteVolume = decimal.NewFromInt(1_000_000)
	minMovePercent = decimal.NewFromInt(5)
	baseScore      = decimal.RequireFromString("0.5")
	maxScore       = decimal.RequireFromString("0.99")
	maxVolumeBonus = 0.3
)

// Signal is a scored trade idea.
type Signal struct {
	Symbol        string          `json:"symbol"`
	Score         float64         `json:"score"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Reason        string          `json:"reason"`
}

// Score rates a USDT pair from its 24h move and quote volume. It reports
// false when the pair is illiquid, flat or not quoted in USDT.
//
//	score = clamp(0.5 + change/100 + min(0.3, log10(volume+1)/10), 0, 0.99)
func Score(st model.TickerStats) (Signal, bool) {
	if !strings.HasSuffix(st.Symbol, "USDT") {
		return Signal{}, false
	}
	if !st.QuoteVolume.IsPositive() || !st.LastPrice.IsPositive() {
		return Signal{}, false
	}
	if st.QuoteVolume.LessThan(minQuoteVolume) || st.PriceChangePercent.Abs().LessThan(minMovePercent) {
		return Signal{}, false
	}

	bonus := math.Min(maxVolumeBonus, math.Log10(st.QuoteVolume.InexactFloat64()+1)/10)
	raw := baseScore.
		Add(st.PriceChangePercent.Div(decimal.NewFromInt(100))).
		Add(decimal.NewFromFloat(bonus))
	raw = decimal.Max(decimal.Zero, decimal.Min(maxScore, raw))

	return Signal{
		Symbol:        st.Symbol,
		Score:         raw.Round(3).InexactFloat64(),
		ChangePercent: st.PriceChangePercent,
		QuoteVolume:   st.QuoteVolume,
		LastPrice:     st.LastPrice,
		Reason: fmt.Sprintf("change %s%% | volume %s | price %s",
			st.PriceChangePercent.String(), st.QuoteVolume.String(), st.LastPrice.String()),
	}, true
}

// Shortlist scores every ticker and returns those at or above minScore,
// best first, at most limit of them. limit <= 0 uses DefaultSignalLimit.
func Shortlist(stats []model.TickerStats, minScore float64, limit int) []Signal {
	if limit <= 0 {
		limit = DefaultSignalLimit
	}
	out := make([]Signal, 0)
	for _, st := range stats {
		sig, ok := Score(st)
		if !ok || sig.Score < minScore {
			continue
		}
		out = append(out, sig)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Service reads live statistics from the exchange.
type Service struct {
	stats  exchange.StatsSource
	quotes []string
}

// NewService creates a market service. quotes lists the quote assets shown
// in the overview; empty means USDT and USDC.
func NewService(stats exchange.StatsSource, quotes ...string) *Service {
	if len(quotes) == 0 {
		quotes = []string{"USDT", "USDC"}
	}
	return &Service{stats: stats, quotes: quotes}
}

// Signals returns the current shortlist.
func (s *Service) Signals(ctx context.Context, minScore float64, limit int) ([]Signal, error) {
	stats, err := s.stats.Stats24h(ctx)
	if err != nil {
		return nil, fmt.Errorf("load 24h stats: %w", err)
	}
	return Shortlist(stats, minScore, limit), nil
}

// Overview returns the market overview.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	stats, err := s.stats.Stats24h(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("load 24h stats: %w", err)
	}
	return BuildOverview(stats, s.quotes, DefaultTopN), nil
}
