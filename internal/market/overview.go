package market

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/symbol"
)

const DefaultTopN = 5

// Mover is one row of the overview.
type Mover struct {
	Symbol        string          `json:"symbol"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	LastPrice     decimal.Decimal `json:"last_price"`
	Volatility    decimal.Decimal `json:"volatility"`
}

// Overview groups the top movers of the last 24h.
type Overview struct {
	Pairs      int     `json:"pairs"`
	Gainers    []Mover `json:"gainers"`
	Losers     []Mover `json:"losers"`
	Volume     []Mover `json:"volume"`
	Volatility []Mover `json:"volatility"`
}

// BuildOverview keeps pairs quoted in one of quotes and ranks the top n by
// change, volume and volatility ((high - low) / open).
func BuildOverview(stats []model.TickerStats, quotes []string, n int) Overview {
	if n <= 0 {
		n = DefaultTopN
	}
	rows := make([]Mover, 0, len(stats))
	for _, st := range stats {
		if !quotedIn(st.Symbol, quotes) {
			continue
		}
		vol := decimal.Zero
		if !st.OpenPrice.IsZero() {
			vol = st.HighPrice.Sub(st.LowPrice).Abs().Div(st.OpenPrice)
		}
		rows = append(rows, Mover{
			Symbol:        st.Symbol,
			ChangePercent: st.PriceChangePercent,
			QuoteVolume:   st.QuoteVolume,
			LastPrice:     st.LastPrice,
			Volatility:    vol,
		})
	}

	return Overview{
		Pairs:      len(rows),
		Gainers:    top(rows, n, func(a, b Mover) bool { return a.ChangePercent.GreaterThan(b.ChangePercent) }),
		Losers:     top(rows, n, func(a, b Mover) bool { return a.ChangePercent.LessThan(b.ChangePercent) }),
		Volume:     top(rows, n, func(a, b Mover) bool { return a.QuoteVolume.GreaterThan(b.QuoteVolume) }),
		Volatility: top(rows, n, func(a, b Mover) bool { return a.Volatility.GreaterThan(b.Volatility) }),
	}
}

func quotedIn(s string, quotes []string) bool {
	for _, q := range quotes {
		if symbol.HasQuote(s, q) {
			return true
		}
	}
	return false
}

func top(rows []Mover, n int, less func(a, b Mover) bool) []Mover {
	sorted := make([]Mover, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
