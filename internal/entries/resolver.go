package entries

import (
	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/symbol"
)

// Resolve returns the entry price to use for pair: the manual override if
// one is set, otherwise the computed average entry, otherwise null.
func Resolve(pair string, manual map[string]decimal.Decimal, computed map[string]model.ComputedEntry) decimal.NullDecimal {
	return ResolveSource(pair, manual, computed).Price
}

// ResolveSource is Resolve that also reports where the price came from.
// pair is normalized like every store key, so "btc/usdt" finds BTCUSDT.
func ResolveSource(pair string, manual map[string]decimal.Decimal, computed map[string]model.ComputedEntry) model.EffectiveEntry {
	sym := symbol.Normalize(pair)
	if px, ok := manual[sym]; ok {
		return model.EffectiveEntry{Symbol: sym, Price: decimal.NewNullDecimal(px), Source: model.SourceManual}
	}
	if ce, ok := computed[sym]; ok && ce.AvgEntry.Valid {
		return model.EffectiveEntry{Symbol: sym, Price: ce.AvgEntry, Source: model.SourceComputed}
	}
	return model.EffectiveEntry{Symbol: sym, Source: model.SourceNone}
}
