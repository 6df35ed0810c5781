// Package store defines the persistence interface for entry documents.
// A document is a mapping from uppercase symbol to a value: the manual
// override prices and the computed entry cache are two such documents.
//
// Implementations include a JSON file (default), PostgreSQL, a Redis
// read-through cache in front of either, and in-memory (for testing).
package store

import (
	"context"

	"github.com/spotdesk/assistant/internal/symbol"
)

// Document names.
const (
	DocManual   = "manual"
	DocComputed = "computed"
)

// Store is the persistence interface for one document. Every mutation is
// serialized per document; Update runs its callback under that lock.
type Store[V any] interface {
	// Load returns the whole mapping. A missing or corrupt document
	// loads as an empty mapping.
	Load(ctx context.Context) (map[string]V, error)

	// Save replaces the whole mapping.
	Save(ctx context.Context, data map[string]V) error

	// SetOne upserts one symbol.
	SetOne(ctx context.Context, symbol string, value V) error

	// Delete removes one symbol. Deleting an absent symbol is not an error.
	Delete(ctx context.Context, symbol string) error

	// Update performs a locked read-modify-write. fn may mutate the map it
	// receives; the result is persisted unless fn returns an error.
	Update(ctx context.Context, fn func(data map[string]V) error) error
}

// NormalizeSymbol maps a symbol to its stored key form, the same way
// symbol.Normalize does: "btc/usdt" and "BTCUSDT" share one key.
func NormalizeSymbol(s string) string {
	return symbol.Normalize(s)
}

// normalizeKeys returns a copy of data with uppercase keys. Empty keys are
// dropped.
func normalizeKeys[V any](data map[string]V) map[string]V {
	out := make(map[string]V, len(data))
	for k, v := range data {
		if nk := NormalizeSymbol(k); nk != "" {
			out[nk] = v
		}
	}
	return out
}
