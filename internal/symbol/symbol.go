// Package symbol handles spot pair parsing and normalization
// (BTCUSDT → base BTC, quote USDT).
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// pairRegex matches an uppercase exchange pair with no separator.
// Example: BTCUSDT, 1INCHUSDT
var pairRegex = regexp.MustCompile(`^[A-Z0-9]{2,30}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid pair format")
	ErrUnknownQuote  = errors.New("symbol: no known quote asset")
)

// Pair is a parsed spot trading pair.
type Pair struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Normalize uppercases a symbol and strips whitespace and the separators
// users commonly type ("btc/usdt", "BTC-USDT").
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
}

// Validate normalizes s and checks the pair format.
func Validate(s string) (string, error) {
	n := Normalize(s)
	if !pairRegex.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return n, nil
}

// Parse splits a pair into base and quote using the first matching quote
// asset. Longer quotes are tried first so USDT wins over USD.
func Parse(s string, quotes []string) (Pair, error) {
	n, err := Validate(s)
	if err != nil {
		return Pair{}, err
	}

	best := ""
	for _, q := range quotes {
		q = strings.ToUpper(q)
		if len(q) > len(best) && len(n) > len(q) && strings.HasSuffix(n, q) {
			best = q
		}
	}
	if best == "" {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnknownQuote, n)
	}
	return Pair{Symbol: n, Base: strings.TrimSuffix(n, best), Quote: best}, nil
}

// Join builds the pair symbol for an asset priced in quote.
func Join(base, quote string) string {
	return strings.ToUpper(base) + strings.ToUpper(quote)
}

// HasQuote reports whether the pair is priced in quote.
func HasQuote(s, quote string) bool {
	n := Normalize(s)
	q := strings.ToUpper(quote)
	return len(n) > len(q) && strings.HasSuffix(n, q)
}
