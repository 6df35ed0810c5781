package symbol

import (
	"errors"
	"testing"
)

var quotes = []string{"USD", "USDT", "USDC"}

func TestParse_Valid(t *testing.T) {
	p, err := Parse("btcusdt", quotes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Base != "BTC" {
		t.Errorf("expected base=BTC, got %s", p.Base)
	}
	if p.Quote != "USDT" {
		t.Errorf("expected quote=USDT, got %s", p.Quote)
	}
	if p.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol=BTCUSDT, got %s", p.Symbol)
	}
}

func TestParse_Separators(t *testing.T) {
	for _, in := range []string{"eth/usdc", " ETH-USDC ", "eth_usdc"} {
		p, err := Parse(in, quotes)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", in, err)
			continue
		}
		if p.Symbol != "ETHUSDC" || p.Base != "ETH" || p.Quote != "USDC" {
			t.Errorf("%q: got %+v", in, p)
		}
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"B",
		"BTC$USDT",
		"BTCUSDTBTCUSDTBTCUSDTBTCUSDTBTCUSDT",
	}
	for _, s := range tests {
		_, err := Parse(s, quotes)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", s, err)
		}
	}
}

func TestParse_UnknownQuote(t *testing.T) {
	_, err := Parse("BTCEUR", quotes)
	if !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("expected ErrUnknownQuote, got %v", err)
	}
	// The quote alone is not a pair.
	if _, err := Parse("USDT", quotes); !errors.Is(err, ErrUnknownQuote) {
		t.Errorf("expected ErrUnknownQuote for bare quote, got %v", err)
	}
}

func TestJoinAndHasQuote(t *testing.T) {
	if got := Join("xlm", "usdt"); got != "XLMUSDT" {
		t.Errorf("expected XLMUSDT, got %s", got)
	}
	if !HasQuote("xlmusdt", "USDT") {
		t.Error("expected XLMUSDT to be quoted in USDT")
	}
	if HasQuote("USDT", "USDT") {
		t.Error("bare quote should not count as a pair")
	}
}
