package types

import (
	"fmt"
	"strings"
)

// Symbol is the canonical trading-pair form: BASE_QUOTE, uppercase, with
// underscore separator (e.g. "BTC_KRW"). The Upbit wire form puts the quote
// currency first with a dash ("KRW-BTC"); NormalizeSymbol and Symbol.Wire
// round-trip between the two.
type Symbol string

// NormalizeSymbol accepts "btc-krw", "BTC_KRW", mixed case, or the wire form
// "KRW-BTC" and returns the canonical BASE_QUOTE symbol. Normalization is
// idempotent: normalizing an already-canonical symbol returns it unchanged.
func NormalizeSymbol(raw string) (Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}

	// Wire form is quote-first with a dash: KRW-BTC → BTC_KRW.
	if base, quote, ok := splitPair(s, "-"); ok {
		if base == "KRW" {
			base, quote = quote, base
		}
		return Symbol(base + "_" + quote), nil
	}
	if base, quote, ok := splitPair(s, "_"); ok {
		return Symbol(base + "_" + quote), nil
	}
	return "", fmt.Errorf("invalid symbol %q", raw)
}

// MustSymbol normalizes or panics. For constants in tests and config defaults.
func MustSymbol(raw string) Symbol {
	sym, err := NormalizeSymbol(raw)
	if err != nil {
		panic(err)
	}
	return sym
}

// ParseWireMarket converts the wire form "KRW-BTC" to a canonical symbol.
func ParseWireMarket(market string) (Symbol, error) {
	quote, base, ok := splitPair(strings.ToUpper(strings.TrimSpace(market)), "-")
	if !ok {
		return "", fmt.Errorf("invalid wire market %q", market)
	}
	return Symbol(base + "_" + quote), nil
}

// Base returns the base currency, e.g. "BTC" for BTC_KRW.
func (s Symbol) Base() string {
	if i := strings.Index(string(s), "_"); i > 0 {
		return string(s)[:i]
	}
	return string(s)
}

// Quote returns the quote currency, e.g. "KRW" for BTC_KRW.
func (s Symbol) Quote() string {
	if i := strings.Index(string(s), "_"); i >= 0 {
		return string(s)[i+1:]
	}
	return ""
}

// Wire returns the Upbit market code: quote first, dash-separated.
func (s Symbol) Wire() string {
	return s.Quote() + "-" + s.Base()
}

func splitPair(s, sep string) (a, b string, ok bool) {
	parts := strings.Split(s, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
