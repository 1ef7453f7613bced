package policy

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// Converter normalizes monetary amounts to a configured base currency
// through a fixed conversion table. The table is configuration, not a live
// FX feed: evaluation determinism requires that identical inputs see
// identical rates. Comparing raw amounts across differing currencies is
// forbidden; every monetary comparison goes through here first.
type Converter struct {
	base  string
	rates map[string]float64 // units of base per one unit of currency
}

// NewConverter builds a converter for the given base currency. The base
// itself always converts at 1.
func NewConverter(base string, rates map[string]float64) *Converter {
	base = strings.ToUpper(base)
	normalized := make(map[string]float64, len(rates)+1)
	for code, rate := range rates {
		normalized[strings.ToUpper(code)] = rate
	}
	normalized[base] = 1
	return &Converter{base: base, rates: normalized}
}

func (c *Converter) Base() string {
	return c.base
}

// ToBase converts an amount in the given currency to the base currency.
// An unknown currency is an error, never a pass-through of the raw number.
func (c *Converter) ToBase(amount float64, currency string) (float64, error) {
	if currency == "" {
		currency = c.base
	}
	rate, ok := c.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return amount * rate, nil
}
