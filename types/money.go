// Package types provides value types shared across gatekeeper packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Money is a monetary amount in the smallest currency unit.
// Refunds and revenue figures are integer-only.
type Money struct {
	Amount   int64  `json:"amount"`   // Smallest unit (cents, pence, etc)
	Currency string `json:"currency"` // ISO 4217 lowercase: "usd", "eur", "gbp"
}

// USD creates a Money value in US Dollars (cents).
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// EUR creates a Money value in Euros (cents).
func EUR(cents int64) Money { return Money{Amount: cents, Currency: "eur"} }

// GBP creates a Money value in British Pounds (pence).
func GBP(pence int64) Money { return Money{Amount: pence, Currency: "gbp"} }

// Zero returns a zero Money value in the specified currency.
func Zero(currency string) Money { return Money{Currency: strings.ToLower(currency)} }

// Add adds two Money values. Panics if currencies don't match.
func (m Money) Add(other Money) Money {
	m.assertSameCurrency(other)
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// Equal reports whether amount and currency both match.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}

// FormatMajor returns the amount in major units without a symbol,
// e.g. "49.00" for USD(4900).
func (m Money) FormatMajor() string {
	sign := ""
	abs := m.Amount
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	if zeroDecimal[strings.ToLower(m.Currency)] {
		return fmt.Sprintf("%s%d", sign, abs)
	}
	return fmt.Sprintf("%s%d.%02d", sign, abs/100, abs%100)
}

// String returns a human-readable amount such as "$49.00".
func (m Money) String() string {
	if sym, ok := symbols[strings.ToLower(m.Currency)]; ok {
		return sym + m.FormatMajor()
	}
	return strings.ToUpper(m.Currency) + " " + m.FormatMajor()
}

// MarshalJSON adds a display string next to amount and currency.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Display  string `json:"display"`
	}{
		Amount:   m.Amount,
		Currency: m.Currency,
		Display:  m.String(),
	})
}

func (m Money) assertSameCurrency(other Money) {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: currency mismatch: %s != %s", m.Currency, other.Currency))
	}
}

var symbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"jpy": "¥",
}

var zeroDecimal = map[string]bool{
	"jpy": true,
	"krw": true,
}

// SumByCurrency totals values per currency code.
func SumByCurrency(values ...Money) map[string]Money {
	out := make(map[string]Money)
	for _, v := range values {
		cur := strings.ToLower(v.Currency)
		acc, ok := out[cur]
		if !ok {
			acc = Zero(cur)
		}
		out[cur] = acc.Add(Money{Amount: v.Amount, Currency: cur})
	}
	return out
}
