package finance

import (
	"fmt"

	"golang.org/x/text/currency"
)

// Money represents a monetary value in a specific currency.
// It uses integer math (minor units) to avoid floating point errors.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"` // ISO 4217 code
}

// NewMoney creates a new Money instance. The currency code must be a
// well-formed ISO 4217 unit.
func NewMoney(amountMinor int64, code string) (Money, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Money{}, fmt.Errorf("finance: invalid currency %q: %w", code, err)
	}
	return Money{
		AmountMinor: amountMinor,
		Currency:    unit.String(),
	}, nil
}

// MustMoney is NewMoney that panics on an invalid currency code.
// Intended for constants and tests.
func MustMoney(amountMinor int64, code string) Money {
	m, err := NewMoney(amountMinor, code)
	if err != nil {
		panic(err)
	}
	return m
}

// Add adds two Money amounts. Returns error on currency mismatch.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("finance: currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{
		AmountMinor: m.AmountMinor + other.AmountMinor,
		Currency:    m.Currency,
	}, nil
}

// IsZero returns true if the amount is 0.
func (m Money) IsZero() bool {
	return m.AmountMinor == 0
}

// IsPositive returns true if the amount is > 0.
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.AmountMinor, m.Currency)
}
