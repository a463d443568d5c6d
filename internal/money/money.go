package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Minor-unit exponents for currencies that deviate from the usual 2.
var minorUnitExponents = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
}

// Money is an exact decimal amount in a single currency. Arithmetic across
// currencies is rejected rather than silently coerced.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func New(amount decimal.Decimal, currency string) (Money, error) {
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// FromMinorUnits builds a Money from an integer amount in the currency's
// smallest unit (cents for USD, whole yen for JPY).
func FromMinorUnits(units int64, currency string) (Money, error) {
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}
	exp := exponent(currency)
	return Money{
		Amount:   decimal.New(units, -exp),
		Currency: currency,
	}, nil
}

func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// MinorUnits returns the amount in the currency's smallest unit, rounding
// half-up if the amount carries more precision than the currency supports.
func (m Money) MinorUnits() int64 {
	exp := exponent(m.Currency)
	return m.Amount.Shift(exp).Round(0).IntPart()
}

func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Mul scales the amount by factor without rounding; callers that need a
// representable amount follow up with RoundToMinorUnit.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// RoundToMinorUnit rounds half-up to the currency's smallest unit.
func (m Money) RoundToMinorUnit() Money {
	return Money{Amount: m.Amount.Round(exponent(m.Currency)), Currency: m.Currency}
}

func (m Money) GreaterThan(other Money) (bool, error) {
	if err := m.sameCurrency(other); err != nil {
		return false, err
	}
	return m.Amount.GreaterThan(other.Amount), nil
}

func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Currency, m.Amount.StringFixed(exponent(m.Currency)))
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return nil
}

func validateCurrency(currency string) error {
	if len(currency) != 3 {
		return fmt.Errorf("invalid currency code: %q", currency)
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("invalid currency code: %q", currency)
		}
	}
	return nil
}

func exponent(currency string) int32 {
	if exp, ok := minorUnitExponents[currency]; ok {
		return exp
	}
	return 2
}
