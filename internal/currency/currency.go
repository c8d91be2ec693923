package currency

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"opstracker/backend/internal/domain"
)

// Normalize upper-cases a currency code and rejects codes go-money does not know.
func Normalize(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", domain.NewValidationError("currency", "is required")
	}
	if money.GetCurrency(code) == nil {
		return "", domain.NewValidationError("currency", "unknown code %q", code)
	}
	return code, nil
}

// Fraction is the number of minor-unit digits of the currency, 2 when unknown.
func Fraction(code string) int32 {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return 2
	}
	return int32(cur.Fraction)
}

// Round rounds an amount to the currency's minor unit.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Fraction(code))
}

// Format renders an amount with the currency's grapheme and separators.
func Format(amount decimal.Decimal, code string) string {
	code = strings.ToUpper(code)
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, code).Display()
}
