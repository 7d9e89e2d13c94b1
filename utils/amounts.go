// Package utils holds amount parsing/formatting helpers and request
// validation shared by the engine's callers.
package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/crynk/paysplit/units"
)

// ValidateAmount checks that a string is a non-negative decimal amount.
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ParseAmountWithDecimals parses a human decimal amount string into a raw
// integer at the given scale ("10.5" with 6 decimals -> 10500000).
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	multiplier := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	result := dec.Mul(multiplier)

	if !result.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return result.BigInt(), nil
}

// FormatAmountFromBigInt renders a raw integer amount as a human decimal
// string at the given scale.
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	dec := decimal.NewFromBigInt(amount, -int32(decimals))
	return dec.String()
}

// ParseUSD parses a human USD amount ("10.5") into the ledger unit.
func ParseUSD(amount string) (units.USD18, error) {
	raw, err := ParseAmountWithDecimals(amount, int(units.LedgerDecimals))
	if err != nil {
		return units.USD18{}, err
	}
	return units.USD18FromBig(raw), nil
}

// FormatUSD renders a ledger-unit amount as a human USD string.
func FormatUSD(amount units.USD18) string {
	return FormatAmountFromBigInt(amount.BigInt(), int(units.LedgerDecimals))
}

// FormatNative renders a native-unit amount at its own scale.
func FormatNative(amount units.Native) string {
	return FormatAmountFromBigInt(amount.BigInt(), int(amount.Decimals()))
}
