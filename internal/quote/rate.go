package quote

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const rateScale = 6

// Rate returns toAmount/fromAmount in whole-token units. A zero fromAmount
// yields a zero rate.
func Rate(fromAmount, toAmount string, fromDecimals, toDecimals int) (decimal.Decimal, error) {
	from, err := parseBaseUnits(fromAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("from amount: %w", err)
	}
	to, err := parseBaseUnits(toAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("to amount: %w", err)
	}
	if fromDecimals < 0 || toDecimals < 0 {
		return decimal.Zero, fmt.Errorf("token decimals must be non-negative")
	}
	if from.Sign() == 0 {
		return decimal.Zero, nil
	}
	fromUnits := decimal.NewFromBigInt(from, int32(-fromDecimals))
	toUnits := decimal.NewFromBigInt(to, int32(-toDecimals))
	return toUnits.DivRound(fromUnits, 18), nil
}

// ExchangeRate formats Rate with six decimal places; a zero fromAmount gives "0".
func ExchangeRate(fromAmount, toAmount string, fromDecimals, toDecimals int) (string, error) {
	rate, err := Rate(fromAmount, toAmount, fromDecimals, toDecimals)
	if err != nil {
		return "", err
	}
	if from, _ := parseBaseUnits(fromAmount); from.Sign() == 0 {
		return "0", nil
	}
	return rate.StringFixed(rateScale), nil
}

// Deviation is (newRate-oldRate)/oldRate as a fraction.
func Deviation(oldRate, newRate decimal.Decimal) (decimal.Decimal, error) {
	if oldRate.IsZero() {
		return decimal.Zero, fmt.Errorf("previous rate is zero")
	}
	return newRate.Sub(oldRate).DivRound(oldRate, 18), nil
}

// FormatPercent renders a fraction as a signed percentage, e.g. -3.00%.
func FormatPercent(fraction decimal.Decimal) string {
	return fraction.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

func parseBaseUnits(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty amount")
	}
	n, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", v)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return n, nil
}
