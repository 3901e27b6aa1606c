package amount

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Normalize accepts exactly one of a base-unit integer or a human decimal
// amount and returns both forms.
func Normalize(baseUnits, human string, decimals int) (string, string, error) {
	baseUnits = strings.TrimSpace(baseUnits)
	human = strings.TrimSpace(human)
	if baseUnits != "" && human != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either --amount or --amount-base, not both")
	}
	if baseUnits == "" && human == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		n, ok := new(big.Int).SetString(baseUnits, 10)
		if !ok || n.Sign() <= 0 {
			return "", "", clierr.New(clierr.CodeUsage, "--amount-base must be a positive integer string")
		}
		return n.String(), Format(n.String(), decimals), nil
	}

	base, err := ToBaseUnits(human, decimals)
	if err != nil {
		return "", "", err
	}
	if base == "0" {
		return "", "", clierr.New(clierr.CodeUsage, "--amount must be greater than zero")
	}
	return base, Format(base, decimals), nil
}

// ToBaseUnits converts "1.25" with 6 decimals to "1250000". Precision beyond
// the token's decimals is rejected rather than truncated.
func ToBaseUnits(human string, decimals int) (string, error) {
	if !decimalPattern.MatchString(human) {
		return "", clierr.New(clierr.CodeUsage, "--amount must be in decimal form like 1.23")
	}
	d, err := decimal.NewFromString(human)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "invalid decimal amount", err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	return scaled.BigInt().String(), nil
}

// Format renders base units as a trimmed decimal string.
func Format(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return baseUnits
	}
	return decimal.NewFromBigInt(n, int32(-decimals)).String()
}
