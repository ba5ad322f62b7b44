// Package helpers provides decimal formatting/parsing for the
// arbitrary-precision token amounts used throughout the engine.
package helpers

import (
	"fmt"
	"math/big"
)

// FormatAmount formats an arbitrary-precision amount in smallest units as a
// decimal string, given the token's decimal places. Unlike a fixed-width
// integer conversion, this never truncates: NEAR's native token alone uses
// 24 decimals, well past what a uint64/float64 round-trip can hold exactly.
func FormatAmount(amount *big.Int, decimals uint8) string {
	if decimals == 0 {
		return amount.String()
	}

	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Div(abs, divisor)
	frac := new(big.Int).Mod(abs, divisor)

	var out string
	if frac.Sign() == 0 {
		out = whole.String()
	} else {
		fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
		for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
			fracStr = fracStr[:len(fracStr)-1]
		}
		out = fmt.Sprintf("%s.%s", whole.String(), fracStr)
	}

	if neg {
		return "-" + out
	}
	return out
}

// ParseAmount parses a decimal string into smallest units for a token with
// the given decimal places, returning an arbitrary-precision integer.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var wholeStr, fracStr string
	dot := -1
	for i, c := range s {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot >= 0 {
		wholeStr = s[:dot]
		fracStr = s[dot+1:]
	} else {
		wholeStr = s
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	if len(fracStr) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more fractional digits than %d decimals", s, decimals)
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if neg {
		amount.Neg(amount)
	}

	return amount, nil
}
