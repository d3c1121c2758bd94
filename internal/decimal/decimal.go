// Package decimal converts between arbitrary-precision base-unit integers
// (satoshis, wei, lamports, ...) and the human-readable decimal strings a
// CEX REST API expects. It is the only place in the repository where a
// base-unit amount is rendered as or parsed from a decimal string; every
// other boundary (adapters, the state document) moves *big.Int values
// around directly.
package decimal

import (
	"fmt"
	"math/big"
	"strings"
)

// ToDecimal renders a non-negative base-unit amount x with d fractional
// digits, e.g. ToDecimal(100000000, 8) == "1.00000000". Negative d trims
// whole-unit digits instead of adding fractional ones (used by chains whose
// native RPC reports amounts already scaled up, which none of the tokens
// here do today but the conversion supports regardless).
func ToDecimal(x *big.Int, d int) string {
	if x == nil {
		x = big.NewInt(0)
	}

	neg := x.Sign() < 0
	abs := new(big.Int).Abs(x)
	digits := abs.String()

	var out string
	switch {
	case d == 0:
		out = digits
	case d > 0:
		// Left-pad to d+1 digits so there's always at least one whole digit,
		// then insert the decimal point d places from the right.
		if len(digits) < d+1 {
			digits = strings.Repeat("0", d+1-len(digits)) + digits
		}
		split := len(digits) - d
		out = digits[:split] + "." + digits[split:]
	default:
		// d < 0: trim -d digits off the right (they represent whole units
		// the base unit doesn't track at this resolution).
		trim := -d
		if len(digits) <= trim {
			out = "0"
		} else {
			out = digits[:len(digits)-trim]
		}
	}

	if neg {
		out = "-" + out
	}
	return out
}

// FromDecimal parses a decimal string s (at most d fractional digits,
// fewer is fine — missing digits are right-padded with zero) into a
// base-unit *big.Int with d decimals of precision. Excess fractional digits
// beyond d are truncated, not rounded.
func FromDecimal(s string, d int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("decimal: empty string")
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !hasFrac {
		frac = ""
	}

	if d < 0 {
		// Negative d: s represents an amount d whole-unit digits coarser
		// than the base unit; pad with -d zeros instead of splitting a
		// fraction.
		if frac != "" {
			return nil, fmt.Errorf("decimal: %q has a fractional part but decimals=%d", s, d)
		}
		whole += strings.Repeat("0", -d)
		return parseDigits(whole, neg)
	}

	if len(frac) > d {
		frac = frac[:d] // truncate excess precision
	} else if len(frac) < d {
		frac += strings.Repeat("0", d-len(frac))
	}

	digits := whole + frac
	return parseDigits(digits, neg)
}

func parseDigits(digits string, neg bool) (*big.Int, error) {
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("decimal: invalid digits %q", digits)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}
