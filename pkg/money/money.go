// Package money converts between decimal amount strings and integer minor
// units using each currency's ISO 4217 exponent.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// exponents lists currencies whose minor unit is not 1/100
var exponents = map[string]int{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"JOD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

const defaultExponent = 2

// NormalizeCurrency upper-cases and trims a currency code
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// Exponent returns the number of minor-unit digits for currency
func Exponent(currency string) int {
	if exp, ok := exponents[NormalizeCurrency(currency)]; ok {
		return exp
	}
	return defaultExponent
}

// Parse converts a decimal string such as "125.50" into minor units.
// Significant fractional digits beyond the currency's exponent are an error,
// never a rounding; extra trailing zeros are accepted.
func Parse(amount, currency string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(amount, "-") || strings.HasPrefix(amount, "+") {
		return 0, fmt.Errorf("amount %q must be an unsigned decimal", amount)
	}

	exp := Exponent(currency)
	whole, frac, hasFrac := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && frac == "" {
		return 0, fmt.Errorf("amount %q has an empty fraction", amount)
	}
	if len(frac) > exp {
		// Trailing zeros carry no value; anything else would need rounding
		if strings.TrimRight(frac[exp:], "0") != "" {
			return 0, fmt.Errorf("amount %q has more than %d decimal places for %s", amount, exp, NormalizeCurrency(currency))
		}
		frac = frac[:exp]
	}
	frac += strings.Repeat("0", exp-len(frac))

	digits := whole + frac
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("amount %q is not a decimal number", amount)
		}
	}

	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q out of range: %w", amount, err)
	}
	return minor, nil
}

// Format renders minor units as a decimal string with the currency's exponent
func Format(minor int64, currency string) string {
	exp := Exponent(currency)
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if exp == 0 {
		return sign + strconv.FormatInt(minor, 10)
	}

	s := strconv.FormatInt(minor, 10)
	if len(s) <= exp {
		s = strings.Repeat("0", exp-len(s)+1) + s
	}
	return sign + s[:len(s)-exp] + "." + s[len(s)-exp:]
}
