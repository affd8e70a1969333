package ofb

import (
	"fmt"
	"strings"
)

// ParseMinor parses a fixed-point decimal amount string into minor
// units (centavos for BRL). At most two fractional digits are accepted,
// matching the accounts API amount format.
func ParseMinor(s string) (int64, error) {
	var neg bool
	var rest = s
	if strings.HasPrefix(rest, "-") {
		neg, rest = true, rest[1:]
	}
	if rest == "" {
		return 0, fmt.Errorf("empty amount")
	}

	var whole, frac = rest, ""
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		whole, frac = rest[:i], rest[i+1:]
	}
	if whole == "" || len(frac) > 2 {
		return 0, fmt.Errorf("malformed amount %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	var total int64
	for _, digits := range []string{whole, frac} {
		for _, c := range digits {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("malformed amount %q", s)
			}
			total = total*10 + int64(c-'0')
		}
	}
	if neg {
		total = -total
	}
	return total, nil
}

// ValidateAmount checks an Amount for a parseable value and a currency
// code. Negative values are rejected unless |allowNegative|, which only
// the unarranged overdraft amount is granted.
func ValidateAmount(a Amount, allowNegative bool) error {
	var minor, err = ParseMinor(a.Amount)
	if err != nil {
		return err
	}
	if minor < 0 && !allowNegative {
		return fmt.Errorf("negative amount %q not permitted", a.Amount)
	}
	if len(a.Currency) != 3 {
		return fmt.Errorf("malformed currency %q", a.Currency)
	}
	return nil
}
