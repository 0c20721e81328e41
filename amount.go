package payterm

import (
	"math/big"
	"strings"
)

// ParseAmount converts a human-entered decimal string into the token's
// smallest unit, given the token's decimal count. Digits beyond the token's
// precision are truncated, never rounded, so the signed amount can only be
// smaller than what the payer typed. The conversion is pure string and
// big.Int arithmetic; floating point is never involved.
//
// "12.345678" with 6 decimals parses to 12345678.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || decimals < 0 {
		return nil, ErrInvalidAmount
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (frac != "" && !isDigits(frac)) {
		return nil, ErrInvalidAmount
	}

	// Truncate excess fractional digits, right-pad the rest to full precision.
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

// FormatAmount renders a smallest-unit amount as a decimal string with the
// full fixed precision of the token. 12345678 with 6 decimals formats as
// "12.345678".
func FormatAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	digits := value.String()
	if decimals <= 0 {
		return digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	split := len(digits) - decimals
	return digits[:split] + "." + digits[split:]
}

// ParseUnits parses a smallest-unit decimal string (no fractional point) into
// a positive big.Int. This is the wire form used by the relay request body
// and the handoff encoding.
func ParseUnits(s string) (*big.Int, error) {
	if s == "" || !isDigits(s) {
		return nil, ErrInvalidAmount
	}
	value, ok := new(big.Int).SetString(s, 10)
	if !ok || value.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
