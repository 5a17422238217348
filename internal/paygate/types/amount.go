package types

import (
	"fmt"
	"strconv"
	"strings"
)

// OctasPerUnit is the number of base units in one whole coin.
const OctasPerUnit uint64 = 100_000_000

const octaDigits = 8

// FormatOctas renders base units as a trimmed decimal ("1000000" -> "0.01").
func FormatOctas(octas uint64) string {
	whole := octas / OctasPerUnit
	frac := octas % OctasPerUnit
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	f := strings.TrimRight(fmt.Sprintf("%0*d", octaDigits, frac), "0")
	return strconv.FormatUint(whole, 10) + "." + f
}

// ParseOctas converts a decimal amount ("0.01") to base units. More than
// eight fractional digits is an error rather than a rounding.
func ParseOctas(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (frac == "" || len(frac) > octaDigits) {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	var f uint64
	if hasFrac {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", octaDigits-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid amount %q: %w", s, err)
		}
	}
	if w > (^uint64(0)-f)/OctasPerUnit {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return w*OctasPerUnit + f, nil
}
