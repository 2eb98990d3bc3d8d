// Package utils provides helpers for Chilean tax identifiers (RUT) and fixed-width text fields.
package utils

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Sentinel errors
var (
	ErrInvalidRUT = fmt.Errorf("invalid RUT")
)

// FinalConsumerRUT is the well-known tax id used for anonymous retail sales
const FinalConsumerRUT = "66666666-6"

// NormalizeRUT strips dots and blanks, upper-cases the check digit and returns
// the canonical "NNNNNNNN-D" form. The check digit is verified.
func NormalizeRUT(s string) (string, error) {
	clean := strings.NewReplacer(".", "", " ", "").Replace(strings.TrimSpace(s))
	clean = strings.ToUpper(clean)
	if !strings.Contains(clean, "-") && len(clean) > 1 {
		clean = clean[:len(clean)-1] + "-" + clean[len(clean)-1:]
	}
	parts := strings.Split(clean, "-")
	if len(parts) != 2 || parts[0] == "" || len(parts[1]) != 1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRUT, s)
	}
	body, err := strconv.Atoi(parts[0])
	if err != nil || body <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRUT, s)
	}
	if CheckDigit(body) != parts[1] {
		return "", fmt.Errorf("%w: %q (check digit)", ErrInvalidRUT, s)
	}
	return strconv.Itoa(body) + "-" + parts[1], nil
}

// ValidRUT reports whether s is a well-formed RUT with a correct check digit.
func ValidRUT(s string) bool {
	_, err := NormalizeRUT(s)
	return err == nil
}

// CheckDigit computes the modulo 11 check digit of a RUT body.
func CheckDigit(body int) string {
	sum, weight := 0, 2
	for n := body; n > 0; n /= 10 {
		sum += (n % 10) * weight
		weight++
		if weight > 7 {
			weight = 2
		}
	}
	switch dv := 11 - sum%11; dv {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.Itoa(dv)
	}
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
