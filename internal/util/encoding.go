package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC so visually identical strings compare equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeEmail produces the comparison key for an email address: trimmed,
// NFKC-normalised and case-folded.
func NormalizeEmail(email string) string {
	return fold(strings.TrimSpace(email))
}

// EqualFold reports whether a and b are equal under Unicode case folding
// after normalisation.
func EqualFold(a, b string) bool {
	return fold(a) == fold(b)
}

// A Caser is stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(Normalize(s))
}
