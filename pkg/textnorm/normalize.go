// Package textnorm normalizes free text for matching: drug and ingredient
// names carry accents and inconsistent casing, pack codes arrive with
// spaces and hyphens. One canonicalizer serves both the stored keys and the
// incoming queries so the two always agree.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripMarks removes diacritics by canonical decomposition: NFD splits the
// base letter from its combining marks, the marks are dropped, NFC
// recomposes what is left.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s, strips diacritics, collapses whitespace runs into a
// single space and trims. "  Paracétamol  Codéiné " -> "paracetamol codeine".
func Fold(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Malformed input folds as-is rather than not at all.
		out = s
	}
	out = strings.ToLower(out)
	return strings.Join(strings.Fields(out), " ")
}

// PackCode strips whitespace and hyphens from a CIP pack code, so
// "3400-935 955838" and "3400935955838" look up the same presentation.
func PackCode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
