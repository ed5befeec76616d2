package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentity trims surrounding space and folds case and diacritics,
// so "  José " and "jose" compare equal.
func NormalizeIdentity(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		out = strings.TrimSpace(s)
	}
	return strings.ToLower(out)
}

// MatchesHint reports whether identity contains hint after normalisation.
// An empty hint matches everything.
func MatchesHint(identity, hint string) bool {
	return strings.Contains(NormalizeIdentity(identity), NormalizeIdentity(hint))
}
