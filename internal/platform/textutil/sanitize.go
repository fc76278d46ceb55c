// Package textutil cleans user-supplied free text before it is persisted or
// forwarded to third parties.
package textutil

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strict = bluemonday.StrictPolicy()

// PlainText strips markup, applies NFKC normalisation, collapses whitespace
// and truncates to limit runes. A limit <= 0 disables truncation.
func PlainText(value string, limit int) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(strict.Sanitize(value))
	normalised := norm.NFKC.String(stripped)

	var b strings.Builder
	b.Grow(len(normalised))
	space := false
	for _, r := range normalised {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if limit > 0 && utf8.RuneCountInString(out) > limit {
		runes := []rune(out)
		out = strings.TrimSpace(string(runes[:limit]))
	}
	return out
}

// Digits keeps only ASCII digits and a leading plus sign, for phone numbers.
func Digits(value string) string {
	value = norm.NFKC.String(strings.TrimSpace(value))
	var b strings.Builder
	for i, r := range value {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
