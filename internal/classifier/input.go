package classifier

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// input holds the views of a raw scan the rules match against.
type input struct {
	// raw is the trimmed scan as received.
	raw string
	// compact drops whitespace, control and format runes scanners tend to inject.
	compact string
	// digits keeps only the ASCII digits of compact.
	digits string
	// hasLetter reports whether any letter survives in compact.
	hasLetter bool
	// lower is the NFC lowercase form; it keeps ñ.
	lower string
	// folded is lowercase with diacritics removed, so Ñ and ñ become n.
	folded string
}

func newInput(raw string) input {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(norm.NFC.String(trimmed))

	compact := strings.Map(dropStray, trimmed)

	return input{
		raw:       trimmed,
		compact:   compact,
		digits:    strings.Map(keepDigit, compact),
		hasLetter: strings.ContainsFunc(compact, unicode.IsLetter),
		lower:     lower,
		folded:    fold(lower),
	}
}

func keepDigit(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}

func dropStray(r rune) rune {
	if unicode.IsSpace(r) || unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
		return -1
	}
	return r
}

func fold(s string) string {
	// transform.Chain keeps state, so it is built per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
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
