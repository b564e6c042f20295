package classifier

import (
	"regexp"
	"strings"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
)

// RuleSetVersion identifies the active rule table. Bump it whenever a rule is added,
// removed or reordered.
const RuleSetVersion = "v5"

const (
	colectaLength     = 11
	flexManualMinLen  = 12
	flexMinIDLen      = 8
	etiquetaMinLength = 8
	etiquetaMaxLength = 10
)

// match is what a rule extracts from an input it recognizes.
type match struct {
	code  string
	valid bool
}

// Rule recognizes one shape of scanned code for a category.
type Rule struct {
	Name     string
	Category domain.Category
	apply    func(in input) (match, bool)
}

var (
	colectaMarkerRe   = regexp.MustCompile(`^id\[n\[([0-9]{6,})`)
	colectaWrapperRe  = regexp.MustCompile(`(?:^|[^a-z0-9])s([0-9]{10,12})mlu(?:[^a-z0-9]|$)`)
	isolatedColectaRe = regexp.MustCompile(`(?:^|[^0-9])([0-9]{11})(?:[^0-9]|$)`)

	flexMarkerRe = regexp.MustCompile(`hash|sender[_?]id|security[_?]digit|qr|[a-z][a-z0-9+.\-]*://|id\[`)

	flexBracketRe    = regexp.MustCompile(`\[id\[n\[([0-9]{6,})`)
	flexLegacyRe     = regexp.MustCompile(`id[¨\[]+n[¨\[]+([0-9]{6,})`)
	flexKeyValueRe   = regexp.MustCompile(`(?:^|[^a-z0-9])id=([0-9]{6,})`)
	flexNormalizedRe = regexp.MustCompile(`(?:^|,)id,+([0-9]{6,})`)

	nonAlnumRe = regexp.MustCompile(`[^a-z0-9]`)
)

var colectaRules = []Rule{
	{Name: "colecta/plain-11", Category: domain.CategoryColecta, apply: colectaPlain},
	{Name: "colecta/qr-marker", Category: domain.CategoryColecta, apply: colectaMarker},
	{Name: "colecta/manifest-wrapper", Category: domain.CategoryColecta, apply: colectaWrapper},
	{Name: "colecta/isolated-11", Category: domain.CategoryColecta, apply: colectaIsolated},
}

var flexRules = []Rule{
	{Name: "flex/manual-digits", Category: domain.CategoryFlex, apply: flexManual},
	{Name: "flex/qr-payload", Category: domain.CategoryFlex, apply: flexQR},
}

var etiquetaRules = []Rule{
	{Name: "etiqueta/label-digits", Category: domain.CategoryEtiqueta, apply: etiquetaDigits},
}

// colectaPlain accepts exactly eleven digits. Without letters, separators such as - . / are
// stray characters and are dropped; any letter leaves the input to the other rules.
func colectaPlain(in input) (match, bool) {
	code := in.compact
	if !in.hasLetter {
		code = in.digits
	}
	if len(code) == colectaLength && isDigits(code) {
		return match{code: code, valid: true}, true
	}
	return match{}, false
}

func colectaMarker(in input) (match, bool) {
	m := colectaMarkerRe.FindStringSubmatch(in.folded)
	if m == nil || len(m[1]) < colectaLength {
		return match{}, false
	}
	return match{code: m[1][:colectaLength], valid: true}, true
}

func colectaWrapper(in input) (match, bool) {
	m := colectaWrapperRe.FindStringSubmatch(in.folded)
	if m == nil {
		return match{}, false
	}
	return match{code: m[1], valid: true}, true
}

// colectaIsolated is the last-resort rule for noisy label text. QR payloads are left to
// the FLEX extractors so an 11-digit shipment id inside one is not taken for a collection.
func colectaIsolated(in input) (match, bool) {
	if looksLikeFlexQR(in) {
		return match{}, false
	}
	m := isolatedColectaRe.FindStringSubmatch(in.raw)
	if m == nil {
		return match{}, false
	}
	return match{code: m[1], valid: true}, true
}

func flexManual(in input) (match, bool) {
	if len(in.compact) >= flexManualMinLen && isDigits(in.compact) {
		return match{code: in.compact, valid: true}, true
	}
	return match{}, false
}

func flexQR(in input) (match, bool) {
	if !looksLikeFlexQR(in) {
		return match{}, false
	}

	id := extractFlexID(in)
	switch {
	case id == "":
		return match{code: in.raw, valid: false}, true
	case len(id) < flexMinIDLen:
		return match{code: id, valid: false}, true
	default:
		return match{code: id, valid: true}, true
	}
}

func etiquetaDigits(in input) (match, bool) {
	n := len(in.compact)
	if n >= etiquetaMinLength && n <= etiquetaMaxLength && isDigits(in.compact) {
		return match{code: in.compact, valid: true}, true
	}
	return match{}, false
}

func looksLikeFlexQR(in input) bool {
	return strings.Contains(in.lower, "ñ") || flexMarkerRe.MatchString(in.folded)
}

// extractFlexID tries the known payload layouts from most to least specific and returns the
// first shipment id. The punctuation-blind pattern goes last since it also matches id=.
func extractFlexID(in input) string {
	for _, re := range []*regexp.Regexp{flexBracketRe, flexLegacyRe, flexKeyValueRe} {
		if id := firstShipmentID(re, in.folded); id != "" {
			return id
		}
	}
	return firstShipmentID(flexNormalizedRe, nonAlnumRe.ReplaceAllString(in.folded, ","))
}

// firstShipmentID returns the first captured id that is not the value of a sender_id key.
func firstShipmentID(re *regexp.Regexp, s string) string {
	for _, loc := range re.FindAllStringSubmatchIndex(s, -1) {
		prefix := strings.TrimRightFunc(s[:loc[0]], func(r rune) bool {
			return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
		})
		if strings.HasSuffix(prefix, "sender") {
			continue
		}
		return s[loc[2]:loc[3]]
	}
	return ""
}

func evaluate(rules []Rule, in input) (Rule, match, bool) {
	for _, rule := range rules {
		if m, ok := rule.apply(in); ok {
			return rule, m, true
		}
	}
	return Rule{}, match{}, false
}
