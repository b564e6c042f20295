package domain

import (
	"fmt"
	"strings"
	"time"
)

// Category is the label family a scanned code was classified into.
type Category string

const (
	CategoryFlex     Category = "FLEX"
	CategoryEtiqueta Category = "ETIQUETA"
	CategoryColecta  Category = "COLECTA"
	CategoryInvalid  Category = "INVALID"
)

func (c Category) String() string { return string(c) }

func (c Category) IsValid() bool {
	switch c {
	case CategoryFlex, CategoryEtiqueta, CategoryColecta, CategoryInvalid:
		return true
	}
	return false
}

func (c Category) Label() string {
	switch c {
	case CategoryFlex:
		return "Flex"
	case CategoryEtiqueta:
		return "Etiqueta Districad"
	case CategoryColecta:
		return "Colecta"
	default:
		return "Inválido"
	}
}

// correctionCategories maps operator-facing names to the categories a scan may be corrected to.
var correctionCategories = map[string]Category{
	"flex":               CategoryFlex,
	"etiqueta":           CategoryEtiqueta,
	"etiqueta districad": CategoryEtiqueta,
}

// ParseCorrectionCategory maps a correction request to FLEX or ETIQUETA.
func ParseCorrectionCategory(s string) (Category, error) {
	key := strings.ToLower(strings.Join(strings.Fields(s), " "))
	category, ok := correctionCategories[key]
	if !ok {
		return "", fmt.Errorf("%w: invalid category %q", ErrValidation, s)
	}
	return category, nil
}

// Outcome is the result recorded (or reported) for a scan submission.
type Outcome string

const (
	OutcomeOK        Outcome = "OK"
	OutcomeInvalid   Outcome = "INVALID"
	OutcomeDuplicate Outcome = "DUPLICATE"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) Label() string {
	switch o {
	case OutcomeInvalid:
		return "CÓDIGO INVÁLIDO"
	case OutcomeDuplicate:
		return "DUPLICADO"
	default:
		return string(o)
	}
}

// Scan is one accepted or rejected code within a batch.
type Scan struct {
	ID            string
	BatchID       string
	RawInput      string
	CanonicalCode string
	Category      Category
	Outcome       Outcome
	Rule          string
	RuleSet       string // classifier rule table version that produced Category and Rule
	ScannedAt     time.Time
}

// Metrics are the aggregate counters of a batch, always derived from its scans.
type Metrics struct {
	Total        int
	OK           int
	Invalid      int
	OKByCategory map[Category]int
}

func NewMetrics() Metrics {
	return Metrics{OKByCategory: map[Category]int{
		CategoryFlex:     0,
		CategoryEtiqueta: 0,
		CategoryColecta:  0,
	}}
}

// Add accumulates count scans with the given category and outcome.
func (m *Metrics) Add(category Category, outcome Outcome, count int) {
	if m.OKByCategory == nil {
		*m = NewMetrics()
	}
	m.Total += count
	switch outcome {
	case OutcomeOK:
		m.OK += count
		m.OKByCategory[category] += count
	case OutcomeInvalid:
		m.Invalid += count
	}
}

// MetricsFromScans recomputes the counters from a scan set.
func MetricsFromScans(scans []Scan) Metrics {
	m := NewMetrics()
	for i := range scans {
		m.Add(scans[i].Category, scans[i].Outcome, 1)
	}
	return m
}

// ManifestAttempt records a single delivery attempt of a closing manifest.
type ManifestAttempt struct {
	ID            string
	BatchID       string
	AttemptNumber int
	StatusCode    *int
	ResponseBody  *string
	Error         *string
	CreatedAt     time.Time
}
