package classifier

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/despacho-tracker/internal/domain"
)

const ruleNone = "none"

// Verdict is the result of classifying one raw scan against a batch carrier.
type Verdict struct {
	Category      domain.Category
	CanonicalCode string
	Outcome       domain.Outcome
	Rule          string
	// RejectedAsForeignCarrier is set when the code belongs to the other carrier run.
	// Category then holds the detected category and the scan must not be recorded.
	RejectedAsForeignCarrier bool
}

// Classify is a pure function of (raw, carrier): the same input always yields the same verdict.
func Classify(raw string, carrier domain.CarrierKind) (Verdict, error) {
	if !carrier.IsValid() {
		return Verdict{}, fmt.Errorf("%w: invalid carrier %q", domain.ErrValidation, carrier)
	}
	if strings.TrimSpace(raw) == "" {
		return Verdict{}, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}

	in := newInput(raw)
	if in.compact == "" {
		return Verdict{}, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}

	if carrier == domain.CarrierColecta {
		return classifyColecta(in), nil
	}
	return classifyFlex(in), nil
}

func classifyColecta(in input) Verdict {
	if rule, m, ok := evaluate(colectaRules, in); ok {
		return verdictFor(rule, m)
	}
	if rule, _, ok := evaluate(flexRules, in); ok {
		return foreign(rule)
	}
	if rule, _, ok := evaluate(etiquetaRules, in); ok {
		return foreign(rule)
	}
	return invalid(in)
}

func classifyFlex(in input) Verdict {
	if rule, _, ok := evaluate(colectaRules, in); ok {
		return foreign(rule)
	}
	if rule, m, ok := evaluate(flexRules, in); ok {
		return verdictFor(rule, m)
	}
	if rule, m, ok := evaluate(etiquetaRules, in); ok {
		return verdictFor(rule, m)
	}
	return invalid(in)
}

// Rederive re-applies only the rules of the given category. It backs operator corrections,
// so only FLEX and ETIQUETA are accepted.
func Rederive(raw string, category domain.Category) (Verdict, error) {
	var rules []Rule
	switch category {
	case domain.CategoryFlex:
		rules = flexRules
	case domain.CategoryEtiqueta:
		rules = etiquetaRules
	default:
		return Verdict{}, fmt.Errorf("%w: cannot rederive into %q", domain.ErrValidation, category)
	}

	in := newInput(raw)
	if in.compact == "" {
		return Verdict{}, fmt.Errorf("%w: code is required", domain.ErrValidation)
	}

	if rule, m, ok := evaluate(rules, in); ok {
		return verdictFor(rule, m), nil
	}
	return Verdict{
		Category:      category,
		CanonicalCode: in.raw,
		Outcome:       domain.OutcomeInvalid,
		Rule:          ruleNone,
	}, nil
}

// Rules lists the active rule names in evaluation order.
func Rules() []string {
	all := make([]string, 0, len(colectaRules)+len(flexRules)+len(etiquetaRules))
	for _, set := range [][]Rule{colectaRules, flexRules, etiquetaRules} {
		for _, r := range set {
			all = append(all, r.Name)
		}
	}
	return all
}

func verdictFor(rule Rule, m match) Verdict {
	outcome := domain.OutcomeOK
	if !m.valid {
		outcome = domain.OutcomeInvalid
	}
	return Verdict{
		Category:      rule.Category,
		CanonicalCode: m.code,
		Outcome:       outcome,
		Rule:          rule.Name,
	}
}

func foreign(rule Rule) Verdict {
	return Verdict{
		Category:                 rule.Category,
		Outcome:                  domain.OutcomeInvalid,
		Rule:                     rule.Name,
		RejectedAsForeignCarrier: true,
	}
}

func invalid(in input) Verdict {
	return Verdict{
		Category:      domain.CategoryInvalid,
		CanonicalCode: in.raw,
		Outcome:       domain.OutcomeInvalid,
		Rule:          ruleNone,
	}
}
