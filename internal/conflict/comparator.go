package conflict

import (
	"fmt"
	"strings"

	"heatspec/internal/domain"
)

// Comparison says which of two rules is more restrictive.
type Comparison string

const (
	FirstMoreRestrictive  Comparison = "first"
	SecondMoreRestrictive Comparison = "second"
	EquallyRestrictive    Comparison = "equal"
	Incomparable          Comparison = "unknown"
)

// ComparisonContext carries the metric and values being compared.
// Unset values fall back to the rules' own Metric and Value.
type ComparisonContext struct {
	Metric string
	Value1 *float64
	Value2 *float64
}

// CompareRestrictiveness compares two numeric rule values. For clearance and minimum
// metrics the larger value is stricter; for maximum and limit metrics the smaller is.
func CompareRestrictiveness(rule1, rule2 domain.RuleReference, ctx ComparisonContext) Comparison {
	metric := ctx.Metric
	if metric == "" {
		metric = rule1.Metric
	}
	if metric == "" {
		metric = rule2.Metric
	}
	v1, v2 := ctx.Value1, ctx.Value2
	if v1 == nil {
		v1 = rule1.Value
	}
	if v2 == nil {
		v2 = rule2.Value
	}
	if v1 == nil || v2 == nil {
		return Incomparable
	}
	var largerIsStricter bool
	m := strings.ToLower(metric)
	switch {
	case strings.Contains(m, "clearance") || strings.Contains(m, "minimum"):
		largerIsStricter = true
	case strings.Contains(m, "maximum") || strings.Contains(m, "limit"):
		largerIsStricter = false
	default:
		return Incomparable
	}
	switch {
	case *v1 == *v2:
		return EquallyRestrictive
	case (*v1 > *v2) == largerIsStricter:
		return FirstMoreRestrictive
	default:
		return SecondMoreRestrictive
	}
}

// PrecedenceResult is the outcome of ApplyMIPrecedence.
type PrecedenceResult struct {
	Winner     domain.RuleReference `json:"winner"`
	Loser      domain.RuleReference `json:"loser"`
	FirstWins  bool                 `json:"first_wins"`
	MIApplied  bool                 `json:"mi_applied"`
	Comparison Comparison           `json:"comparison"`
	Reasoning  string               `json:"reasoning"`
}

// ApplyMIPrecedence picks the governing rule. When exactly one side is manufacturer
// instructions, MI wins unless the other rule is measurably stricter. Otherwise the
// stricter rule wins and ties keep the first rule.
func ApplyMIPrecedence(rule1, rule2 domain.RuleReference, ctx ComparisonContext) PrecedenceResult {
	cmp := CompareRestrictiveness(rule1, rule2, ctx)
	mi1 := rule1.Source == domain.SourceManufacturerInstructions
	mi2 := rule2.Source == domain.SourceManufacturerInstructions
	res := PrecedenceResult{Comparison: cmp}
	pick := func(first bool) {
		res.FirstWins = first
		if first {
			res.Winner, res.Loser = rule1, rule2
		} else {
			res.Winner, res.Loser = rule2, rule1
		}
	}

	if mi1 != mi2 {
		miFirst := mi1
		otherStricter := (miFirst && cmp == SecondMoreRestrictive) || (!miFirst && cmp == FirstMoreRestrictive)
		if !otherStricter {
			pick(miFirst)
			res.MIApplied = true
			switch cmp {
			case Incomparable:
				res.Reasoning = fmt.Sprintf("Manufacturer Instructions take precedence over %s (restrictiveness not measurable)", label(res.Loser))
			case EquallyRestrictive:
				res.Reasoning = fmt.Sprintf("Manufacturer Instructions take precedence over %s (equally restrictive)", label(res.Loser))
			default:
				res.Reasoning = fmt.Sprintf("Manufacturer Instructions take precedence: more restrictive than %s", label(res.Loser))
			}
			return res
		}
		pick(!miFirst)
		res.Reasoning = fmt.Sprintf("%s is more restrictive than the Manufacturer Instructions and governs", label(res.Winner))
		return res
	}

	switch cmp {
	case FirstMoreRestrictive:
		pick(true)
		res.Reasoning = fmt.Sprintf("%s is the more restrictive rule", label(res.Winner))
	case SecondMoreRestrictive:
		pick(false)
		res.Reasoning = fmt.Sprintf("%s is the more restrictive rule", label(res.Winner))
	default:
		pick(true)
		res.Reasoning = fmt.Sprintf("No measurable difference; %s retained", label(res.Winner))
	}
	res.MIApplied = mi1 && mi2
	return res
}

func label(r domain.RuleReference) string {
	name := r.Standard
	if name == "" {
		name = string(r.Source)
	}
	if r.Section != "" {
		name += " " + r.Section
	}
	return name
}
