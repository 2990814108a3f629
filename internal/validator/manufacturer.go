package validator

import (
	"fmt"

	"heatspec/internal/conflict"
	"heatspec/internal/domain"
)

// BS5440TerminationMM is the general flue terminal clearance from openings.
const BS5440TerminationMM = 300

// ManufacturerInstructions checks the appliance's installation manual requirements.
type ManufacturerInstructions struct {
	env Env
}

func (ManufacturerInstructions) Name() string     { return NameManufacturerInstructions }
func (ManufacturerInstructions) Standard() string { return "Manufacturer Installation Instructions" }

var clearanceChecks = []struct {
	actual, minimum domain.FactKey
	label           string
}{
	{domain.KeyClearanceTopMM, domain.KeyMIMinClearanceTop, "top"},
	{domain.KeyClearanceSideMM, domain.KeyMIMinClearanceSide, "side"},
	{domain.KeyClearanceFrontMM, domain.KeyMIMinClearanceFrnt, "front"},
}

func (v ManufacturerInstructions) Validate(facts []domain.Fact, decisions []domain.Decision) Result {
	r := newReport(v.env, domain.RuleReference{
		Source:          domain.SourceManufacturerInstructions,
		Standard:        v.Standard(),
		Description:     "Appliance manufacturer's installation requirements",
		Restrictiveness: domain.MoreRestrictive,
	})
	idx := domain.IndexFacts(facts)

	documented, docFact, ok := idx.Bool(domain.KeyMIDocumented)
	switch {
	case ok && !documented:
		r.fail(domain.SeverityWarning, "documentation", "Manufacturer installation instructions recorded as unavailable", docFact)
		r.recommend("Obtain the manufacturer's installation manual before finalising the specification")
	case !ok && !citesSource(decisions, domain.SourceManufacturerInstructions):
		r.warn("Manufacturer installation instructions not documented for the proposed appliance")
		r.recommend("Record the appliance model and attach its installation manual")
	}

	for _, chk := range clearanceChecks {
		actual, af, hasActual := idx.Number(chk.actual)
		minimum, mf, hasMin := idx.Number(chk.minimum)
		switch {
		case hasActual && hasMin && actual < minimum:
			c := r.fail(domain.SeverityCritical, "clearances",
				fmt.Sprintf("%s clearance %gmm is below the manufacturer minimum of %gmm", chk.label, actual, minimum), af, mf)
			c.Rule1.Metric = fmt.Sprintf("minimum %s clearance", chk.label)
			c.Rule1.Value = ptr(minimum)
		case hasActual && !hasMin:
			r.recommend("Confirm %s clearance of %gmm against the manufacturer minimum", chk.label, actual)
		}
	}

	if length, lf, ok := idx.Number(domain.KeyFlueLengthM); ok {
		if maxLen, mf, ok := idx.Number(domain.KeyMIMaxFlueLengthM); ok && length > maxLen {
			c := r.fail(domain.SeverityCritical, "flue",
				fmt.Sprintf("Flue length %gm exceeds the manufacturer maximum of %gm", length, maxLen), lf, mf)
			c.Rule1.Metric = "maximum flue length"
			c.Rule1.Value = ptr(maxLen)
		}
	}

	v.checkTermination(r, idx)

	if mains, wf, ok := idx.Number(domain.KeyMainsPressureBar); ok {
		if minBar, mf, ok := idx.Number(domain.KeyMIMinWaterPressure); ok && mains < minBar {
			c := r.fail(domain.SeverityCritical, "water supply",
				fmt.Sprintf("Mains pressure %g bar is below the manufacturer minimum of %g bar", mains, minBar), wf, mf)
			c.Rule1.Metric = "minimum water pressure"
			c.Rule1.Value = ptr(minBar)
		}
	}

	if required, rf, ok := idx.Bool(domain.KeyMIFilterRequired); ok && required {
		fitted, _, known := idx.Bool(domain.KeySystemFilterFitted)
		if !known || !fitted {
			r.warn("Manufacturer requires a system filter and none is recorded as fitted")
			r.recommend("Fit a magnetic system filter on the heating return (fact %s)", rf.ID)
		}
	}
	return r.result()
}

// checkTermination compares the MI terminal clearance with the BS 5440 default and
// records an auto-resolved mi_vs_regs conflict when the manufacturer is stricter.
func (v ManufacturerInstructions) checkTermination(r *report, idx domain.FactIndex) {
	miMin, mf, ok := idx.Number(domain.KeyMIMinTerminationMM)
	if !ok {
		return
	}
	const metric = "minimum flue termination clearance"
	miRule := domain.RuleReference{
		Source:          domain.SourceManufacturerInstructions,
		Standard:        v.Standard(),
		Section:         "flue terminal",
		Description:     fmt.Sprintf("Terminal at least %gmm from openings", miMin),
		Restrictiveness: domain.MoreRestrictive,
		Metric:          metric,
		Value:           ptr(miMin),
	}
	regsRule := domain.RuleReference{
		Source:          domain.SourceBSStandard,
		Standard:        "BS 5440-1",
		Section:         "terminal clearances",
		Description:     fmt.Sprintf("Terminal at least %dmm from openings", BS5440TerminationMM),
		Restrictiveness: domain.LessRestrictive,
		Metric:          metric,
		Value:           ptr(BS5440TerminationMM),
	}
	if miMin > BS5440TerminationMM {
		prec := conflict.ApplyMIPrecedence(miRule, regsRule, conflict.ComparisonContext{Metric: metric})
		c := r.conflict(domain.ConflictMIvsRegs, domain.SeverityInfo, "flue terminal",
			fmt.Sprintf("Manufacturer terminal clearance %gmm is stricter than the BS 5440 default of %dmm", miMin, BS5440TerminationMM), mf)
		c.Rule1, c.Rule2 = &miRule, &regsRule
		c.Resolution = prec.Reasoning
		resolved := c.CreatedAt
		c.ResolvedAt = &resolved
	}
	actual, af, ok := idx.Number(domain.KeyFlueTerminationMM)
	if !ok || actual >= miMin {
		return
	}
	desc := fmt.Sprintf("Flue terminal clearance %gmm is below the manufacturer minimum of %gmm", actual, miMin)
	if actual >= BS5440TerminationMM {
		desc += fmt.Sprintf(" (it would satisfy the BS 5440 %dmm default)", BS5440TerminationMM)
	}
	c := r.fail(domain.SeverityCritical, "flue terminal", desc, af, mf)
	c.Rule1.Metric = metric
	c.Rule1.Value = ptr(miMin)
}
