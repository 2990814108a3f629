package validator

import (
	"fmt"
	"strings"

	"heatspec/internal/domain"
)

const boundaryPlumeMM = 600

// BS5440 covers flueing and ventilation of gas appliances.
type BS5440 struct {
	env Env
}

func (BS5440) Name() string     { return NameBS5440 }
func (BS5440) Standard() string { return "BS 5440-1" }

func (v BS5440) Validate(facts []domain.Fact, decisions []domain.Decision) Result {
	r := newReport(v.env, domain.RuleReference{
		Source:      domain.SourceBSStandard,
		Standard:    v.Standard(),
		Description: "Flueing and ventilation for gas appliances",
	})
	idx := domain.IndexFacts(facts)

	if mm, f, ok := idx.Number(domain.KeyFlueTerminationMM); ok && mm < BS5440TerminationMM {
		c := r.fail(domain.SeverityCritical, "terminal clearances",
			fmt.Sprintf("Flue terminal is %gmm from an opening; at least %dmm is required", mm, BS5440TerminationMM), f)
		c.Rule1.Metric = "minimum flue termination clearance"
		c.Rule1.Value = ptr(BS5440TerminationMM)
	}

	if mm, f, ok := idx.Number(domain.KeyFlueBoundaryMM); ok && mm < boundaryPlumeMM {
		r.fail(domain.SeverityWarning, "terminal clearances",
			fmt.Sprintf("Flue terminal is %gmm from the boundary; plume may cause nuisance to neighbours", mm), f)
		r.recommend("Fit a plume management kit to direct condensate plume away from the boundary")
	}

	flue, hasFlue := idx.Latest(domain.KeyFlueType)
	if hasFlue && isOpenFlue(flue) {
		r.recommend("Carry out a spillage test on the open-flued appliance (fact %s)", flue.ID)
	}
	if hasFlue {
		if _, ok := idx.Latest(domain.KeyFlueLengthM); !ok {
			r.warn("Flue route length not recorded")
		}
	}
	return r.result()
}

func isOpenFlue(f domain.Fact) bool {
	t := strings.ToLower(f.Text())
	return strings.Contains(t, "open") && !strings.Contains(t, "room sealed") && !strings.Contains(t, "room-sealed")
}
