package validator

import (
	"fmt"
	"strings"

	"heatspec/internal/domain"
)

const (
	heatPumpMinFuseAmps  = 80
	heatPumpSafeFuseAmps = 100
	evChargerSafeAmps    = 100
)

// BS7671 covers the wiring regulations relevant to heating installs.
type BS7671 struct {
	env Env
}

func (BS7671) Name() string     { return NameBS7671 }
func (BS7671) Standard() string { return "BS 7671" }

func (v BS7671) Validate(facts []domain.Fact, decisions []domain.Decision) Result {
	r := newReport(v.env, domain.RuleReference{
		Source:      domain.SourceBSStandard,
		Standard:    v.Standard(),
		Description: "Requirements for electrical installations",
	})
	idx := domain.IndexFacts(facts)
	amps, fuse, hasFuse := idx.Number(domain.KeyMainFuseRating)

	hp, selected := selectsHeatPump(decisions)
	if selected && !hasFuse && fuse.ID != "" {
		r.unreadable("Heat pump supply capacity", fuse)
	}
	if selected && hasFuse {
		switch {
		case amps < heatPumpMinFuseAmps:
			c := r.fail(domain.SeverityCritical, "311.1",
				fmt.Sprintf("Main fuse %gA cannot support a heat pump; at least %dA is required", amps, heatPumpMinFuseAmps), fuse)
			c.AffectedDecisionIDs = []string{hp.ID}
			c.Rule1.Metric = "minimum main fuse rating"
			c.Rule1.Value = ptr(heatPumpMinFuseAmps)
			r.recommend("Apply to the DNO for a supply upgrade before committing to a heat pump")
		case amps < heatPumpSafeFuseAmps:
			r.warn("Main fuse %gA leaves little headroom for a heat pump; a %dA supply is preferred", amps, heatPumpSafeFuseAmps)
		}
	}

	if ev, _, ok := idx.Bool(domain.KeyEVChargerPresent); ok && ev {
		if !hasFuse && fuse.ID != "" {
			r.unreadable("EV charger demand", fuse)
		} else if !hasFuse {
			r.warn("EV charger present but main fuse rating not recorded")
		} else if amps < evChargerSafeAmps {
			r.warn("EV charger on a %gA supply; carry out a maximum demand assessment", amps)
			r.recommend("Consider load management for the EV charger")
		}
	}

	if earthing, ok := idx.Latest(domain.KeyEarthingType); ok {
		e := strings.ToUpper(earthing.Text())
		switch {
		case strings.Contains(e, "TN-C-S") || strings.Contains(e, "PME"):
			r.warn("PME (TN-C-S) earthing: outdoor equipment may need a separate earth electrode")
		case strings.Contains(e, "TT"):
			r.warn("TT earthing: RCD protection and an earth electrode resistance test are required")
			r.recommend("Record earth electrode resistance before energising new circuits")
		}
	}

	if loc, ok := idx.Latest(domain.KeyEquipmentLocation); ok && isWetLocation(loc.Text()) {
		rcd, rf, known := idx.Bool(domain.KeyRCDPresent)
		if !known || !rcd {
			affected := []domain.Fact{loc}
			if known {
				affected = append(affected, rf)
			}
			r.fail(domain.SeverityCritical, "701.411.3.3",
				fmt.Sprintf("Equipment sited in %s requires 30mA RCD protection", loc.Text()), affected...)
		}
	}

	for _, b := range []struct {
		key   domain.FactKey
		label string
	}{
		{domain.KeyGasBonding, "gas"},
		{domain.KeyWaterBonding, "water"},
	} {
		if present, _, ok := idx.Bool(b.key); ok && !present {
			r.warn("Main protective bonding to %s not present", b.label)
			r.recommend("Install main protective bonding to the incoming %s service", b.label)
		}
	}
	return r.result()
}

func isWetLocation(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "bathroom") || strings.Contains(s, "wet room") || strings.Contains(s, "shower")
}
