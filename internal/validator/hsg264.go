package validator

import (
	"fmt"
	"math"

	"heatspec/internal/domain"
)

const (
	minSupplyPressureMbar  = 17
	normalLowPressureMbar  = 19
	normalHighPressureMbar = 23
	highPressureMbar       = 25
	smallRoomVolumeM3      = 5
	ventilationFreeKW      = 7
	ventilationCM2PerKW    = 5
	largePipeLoadKW        = 30
	mediumPipeLoadKW       = 24
	longPipeRunM           = 20
	mediumPipeRunM         = 10
)

// HSG264 covers gas supply safety guidance.
type HSG264 struct {
	env Env
}

func (HSG264) Name() string     { return NameHSG264 }
func (HSG264) Standard() string { return "HSG264" }

func (v HSG264) Validate(facts []domain.Fact, decisions []domain.Decision) Result {
	r := newReport(v.env, domain.RuleReference{
		Source:      domain.SourceHSGGuidance,
		Standard:    v.Standard(),
		Description: "Gas supply safety guidance",
	})
	idx := domain.IndexFacts(facts)

	if accessible, f, ok := idx.Bool(domain.KeyGasMeterAccessible); ok && !accessible {
		r.fail(domain.SeverityCritical, "meter access", "Gas meter is not accessible for isolation and testing", f)
	} else if !ok && f.ID != "" {
		r.unreadable("Gas meter access", f)
	}

	v.checkPipeSizing(r, idx)

	if mbar, f, ok := idx.Number(domain.KeySupplyPressureMbar); !ok && f.ID != "" {
		r.unreadable("Gas supply pressure", f)
	} else if ok {
		switch {
		case mbar < minSupplyPressureMbar:
			c := r.fail(domain.SeverityCritical, "supply pressure",
				fmt.Sprintf("Gas supply pressure %g mbar is below the %d mbar minimum", mbar, minSupplyPressureMbar), f)
			c.Rule1.Metric = "minimum supply pressure"
			c.Rule1.Value = ptr(minSupplyPressureMbar)
			r.recommend("Report low pressure to the gas transporter before installation")
		case mbar < normalLowPressureMbar:
			r.warn("Gas supply pressure %g mbar is below the normal %d-%d mbar range", mbar, normalLowPressureMbar, normalHighPressureMbar)
		case mbar > normalHighPressureMbar:
			r.warn("Gas supply pressure %g mbar is above the normal %d-%d mbar range", mbar, normalLowPressureMbar, normalHighPressureMbar)
			if mbar > highPressureMbar {
				r.warn("Gas supply pressure %g mbar exceeds %d mbar; check the meter regulator", mbar, highPressureMbar)
			}
		}
	}

	if flue, ok := idx.Latest(domain.KeyFlueType); ok && isOpenFlue(flue) {
		v.checkVentilation(r, idx, flue)
	}

	if vol, _, ok := idx.Number(domain.KeyRoomVolumeM3); ok && vol < smallRoomVolumeM3 {
		r.warn("Appliance room volume %g m³ is under %d m³; check ventilation and service access", vol, smallRoomVolumeM3)
	}
	return r.result()
}

// checkPipeSizing flags a supply pipe smaller than the load and run suggest.
func (v HSG264) checkPipeSizing(r *report, idx domain.FactIndex) {
	size, sf, ok := idx.Number(domain.KeyGasPipeSizeMM)
	if !ok {
		if sf.ID != "" {
			r.unreadable("Gas pipe sizing", sf)
		}
		return
	}
	kw, _, ok := idx.Number(domain.KeyBoilerOutputKW)
	if !ok {
		if kw, _, ok = idx.Number(domain.KeyHeatLossKW); !ok {
			return
		}
	}
	run, _, _ := idx.Number(domain.KeyGasPipeRunM)
	required := 22.0
	if kw > largePipeLoadKW || (kw > mediumPipeLoadKW && run > mediumPipeRunM) || run > longPipeRunM {
		required = 28
	}
	if size >= required {
		return
	}
	r.warn("Gas pipe %gmm is likely undersized for %gkW over %gm; %gmm recommended", size, kw, run, required)
	r.recommend("Measure working pressure at the appliance inlet under full load (fact %s)", sf.ID)
}

// checkVentilation applies the open-flue combustion air allowance of 5cm² per kW above 7kW.
func (v HSG264) checkVentilation(r *report, idx domain.FactIndex, flue domain.Fact) {
	kw, _, ok := idx.Number(domain.KeyBoilerOutputKW)
	if !ok {
		r.warn("Open-flued appliance output not recorded; ventilation requirement cannot be calculated")
		return
	}
	required := math.Max(0, (kw-ventilationFreeKW)*ventilationCM2PerKW)
	if required == 0 {
		return
	}
	area, af, ok := idx.Number(domain.KeyVentilationCM2)
	if !ok {
		r.warn("Open-flued appliance requires %gcm² permanent ventilation; none recorded", required)
		return
	}
	if area < required {
		c := r.fail(domain.SeverityCritical, "combustion air",
			fmt.Sprintf("Ventilation %gcm² is below the %gcm² required for a %gkW open-flued appliance", area, required, kw), af, flue)
		c.Rule1.Metric = "minimum ventilation area"
		c.Rule1.Value = ptr(required)
	}
}
