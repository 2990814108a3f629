package conflict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"heatspec/internal/domain"
)

// PrecedencePolicy selects how the MI-vs-Regs detector settles a pair of decisions.
type PrecedencePolicy string

const (
	// PrecedenceUnconditional always favours the manufacturer-instructions decision.
	PrecedenceUnconditional PrecedencePolicy = "unconditional"
	// PrecedenceRestrictiveness compares numeric rule values first and falls back to
	// unconditional precedence when the rules cannot be compared.
	PrecedenceRestrictiveness PrecedencePolicy = "restrictiveness"
)

const (
	heatPumpMinFuseAmps      = 80
	combiMinMainsPressureBar = 1.0
	lowConfidenceCeiling     = 50
)

// Engine detects conflicts among facts and decisions. Detection is repeated from
// scratch on every pass.
type Engine struct {
	Now    func() time.Time
	NewID  func() string
	Policy PrecedencePolicy
}

func NewEngine() Engine {
	return Engine{Now: time.Now, NewID: domain.NewID, Policy: PrecedenceUnconditional}
}

type Summary struct {
	Total    int                         `json:"total"`
	Critical int                         `json:"critical"`
	Warning  int                         `json:"warning"`
	Info     int                         `json:"info"`
	Resolved int                         `json:"resolved"`
	Blocking int                         `json:"blocking"`
	ByType   map[domain.ConflictType]int `json:"by_type"`
}

// Detection holds unresolved conflicts and auto-resolved ones separately.
type Detection struct {
	Conflicts         []domain.Conflict `json:"conflicts"`
	ResolvedConflicts []domain.Conflict `json:"resolved_conflicts"`
	Summary           Summary           `json:"summary"`
}

// All returns unresolved conflicts followed by resolved ones.
func (d Detection) All() []domain.Conflict {
	out := make([]domain.Conflict, 0, len(d.Conflicts)+len(d.ResolvedConflicts))
	out = append(out, d.Conflicts...)
	return append(out, d.ResolvedConflicts...)
}

// DetectConflicts runs every detector over the current facts and decisions.
func (e Engine) DetectConflicts(jobGraphID string, facts []domain.Fact, decisions []domain.Decision) Detection {
	var found []domain.Conflict
	found = append(found, e.detectMIvsRegs(decisions)...)
	found = append(found, e.detectFactContradictions(facts)...)
	found = append(found, e.detectMissingCriticalData(facts)...)
	found = append(found, e.detectIncompatibilities(facts, decisions)...)

	var det Detection
	for _, c := range found {
		c.JobGraphID = jobGraphID
		if c.ResolvedAt != nil {
			det.ResolvedConflicts = append(det.ResolvedConflicts, c)
		} else {
			det.Conflicts = append(det.Conflicts, c)
		}
	}
	det.Summary = Summarize(found)
	return det
}

// IsBlocking reports whether c is critical and unresolved.
func IsBlocking(c domain.Conflict) bool { return c.Blocking() }

// BlockingConflicts returns only the blocking conflicts.
func BlockingConflicts(conflicts []domain.Conflict) []domain.Conflict {
	var out []domain.Conflict
	for _, c := range conflicts {
		if IsBlocking(c) {
			out = append(out, c)
		}
	}
	return out
}

// Summarize counts conflicts by severity and type.
func Summarize(conflicts []domain.Conflict) Summary {
	s := Summary{Total: len(conflicts), ByType: map[domain.ConflictType]int{}}
	for _, c := range conflicts {
		switch c.Severity {
		case domain.SeverityCritical:
			s.Critical++
		case domain.SeverityWarning:
			s.Warning++
		case domain.SeverityInfo:
			s.Info++
		}
		if c.ResolvedAt != nil {
			s.Resolved++
		}
		if c.Blocking() {
			s.Blocking++
		}
		s.ByType[c.ConflictType]++
	}
	return s
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newConflict(t domain.ConflictType, sev domain.Severity, desc string) domain.Conflict {
	newID := domain.NewID
	if e.NewID != nil {
		newID = e.NewID
	}
	return domain.Conflict{
		ID:                  newID(),
		ConflictType:        t,
		Severity:            sev,
		Description:         desc,
		AffectedFactIDs:     []string{},
		AffectedDecisionIDs: []string{},
		CreatedAt:           e.now(),
	}
}

func (e Engine) detectMIvsRegs(decisions []domain.Decision) []domain.Conflict {
	groups := map[domain.DecisionType][]domain.Decision{}
	var order []domain.DecisionType
	for _, d := range decisions {
		if _, ok := groups[d.DecisionType]; !ok {
			order = append(order, d.DecisionType)
		}
		groups[d.DecisionType] = append(groups[d.DecisionType], d)
	}
	var out []domain.Conflict
	for _, t := range order {
		group := groups[t]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				mi, regs, ok := miRegsPair(group[i], group[j])
				if !ok {
					continue
				}
				out = append(out, e.settleMIvsRegs(t, mi, regs))
			}
		}
	}
	return out
}

func miRegsPair(a, b domain.Decision) (mi, regs domain.Decision, ok bool) {
	switch {
	case a.CitesSource(domain.SourceManufacturerInstructions) && b.CitesSource(domain.SourceBuildingRegulations):
		return a, b, true
	case b.CitesSource(domain.SourceManufacturerInstructions) && a.CitesSource(domain.SourceBuildingRegulations):
		return b, a, true
	}
	return domain.Decision{}, domain.Decision{}, false
}

func (e Engine) settleMIvsRegs(t domain.DecisionType, mi, regs domain.Decision) domain.Conflict {
	c := e.newConflict(domain.ConflictMIvsRegs, domain.SeverityInfo, fmt.Sprintf(
		"%s decisions disagree: %q follows Manufacturer Instructions, %q follows Building Regulations",
		t, mi.Decision, regs.Decision))
	miRule, regsRule := *mi.RuleApplied, *regs.RuleApplied
	c.Rule1, c.Rule2 = &miRule, &regsRule
	c.AffectedDecisionIDs = []string{mi.ID, regs.ID}
	c.AffectedFactIDs = mergeIDs(mi.EvidenceFactIDs, regs.EvidenceFactIDs)
	resolved := e.now()
	c.ResolvedAt = &resolved

	c.Resolution = fmt.Sprintf("Manufacturer Instructions take precedence: decision %s (%q) applies", mi.ID, mi.Decision)
	if e.Policy != PrecedenceRestrictiveness {
		return c
	}
	res := ApplyMIPrecedence(miRule, regsRule, ComparisonContext{})
	switch {
	case res.Comparison == Incomparable:
	case res.MIApplied:
		c.Resolution = fmt.Sprintf("%s: decision %s (%q) applies", res.Reasoning, mi.ID, mi.Decision)
	default:
		c.Severity = domain.SeverityWarning
		c.Resolution = fmt.Sprintf("%s: decision %s (%q) applies", res.Reasoning, regs.ID, regs.Decision)
	}
	return c
}

func (e Engine) detectFactContradictions(facts []domain.Fact) []domain.Conflict {
	groups := map[domain.FactKey][]domain.Fact{}
	var order []domain.FactKey
	for _, f := range facts {
		k := f.Subject()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], f)
	}
	var out []domain.Conflict
	for _, k := range order {
		group := groups[k]
		values := map[string]bool{}
		var distinct []string
		maxConfidence := 0
		for _, f := range group {
			v := f.SerializedValue()
			if !values[v] {
				values[v] = true
				distinct = append(distinct, v)
			}
			maxConfidence = max(maxConfidence, f.Confidence)
		}
		if len(distinct) < 2 {
			continue
		}
		sev := domain.SeverityCritical
		if maxConfidence < lowConfidenceCeiling {
			sev = domain.SeverityWarning
		}
		c := e.newConflict(domain.ConflictFactContradiction, sev,
			fmt.Sprintf("Contradictory values recorded for %s: %s", k, strings.Join(distinct, ", ")))
		for _, f := range group {
			c.AffectedFactIDs = append(c.AffectedFactIDs, f.ID)
		}
		out = append(out, c)
	}
	return out
}

func (e Engine) detectMissingCriticalData(facts []domain.Fact) []domain.Conflict {
	idx := domain.IndexFacts(facts)
	var out []domain.Conflict
	for _, k := range domain.CriticalFactKeys {
		if len(idx[k]) > 0 {
			continue
		}
		out = append(out, e.newConflict(domain.ConflictMissingData, domain.SeverityCritical,
			fmt.Sprintf("Missing critical data: %s", k)))
	}
	return out
}

func (e Engine) detectIncompatibilities(facts []domain.Fact, decisions []domain.Decision) []domain.Conflict {
	idx := domain.IndexFacts(facts)
	var out []domain.Conflict
	for _, d := range decisions {
		if d.DecisionType != domain.DecisionSystemSelection {
			continue
		}
		text := strings.ToLower(d.Decision)
		if strings.Contains(text, "heat pump") {
			amps, f, ok := idx.Number(domain.KeyMainFuseRating)
			if !ok && f.ID != "" {
				c := e.newConflict(domain.ConflictMissingData, domain.SeverityWarning, fmt.Sprintf(
					"Heat pump selected but main fuse rating %q could not be read; supply capacity not evaluated", f.Text()))
				c.AffectedDecisionIDs = []string{d.ID}
				c.AffectedFactIDs = []string{f.ID}
				out = append(out, c)
			}
			if ok && amps < heatPumpMinFuseAmps {
				c := e.newConflict(domain.ConflictIncompatibility, domain.SeverityCritical, fmt.Sprintf(
					"Heat pump selected but main fuse is %gA; at least %dA is required (supply upgrade or alternative system needed)", amps, heatPumpMinFuseAmps))
				c.AffectedDecisionIDs = []string{d.ID}
				c.AffectedFactIDs = []string{f.ID}
				out = append(out, c)
			}
		}
		if strings.Contains(text, "combi") {
			if bar, f, ok := idx.Number(domain.KeyMainsPressureBar); ok && bar < combiMinMainsPressureBar {
				c := e.newConflict(domain.ConflictIncompatibility, domain.SeverityWarning, fmt.Sprintf(
					"Combination boiler selected but mains pressure is %g bar; hot water performance will be poor", bar))
				c.AffectedDecisionIDs = []string{d.ID}
				c.AffectedFactIDs = []string{f.ID}
				out = append(out, c)
			}
		}
	}
	return out
}

func mergeIDs(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
