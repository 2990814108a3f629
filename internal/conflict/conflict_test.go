package conflict_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/conflict"
	"heatspec/internal/domain"
)

func newEngine() conflict.Engine {
	n := 0
	e := conflict.NewEngine()
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	e.NewID = func() string {
		n++
		return fmt.Sprintf("c-%d", n)
	}
	return e
}

func fact(id string, k domain.FactKey, v any, confidence int) domain.Fact {
	return domain.Fact{ID: id, JobGraphID: "jg-1", Category: k.Category, Key: k.Key, Value: v, Confidence: confidence}
}

// criticalFacts satisfies every critical fact key so tests see only the conflicts they set up.
func criticalFacts() []domain.Fact {
	var out []domain.Fact
	for _, k := range domain.CriticalFactKeys {
		out = append(out, fact("crit-"+k.Key, k, "recorded", 90))
	}
	return out
}

func num(v float64) *float64 { return &v }

func TestCompareRestrictiveness(t *testing.T) {
	rule := func(metric string, v float64) domain.RuleReference {
		return domain.RuleReference{Metric: metric, Value: num(v)}
	}
	cases := []struct {
		name string
		r1   domain.RuleReference
		r2   domain.RuleReference
		want conflict.Comparison
	}{
		{"larger clearance is stricter", rule("clearance from window", 500), rule("clearance from window", 300), conflict.FirstMoreRestrictive},
		{"smaller maximum is stricter", rule("maximum flue length", 10), rule("maximum flue length", 6), conflict.SecondMoreRestrictive},
		{"equal", rule("minimum pressure", 1), rule("minimum pressure", 1), conflict.EquallyRestrictive},
		{"unknown metric", rule("colour", 1), rule("colour", 2), conflict.Incomparable},
		{"missing value", domain.RuleReference{Metric: "minimum pressure"}, rule("minimum pressure", 2), conflict.Incomparable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, conflict.CompareRestrictiveness(tc.r1, tc.r2, conflict.ComparisonContext{}))
		})
	}
}

func TestCompareRestrictivenessContextOverrides(t *testing.T) {
	r1 := domain.RuleReference{Source: domain.SourceManufacturerInstructions}
	r2 := domain.RuleReference{Source: domain.SourceBuildingRegulations}
	got := conflict.CompareRestrictiveness(r1, r2, conflict.ComparisonContext{Metric: "clearance", Value1: num(200), Value2: num(300)})
	assert.Equal(t, conflict.SecondMoreRestrictive, got)
}

func TestApplyMIPrecedence(t *testing.T) {
	mi := domain.RuleReference{Source: domain.SourceManufacturerInstructions, Standard: "MI", Metric: "clearance", Value: num(500)}
	regs := domain.RuleReference{Source: domain.SourceBuildingRegulations, Standard: "Approved Document J", Metric: "clearance", Value: num(300)}

	res := conflict.ApplyMIPrecedence(regs, mi, conflict.ComparisonContext{})
	assert.False(t, res.FirstWins)
	assert.True(t, res.MIApplied)
	assert.Equal(t, domain.SourceManufacturerInstructions, res.Winner.Source)
	assert.Contains(t, res.Reasoning, "Manufacturer Instructions take precedence")

	stricterRegs := regs
	stricterRegs.Value = num(800)
	res = conflict.ApplyMIPrecedence(mi, stricterRegs, conflict.ComparisonContext{})
	assert.False(t, res.MIApplied)
	assert.Equal(t, domain.SourceBuildingRegulations, res.Winner.Source)

	noValues := conflict.ApplyMIPrecedence(domain.RuleReference{Source: domain.SourceBuildingRegulations},
		domain.RuleReference{Source: domain.SourceManufacturerInstructions}, conflict.ComparisonContext{})
	assert.True(t, noValues.MIApplied)
	assert.Equal(t, conflict.Incomparable, noValues.Comparison)

	neither := conflict.ApplyMIPrecedence(domain.RuleReference{Standard: "A"}, domain.RuleReference{Standard: "B"}, conflict.ComparisonContext{})
	assert.True(t, neither.FirstWins)
	assert.False(t, neither.MIApplied)
}

func miRegsDecisions() (domain.Decision, domain.Decision) {
	mi := domain.Decision{
		ID: "d-mi", DecisionType: domain.DecisionSpecification, Decision: "Terminal 500mm from window",
		RuleApplied:     &domain.RuleReference{Source: domain.SourceManufacturerInstructions, Standard: "MI", Metric: "clearance", Value: num(500)},
		EvidenceFactIDs: []string{"f-2"},
	}
	regs := domain.Decision{
		ID: "d-regs", DecisionType: domain.DecisionSpecification, Decision: "Terminal 300mm from window",
		RuleApplied:     &domain.RuleReference{Source: domain.SourceBuildingRegulations, Standard: "ADJ", Metric: "clearance", Value: num(300)},
		EvidenceFactIDs: []string{"f-1", "f-2"},
	}
	return mi, regs
}

func TestDetectMIvsRegsAutoResolves(t *testing.T) {
	mi, regs := miRegsDecisions()
	det := newEngine().DetectConflicts("jg-1", criticalFacts(), []domain.Decision{regs, mi})

	assert.Empty(t, det.Conflicts)
	require.Len(t, det.ResolvedConflicts, 1)
	c := det.ResolvedConflicts[0]
	assert.Equal(t, domain.ConflictMIvsRegs, c.ConflictType)
	assert.Equal(t, domain.SeverityInfo, c.Severity)
	assert.Equal(t, "jg-1", c.JobGraphID)
	require.NotNil(t, c.ResolvedAt)
	assert.Equal(t, domain.SourceManufacturerInstructions, c.Rule1.Source)
	assert.Equal(t, []string{"d-mi", "d-regs"}, c.AffectedDecisionIDs)
	assert.Equal(t, []string{"f-1", "f-2"}, c.AffectedFactIDs)
	assert.Contains(t, c.Resolution, "d-mi")
	assert.False(t, conflict.IsBlocking(c))
	assert.Equal(t, 1, det.Summary.Resolved)
}

func TestDetectMIvsRegsDifferentTypesIgnored(t *testing.T) {
	mi, regs := miRegsDecisions()
	regs.DecisionType = domain.DecisionCompliance
	det := newEngine().DetectConflicts("jg-1", criticalFacts(), []domain.Decision{mi, regs})
	assert.Empty(t, det.All())
}

func TestRestrictivenessPolicyFlagsStricterRegs(t *testing.T) {
	mi, regs := miRegsDecisions()
	regs.RuleApplied.Value = num(900)
	e := newEngine()
	e.Policy = conflict.PrecedenceRestrictiveness
	det := e.DetectConflicts("jg-1", criticalFacts(), []domain.Decision{mi, regs})
	require.Len(t, det.ResolvedConflicts, 1)
	c := det.ResolvedConflicts[0]
	assert.Equal(t, domain.SeverityWarning, c.Severity)
	assert.Contains(t, c.Resolution, "d-regs")
}

func TestDetectFactContradictions(t *testing.T) {
	facts := append(criticalFacts(),
		fact("f-a", domain.KeyMainsPressureBar, 2.5, 90),
		fact("f-b", domain.KeyMainsPressureBar, 1.5, 60),
		fact("f-c", domain.KeyFlueType, "balanced", 30),
		fact("f-d", domain.KeyFlueType, "open", 40),
		fact("f-e", domain.KeyRoomVolumeM3, 12, 80),
		fact("f-f", domain.KeyRoomVolumeM3, 12, 70),
	)
	det := newEngine().DetectConflicts("jg-1", facts, nil)
	require.Len(t, det.Conflicts, 2)
	assert.Equal(t, domain.SeverityCritical, det.Conflicts[0].Severity)
	assert.Equal(t, []string{"f-a", "f-b"}, det.Conflicts[0].AffectedFactIDs)
	assert.Contains(t, det.Conflicts[0].Description, "water.mains_pressure_bar")
	assert.Equal(t, domain.SeverityWarning, det.Conflicts[1].Severity)
}

func TestDetectMissingCriticalData(t *testing.T) {
	det := newEngine().DetectConflicts("jg-1", nil, nil)
	require.Len(t, det.Conflicts, len(domain.CriticalFactKeys))
	for _, c := range det.Conflicts {
		assert.Equal(t, domain.ConflictMissingData, c.ConflictType)
		assert.True(t, c.Blocking())
	}
	assert.Equal(t, len(domain.CriticalFactKeys), det.Summary.Blocking)
	assert.Equal(t, len(domain.CriticalFactKeys), det.Summary.ByType[domain.ConflictMissingData])
}

func TestDetectIncompatibilities(t *testing.T) {
	cases := []struct {
		name     string
		decision string
		fuse     any
		count    int
	}{
		{"60A", "Install air source heat pump", 60.0, 1},
		{"100A", "Install air source heat pump", 100.0, 0},
		{"mixed case", "Install Heat Pump", 60.0, 1},
		{"fuse with unit", "Install air source heat pump", "60A", 1},
		{"fuse with spaced unit", "Install air source heat pump", "100 A", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hp := domain.Decision{ID: "d-hp", DecisionType: domain.DecisionSystemSelection, Decision: tc.decision}
			facts := criticalFacts()
			facts[2] = fact("f-fuse", domain.KeyMainFuseRating, tc.fuse, 95)
			det := newEngine().DetectConflicts("jg-1", facts, []domain.Decision{hp})
			require.Len(t, det.Conflicts, tc.count)
			if tc.count > 0 {
				c := det.Conflicts[0]
				assert.Equal(t, domain.ConflictIncompatibility, c.ConflictType)
				assert.Equal(t, domain.SeverityCritical, c.Severity)
				assert.Equal(t, []string{"d-hp"}, c.AffectedDecisionIDs)
				assert.Equal(t, []string{"f-fuse"}, c.AffectedFactIDs)
			}
		})
	}
}

func TestDetectUnreadableFuseWarns(t *testing.T) {
	hp := domain.Decision{ID: "d-hp", DecisionType: domain.DecisionSystemSelection, Decision: "Install air source heat pump"}
	facts := criticalFacts()
	facts[2] = fact("f-fuse", domain.KeyMainFuseRating, "cutout label unreadable", 95)
	det := newEngine().DetectConflicts("jg-1", facts, []domain.Decision{hp})
	require.Len(t, det.Conflicts, 1)
	c := det.Conflicts[0]
	assert.Equal(t, domain.ConflictMissingData, c.ConflictType)
	assert.Equal(t, domain.SeverityWarning, c.Severity)
	assert.Contains(t, c.Description, "could not be read")
	assert.Equal(t, []string{"f-fuse"}, c.AffectedFactIDs)
	assert.Equal(t, 0, det.Summary.Critical)
	assert.Equal(t, 1, det.Summary.Warning)
}

func TestDetectCombiLowPressure(t *testing.T) {
	combi := domain.Decision{ID: "d-c", DecisionType: domain.DecisionSystemSelection, Decision: "Install Combi boiler"}
	facts := append(criticalFacts(), fact("f-p", domain.KeyMainsPressureBar, 0.8, 90))
	det := newEngine().DetectConflicts("jg-1", facts, []domain.Decision{combi})
	require.Len(t, det.Conflicts, 1)
	assert.Equal(t, domain.SeverityWarning, det.Conflicts[0].Severity)
	assert.Empty(t, conflict.BlockingConflicts(det.Conflicts))
}

func TestSummarize(t *testing.T) {
	resolved := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := conflict.Summarize([]domain.Conflict{
		{ConflictType: domain.ConflictMissingData, Severity: domain.SeverityCritical},
		{ConflictType: domain.ConflictMissingData, Severity: domain.SeverityCritical, ResolvedAt: &resolved},
		{ConflictType: domain.ConflictMIvsRegs, Severity: domain.SeverityInfo, ResolvedAt: &resolved},
		{ConflictType: domain.ConflictValidationFailure, Severity: domain.SeverityWarning},
	})
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Critical)
	assert.Equal(t, 1, s.Warning)
	assert.Equal(t, 1, s.Info)
	assert.Equal(t, 2, s.Resolved)
	assert.Equal(t, 1, s.Blocking)
	assert.Equal(t, 2, s.ByType[domain.ConflictMissingData])
	assert.Len(t, conflict.BlockingConflicts([]domain.Conflict{{Severity: domain.SeverityCritical}}), 1)
}
