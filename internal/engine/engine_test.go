package engine_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/config"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/milestone"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	State  domain.JobGraphState
	seq    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, config.Default())
}

func newTestEnvWith(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	eng, err := engine.New(cfg)
	require.NoError(t, err)
	env := &testEnv{}
	env.Engine = eng.WithClock(
		func() time.Time { return fixedNow },
		func() string {
			env.seq++
			return fmt.Sprintf("id-%03d", env.seq)
		},
	)
	env.State = env.Engine.InitJobGraph("visit-1", "property-1")
	return env
}

func (env *testEnv) fact(k domain.FactKey, v any) domain.Fact {
	env.seq++
	return domain.Fact{
		ID:               fmt.Sprintf("fact-%03d", env.seq),
		JobGraphID:       env.State.Graph.ID,
		Category:         k.Category,
		Key:              k.Key,
		Value:            v,
		Confidence:       90,
		ExtractionMethod: domain.ExtractedByMeasurement,
		CreatedAt:        fixedNow,
	}
}

// surveyFacts covers every critical milestone with two strong facts and no validator findings.
func (env *testEnv) surveyFacts() []domain.Fact {
	other := func(c domain.FactCategory, key string) domain.FactKey { return domain.FactKey{Category: c, Key: key} }
	return []domain.Fact{
		env.fact(domain.KeyPropertyType, "semi-detached"),
		env.fact(other(domain.CategoryProperty, "bedrooms"), 3),
		env.fact(domain.KeyBoilerType, "regular"),
		env.fact(other(domain.CategoryExistingSystem, "boiler_age_years"), 14),
		env.fact(domain.KeyHeatLossKW, 8),
		env.fact(domain.KeyRoomVolumeM3, 20),
		env.fact(domain.KeyMainFuseRating, 100),
		env.fact(domain.KeyEarthingType, "TN-S"),
		env.fact(domain.KeyMIDocumented, true),
		env.fact(other(domain.CategoryRegulatory, "building_control_notified"), "yes"),
		env.fact(other(domain.CategoryHazards, "asbestos_present"), "no"),
		env.fact(other(domain.CategoryHazards, "working_at_height"), "no"),
		env.fact(domain.KeyGasMeterLocation, "external box"),
	}
}

func milestoneByKey(t *testing.T, ms []domain.Milestone, key string) domain.Milestone {
	t.Helper()
	for _, m := range ms {
		if m.Key == key {
			return m
		}
	}
	t.Fatalf("milestone %s not found", key)
	return domain.Milestone{}
}

func TestInitJobGraph(t *testing.T) {
	env := newTestEnv(t)
	st := env.State
	assert.Equal(t, "id-001", st.Graph.ID)
	assert.Equal(t, "visit-1", st.Graph.VisitID)
	assert.Equal(t, domain.JobInProgress, st.Graph.Status)
	assert.Len(t, st.Milestones, len(milestone.Standard().Keys()))
	for _, m := range st.Milestones {
		assert.Equal(t, st.Graph.ID, m.JobGraphID)
		assert.Equal(t, domain.MilestonePending, m.Status)
	}
	assert.NotNil(t, st.Facts)
	assert.NotNil(t, st.Conflicts)
}

func TestEmptyJobIsBlockedOnMissingData(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)

	assert.Equal(t, domain.JobBlocked, out.State.Graph.Status)
	assert.Len(t, out.Completeness.MissingCriticalFacts, len(domain.CriticalFactKeys))
	assert.Contains(t, out.Completeness.MissingCriticalFacts, "electrical.main_fuse_rating")
	assert.Equal(t, len(domain.CriticalFactKeys), out.Summary.CriticalConflicts)
	assert.False(t, out.Completeness.ReadyForQuote)

	m := milestoneByKey(t, out.State.Milestones, milestone.PropertySurveyed)
	assert.Equal(t, domain.MilestoneBlocked, m.Status)
	require.Len(t, m.Blockers, len(domain.CriticalFactKeys))
	assert.True(t, strings.HasPrefix(m.Blockers[0], engine.ConflictBlockerPrefix))
}

func TestSurveyReachesReadyForOutputs(t *testing.T) {
	env := newTestEnv(t)
	env.State.Facts = env.surveyFacts()

	out, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)

	assert.Equal(t, domain.JobReadyForOutputs, out.State.Graph.Status)
	assert.Empty(t, out.Completeness.UnresolvedConflicts)
	assert.Empty(t, out.Completeness.MissingCriticalFacts)
	assert.True(t, out.Completeness.ReadyForQuote)
	assert.Equal(t, out.Completeness.ReadyForQuote, out.Completeness.ReadyForPDF)
	assert.Equal(t, out.Completeness.ReadyForQuote, out.Completeness.ReadyForPortal)

	for _, d := range milestone.Standard().CriticalDefinitions() {
		m := milestoneByKey(t, out.State.Milestones, d.Key)
		assert.Equal(t, domain.MilestoneComplete, m.Status, d.Key)
		// 50 + 30 capped high confidence facts + 20 requirements met, clamped
		assert.Equal(t, 100, m.Confidence, d.Key)
		assert.Empty(t, m.Blockers, d.Key)
		require.NotNil(t, m.CompletedAt, d.Key)
	}
	gas := milestoneByKey(t, out.State.Milestones, milestone.GasSupplyConfirmed)
	assert.Equal(t, domain.MilestoneComplete, gas.Status)
	assert.Equal(t, 100, gas.Confidence)
	water := milestoneByKey(t, out.State.Milestones, milestone.WaterSupplyConfirmed)
	assert.Equal(t, domain.MilestoneInProgress, water.Status)
	assert.Equal(t, 80, water.Confidence)
	quote := milestoneByKey(t, out.State.Milestones, milestone.QuoteOptionsGenerated)
	assert.Equal(t, domain.MilestonePending, quote.Status)

	assert.Equal(t, 8, out.Summary.CompletedMilestones)
	assert.Equal(t, 15, out.Summary.TotalMilestones)
	assert.Equal(t, 53, out.Completeness.OverallPercentage)
	assert.Equal(t, out.State.Graph.OverallConfidence, out.Summary.OverallConfidence)
	require.Len(t, out.Validation, 4)
	for _, r := range out.Validation {
		assert.True(t, r.Valid, r.Name)
	}
}

func TestMilestoneConfidenceScope(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.ConfidenceScope = string(milestone.ScopeMilestone)
	env := newTestEnvWith(t, cfg)
	env.State.Facts = env.surveyFacts()

	out, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)
	assert.Equal(t, domain.JobReadyForOutputs, out.State.Graph.Status)
	for _, d := range milestone.Standard().CriticalDefinitions() {
		m := milestoneByKey(t, out.State.Milestones, d.Key)
		assert.Equal(t, domain.MilestoneComplete, m.Status, d.Key)
		// 50 + 10 for the two facts in its category + 20 requirements met
		assert.Equal(t, 80, m.Confidence, d.Key)
	}
	gas := milestoneByKey(t, out.State.Milestones, milestone.GasSupplyConfirmed)
	assert.Equal(t, domain.MilestoneInProgress, gas.Status)
	assert.Equal(t, 75, gas.Confidence)
	assert.Equal(t, 7, out.Summary.CompletedMilestones)
	assert.Equal(t, 47, out.Completeness.OverallPercentage)
}

func TestProcessStateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.State.Facts = env.surveyFacts()
	first, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)
	second, err := env.Engine.ProcessState(first.State)
	require.NoError(t, err)

	assert.Equal(t, first.State.Milestones, second.State.Milestones)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.State.Graph, second.State.Graph)
}

func TestProcessStateDoesNotMutateInput(t *testing.T) {
	env := newTestEnv(t)
	env.State.Facts = env.surveyFacts()
	before := env.State.Milestones[0]
	_, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)
	assert.Equal(t, before, env.State.Milestones[0])
	assert.Equal(t, domain.JobInProgress, env.State.Graph.Status)
}

func heatPumpState(t *testing.T, env *testEnv, amps float64) domain.JobGraphState {
	t.Helper()
	st := env.State
	st.Facts = env.surveyFacts()
	for i, f := range st.Facts {
		if f.Is(domain.KeyMainFuseRating) {
			st.Facts[i].Value = amps
		}
	}
	d, err := env.Engine.Recorder.SystemSelection(st.Graph.ID, "air source heat pump", "low heat loss", 70, st.Facts[4].ID).
		By(domain.CreatedByEngineer).Build()
	require.NoError(t, err)
	st.Decisions = []domain.Decision{d}
	return st
}

func TestHeatPumpOnSmallFuseBlocks(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.ProcessState(heatPumpState(t, env, 60))
	require.NoError(t, err)

	assert.Equal(t, domain.JobBlocked, out.State.Graph.Status)
	var types []domain.ConflictType
	for _, c := range out.Completeness.UnresolvedConflicts {
		assert.Equal(t, out.State.Graph.ID, c.JobGraphID)
		types = append(types, c.ConflictType)
	}
	assert.ElementsMatch(t, []domain.ConflictType{domain.ConflictIncompatibility, domain.ConflictValidationFailure}, types)

	var bs7671 engine.ValidatorReport
	for _, r := range out.Validation {
		if r.Name == "bs7671" {
			bs7671 = r
		}
	}
	assert.False(t, bs7671.Valid)
	require.Len(t, bs7671.ConflictIDs, 1)

	// evidence mean 90 plus the engineer bonus, clamped
	assert.Equal(t, 100, out.State.Decisions[0].Confidence)
}

func TestHeatPumpOnFullSupplyIsReady(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.ProcessState(heatPumpState(t, env, 100))
	require.NoError(t, err)
	assert.Equal(t, domain.JobReadyForOutputs, out.State.Graph.Status)
}

func TestResolvedConflictCarriesForward(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.ProcessState(heatPumpState(t, env, 60))
	require.NoError(t, err)
	require.Equal(t, domain.JobBlocked, first.State.Graph.Status)

	st := first.State
	for _, c := range first.Completeness.UnresolvedConflicts {
		st, err = env.Engine.ResolveConflict(st, c.ID, "DNO upgrade to 100A booked")
		require.NoError(t, err)
	}
	second, err := env.Engine.ProcessState(st)
	require.NoError(t, err)
	assert.Empty(t, second.Completeness.UnresolvedConflicts)
	assert.Equal(t, domain.JobReadyForOutputs, second.State.Graph.Status)

	for _, c := range first.Completeness.UnresolvedConflicts {
		var found bool
		for _, n := range second.State.Conflicts {
			if n.ID == c.ID {
				found = true
				assert.Equal(t, "DNO upgrade to 100A booked", n.Resolution)
				assert.NotNil(t, n.ResolvedAt)
			}
		}
		assert.True(t, found, c.ID)
	}

	_, err = env.Engine.ResolveConflict(st, "missing", "x")
	assert.ErrorIs(t, err, engine.ErrUnknownConflict)
}

func TestMIvsRegsDecisionsDoNotBlock(t *testing.T) {
	env := newTestEnv(t)
	st := env.State
	st.Facts = env.surveyFacts()
	regs := domain.RuleReference{Source: domain.SourceBuildingRegulations, Standard: "Approved Document J"}
	mi := domain.RuleReference{Source: domain.SourceManufacturerInstructions, Standard: "Boiler manual"}
	miDecision, err := env.Engine.Recorder.MIPrecedence(st.Graph.ID, domain.DecisionSpecification, "Terminal 500mm from opening", mi, regs, 85).Build()
	require.NoError(t, err)
	regsDecision, err := env.Engine.Recorder.Compliance(st.Graph.ID, "Terminal 300mm from opening", regs, 85).Build()
	require.NoError(t, err)
	regsDecision.DecisionType = domain.DecisionSpecification
	st.Decisions = []domain.Decision{miDecision, regsDecision}

	out, err := env.Engine.ProcessState(st)
	require.NoError(t, err)
	assert.Equal(t, domain.JobReadyForOutputs, out.State.Graph.Status)
	require.Len(t, out.State.Conflicts, 1)
	c := out.State.Conflicts[0]
	assert.Equal(t, domain.ConflictMIvsRegs, c.ConflictType)
	assert.Contains(t, c.Resolution, miDecision.ID)
	assert.Equal(t, 20, out.State.Decisions[0].Confidence)
}

func TestUnknownMilestoneKey(t *testing.T) {
	env := newTestEnv(t)
	env.State.Milestones[3].Key = "boiler_serviced"
	_, err := env.Engine.ProcessState(env.State)
	assert.ErrorIs(t, err, milestone.ErrUnknownMilestone)
}

func TestMarkComplete(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.MarkComplete(env.State)
	assert.ErrorIs(t, err, engine.ErrNotReady)

	env.State.Facts = env.surveyFacts()
	out, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)
	done, err := env.Engine.MarkComplete(out.State)
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, done.Graph.Status)

	again, err := env.Engine.ProcessState(done)
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, again.State.Graph.Status)
}

func TestManualBlockersSurvive(t *testing.T) {
	env := newTestEnv(t)
	env.State.Facts = env.surveyFacts()
	for i := range env.State.Milestones {
		if env.State.Milestones[i].Key == milestone.HazardsIdentified {
			env.State.Milestones[i].Blockers = []string{"Asbestos survey outstanding"}
		}
	}
	out, err := env.Engine.ProcessState(env.State)
	require.NoError(t, err)
	m := milestoneByKey(t, out.State.Milestones, milestone.HazardsIdentified)
	assert.Equal(t, domain.MilestoneBlocked, m.Status)
	assert.Equal(t, []string{"Asbestos survey outstanding"}, m.Blockers)
	// 100 from the survey less 50 for the blocker
	assert.Equal(t, 50, m.Confidence)
	assert.Equal(t, domain.JobInProgress, out.State.Graph.Status)
}
