package app_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/app"
	"heatspec/internal/config"
	"heatspec/internal/db"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/events"
	"heatspec/internal/migrate"
	"heatspec/internal/milestone"
	"heatspec/internal/repo"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) app.Service {
	t.Helper()
	conn, err := db.Open(db.Workspace(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(config.Default())
	require.NoError(t, err)
	seq := 0
	eng = eng.WithClock(func() time.Time { return fixedNow }, func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	})
	return app.NewService(conn, eng)
}

type surveyFact struct {
	key   domain.FactKey
	value any
}

func survey(fuse float64) []surveyFact {
	other := func(c domain.FactCategory, key string) domain.FactKey { return domain.FactKey{Category: c, Key: key} }
	return []surveyFact{
		{domain.KeyPropertyType, "semi-detached"},
		{other(domain.CategoryProperty, "bedrooms"), 3},
		{domain.KeyBoilerType, "regular"},
		{other(domain.CategoryExistingSystem, "boiler_age_years"), 14},
		{domain.KeyHeatLossKW, 8},
		{domain.KeyRoomVolumeM3, 20},
		{domain.KeyMainFuseRating, fuse},
		{domain.KeyEarthingType, "TN-S"},
		{domain.KeyMIDocumented, true},
		{other(domain.CategoryRegulatory, "building_control_notified"), "yes"},
		{other(domain.CategoryHazards, "asbestos_present"), "no"},
		{other(domain.CategoryHazards, "working_at_height"), "no"},
		{domain.KeyGasMeterLocation, "external box"},
	}
}

func addSurvey(t *testing.T, svc app.Service, jobID string, fuse float64) map[string]domain.Fact {
	t.Helper()
	out := map[string]domain.Fact{}
	for _, sf := range survey(fuse) {
		f, err := svc.AddFact(context.Background(), jobID, app.FactInput{
			Category:         sf.key.Category,
			Key:              sf.key.Key,
			Value:            sf.value,
			Confidence:       90,
			ExtractionMethod: domain.ExtractedByMeasurement,
		}, "engineer-1")
		require.NoError(t, err)
		out[sf.key.String()] = f
	}
	return out
}

func TestCreateJobRejectsDuplicateVisit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	st, err := svc.CreateJob(ctx, "visit-1", "property-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Graph.Version)
	assert.Len(t, st.Milestones, 15)

	_, err = svc.CreateJob(ctx, "visit-1", "property-2", "")
	assert.ErrorIs(t, err, app.ErrDuplicate)
	_, err = svc.CreateJob(ctx, "", "property-2", "")
	assert.ErrorIs(t, err, app.ErrInvalid)

	evts, err := svc.Repo.LatestEvents(ctx, 10, st.Graph.ID, events.JobCreated, "", "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "local-user", evts[0].ActorID)
}

func TestAddFactValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	st, err := svc.CreateJob(ctx, "visit-1", "property-1", "")
	require.NoError(t, err)

	cases := map[string]app.FactInput{
		"category":   {Category: "plumbing", Key: "k", Value: 1},
		"key":        {Category: domain.CategoryGas, Value: 1},
		"value":      {Category: domain.CategoryGas, Key: "k"},
		"confidence": {Category: domain.CategoryGas, Key: "k", Value: 1, Confidence: 101},
		"method":     {Category: domain.CategoryGas, Key: "k", Value: 1, ExtractionMethod: "guess"},
		"source":     {Category: domain.CategoryGas, Key: "k", Value: 1, SourceEventID: "evt-x"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AddFact(ctx, st.Graph.ID, in, "")
			assert.ErrorIs(t, err, app.ErrInvalid)
		})
	}
	_, err = svc.AddFact(ctx, "missing", app.FactInput{Category: domain.CategoryGas, Key: "k", Value: 1}, "")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProcessResolveAndComplete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	st, err := svc.CreateJob(ctx, "visit-1", "property-1", "")
	require.NoError(t, err)
	facts := addSurvey(t, svc, st.Graph.ID, 60)

	_, warnings, err := svc.AddDecision(ctx, st.Graph.ID, app.DecisionInput{
		Type:            domain.DecisionSystemSelection,
		Decision:        "Install air source heat pump",
		Reasoning:       "low heat loss",
		EvidenceFactIDs: []string{facts[domain.KeyHeatLossKW.String()].ID},
		Confidence:      70,
		CreatedBy:       domain.CreatedByEngineer,
	}, "engineer-1")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	out, err := svc.Process(ctx, st.Graph.ID, "engineer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobBlocked, out.State.Graph.Status)
	assert.Equal(t, 2, out.State.Graph.Version)
	require.Len(t, out.Completeness.UnresolvedConflicts, 2)

	_, err = svc.MarkComplete(ctx, st.Graph.ID, "")
	assert.ErrorIs(t, err, engine.ErrNotReady)

	for _, c := range out.Completeness.UnresolvedConflicts {
		out, err = svc.ResolveConflict(ctx, st.Graph.ID, c.ID, "DNO upgrade to 100A booked", "engineer-1")
		require.NoError(t, err)
	}
	assert.Equal(t, domain.JobReadyForOutputs, out.State.Graph.Status)
	assert.Empty(t, out.Completeness.UnresolvedConflicts)

	// Resolutions survive a reload and another pass.
	again, err := svc.Process(ctx, st.Graph.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobReadyForOutputs, again.State.Graph.Status)

	done, err := svc.MarkComplete(ctx, st.Graph.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, done.Graph.Status)
	stored, err := svc.Repo.GetJobGraph(ctx, st.Graph.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, stored.Status)

	_, err = svc.ResolveConflict(ctx, st.Graph.ID, "missing", "x", "")
	assert.ErrorIs(t, err, engine.ErrUnknownConflict)
	_, err = svc.ResolveConflict(ctx, st.Graph.ID, "missing", " ", "")
	assert.ErrorIs(t, err, app.ErrInvalid)
}

func TestEvidenceTrailAndDependents(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	st, err := svc.CreateJob(ctx, "visit-1", "property-1", "")
	require.NoError(t, err)
	ev, err := svc.AddTimelineEvent(ctx, st.Graph.ID, domain.TimelineEvent{Type: "photo"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, ev.EventID)

	fuse, err := svc.AddFact(ctx, st.Graph.ID, app.FactInput{
		Category: domain.CategoryElectrical, Key: "main_fuse_rating", Value: 100, Unit: "A", Confidence: 95, SourceEventID: ev.EventID,
	}, "")
	require.NoError(t, err)

	d, warnings, err := svc.AddDecision(ctx, st.Graph.ID, app.DecisionInput{
		Type:            domain.DecisionCompliance,
		Decision:        "Supply adequate for heat pump",
		Reasoning:       "100A main fuse",
		MilestoneKey:    milestone.ElectricalCapacityConfirmed,
		EvidenceFactIDs: []string{fuse.ID, "missing-fact"},
		Confidence:      80,
	}, "")
	require.NoError(t, err)
	require.NotNil(t, d.MilestoneID)
	assert.NotEmpty(t, warnings)

	trail, err := svc.EvidenceTrail(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, trail.Facts, 1)
	assert.Equal(t, fuse.ID, trail.Facts[0].ID)
	require.Len(t, trail.Events, 1)
	assert.Equal(t, ev.EventID, trail.Events[0].EventID)
	assert.Equal(t, []string{"missing-fact"}, trail.Missing)

	deps, err := svc.DependentDecisions(ctx, st.Graph.ID, fuse.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, d.ID, deps[0].ID)

	_, _, err = svc.AddDecision(ctx, st.Graph.ID, app.DecisionInput{
		Type: domain.DecisionCompliance, Decision: "x", Reasoning: "y", Confidence: 50, MilestoneKey: "boiler_serviced",
	}, "")
	assert.ErrorIs(t, err, app.ErrInvalid)
	_, _, err = svc.AddDecision(ctx, st.Graph.ID, app.DecisionInput{Type: domain.DecisionCompliance, Confidence: 50}, "")
	assert.ErrorIs(t, err, app.ErrInvalid)
}

func TestResolveJobGraphID(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := app.ResolveJobGraphID(ctx, svc.Repo, "")
	assert.Error(t, err)

	st, err := svc.CreateJob(ctx, "visit-1", "property-1", "")
	require.NoError(t, err)
	for _, ref := range []string{"", st.Graph.ID, "visit-1"} {
		id, err := app.ResolveJobGraphID(ctx, svc.Repo, ref)
		require.NoError(t, err)
		assert.Equal(t, st.Graph.ID, id)
	}
	_, err = app.ResolveJobGraphID(ctx, svc.Repo, "visit-9")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = svc.CreateJob(ctx, "visit-2", "property-1", "")
	require.NoError(t, err)
	_, err = app.ResolveJobGraphID(ctx, svc.Repo, "")
	assert.ErrorContains(t, err, "multiple")
}
