package repo_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/config"
	"heatspec/internal/db"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/migrate"
	"heatspec/internal/repo"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Workspace(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func newEngine(t *testing.T) engine.Engine {
	t.Helper()
	eng, err := engine.New(config.Default())
	require.NoError(t, err)
	seq := 0
	return eng.WithClock(func() time.Time { return fixedNow }, func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	})
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit())
}

func TestJobGraphRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	eng := newEngine(t)
	st := eng.InitJobGraph("visit-1", "property-1")
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertJobGraphTx(ctx, tx, st) })

	loaded, err := r.LoadState(ctx, st.Graph.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Graph.Version)
	assert.Equal(t, "visit-1", loaded.Graph.VisitID)
	assert.True(t, loaded.Graph.CreatedAt.Equal(fixedNow))
	require.Len(t, loaded.Milestones, len(st.Milestones))
	for i, m := range st.Milestones {
		assert.Equal(t, m.Key, loaded.Milestones[i].Key)
		assert.Equal(t, m.Metadata.RequiredFacts, loaded.Milestones[i].Metadata.RequiredFacts)
	}
	assert.Empty(t, loaded.Facts)
	assert.Empty(t, loaded.Conflicts)

	id, err := r.JobGraphIDForVisit(ctx, "visit-1")
	require.NoError(t, err)
	assert.Equal(t, st.Graph.ID, id)
	_, err = r.JobGraphIDForVisit(ctx, "visit-2")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetJobGraph(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSaveStateTx(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	eng := newEngine(t)
	st := eng.InitJobGraph("visit-1", "property-1")
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertJobGraphTx(ctx, tx, st) })

	loaded, err := r.LoadState(ctx, st.Graph.ID)
	require.NoError(t, err)
	src := "evt-1"
	loaded.Facts = append(loaded.Facts, domain.Fact{
		ID: "fact-1", JobGraphID: st.Graph.ID, SourceEventID: &src, Category: domain.CategoryElectrical, Key: "main_fuse_rating",
		Value: 60, Unit: "A", Confidence: 90, ExtractionMethod: domain.ExtractedByMeasurement, CreatedAt: fixedNow,
	})
	out, err := eng.ProcessState(loaded)
	require.NoError(t, err)
	require.NotEmpty(t, out.State.Conflicts)

	var version int
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		version, err = r.SaveStateTx(ctx, tx, out.State)
		return err
	})
	assert.Equal(t, 2, version)

	saved, err := r.LoadState(ctx, st.Graph.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Graph.Version)
	assert.Equal(t, out.State.Graph.Status, saved.Graph.Status)
	require.Len(t, saved.Facts, 1)
	n, ok := saved.Facts[0].Number()
	assert.True(t, ok)
	assert.Equal(t, 60.0, n)
	require.NotNil(t, saved.Facts[0].SourceEventID)
	assert.Equal(t, "evt-1", *saved.Facts[0].SourceEventID)
	require.Len(t, saved.Conflicts, len(out.State.Conflicts))
	for i, c := range out.State.Conflicts {
		assert.Equal(t, c.ID, saved.Conflicts[i].ID)
		assert.Equal(t, c.Description, saved.Conflicts[i].Description)
	}
	for i, m := range out.State.Milestones {
		assert.Equal(t, m.Status, saved.Milestones[i].Status)
		assert.Equal(t, m.Blockers, saved.Milestones[i].Blockers)
	}

	// The state loaded before the save is now stale.
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = r.SaveStateTx(ctx, tx, out.State)
	assert.ErrorIs(t, err, repo.ErrStaleState)
}

func TestDecisionsAndCaptureEvents(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	eng := newEngine(t)
	st := eng.InitJobGraph("visit-1", "property-1")
	value := 100.0
	d, err := eng.Recorder.Compliance(st.Graph.ID, "Upgrade main fuse", domain.RuleReference{
		Source: domain.SourceBSStandard, Standard: "BS 7671", Section: "311.1", Description: "supply capacity", Metric: "main fuse", Value: &value,
	}, 85, "fact-1").Build()
	require.NoError(t, err)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertJobGraphTx(ctx, tx, st); err != nil {
			return err
		}
		if err := r.InsertCaptureEventTx(ctx, tx, st.Graph.ID, domain.TimelineEvent{EventID: "evt-2", Type: "photo", Timestamp: fixedNow.Add(time.Minute)}); err != nil {
			return err
		}
		if err := r.InsertCaptureEventTx(ctx, tx, st.Graph.ID, domain.TimelineEvent{EventID: "evt-1", Type: "note", Timestamp: fixedNow}); err != nil {
			return err
		}
		if err := r.InsertDecisionTx(ctx, tx, d); err != nil {
			return err
		}
		// A second insert of the same decision is ignored.
		return r.InsertDecisionTx(ctx, tx, d)
	})

	got, err := r.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RuleApplied)
	assert.Equal(t, "311.1", got.RuleApplied.Section)
	require.NotNil(t, got.RuleApplied.Value)
	assert.Equal(t, 100.0, *got.RuleApplied.Value)
	assert.Equal(t, []string{"fact-1"}, got.EvidenceFactIDs)
	_, err = r.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	list, err := r.ListDecisions(ctx, st.Graph.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	events, err := r.TimelineEvents(ctx, st.Graph.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].EventID)
	ok, err := r.CaptureEventExists(ctx, st.Graph.ID, "evt-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListJobGraphsByStatus(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	eng := newEngine(t)
	a := eng.InitJobGraph("visit-a", "p")
	b := eng.InitJobGraph("visit-b", "p")
	b.Graph.Status = domain.JobBlocked
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertJobGraphTx(ctx, tx, a); err != nil {
			return err
		}
		return r.InsertJobGraphTx(ctx, tx, b)
	})
	all, err := r.ListJobGraphs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	blocked, err := r.ListJobGraphs(ctx, string(domain.JobBlocked))
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "visit-b", blocked[0].VisitID)
}
