package heatspecsdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heatspec/internal/app"
	"heatspec/internal/config"
	"heatspec/internal/db"
	"heatspec/internal/engine"
	"heatspec/internal/migrate"
	"heatspec/internal/server"
	heatspecsdk "heatspec/sdk/go"
)

func newClient(t *testing.T) *heatspecsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng, err := engine.New(config.Default())
	require.NoError(t, err)
	handler, err := server.New(server.Config{Service: app.NewService(conn, eng), BasePath: "/v0"})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return heatspecsdk.New(ts.URL, "engineer-1")
}

func TestClientJobFlow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	job, err := c.CreateJob(ctx, "visit-1", "property-1")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	fact, err := c.AddFact(ctx, job.ID, heatspecsdk.Fact{
		Category: "property", Key: "property_type", Value: "terraced", Confidence: 90, ExtractionMethod: "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, "terraced", fact.Value)

	d, warnings, err := c.AddDecision(ctx, job.ID, heatspecsdk.Decision{
		DecisionType: "system_selection", Decision: "Install combi boiler", Reasoning: "small property",
		EvidenceFactIDs: []string{fact.ID}, Confidence: 75,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Empty(t, warnings)

	out, err := c.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "blocked", out.Graph.Status)
	assert.Equal(t, 15, out.Summary.TotalMilestones)

	comp, err := c.Completeness(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, comp.ReadyForQuote)
	assert.Len(t, comp.MissingCriticalFacts, 3)

	jobs, err := c.ListJobs(ctx, "blocked")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = c.Complete(ctx, job.ID)
	var apiErr *heatspecsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
}
