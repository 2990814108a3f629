package heatspecsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal heatspec HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		ActorID:  actorID,
		Timeout:  10 * time.Second,
	}
}

// JobGraph represents the API job graph model.
type JobGraph struct {
	ID                string `json:"id"`
	VisitID           string `json:"visit_id"`
	PropertyID        string `json:"property_id"`
	Status            string `json:"status"`
	OverallConfidence int    `json:"overall_confidence"`
	Version           int    `json:"version"`
}

// Milestone represents a milestone within a job graph (partial).
type Milestone struct {
	ID         string   `json:"id"`
	Key        string   `json:"key"`
	Label      string   `json:"label"`
	Status     string   `json:"status"`
	Confidence int      `json:"confidence"`
	Blockers   []string `json:"blockers"`
}

// Fact represents a recorded fact.
type Fact struct {
	ID               string `json:"id,omitempty"`
	JobGraphID       string `json:"job_graph_id,omitempty"`
	Category         string `json:"category"`
	Key              string `json:"key"`
	Value            any    `json:"value"`
	Unit             string `json:"unit,omitempty"`
	Confidence       int    `json:"confidence"`
	ExtractionMethod string `json:"extraction_method,omitempty"`
	Notes            string `json:"notes,omitempty"`
	SourceEventID    string `json:"source_event_id,omitempty"`
}

// Decision represents a recorded decision (partial).
type Decision struct {
	ID              string   `json:"id,omitempty"`
	DecisionType    string   `json:"decision_type"`
	Decision        string   `json:"decision"`
	Reasoning       string   `json:"reasoning"`
	MilestoneKey    string   `json:"milestone_key,omitempty"`
	EvidenceFactIDs []string `json:"evidence_fact_ids"`
	Confidence      int      `json:"confidence"`
	Risks           []string `json:"risks,omitempty"`
	CreatedBy       string   `json:"created_by,omitempty"`
}

// Conflict represents a detected conflict (partial).
type Conflict struct {
	ID           string `json:"id"`
	ConflictType string `json:"conflict_type"`
	Severity     string `json:"severity"`
	Description  string `json:"description"`
	Resolution   string `json:"resolution,omitempty"`
	ResolvedAt   string `json:"resolved_at,omitempty"`
}

// Completeness is the readiness assessment of a job graph.
type Completeness struct {
	OverallPercentage    int        `json:"overall_percentage"`
	ReadyForQuote        bool       `json:"ready_for_quote"`
	ReadyForPDF          bool       `json:"ready_for_pdf"`
	ReadyForPortal       bool       `json:"ready_for_portal"`
	MissingCriticalFacts []string   `json:"missing_critical_facts"`
	UnresolvedConflicts  []Conflict `json:"unresolved_conflicts"`
}

// Summary condenses a processed job graph.
type Summary struct {
	JobGraphID          string `json:"job_graph_id"`
	Status              string `json:"status"`
	CompletedMilestones int    `json:"completed_milestones"`
	TotalMilestones     int    `json:"total_milestones"`
	CriticalConflicts   int    `json:"critical_conflicts"`
	WarningConflicts    int    `json:"warning_conflicts"`
	OverallConfidence   int    `json:"overall_confidence"`
}

// Outcome is the response of a processing pass.
type Outcome struct {
	Graph        JobGraph     `json:"graph"`
	Milestones   []Milestone  `json:"milestones"`
	Conflicts    []Conflict   `json:"conflicts"`
	Summary      Summary      `json:"summary"`
	Completeness Completeness `json:"completeness"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Process runs a stateless pass over a full job graph state.
func (c *Client) Process(ctx context.Context, state any) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "process", state, &resp)
	return resp, err
}

// CreateJob starts a job graph for a visit.
func (c *Client) CreateJob(ctx context.Context, visitID, propertyID string) (JobGraph, error) {
	body := map[string]any{
		"visit_id":    visitID,
		"property_id": propertyID,
	}
	var resp struct {
		Graph JobGraph `json:"graph"`
	}
	err := c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp.Graph, err
}

// ListJobs lists job graphs, optionally by status.
func (c *Client) ListJobs(ctx context.Context, status string) ([]JobGraph, error) {
	endpoint := "jobs"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []JobGraph
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddFact records a fact on a job graph.
func (c *Client) AddFact(ctx context.Context, jobID string, f Fact) (Fact, error) {
	var resp Fact
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "facts"), f, &resp)
	return resp, err
}

// AddDecision records a decision and returns any evidence warnings.
func (c *Client) AddDecision(ctx context.Context, jobID string, d Decision) (Decision, []string, error) {
	var resp struct {
		Decision Decision `json:"decision"`
		Warnings []string `json:"warnings"`
	}
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "decisions"), d, &resp)
	return resp.Decision, resp.Warnings, err
}

// ProcessJob runs and stores a pass for a job graph.
func (c *Client) ProcessJob(ctx context.Context, jobID string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "process"), nil, &resp)
	return resp, err
}

// Completeness assesses a job graph without storing a pass.
func (c *Client) Completeness(ctx context.Context, jobID string) (Completeness, error) {
	var resp Completeness
	err := c.do(ctx, http.MethodGet, c.jobPath(jobID, "completeness"), nil, &resp)
	return resp, err
}

// ResolveConflict records an engineer resolution.
func (c *Client) ResolveConflict(ctx context.Context, jobID, conflictID, resolution string) (Outcome, error) {
	var resp Outcome
	endpoint := c.jobPath(jobID, fmt.Sprintf("conflicts/%s/resolve", url.PathEscape(conflictID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"resolution": resolution}, &resp)
	return resp, err
}

// Complete marks a ready job graph complete.
func (c *Client) Complete(ctx context.Context, jobID string) (JobGraph, error) {
	var resp JobGraph
	err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) jobPath(jobID, p string) string {
	return fmt.Sprintf("jobs/%s/%s", url.PathEscape(jobID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
