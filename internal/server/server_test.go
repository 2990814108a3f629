package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"heatspec/internal/app"
	"heatspec/internal/config"
	"heatspec/internal/db"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.Workspace(workspace).Ensure(); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Workspace(workspace))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	seq := 0
	e = e.WithClock(func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }, func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	})
	handler, err := New(Config{Service: app.NewService(conn, e), BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func TestHealthAndCatalog(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/milestones", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog status %d: %s", res.StatusCode, string(data))
	}
	defs := decode[[]map[string]any](t, data)
	if len(defs) != 15 {
		t.Fatalf("expected 15 milestones, got %d", len(defs))
	}
}

func TestJobLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	actor := map[string]string{ActorHeader: "engineer-1"}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"visit_id":    "visit-1",
		"property_id": "property-1",
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	st := decode[domain.JobGraphState](t, data)
	jobURL := srv.URL + "/v0/jobs/" + st.Graph.ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"visit_id":    "visit-1",
		"property_id": "property-1",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate visit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/process", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	out := decode[OutcomeResponse](t, data)
	if out.Graph.Status != domain.JobBlocked {
		t.Fatalf("expected blocked empty job, got %s", out.Graph.Status)
	}
	if len(out.Completeness.MissingCriticalFacts) != len(domain.CriticalFactKeys) {
		t.Fatalf("expected all critical facts missing, got %v", out.Completeness.MissingCriticalFacts)
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/facts", map[string]any{
		"category":          "electrical",
		"key":               "main_fuse_rating",
		"value":             100,
		"unit":              "A",
		"confidence":        95,
		"extraction_method": "measurement",
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add fact status %d: %s", res.StatusCode, string(data))
	}
	fact := decode[domain.Fact](t, data)

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/facts", map[string]any{
		"category":   "plumbing",
		"key":        "x",
		"value":      1,
		"confidence": 50,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad category status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/decisions", map[string]any{
		"decision_type":     "compliance",
		"decision":          "Supply adequate",
		"reasoning":         "100A fuse",
		"evidence_fact_ids": []string{fact.ID},
		"confidence":        80,
		"created_by":        "engineer",
	}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add decision status %d: %s", res.StatusCode, string(data))
	}
	dr := decode[DecisionResponse](t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/decisions/"+dr.Decision.ID+"/trail", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trail status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, jobURL+"/facts/"+fact.ID+"/dependents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dependents status %d: %s", res.StatusCode, string(data))
	}
	if deps := decode[[]domain.Decision](t, data); len(deps) != 1 {
		t.Fatalf("expected 1 dependent decision, got %d", len(deps))
	}

	res, data = doJSON(t, client, http.MethodGet, jobURL+"/completeness", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completeness status %d: %s", res.StatusCode, string(data))
	}
	assessment := decode[domain.CompletenessAssessment](t, data)
	if len(assessment.MissingCriticalFacts) != len(domain.CriticalFactKeys)-1 {
		t.Fatalf("expected fuse to be present, missing %v", assessment.MissingCriticalFacts)
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/complete", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "not_ready" {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/conflicts/missing/resolve", map[string]any{"resolution": "done"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("resolve unknown status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, jobURL+"/events?type=fact.added", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	evts := decode[[]EventResponse](t, data)
	if len(evts) != 1 || evts[0].ActorID != "engineer-1" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestProcessStatelessAndNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	e, err := engine.New(nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	st := e.InitJobGraph("visit-9", "property-9")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/process", st, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("process status %d: %s", res.StatusCode, string(data))
	}
	out := decode[OutcomeResponse](t, data)
	if out.Summary.TotalMilestones != 15 {
		t.Fatalf("expected 15 milestones, got %d", out.Summary.TotalMilestones)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing job status %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocumentsErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	doc := decode[struct {
		Paths map[string]map[string]struct {
			Responses map[string]struct {
				Description string `json:"description"`
			} `json:"responses"`
		} `json:"paths"`
	}](t, data)
	complete, ok := doc.Paths["/v0/jobs/{job_id}/complete"]["post"]
	if !ok {
		t.Fatalf("complete-job operation missing from %v", doc.Paths)
	}
	for status, code := range map[string]string{"404": "not_found", "409": "stale_state", "422": "not_ready"} {
		if !strings.Contains(complete.Responses[status].Description, code) {
			t.Fatalf("%s response should document %s, got %q", status, code, complete.Responses[status].Description)
		}
	}
	if !strings.Contains(complete.Responses["default"].Description, "internal_error") {
		t.Fatalf("default response should list every code, got %q", complete.Responses["default"].Description)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "openapi.json") {
		t.Fatalf("docs status %d: %s", res.StatusCode, string(data))
	}
}
