package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"heatspec/internal/app"
	"heatspec/internal/decision"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/milestone"
)

// ActorHeader names the caller recorded in the audit log.
const ActorHeader = "X-Actor-Id"

// Config for the HTTP API handler.
type Config struct {
	Service  app.Service
	BasePath string
	Logger   *slog.Logger
}

type requestKey struct{}
type bodyBytesKey struct{}

// New returns an HTTP handler exposing the heatspec API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	})
	hcfg := huma.DefaultConfig("Heatspec API", "0.1.0")
	hcfg.Info.Description = "Job graph orchestration for heating survey visits: facts, decisions, conflicts and milestone readiness."
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	svc := cfg.Service
	registerHealth(group)
	registerCatalog(group, svc.Engine)
	registerProcess(group, svc.Engine)
	registerJobs(group, svc)
	registerFacts(group, svc)
	registerDecisions(group, svc)
	registerConflicts(group, svc)
	registerEvents(group, svc)
	registerDocs(router, api, basePath)

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/milestones",
		Summary:     "Milestone catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []milestone.Definition `json:"body"`
	}, error) {
		return &struct {
			Body []milestone.Definition `json:"body"`
		}{Body: e.Catalog.Definitions()}, nil
	})
}

// registerProcess exposes a stateless pass over a caller-supplied state.
func registerProcess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-state",
		Method:      http.MethodPost,
		Path:        "/process",
		Summary:     "Process a job graph state without storing it",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body domain.JobGraphState `json:"body"`
	}) (*struct {
		Body OutcomeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, codeBadRequest.err("job graph state body required", nil)
		}
		out, err := e.ProcessState(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutcomeResponse `json:"body"`
		}{Body: outcomeResponse(out)}, nil
	})
}

type jobPath struct {
	JobID string `path:"job_id"`
}

type outcomeOutput struct {
	Body OutcomeResponse `json:"body"`
}

func registerJobs(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create job graph for a visit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.JobGraphState `json:"body"`
	}, error) {
		st, err := svc.CreateJob(ctx, input.Body.VisitID, input.Body.PropertyID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobGraphState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List job graphs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"in_progress,blocked,ready_for_outputs,complete"`
	}) (*struct {
		Body []domain.JobGraph `json:"body"`
	}, error) {
		items, err := svc.Repo.ListJobGraphs(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JobGraph `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get stored job graph state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.JobGraphState `json:"body"`
	}, error) {
		st, err := svc.Repo.LoadState(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobGraphState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "process-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/process",
		Summary:     "Run an orchestration pass and store it",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *jobPath) (*outcomeOutput, error) {
		out, err := svc.Process(ctx, input.JobID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: outcomeResponse(out)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-completeness",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/completeness",
		Summary:     "Assess completeness without storing a pass",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.CompletenessAssessment `json:"body"`
	}, error) {
		out, err := svc.Assess(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CompletenessAssessment `json:"body"`
		}{Body: out.Completeness}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Mark a ready job graph complete",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.JobGraph `json:"body"`
	}, error) {
		st, err := svc.MarkComplete(ctx, input.JobID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobGraph `json:"body"`
		}{Body: st.Graph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-capture-event",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/capture-events",
		Summary:       "Record a capture event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string                 `path:"job_id"`
		Body  AddCaptureEventRequest `json:"body"`
	}) (*struct {
		Body domain.TimelineEvent `json:"body"`
	}, error) {
		ev := domain.TimelineEvent{EventID: input.Body.EventID, Type: input.Body.Type}
		if input.Body.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, input.Body.Timestamp)
			if err != nil {
				return nil, codeBadRequest.err("invalid timestamp; use RFC 3339", map[string]any{"timestamp": input.Body.Timestamp})
			}
			ev.Timestamp = ts
		}
		ev, err := svc.AddTimelineEvent(ctx, input.JobID, ev, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimelineEvent `json:"body"`
		}{Body: ev}, nil
	})
}

func registerFacts(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-fact",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/facts",
		Summary:       "Record a fact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  AddFactRequest `json:"body"`
	}) (*struct {
		Body domain.Fact `json:"body"`
	}, error) {
		f, err := svc.AddFact(ctx, input.JobID, app.FactInput{
			Category:         domain.FactCategory(input.Body.Category),
			Key:              input.Body.Key,
			Value:            input.Body.Value,
			Unit:             input.Body.Unit,
			Confidence:       input.Body.Confidence,
			ExtractionMethod: domain.ExtractionMethod(input.Body.ExtractionMethod),
			Notes:            input.Body.Notes,
			SourceEventID:    input.Body.SourceEventID,
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fact `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-facts",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/facts",
		Summary:     "List facts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body []domain.Fact `json:"body"`
	}, error) {
		if _, err := svc.Repo.GetJobGraph(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := svc.Repo.ListFacts(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Fact `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fact-dependents",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/facts/{fact_id}/dependents",
		Summary:     "Decisions citing a fact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID  string `path:"job_id"`
		FactID string `path:"fact_id"`
	}) (*struct {
		Body []domain.Decision `json:"body"`
	}, error) {
		items, err := svc.DependentDecisions(ctx, input.JobID, input.FactID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Decision `json:"body"`
		}{Body: items}, nil
	})
}

func registerDecisions(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-decision",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/decisions",
		Summary:       "Record a decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string             `path:"job_id"`
		Body  AddDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, warnings, err := svc.AddDecision(ctx, input.JobID, app.DecisionInput{
			Type:            domain.DecisionType(input.Body.DecisionType),
			Decision:        input.Body.Decision,
			Reasoning:       input.Body.Reasoning,
			MilestoneKey:    input.Body.MilestoneKey,
			Rule:            input.Body.RuleApplied,
			EvidenceFactIDs: input.Body.EvidenceFactIDs,
			Confidence:      input.Body.Confidence,
			Risks:           input.Body.Risks,
			CreatedBy:       domain.Creator(input.Body.CreatedBy),
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		if warnings == nil {
			warnings = []string{}
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Decision: d, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-trail",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/trail",
		Summary:     "Evidence trail for a decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body decision.EvidenceTrail `json:"body"`
	}, error) {
		trail, err := svc.EvidenceTrail(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body decision.EvidenceTrail `json:"body"`
		}{Body: trail}, nil
	})
}

func registerConflicts(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/conflicts/{conflict_id}/resolve",
		Summary:     "Record an engineer resolution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID      string                 `path:"job_id"`
		ConflictID string                 `path:"conflict_id"`
		Body       ResolveConflictRequest `json:"body"`
	}) (*outcomeOutput, error) {
		out, err := svc.ResolveConflict(ctx, input.JobID, input.ConflictID, input.Body.Resolution, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &outcomeOutput{Body: outcomeResponse(out)}, nil
	})
}

func registerEvents(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID      string `path:"job_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"job_graph,fact,decision,capture_event"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := svc.Repo.GetJobGraph(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		items, err := svc.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.JobID, input.Type, input.EntityKind, "")
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if v := ctx.Value(bodyBytesKey{}); v != nil {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

func actorFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		return r.Header.Get(ActorHeader)
	}
	return ""
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
