package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"heatspec/internal/decision"
	"heatspec/internal/domain"
	"heatspec/internal/engine"
	"heatspec/internal/events"
	"heatspec/internal/repo"
)

var (
	// ErrInvalid marks caller input errors.
	ErrInvalid = errors.New("invalid input")
	// ErrDuplicate is returned when a visit already has a job graph.
	ErrDuplicate = errors.New("already exists")
)

// Service persists job graphs and runs orchestration passes against the store.
type Service struct {
	Repo   repo.Repo
	Engine engine.Engine
	Audit  events.Log
	Logger *slog.Logger
}

func NewService(conn *sql.DB, eng engine.Engine) Service {
	return Service{
		Repo:   repo.Repo{DB: conn},
		Engine: eng,
		Audit:  events.Log{Now: eng.Now},
		Logger: eng.Logger,
	}
}

func (s Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s Service) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateJob starts a job graph for a visit. A visit has at most one job graph.
func (s Service) CreateJob(ctx context.Context, visitID, propertyID, actorID string) (domain.JobGraphState, error) {
	visitID, propertyID = strings.TrimSpace(visitID), strings.TrimSpace(propertyID)
	if visitID == "" || propertyID == "" {
		return domain.JobGraphState{}, invalidf("visit_id and property_id are required")
	}
	if id, err := s.Repo.JobGraphIDForVisit(ctx, visitID); err == nil {
		return domain.JobGraphState{}, fmt.Errorf("job graph for visit %s %w: %s", visitID, ErrDuplicate, id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.JobGraphState{}, err
	}
	st := s.Engine.InitJobGraph(visitID, propertyID)
	st.Graph.Version = 1
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertJobGraphTx(ctx, tx, st); err != nil {
			return err
		}
		return s.Audit.Append(ctx, tx, events.OnJob(events.JobCreated, st.Graph.ID, actorID,
			map[string]any{"visit_id": visitID, "property_id": propertyID}))
	})
	if err != nil {
		return domain.JobGraphState{}, err
	}
	s.logger().Info("job graph created", "job_graph_id", st.Graph.ID, "visit_id", visitID)
	return st, nil
}

// FactInput is a fact to record against a job graph.
type FactInput struct {
	Category         domain.FactCategory
	Key              string
	Value            any
	Unit             string
	Confidence       int
	ExtractionMethod domain.ExtractionMethod
	Notes            string
	SourceEventID    string
}

var extractionMethods = map[domain.ExtractionMethod]bool{
	domain.ExtractedByAI: true, domain.ExtractedManually: true, domain.ExtractedByMeasurement: true,
	domain.ExtractedByCalculation: true, domain.ExtractedByLookup: true,
}

// AddFact appends a fact. Facts are never updated; a correction is a newer fact.
func (s Service) AddFact(ctx context.Context, jobGraphID string, in FactInput, actorID string) (domain.Fact, error) {
	if !in.Category.Valid() {
		return domain.Fact{}, invalidf("unknown fact category %q", in.Category)
	}
	if strings.TrimSpace(in.Key) == "" {
		return domain.Fact{}, invalidf("fact key is required")
	}
	if in.Value == nil {
		return domain.Fact{}, invalidf("fact value is required")
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return domain.Fact{}, invalidf("confidence %d outside 0-100", in.Confidence)
	}
	if in.ExtractionMethod == "" {
		in.ExtractionMethod = domain.ExtractedManually
	}
	if !extractionMethods[in.ExtractionMethod] {
		return domain.Fact{}, invalidf("unknown extraction method %q", in.ExtractionMethod)
	}
	if _, err := s.Repo.GetJobGraph(ctx, jobGraphID); err != nil {
		return domain.Fact{}, err
	}
	f := domain.Fact{
		ID:               s.Engine.NewID(),
		JobGraphID:       jobGraphID,
		Category:         in.Category,
		Key:              strings.TrimSpace(in.Key),
		Value:            in.Value,
		Unit:             in.Unit,
		Confidence:       in.Confidence,
		ExtractionMethod: in.ExtractionMethod,
		Notes:            in.Notes,
		CreatedAt:        s.Engine.Now().UTC(),
	}
	if in.SourceEventID != "" {
		ok, err := s.Repo.CaptureEventExists(ctx, jobGraphID, in.SourceEventID)
		if err != nil {
			return domain.Fact{}, err
		}
		if !ok {
			return domain.Fact{}, invalidf("source event %s is not recorded on this job", in.SourceEventID)
		}
		src := in.SourceEventID
		f.SourceEventID = &src
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertFactTx(ctx, tx, f); err != nil {
			return err
		}
		return s.Audit.Append(ctx, tx, events.Record{
			Type: events.FactAdded, JobGraphID: jobGraphID, Kind: events.KindFact, EntityID: f.ID, Actor: actorID,
			Payload: map[string]any{"key": f.Subject().String(), "value": f.Value, "confidence": f.Confidence},
		})
	})
	if err != nil {
		return domain.Fact{}, err
	}
	return f, nil
}

// DecisionInput is a decision to record against a job graph.
type DecisionInput struct {
	Type            domain.DecisionType
	Decision        string
	Reasoning       string
	MilestoneKey    string
	Rule            *domain.RuleReference
	EvidenceFactIDs []string
	Confidence      int
	Risks           []string
	CreatedBy       domain.Creator
}

// AddDecision records a decision and returns it with any evidence warnings.
// Warnings do not reject the decision; they are surfaced to the caller.
func (s Service) AddDecision(ctx context.Context, jobGraphID string, in DecisionInput, actorID string) (domain.Decision, []string, error) {
	st, err := s.Repo.LoadState(ctx, jobGraphID)
	if err != nil {
		return domain.Decision{}, nil, err
	}
	b := s.Engine.Recorder.Builder(jobGraphID).
		Type(in.Type).
		Decide(in.Decision).
		Because(in.Reasoning).
		BasedOn(in.EvidenceFactIDs...).
		WithConfidence(in.Confidence)
	if in.Rule != nil {
		b.ApplyingRule(*in.Rule)
	}
	for _, r := range in.Risks {
		b.WithRisk(r)
	}
	if in.CreatedBy != "" {
		b.By(in.CreatedBy)
	}
	if in.MilestoneKey != "" {
		var found bool
		for _, m := range st.Milestones {
			if m.Key == in.MilestoneKey {
				b.ForMilestone(m.ID)
				found = true
				break
			}
		}
		if !found {
			return domain.Decision{}, nil, invalidf("unknown milestone %q", in.MilestoneKey)
		}
	}
	d, err := b.Build()
	if err != nil {
		return domain.Decision{}, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	warnings := s.Engine.Recorder.ValidateEvidence(d, st.Facts)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return err
		}
		return s.Audit.Append(ctx, tx, events.Record{
			Type: events.DecisionAdded, JobGraphID: jobGraphID, Kind: events.KindDecision, EntityID: d.ID, Actor: actorID,
			Payload: map[string]any{"type": d.DecisionType, "created_by": d.CreatedBy, "warnings": warnings},
		})
	})
	if err != nil {
		return domain.Decision{}, nil, err
	}
	return d, warnings, nil
}

// AddTimelineEvent records a capture event facts can later cite.
func (s Service) AddTimelineEvent(ctx context.Context, jobGraphID string, ev domain.TimelineEvent, actorID string) (domain.TimelineEvent, error) {
	if strings.TrimSpace(ev.Type) == "" {
		return ev, invalidf("event type is required")
	}
	if _, err := s.Repo.GetJobGraph(ctx, jobGraphID); err != nil {
		return ev, err
	}
	if ev.EventID == "" {
		ev.EventID = s.Engine.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.Engine.Now().UTC()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertCaptureEventTx(ctx, tx, jobGraphID, ev); err != nil {
			return err
		}
		return s.Audit.Append(ctx, tx, events.Record{
			Type: events.CaptureRecorded, JobGraphID: jobGraphID, Kind: events.KindCapture, EntityID: ev.EventID, Actor: actorID,
			Payload: map[string]any{"type": ev.Type},
		})
	})
	return ev, err
}

// Process runs an orchestration pass and stores the result.
func (s Service) Process(ctx context.Context, jobGraphID, actorID string) (engine.Outcome, error) {
	return s.mutate(ctx, jobGraphID, actorID, events.JobProcessed, nil)
}

// ResolveConflict records an engineer resolution, then reprocesses so the job status reflects it.
func (s Service) ResolveConflict(ctx context.Context, jobGraphID, conflictID, resolution, actorID string) (engine.Outcome, error) {
	if strings.TrimSpace(resolution) == "" {
		return engine.Outcome{}, invalidf("resolution is required")
	}
	return s.mutate(ctx, jobGraphID, actorID, events.ConflictResolved, func(st domain.JobGraphState) (domain.JobGraphState, error) {
		return s.Engine.ResolveConflict(st, conflictID, resolution)
	})
}

// mutate loads state, applies fn, runs a pass and saves it in one transaction.
func (s Service) mutate(ctx context.Context, jobGraphID, actorID, evtType string, fn func(domain.JobGraphState) (domain.JobGraphState, error)) (engine.Outcome, error) {
	var out engine.Outcome
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := s.Repo.LoadStateTx(ctx, tx, jobGraphID)
		if err != nil {
			return err
		}
		if fn != nil {
			if st, err = fn(st); err != nil {
				return err
			}
		}
		out, err = s.Engine.ProcessState(st)
		if err != nil {
			return err
		}
		version, err := s.Repo.SaveStateTx(ctx, tx, out.State)
		if err != nil {
			return err
		}
		out.State.Graph.Version = version
		return s.Audit.Append(ctx, tx, events.OnJob(evtType, jobGraphID, actorID, map[string]any{
			"status":             out.State.Graph.Status,
			"overall_confidence": out.State.Graph.OverallConfidence,
			"critical_conflicts": out.Summary.CriticalConflicts,
		}))
	})
	if err != nil {
		return engine.Outcome{}, err
	}
	return out, nil
}

// MarkComplete closes a job graph whose last pass left it ready for outputs.
func (s Service) MarkComplete(ctx context.Context, jobGraphID, actorID string) (domain.JobGraphState, error) {
	var st domain.JobGraphState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		loaded, err := s.Repo.LoadStateTx(ctx, tx, jobGraphID)
		if err != nil {
			return err
		}
		if loaded.Graph.Status == domain.JobComplete {
			st = loaded
			return nil
		}
		st, err = s.Engine.MarkComplete(loaded)
		if err != nil {
			return err
		}
		version, err := s.Repo.SaveStateTx(ctx, tx, st)
		if err != nil {
			return err
		}
		st.Graph.Version = version
		return s.Audit.Append(ctx, tx, events.OnJob(events.JobCompleted, jobGraphID, actorID, nil))
	})
	return st, err
}

// Assess runs a pass on the stored state without saving it.
func (s Service) Assess(ctx context.Context, jobGraphID string) (engine.Outcome, error) {
	st, err := s.Repo.LoadState(ctx, jobGraphID)
	if err != nil {
		return engine.Outcome{}, err
	}
	return s.Engine.ProcessState(st)
}

// EvidenceTrail resolves a decision's facts and capture events.
func (s Service) EvidenceTrail(ctx context.Context, decisionID string) (decision.EvidenceTrail, error) {
	d, err := s.Repo.GetDecision(ctx, decisionID)
	if err != nil {
		return decision.EvidenceTrail{}, err
	}
	facts, err := s.Repo.ListFacts(ctx, d.JobGraphID)
	if err != nil {
		return decision.EvidenceTrail{}, err
	}
	evts, err := s.Repo.TimelineEvents(ctx, d.JobGraphID)
	if err != nil {
		return decision.EvidenceTrail{}, err
	}
	return s.Engine.Recorder.BuildEvidenceTrail(d, facts, evts), nil
}

// DependentDecisions lists the decisions that cite a fact.
func (s Service) DependentDecisions(ctx context.Context, jobGraphID, factID string) ([]domain.Decision, error) {
	ds, err := s.Repo.ListDecisions(ctx, jobGraphID)
	if err != nil {
		return nil, err
	}
	out := s.Engine.Recorder.FindDependentDecisions(factID, ds)
	if out == nil {
		out = []domain.Decision{}
	}
	return out, nil
}
