package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"heatspec/internal/config"
	"heatspec/internal/conflict"
	"heatspec/internal/decision"
	"heatspec/internal/domain"
	"heatspec/internal/milestone"
	"heatspec/internal/validator"
)

// ConflictBlockerPrefix marks blocker strings the engine derives from conflicts.
// They are rebuilt on every pass; other blockers are left alone.
const ConflictBlockerPrefix = "conflict: "

var (
	// ErrNotReady is returned by MarkComplete when outputs cannot be generated yet.
	ErrNotReady = errors.New("job graph is not ready for outputs")
	// ErrUnknownConflict is returned by ResolveConflict for an ID not in the state.
	ErrUnknownConflict = errors.New("unknown conflict")
)

// Engine runs orchestration passes over a job graph state. It performs no I/O.
type Engine struct {
	Catalog    *milestone.Catalog
	Tracker    milestone.Tracker
	Conflicts  conflict.Engine
	Validators []validator.Validator
	Recorder   decision.Recorder
	Now        func() time.Time
	NewID      func() string
	Logger     *slog.Logger
}

// New builds an engine from config. A nil config uses the defaults.
func New(cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		Catalog:   milestone.Standard(),
		Conflicts: conflict.NewEngine(),
		Recorder:  decision.NewRecorder(),
		Now:       time.Now,
		NewID:     domain.NewID,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	e.Tracker = milestone.NewTracker(e.Catalog)
	e.Tracker.Scope = cfg.ConfidenceScope()
	e.Conflicts.Policy = cfg.Policy()
	vs, err := validator.ByName(validator.DefaultEnv(), cfg.Validators.Enabled)
	if err != nil {
		return Engine{}, err
	}
	e.Validators = vs
	return e, nil
}

// WithClock returns a copy of e whose components share now and newID.
func (e Engine) WithClock(now func() time.Time, newID func() string) Engine {
	e.Now, e.NewID = now, newID
	e.Tracker.Now, e.Tracker.NewID = now, newID
	e.Conflicts.Now, e.Conflicts.NewID = now, newID
	e.Recorder.Now, e.Recorder.NewID = now, newID
	env := validator.Env{Now: now, NewID: newID}
	names := make([]string, 0, len(e.Validators))
	for _, v := range e.Validators {
		names = append(names, v.Name())
	}
	if vs, err := validator.ByName(env, names); err == nil {
		e.Validators = vs
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return domain.NewID()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// InitJobGraph creates a job graph for a visit with every catalog milestone pending.
func (e Engine) InitJobGraph(visitID, propertyID string) domain.JobGraphState {
	now := e.now()
	g := domain.JobGraph{
		ID:         e.newID(),
		VisitID:    visitID,
		PropertyID: propertyID,
		Status:     domain.JobInProgress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return domain.JobGraphState{
		Graph:      g,
		Milestones: e.Tracker.CreateAll(g.ID),
		Facts:      []domain.Fact{},
		Decisions:  []domain.Decision{},
		Conflicts:  []domain.Conflict{},
	}
}

// ValidatorReport is one validator's contribution to a pass.
type ValidatorReport struct {
	Name            string   `json:"name"`
	Standard        string   `json:"standard"`
	Valid           bool     `json:"valid"`
	ConflictIDs     []string `json:"conflict_ids"`
	Warnings        []string `json:"warnings"`
	Recommendations []string `json:"recommendations"`
}

// Outcome is the result of ProcessState.
type Outcome struct {
	State        domain.JobGraphState          `json:"state"`
	Summary      domain.JobGraphSummary        `json:"summary"`
	Completeness domain.CompletenessAssessment `json:"completeness"`
	Validation   []ValidatorReport             `json:"validation"`
}

// ProcessState recomputes conflicts, milestones, decision confidence and job status.
// The input is not modified. Unknown milestone keys are an error.
func (e Engine) ProcessState(state domain.JobGraphState) (Outcome, error) {
	st := copyState(state)
	jobID := st.Graph.ID
	log := e.logger().With("job_graph_id", jobID)

	for _, m := range st.Milestones {
		if _, err := e.Catalog.DefinitionOf(m.Key); err != nil {
			return Outcome{}, fmt.Errorf("milestone %s: %w", m.ID, err)
		}
	}

	det := e.Conflicts.DetectConflicts(jobID, st.Facts, st.Decisions)
	pooled := det.All()

	reports := make([]ValidatorReport, 0, len(e.Validators))
	counts := make([]int, 0, len(e.Validators))
	for _, v := range e.Validators {
		res := v.Validate(st.Facts, st.Decisions)
		for _, c := range res.Conflicts {
			c.JobGraphID = jobID
			pooled = append(pooled, c)
		}
		counts = append(counts, len(res.Conflicts))
		reports = append(reports, ValidatorReport{
			Name:            v.Name(),
			Standard:        v.Standard(),
			Valid:           res.Valid,
			ConflictIDs:     []string{},
			Warnings:        res.Warnings,
			Recommendations: res.Recommendations,
		})
	}
	pooled = carryForward(pooled, st.Conflicts)
	// carryForward keeps order, so validator conflicts follow the detector's.
	offset := len(det.Conflicts) + len(det.ResolvedConflicts)
	for i, n := range counts {
		for _, c := range pooled[offset : offset+n] {
			reports[i].ConflictIDs = append(reports[i].ConflictIDs, c.ID)
		}
		offset += n
	}
	st.Conflicts = pooled

	blocking := conflict.BlockingConflicts(pooled)
	var conflictBlockers []string
	for _, c := range blocking {
		conflictBlockers = append(conflictBlockers, ConflictBlockerPrefix+c.Description)
	}

	for _, i := range e.catalogOrder(st.Milestones) {
		m := st.Milestones[i]
		m.Blockers = manualBlockers(m.Blockers)
		factors, err := e.Tracker.CalculateConfidenceFactors(m, st.Facts, st.Decisions, pooled)
		if err != nil {
			return Outcome{}, err
		}
		m.Confidence = factors.Total
		p, err := e.Tracker.CalculateProgress(m, st.Milestones, st.Facts, st.Decisions, pooled)
		if err != nil {
			return Outcome{}, err
		}
		m = e.Tracker.AutoUpdateStatus(m, p)
		m.Blockers = append(m.Blockers, conflictBlockers...)
		st.Milestones[i] = m
		log.Debug("milestone evaluated", "key", m.Key, "status", m.Status, "confidence", m.Confidence)
	}

	for i := range st.Decisions {
		st.Decisions[i].Confidence = e.Recorder.CalculateConfidence(st.Decisions[i], st.Facts)
	}

	ready := milestone.ReadyForOutputs(st.Milestones)
	st.Graph.OverallConfidence = milestone.OverallConfidence(st.Milestones)
	switch {
	case st.Graph.Status == domain.JobComplete:
	case len(blocking) > 0:
		st.Graph.Status = domain.JobBlocked
	case ready:
		st.Graph.Status = domain.JobReadyForOutputs
	default:
		st.Graph.Status = domain.JobInProgress
	}
	st.Graph.UpdatedAt = e.now()

	out := Outcome{
		State:        st,
		Summary:      summarize(st),
		Completeness: assess(st, ready),
		Validation:   reports,
	}
	log.Info("job graph processed",
		"status", st.Graph.Status,
		"confidence", st.Graph.OverallConfidence,
		"completed", out.Summary.CompletedMilestones,
		"critical_conflicts", out.Summary.CriticalConflicts)
	return out, nil
}

// MarkComplete moves a ready job graph to its terminal complete status.
func (e Engine) MarkComplete(state domain.JobGraphState) (domain.JobGraphState, error) {
	switch state.Graph.Status {
	case domain.JobComplete:
		return state, nil
	case domain.JobReadyForOutputs:
	default:
		return state, fmt.Errorf("%w: status is %s", ErrNotReady, state.Graph.Status)
	}
	st := copyState(state)
	st.Graph.Status = domain.JobComplete
	st.Graph.UpdatedAt = e.now()
	return st, nil
}

// ResolveConflict records an engineer's resolution on a conflict. The resolution is
// carried into later passes for as long as the same conflict is re-detected.
func (e Engine) ResolveConflict(state domain.JobGraphState, conflictID, resolution string) (domain.JobGraphState, error) {
	if strings.TrimSpace(resolution) == "" {
		return state, errors.New("resolution is required")
	}
	st := copyState(state)
	for i, c := range st.Conflicts {
		if c.ID != conflictID {
			continue
		}
		if c.ResolvedAt != nil {
			return st, nil
		}
		now := e.now()
		st.Conflicts[i].Resolution = resolution
		st.Conflicts[i].ResolvedAt = &now
		return st, nil
	}
	return state, fmt.Errorf("%w %q", ErrUnknownConflict, conflictID)
}

// catalogOrder returns milestone indices sorted by catalog position so prerequisites
// are settled before their dependents within a single pass.
func (e Engine) catalogOrder(ms []domain.Milestone) []int {
	pos := map[string]int{}
	for i, k := range e.Catalog.Keys() {
		pos[k] = i
	}
	idx := make([]int, len(ms))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return pos[ms[idx[a]].Key] < pos[ms[idx[b]].Key]
	})
	return idx
}

func manualBlockers(blockers []string) []string {
	out := []string{}
	for _, b := range blockers {
		if !strings.HasPrefix(b, ConflictBlockerPrefix) {
			out = append(out, b)
		}
	}
	return out
}

func summarize(st domain.JobGraphState) domain.JobGraphSummary {
	s := domain.JobGraphSummary{
		JobGraphID:        st.Graph.ID,
		Status:            st.Graph.Status,
		TotalMilestones:   len(st.Milestones),
		OverallConfidence: st.Graph.OverallConfidence,
	}
	for _, m := range st.Milestones {
		if m.Status == domain.MilestoneComplete {
			s.CompletedMilestones++
		}
	}
	for _, c := range st.Conflicts {
		if c.ResolvedAt != nil {
			continue
		}
		switch c.Severity {
		case domain.SeverityCritical:
			s.CriticalConflicts++
		case domain.SeverityWarning:
			s.WarningConflicts++
		}
	}
	return s
}

// assess builds the completeness view. Quote, PDF and portal readiness share one gate.
func assess(st domain.JobGraphState, ready bool) domain.CompletenessAssessment {
	a := domain.CompletenessAssessment{
		OverallPercentage:    milestone.OverallCompletion(st.Milestones),
		ReadyForQuote:        ready,
		ReadyForPDF:          ready,
		ReadyForPortal:       ready,
		MissingCriticalFacts: []string{},
		UnresolvedConflicts:  []domain.Conflict{},
	}
	idx := domain.IndexFacts(st.Facts)
	for _, k := range domain.CriticalFactKeys {
		if len(idx[k]) == 0 {
			a.MissingCriticalFacts = append(a.MissingCriticalFacts, k.String())
		}
	}
	for _, c := range st.Conflicts {
		if c.ResolvedAt == nil {
			a.UnresolvedConflicts = append(a.UnresolvedConflicts, c)
		}
	}
	return a
}
