package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"heatspec/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleState is returned by SaveStateTx when the job graph changed since it was loaded.
	ErrStaleState = errors.New("job graph was modified concurrently")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobGraphColumns = `id,visit_id,property_id,status,overall_confidence,version,created_at,updated_at`

func scanJobGraph(scan func(dest ...any) error) (domain.JobGraph, error) {
	var g domain.JobGraph
	var created, updated string
	err := scan(&g.ID, &g.VisitID, &g.PropertyID, &g.Status, &g.OverallConfidence, &g.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.CreatedAt = parseTime(created)
	g.UpdatedAt = parseTime(updated)
	return g, nil
}

// InsertJobGraphTx stores a new job graph and its milestones at version 1.
func (r Repo) InsertJobGraphTx(ctx context.Context, tx *sql.Tx, st domain.JobGraphState) error {
	g := st.Graph
	if g.Version == 0 {
		g.Version = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO job_graphs(`+jobGraphColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.VisitID, g.PropertyID, g.Status, g.OverallConfidence, g.Version, formatTime(g.CreatedAt), formatTime(g.UpdatedAt)); err != nil {
		return fmt.Errorf("insert job graph: %w", err)
	}
	for _, m := range st.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetJobGraph(ctx context.Context, id string) (domain.JobGraph, error) {
	return getJobGraph(ctx, r.DB, id)
}

func getJobGraph(ctx context.Context, q querier, id string) (domain.JobGraph, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobGraphColumns+` FROM job_graphs WHERE id=?`, id)
	return scanJobGraph(row.Scan)
}

// ListJobGraphs returns job graphs newest first, optionally filtered by status.
func (r Repo) ListJobGraphs(ctx context.Context, status string) ([]domain.JobGraph, error) {
	query := `SELECT ` + jobGraphColumns + ` FROM job_graphs`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.JobGraph{}
	for rows.Next() {
		g, err := scanJobGraph(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// JobGraphIDForVisit returns the job graph created for a visit.
func (r Repo) JobGraphIDForVisit(ctx context.Context, visitID string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM job_graphs WHERE visit_id=? ORDER BY created_at LIMIT 1`, visitID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

// LoadState reads the full orchestration state of a job graph.
func (r Repo) LoadState(ctx context.Context, id string) (domain.JobGraphState, error) {
	return loadState(ctx, r.DB, id)
}

func (r Repo) LoadStateTx(ctx context.Context, tx *sql.Tx, id string) (domain.JobGraphState, error) {
	return loadState(ctx, tx, id)
}

func loadState(ctx context.Context, q querier, id string) (domain.JobGraphState, error) {
	var st domain.JobGraphState
	g, err := getJobGraph(ctx, q, id)
	if err != nil {
		return st, err
	}
	st.Graph = g
	if st.Milestones, err = listMilestones(ctx, q, id); err != nil {
		return st, err
	}
	if st.Facts, err = listFacts(ctx, q, id); err != nil {
		return st, err
	}
	if st.Decisions, err = listDecisions(ctx, q, id); err != nil {
		return st, err
	}
	if st.Conflicts, err = listConflicts(ctx, q, id); err != nil {
		return st, err
	}
	return st, nil
}

// SaveStateTx writes the result of an orchestration pass. The stored version must match
// st.Graph.Version; the new version is returned. Facts and decisions are append-only, so
// existing rows are left alone apart from decision confidence.
func (r Repo) SaveStateTx(ctx context.Context, tx *sql.Tx, st domain.JobGraphState) (int, error) {
	g := st.Graph
	res, err := tx.ExecContext(ctx, `UPDATE job_graphs SET status=?, overall_confidence=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		g.Status, g.OverallConfidence, formatTime(g.UpdatedAt), g.ID, g.Version)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getJobGraph(ctx, tx, g.ID); err != nil {
			return 0, err
		}
		return 0, ErrStaleState
	}
	for _, m := range st.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return 0, err
		}
	}
	for _, f := range st.Facts {
		if err := r.InsertFactTx(ctx, tx, f); err != nil {
			return 0, err
		}
	}
	for _, d := range st.Decisions {
		if err := r.InsertDecisionTx(ctx, tx, d); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE decisions SET confidence=? WHERE id=?`, d.Confidence, d.ID); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE job_graph_id=?`, g.ID); err != nil {
		return 0, err
	}
	for i, c := range st.Conflicts {
		if err := insertConflict(ctx, tx, c, i); err != nil {
			return 0, err
		}
	}
	return g.Version + 1, nil
}

func upsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	blockers, err := marshalList(m.Blockers)
	if err != nil {
		return err
	}
	required, err := marshalList(m.Metadata.RequiredFacts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO milestones(id,job_graph_id,key,label,status,confidence,blockers_json,criticality,required_facts_json,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_graph_id,key) DO UPDATE SET status=excluded.status, confidence=excluded.confidence, blockers_json=excluded.blockers_json,
completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		m.ID, m.JobGraphID, m.Key, m.Label, m.Status, m.Confidence, blockers, m.Metadata.Criticality, required,
		nullableTime(m.CompletedAt), formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert milestone %s: %w", m.Key, err)
	}
	return nil
}

func listMilestones(ctx context.Context, q querier, jobGraphID string) ([]domain.Milestone, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,job_graph_id,key,label,status,confidence,blockers_json,criticality,required_facts_json,completed_at,created_at,updated_at
FROM milestones WHERE job_graph_id=? ORDER BY rowid`, jobGraphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Milestone{}
	for rows.Next() {
		var m domain.Milestone
		var blockers, required, created, updated string
		var completed sql.NullString
		if err := rows.Scan(&m.ID, &m.JobGraphID, &m.Key, &m.Label, &m.Status, &m.Confidence, &blockers, &m.Metadata.Criticality,
			&required, &completed, &created, &updated); err != nil {
			return nil, err
		}
		m.Blockers = []string{}
		if err := json.Unmarshal([]byte(blockers), &m.Blockers); err != nil {
			return nil, fmt.Errorf("milestone %s blockers: %w", m.Key, err)
		}
		m.Metadata.RequiredFacts = []domain.FactCategory{}
		if err := json.Unmarshal([]byte(required), &m.Metadata.RequiredFacts); err != nil {
			return nil, fmt.Errorf("milestone %s required facts: %w", m.Key, err)
		}
		m.CompletedAt = parseTimePtr(completed)
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertFactTx stores a fact. Facts are immutable; re-inserting an existing ID is a no-op.
func (r Repo) InsertFactTx(ctx context.Context, tx *sql.Tx, f domain.Fact) error {
	value, err := json.Marshal(f.Value)
	if err != nil {
		return fmt.Errorf("fact %s value: %w", f.ID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO facts(id,job_graph_id,source_event_id,category,key,value_json,unit,confidence,extraction_method,notes,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.JobGraphID, nullableStringPtr(f.SourceEventID), f.Category, f.Key, string(value), nullable(f.Unit), f.Confidence,
		f.ExtractionMethod, nullable(f.Notes), formatTime(f.CreatedAt))
	return err
}

func (r Repo) ListFacts(ctx context.Context, jobGraphID string) ([]domain.Fact, error) {
	return listFacts(ctx, r.DB, jobGraphID)
}

func listFacts(ctx context.Context, q querier, jobGraphID string) ([]domain.Fact, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,job_graph_id,source_event_id,category,key,value_json,COALESCE(unit,''),confidence,extraction_method,COALESCE(notes,''),created_at
FROM facts WHERE job_graph_id=? ORDER BY created_at, rowid`, jobGraphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Fact{}
	for rows.Next() {
		var f domain.Fact
		var source sql.NullString
		var value, created string
		if err := rows.Scan(&f.ID, &f.JobGraphID, &source, &f.Category, &f.Key, &value, &f.Unit, &f.Confidence, &f.ExtractionMethod, &f.Notes, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(value), &f.Value); err != nil {
			return nil, fmt.Errorf("fact %s value: %w", f.ID, err)
		}
		if source.Valid {
			s := source.String
			f.SourceEventID = &s
		}
		f.CreatedAt = parseTime(created)
		res = append(res, f)
	}
	return res, rows.Err()
}

// InsertDecisionTx stores a decision. Re-inserting an existing ID is a no-op.
func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	var rule any
	if d.RuleApplied != nil {
		data, err := json.Marshal(d.RuleApplied)
		if err != nil {
			return err
		}
		rule = string(data)
	}
	evidence, err := marshalList(d.EvidenceFactIDs)
	if err != nil {
		return err
	}
	risks, err := marshalList(d.Risks)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO decisions(id,job_graph_id,milestone_id,decision_type,decision,reasoning,rule_json,evidence_json,confidence,risks_json,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.JobGraphID, nullableStringPtr(d.MilestoneID), d.DecisionType, d.Decision, d.Reasoning, rule, evidence, d.Confidence, risks,
		d.CreatedBy, formatTime(d.CreatedAt))
	return err
}

func (r Repo) ListDecisions(ctx context.Context, jobGraphID string) ([]domain.Decision, error) {
	return listDecisions(ctx, r.DB, jobGraphID)
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE id=?`, id)
	if err != nil {
		return domain.Decision{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{}, ErrNotFound
	}
	return scanDecision(rows)
}

const decisionColumns = `id,job_graph_id,milestone_id,decision_type,decision,reasoning,rule_json,evidence_json,confidence,risks_json,created_by,created_at`

func listDecisions(ctx context.Context, q querier, jobGraphID string) ([]domain.Decision, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE job_graph_id=? ORDER BY created_at, rowid`, jobGraphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Decision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDecision(rows *sql.Rows) (domain.Decision, error) {
	var d domain.Decision
	var milestoneID, rule sql.NullString
	var evidence, risks, created string
	if err := rows.Scan(&d.ID, &d.JobGraphID, &milestoneID, &d.DecisionType, &d.Decision, &d.Reasoning, &rule, &evidence, &d.Confidence,
		&risks, &d.CreatedBy, &created); err != nil {
		return d, err
	}
	if milestoneID.Valid {
		s := milestoneID.String
		d.MilestoneID = &s
	}
	if rule.Valid {
		d.RuleApplied = &domain.RuleReference{}
		if err := json.Unmarshal([]byte(rule.String), d.RuleApplied); err != nil {
			return d, fmt.Errorf("decision %s rule: %w", d.ID, err)
		}
	}
	d.EvidenceFactIDs = []string{}
	if err := json.Unmarshal([]byte(evidence), &d.EvidenceFactIDs); err != nil {
		return d, fmt.Errorf("decision %s evidence: %w", d.ID, err)
	}
	d.Risks = []string{}
	if err := json.Unmarshal([]byte(risks), &d.Risks); err != nil {
		return d, fmt.Errorf("decision %s risks: %w", d.ID, err)
	}
	d.CreatedAt = parseTime(created)
	return d, nil
}

func insertConflict(ctx context.Context, tx *sql.Tx, c domain.Conflict, position int) error {
	rule1, err := nullableJSON(c.Rule1)
	if err != nil {
		return err
	}
	rule2, err := nullableJSON(c.Rule2)
	if err != nil {
		return err
	}
	facts, err := marshalList(c.AffectedFactIDs)
	if err != nil {
		return err
	}
	decisions, err := marshalList(c.AffectedDecisionIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conflicts(id,job_graph_id,conflict_type,severity,description,rule1_json,rule2_json,resolution,affected_facts_json,affected_decisions_json,resolved_at,created_at,position)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.JobGraphID, c.ConflictType, c.Severity, c.Description, rule1, rule2, nullable(c.Resolution), facts, decisions,
		nullableTime(c.ResolvedAt), formatTime(c.CreatedAt), position)
	if err != nil {
		return fmt.Errorf("insert conflict %s: %w", c.ID, err)
	}
	return nil
}

func (r Repo) ListConflicts(ctx context.Context, jobGraphID string) ([]domain.Conflict, error) {
	return listConflicts(ctx, r.DB, jobGraphID)
}

func listConflicts(ctx context.Context, q querier, jobGraphID string) ([]domain.Conflict, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,job_graph_id,conflict_type,severity,description,rule1_json,rule2_json,COALESCE(resolution,''),affected_facts_json,affected_decisions_json,resolved_at,created_at
FROM conflicts WHERE job_graph_id=? ORDER BY position`, jobGraphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Conflict{}
	for rows.Next() {
		var c domain.Conflict
		var rule1, rule2, resolved sql.NullString
		var facts, decisions, created string
		if err := rows.Scan(&c.ID, &c.JobGraphID, &c.ConflictType, &c.Severity, &c.Description, &rule1, &rule2, &c.Resolution,
			&facts, &decisions, &resolved, &created); err != nil {
			return nil, err
		}
		if c.Rule1, err = parseRule(rule1); err != nil {
			return nil, err
		}
		if c.Rule2, err = parseRule(rule2); err != nil {
			return nil, err
		}
		c.AffectedFactIDs = []string{}
		if err := json.Unmarshal([]byte(facts), &c.AffectedFactIDs); err != nil {
			return nil, err
		}
		c.AffectedDecisionIDs = []string{}
		if err := json.Unmarshal([]byte(decisions), &c.AffectedDecisionIDs); err != nil {
			return nil, err
		}
		c.ResolvedAt = parseTimePtr(resolved)
		c.CreatedAt = parseTime(created)
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertCaptureEventTx records a capture event facts can cite as their source.
func (r Repo) InsertCaptureEventTx(ctx context.Context, tx *sql.Tx, jobGraphID string, ev domain.TimelineEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO capture_events(event_id,job_graph_id,type,ts) VALUES (?,?,?,?)`,
		ev.EventID, jobGraphID, ev.Type, formatTime(ev.Timestamp))
	return err
}

// TimelineEvents returns a job graph's capture events in time order.
func (r Repo) TimelineEvents(ctx context.Context, jobGraphID string) ([]domain.TimelineEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id,type,ts FROM capture_events WHERE job_graph_id=? ORDER BY ts, event_id`, jobGraphID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TimelineEvent{}
	for rows.Next() {
		var ev domain.TimelineEvent
		var ts string
		if err := rows.Scan(&ev.EventID, &ev.Type, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = parseTime(ts)
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CaptureEventExists reports whether a capture event is recorded on the job graph.
func (r Repo) CaptureEventExists(ctx context.Context, jobGraphID, eventID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM capture_events WHERE job_graph_id=? AND event_id=?`, jobGraphID, eventID).Scan(&n)
	return n > 0, err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, jobGraphID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if jobGraphID != "" {
		clauses = append(clauses, "job_graph_id=?")
		args = append(args, jobGraphID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(job_graph_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobGraphID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableJSON(rule *domain.RuleReference) (any, error) {
	if rule == nil {
		return nil, nil
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func parseRule(v sql.NullString) (*domain.RuleReference, error) {
	if !v.Valid {
		return nil, nil
	}
	var rule domain.RuleReference
	if err := json.Unmarshal([]byte(v.String), &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
