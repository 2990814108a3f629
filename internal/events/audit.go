package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the application service.
const (
	JobCreated       = "jobgraph.created"
	JobProcessed     = "jobgraph.processed"
	JobCompleted     = "jobgraph.completed"
	FactAdded        = "fact.added"
	DecisionAdded    = "decision.added"
	ConflictResolved = "conflict.resolved"
	CaptureRecorded  = "capture.recorded"
)

// Kind names the entity an audit record is about.
type Kind string

const (
	KindJobGraph Kind = "job_graph"
	KindFact     Kind = "fact"
	KindDecision Kind = "decision"
	KindCapture  Kind = "capture_event"
)

// DefaultActor is recorded when a caller does not identify itself.
const DefaultActor = "local-user"

// Record is one row of a job graph's audit trail.
type Record struct {
	Type       string
	JobGraphID string
	Kind       Kind
	EntityID   string
	Actor      string
	Payload    map[string]any
}

// OnJob builds a record about the job graph itself.
func OnJob(evtType, jobGraphID, actor string, payload map[string]any) Record {
	return Record{Type: evtType, JobGraphID: jobGraphID, Kind: KindJobGraph, EntityID: jobGraphID, Actor: actor, Payload: payload}
}

// Log appends audit records inside the caller's transaction so they commit with the state change.
type Log struct {
	Now func() time.Time
}

func (l Log) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.Type == "" || rec.Kind == "" {
		return fmt.Errorf("audit record needs a type and entity kind")
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	if rec.Actor == "" {
		rec.Actor = DefaultActor
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", rec.Type, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,job_graph_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), rec.Type, nullable(rec.JobGraphID), string(rec.Kind), nullable(rec.EntityID), rec.Actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
