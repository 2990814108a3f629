package server

import (
	"encoding/json"

	"heatspec/internal/domain"
	"heatspec/internal/engine"
)

// Request payloads

type CreateJobRequest struct {
	VisitID    string `json:"visit_id" minLength:"1"`
	PropertyID string `json:"property_id" minLength:"1"`
}

type AddFactRequest struct {
	Category         string          `json:"category" enum:"property,existing_system,electrical,gas,water,structure,access,measurements,regulatory,customer,hazards,other"`
	Key              string          `json:"key" minLength:"1"`
	Value            any             `json:"value"`
	Unit             string          `json:"unit,omitempty"`
	Confidence       int             `json:"confidence" minimum:"0" maximum:"100"`
	ExtractionMethod string          `json:"extraction_method,omitempty" enum:"ai,manual,measurement,calculation,lookup"`
	Notes            string          `json:"notes,omitempty"`
	SourceEventID    string          `json:"source_event_id,omitempty"`
}

type AddDecisionRequest struct {
	DecisionType    string                `json:"decision_type" enum:"system_selection,compliance,upgrade_path,specification,risk_mitigation,customer_option"`
	Decision        string                `json:"decision"`
	Reasoning       string                `json:"reasoning"`
	MilestoneKey    string                `json:"milestone_key,omitempty"`
	RuleApplied     *domain.RuleReference `json:"rule_applied,omitempty"`
	EvidenceFactIDs []string              `json:"evidence_fact_ids,omitempty"`
	Confidence      int                   `json:"confidence" minimum:"0" maximum:"100"`
	Risks           []string              `json:"risks,omitempty"`
	CreatedBy       string                `json:"created_by,omitempty" enum:"ai,engineer,system"`
}

type AddCaptureEventRequest struct {
	EventID   string `json:"event_id,omitempty"`
	Type      string `json:"type" minLength:"1"`
	Timestamp string `json:"timestamp,omitempty" format:"date-time"`
}

type ResolveConflictRequest struct {
	Resolution string `json:"resolution" minLength:"1"`
}

// Response payloads

type DecisionResponse struct {
	Decision domain.Decision `json:"decision"`
	Warnings []string        `json:"warnings"`
}

type OutcomeResponse struct {
	Graph        domain.JobGraph               `json:"graph"`
	Milestones   []domain.Milestone            `json:"milestones"`
	Conflicts    []domain.Conflict             `json:"conflicts"`
	Decisions    []domain.Decision             `json:"decisions"`
	Summary      domain.JobGraphSummary        `json:"summary"`
	Completeness domain.CompletenessAssessment `json:"completeness"`
	Validation   []engine.ValidatorReport      `json:"validation"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	JobGraphID string         `json:"job_graph_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func outcomeResponse(out engine.Outcome) OutcomeResponse {
	return OutcomeResponse{
		Graph:        out.State.Graph,
		Milestones:   out.State.Milestones,
		Conflicts:    out.State.Conflicts,
		Decisions:    out.State.Decisions,
		Summary:      out.Summary,
		Completeness: out.Completeness,
		Validation:   out.Validation,
	}
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		JobGraphID: e.JobGraphID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
