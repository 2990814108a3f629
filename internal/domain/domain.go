package domain

import "time"

type JobGraphStatus string

const (
	JobInProgress      JobGraphStatus = "in_progress"
	JobBlocked         JobGraphStatus = "blocked"
	JobReadyForOutputs JobGraphStatus = "ready_for_outputs"
	JobComplete        JobGraphStatus = "complete"
)

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneComplete   MilestoneStatus = "complete"
	MilestoneBlocked    MilestoneStatus = "blocked"
)

type Criticality string

const (
	Critical  Criticality = "critical"
	Important Criticality = "important"
	Optional  Criticality = "optional"
)

type FactCategory string

const (
	CategoryProperty       FactCategory = "property"
	CategoryExistingSystem FactCategory = "existing_system"
	CategoryElectrical     FactCategory = "electrical"
	CategoryGas            FactCategory = "gas"
	CategoryWater          FactCategory = "water"
	CategoryStructure      FactCategory = "structure"
	CategoryAccess         FactCategory = "access"
	CategoryMeasurements   FactCategory = "measurements"
	CategoryRegulatory     FactCategory = "regulatory"
	CategoryCustomer       FactCategory = "customer"
	CategoryHazards        FactCategory = "hazards"
	CategoryOther          FactCategory = "other"
)

// FactCategories lists the closed set of fact categories.
var FactCategories = []FactCategory{
	CategoryProperty, CategoryExistingSystem, CategoryElectrical, CategoryGas, CategoryWater,
	CategoryStructure, CategoryAccess, CategoryMeasurements, CategoryRegulatory,
	CategoryCustomer, CategoryHazards, CategoryOther,
}

// Valid reports whether c is one of the known categories.
func (c FactCategory) Valid() bool {
	for _, known := range FactCategories {
		if c == known {
			return true
		}
	}
	return false
}

type ExtractionMethod string

const (
	ExtractedByAI          ExtractionMethod = "ai"
	ExtractedManually      ExtractionMethod = "manual"
	ExtractedByMeasurement ExtractionMethod = "measurement"
	ExtractedByCalculation ExtractionMethod = "calculation"
	ExtractedByLookup      ExtractionMethod = "lookup"
)

type DecisionType string

const (
	DecisionSystemSelection DecisionType = "system_selection"
	DecisionCompliance      DecisionType = "compliance"
	DecisionUpgradePath     DecisionType = "upgrade_path"
	DecisionSpecification   DecisionType = "specification"
	DecisionRiskMitigation  DecisionType = "risk_mitigation"
	DecisionCustomerOption  DecisionType = "customer_option"
)

type Creator string

const (
	CreatedByAI       Creator = "ai"
	CreatedByEngineer Creator = "engineer"
	CreatedBySystem   Creator = "system"
)

type RuleSource string

const (
	SourceManufacturerInstructions RuleSource = "manufacturer_instructions"
	SourceBuildingRegulations      RuleSource = "building_regulations"
	SourceBSStandard               RuleSource = "bs_standard"
	SourceHSGGuidance              RuleSource = "hsg_guidance"
	SourceIndustryBestPractice     RuleSource = "industry_best_practice"
	SourceLocalAuthority           RuleSource = "local_authority"
)

type Restrictiveness string

const (
	MoreRestrictive Restrictiveness = "more_restrictive"
	EquallyStrict   Restrictiveness = "equal"
	LessRestrictive Restrictiveness = "less_restrictive"
)

type ConflictType string

const (
	ConflictMIvsRegs          ConflictType = "mi_vs_regs"
	ConflictFactContradiction ConflictType = "fact_contradiction"
	ConflictValidationFailure ConflictType = "validation_failure"
	ConflictIncompatibility   ConflictType = "incompatibility"
	ConflictMissingData       ConflictType = "missing_data"
	ConflictRiskUnmitigated   ConflictType = "risk_unmitigated"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// JobGraph is the per-visit root of the orchestration state.
type JobGraph struct {
	ID                string         `json:"id" yaml:"id"`
	VisitID           string         `json:"visit_id" yaml:"visit_id"`
	PropertyID        string         `json:"property_id" yaml:"property_id"`
	Status            JobGraphStatus `json:"status" yaml:"status" enum:"in_progress,blocked,ready_for_outputs,complete"`
	OverallConfidence int            `json:"overall_confidence" yaml:"overall_confidence"`
	Version           int            `json:"version" yaml:"version"`
	CreatedAt         time.Time      `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

type MilestoneMetadata struct {
	Criticality   Criticality    `json:"criticality" yaml:"criticality" enum:"critical,important,optional"`
	RequiredFacts []FactCategory `json:"required_facts" yaml:"required_facts"`
}

type Milestone struct {
	ID          string            `json:"id" yaml:"id"`
	JobGraphID  string            `json:"job_graph_id" yaml:"job_graph_id"`
	Key         string            `json:"key" yaml:"key"`
	Label       string            `json:"label" yaml:"label"`
	Status      MilestoneStatus   `json:"status" yaml:"status" enum:"pending,in_progress,complete,blocked"`
	Confidence  int               `json:"confidence" yaml:"confidence"`
	Blockers    []string          `json:"blockers" yaml:"blockers"`
	Metadata    MilestoneMetadata `json:"metadata" yaml:"metadata"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" yaml:"completed_at,omitempty" format:"date-time"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

// Fact is an immutable unit of evidence. Corrections are new facts.
type Fact struct {
	ID               string           `json:"id" yaml:"id"`
	JobGraphID       string           `json:"job_graph_id" yaml:"job_graph_id"`
	SourceEventID    *string          `json:"source_event_id,omitempty" yaml:"source_event_id,omitempty"`
	Category         FactCategory     `json:"category" yaml:"category"`
	Key              string           `json:"key" yaml:"key"`
	Value            any              `json:"value" yaml:"value"`
	Unit             string           `json:"unit,omitempty" yaml:"unit,omitempty"`
	Confidence       int              `json:"confidence" yaml:"confidence"`
	ExtractionMethod ExtractionMethod `json:"extraction_method" yaml:"extraction_method" enum:"ai,manual,measurement,calculation,lookup"`
	Notes            string           `json:"notes,omitempty" yaml:"notes,omitempty"`
	CreatedAt        time.Time        `json:"created_at" yaml:"created_at" format:"date-time"`
}

// RuleReference cites the rule a decision or conflict rests on.
// Metric and Value are optional and feed numeric restrictiveness comparison.
type RuleReference struct {
	Source          RuleSource      `json:"source" yaml:"source"`
	Standard        string          `json:"standard" yaml:"standard"`
	Section         string          `json:"section,omitempty" yaml:"section,omitempty"`
	Description     string          `json:"description" yaml:"description"`
	Restrictiveness Restrictiveness `json:"restrictiveness,omitempty" yaml:"restrictiveness,omitempty"`
	Metric          string          `json:"metric,omitempty" yaml:"metric,omitempty"`
	Value           *float64        `json:"value,omitempty" yaml:"value,omitempty"`
}

type Decision struct {
	ID              string         `json:"id" yaml:"id"`
	JobGraphID      string         `json:"job_graph_id" yaml:"job_graph_id"`
	MilestoneID     *string        `json:"milestone_id,omitempty" yaml:"milestone_id,omitempty"`
	DecisionType    DecisionType   `json:"decision_type" yaml:"decision_type"`
	Decision        string         `json:"decision" yaml:"decision"`
	Reasoning       string         `json:"reasoning" yaml:"reasoning"`
	RuleApplied     *RuleReference `json:"rule_applied,omitempty" yaml:"rule_applied,omitempty"`
	EvidenceFactIDs []string       `json:"evidence_fact_ids" yaml:"evidence_fact_ids"`
	Confidence      int            `json:"confidence" yaml:"confidence"`
	Risks           []string       `json:"risks" yaml:"risks"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at" format:"date-time"`
	CreatedBy       Creator        `json:"created_by" yaml:"created_by" enum:"ai,engineer,system"`
}

// CitesSource reports whether the decision's rule comes from src.
func (d Decision) CitesSource(src RuleSource) bool {
	return d.RuleApplied != nil && d.RuleApplied.Source == src
}

type Conflict struct {
	ID                  string         `json:"id" yaml:"id"`
	JobGraphID          string         `json:"job_graph_id" yaml:"job_graph_id"`
	ConflictType        ConflictType   `json:"conflict_type" yaml:"conflict_type"`
	Severity            Severity       `json:"severity" yaml:"severity" enum:"critical,warning,info"`
	Description         string         `json:"description" yaml:"description"`
	Rule1               *RuleReference `json:"rule1,omitempty" yaml:"rule1,omitempty"`
	Rule2               *RuleReference `json:"rule2,omitempty" yaml:"rule2,omitempty"`
	Resolution          string         `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	AffectedFactIDs     []string       `json:"affected_fact_ids" yaml:"affected_fact_ids"`
	AffectedDecisionIDs []string       `json:"affected_decision_ids" yaml:"affected_decision_ids"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty" format:"date-time"`
	CreatedAt           time.Time      `json:"created_at" yaml:"created_at" format:"date-time"`
}

// Blocking reports whether c is critical and unresolved.
func (c Conflict) Blocking() bool {
	return c.Severity == SeverityCritical && c.ResolvedAt == nil
}

// TimelineEvent is a capture event (photo, note, transcript segment) facts may originate from.
type TimelineEvent struct {
	EventID   string    `json:"event_id" yaml:"event_id"`
	Type      string    `json:"type" yaml:"type"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp" format:"date-time"`
}

// Event is an entry in the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	JobGraphID string `json:"job_graph_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// JobGraphState is the full input and output of an orchestration pass.
type JobGraphState struct {
	Graph      JobGraph    `json:"graph" yaml:"graph"`
	Milestones []Milestone `json:"milestones" yaml:"milestones"`
	Facts      []Fact      `json:"facts" yaml:"facts"`
	Decisions  []Decision  `json:"decisions" yaml:"decisions"`
	Conflicts  []Conflict  `json:"conflicts" yaml:"conflicts"`
}

type JobGraphSummary struct {
	JobGraphID          string         `json:"job_graph_id"`
	Status              JobGraphStatus `json:"status"`
	CompletedMilestones int            `json:"completed_milestones"`
	TotalMilestones     int            `json:"total_milestones"`
	CriticalConflicts   int            `json:"critical_conflicts"`
	WarningConflicts    int            `json:"warning_conflicts"`
	OverallConfidence   int            `json:"overall_confidence"`
}

type CompletenessAssessment struct {
	OverallPercentage    int        `json:"overall_percentage"`
	ReadyForQuote        bool       `json:"ready_for_quote"`
	ReadyForPDF          bool       `json:"ready_for_pdf"`
	ReadyForPortal       bool       `json:"ready_for_portal"`
	MissingCriticalFacts []string   `json:"missing_critical_facts"`
	UnresolvedConflicts  []Conflict `json:"unresolved_conflicts"`
}
