package decision

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"heatspec/internal/domain"
)

// ErrInvalidDecision is returned by Build when required fields are missing.
var ErrInvalidDecision = errors.New("invalid decision")

// Builder assembles a Decision step by step. Build validates and returns a value copy.
type Builder struct {
	Now   func() time.Time
	NewID func() string

	jobGraphID   string
	milestoneID  *string
	decisionType domain.DecisionType
	text         string
	reasoning    string
	rule         *domain.RuleReference
	evidence     []string
	confidence   *int
	risks        []string
	createdBy    domain.Creator
}

// NewBuilder starts a decision for jobGraphID. The creator defaults to ai.
func NewBuilder(jobGraphID string) *Builder {
	return &Builder{
		Now:        time.Now,
		NewID:      domain.NewID,
		jobGraphID: jobGraphID,
		createdBy:  domain.CreatedByAI,
	}
}

func (b *Builder) Type(t domain.DecisionType) *Builder {
	b.decisionType = t
	return b
}

func (b *Builder) Decide(text string) *Builder {
	b.text = text
	return b
}

func (b *Builder) Because(reasoning string) *Builder {
	b.reasoning = reasoning
	return b
}

func (b *Builder) ForMilestone(milestoneID string) *Builder {
	b.milestoneID = &milestoneID
	return b
}

func (b *Builder) ApplyingRule(rule domain.RuleReference) *Builder {
	b.rule = &rule
	return b
}

// BasedOn appends evidence fact IDs.
func (b *Builder) BasedOn(factIDs ...string) *Builder {
	b.evidence = append(b.evidence, factIDs...)
	return b
}

func (b *Builder) WithConfidence(confidence int) *Builder {
	b.confidence = &confidence
	return b
}

// WithRisk appends a declared risk or assumption.
func (b *Builder) WithRisk(risk string) *Builder {
	b.risks = append(b.risks, risk)
	return b
}

func (b *Builder) By(creator domain.Creator) *Builder {
	b.createdBy = creator
	return b
}

// Build validates required fields and returns the decision.
func (b *Builder) Build() (domain.Decision, error) {
	var missing []string
	if b.decisionType == "" {
		missing = append(missing, "type")
	}
	if strings.TrimSpace(b.text) == "" {
		missing = append(missing, "decision")
	}
	if strings.TrimSpace(b.reasoning) == "" {
		missing = append(missing, "reasoning")
	}
	if b.confidence == nil {
		missing = append(missing, "confidence")
	}
	if len(missing) > 0 {
		return domain.Decision{}, fmt.Errorf("%w: missing %s", ErrInvalidDecision, strings.Join(missing, ", "))
	}
	if *b.confidence < 0 || *b.confidence > 100 {
		return domain.Decision{}, fmt.Errorf("%w: confidence %d outside 0-100", ErrInvalidDecision, *b.confidence)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	newID := domain.NewID
	if b.NewID != nil {
		newID = b.NewID
	}
	d := domain.Decision{
		ID:              newID(),
		JobGraphID:      b.jobGraphID,
		DecisionType:    b.decisionType,
		Decision:        b.text,
		Reasoning:       b.reasoning,
		EvidenceFactIDs: append([]string{}, b.evidence...),
		Confidence:      *b.confidence,
		Risks:           append([]string{}, b.risks...),
		CreatedAt:       now().UTC(),
		CreatedBy:       b.createdBy,
	}
	if b.milestoneID != nil {
		id := *b.milestoneID
		d.MilestoneID = &id
	}
	if b.rule != nil {
		rule := *b.rule
		d.RuleApplied = &rule
	}
	return d, nil
}
