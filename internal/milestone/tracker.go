package milestone

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"heatspec/internal/domain"
)

const (
	baseConfidence        = 50
	highConfidenceFact    = 70
	lowConfidenceFact     = 40
	factPoints            = 5
	factPointsCap         = 30
	engineerPoints        = 20
	criticalConflictCost  = 20
	otherConflictCost     = 5
	blockerCost           = 50
	requirementsMetPoints = 20

	// CompletionConfidence is the confidence a milestone needs to auto-complete.
	CompletionConfidence = 80
	// ReadinessConfidence is the confidence every critical milestone needs for outputs.
	ReadinessConfidence = 70

	criticalTierWeight  = 0.7
	importantTierWeight = 0.3
)

// ConfidenceScope selects which facts and decisions feed a milestone's confidence.
type ConfidenceScope string

const (
	// ScopeJob scores every fact and decision passed in. The zero value behaves the same.
	ScopeJob ConfidenceScope = "job"
	// ScopeMilestone only scores facts in the milestone's required categories and
	// engineer decisions linked to the milestone or citing one of those facts.
	ScopeMilestone ConfidenceScope = "milestone"
)

// Tracker owns milestone creation and status transitions.
type Tracker struct {
	Catalog *Catalog
	Scope   ConfidenceScope
	Now     func() time.Time
	NewID   func() string
}

func NewTracker(c *Catalog) Tracker {
	return Tracker{Catalog: c, Now: time.Now, NewID: domain.NewID}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t Tracker) newID() string {
	if t.NewID != nil {
		return t.NewID()
	}
	return domain.NewID()
}

// Create instantiates a pending milestone from the catalog entry for key.
func (t Tracker) Create(jobGraphID, key string) (domain.Milestone, error) {
	def, err := t.Catalog.DefinitionOf(key)
	if err != nil {
		return domain.Milestone{}, err
	}
	now := t.now()
	return domain.Milestone{
		ID:         t.newID(),
		JobGraphID: jobGraphID,
		Key:        def.Key,
		Label:      def.Label,
		Status:     domain.MilestonePending,
		Blockers:   []string{},
		Metadata: domain.MilestoneMetadata{
			Criticality:   def.Criticality,
			RequiredFacts: append([]domain.FactCategory{}, def.RequiredFacts...),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CreateAll instantiates every catalog milestone for a new job graph.
func (t Tracker) CreateAll(jobGraphID string) []domain.Milestone {
	keys := t.Catalog.Keys()
	out := make([]domain.Milestone, 0, len(keys))
	for _, k := range keys {
		m, _ := t.Create(jobGraphID, k)
		out = append(out, m)
	}
	return out
}

// Factor is one named, signed contribution to a milestone's confidence.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

type ConfidenceFactors struct {
	Base    int      `json:"base"`
	Factors []Factor `json:"factors"`
	Total   int      `json:"total"`
}

type Progress struct {
	CanStart            bool                  `json:"can_start"`
	CanComplete         bool                  `json:"can_complete"`
	MissingRequirements []domain.FactCategory `json:"missing_requirements"`
	BlockingConflicts   []domain.Conflict     `json:"blocking_conflicts"`
	ConfidenceFactors   ConfidenceFactors     `json:"confidence_factors"`
}

// CalculateProgress evaluates m against the current job state.
func (t Tracker) CalculateProgress(m domain.Milestone, all []domain.Milestone, facts []domain.Fact, decisions []domain.Decision, conflicts []domain.Conflict) (Progress, error) {
	completed := CompletedKeys(all)
	canStart, err := t.Catalog.CanStart(m.Key, completed)
	if err != nil {
		return Progress{}, err
	}
	factors, err := t.CalculateConfidenceFactors(m, facts, decisions, conflicts)
	if err != nil {
		return Progress{}, err
	}
	missing := missingCategories(m, domain.IndexFacts(facts))
	blocking := BlockingConflicts(conflicts)
	return Progress{
		CanStart:            canStart,
		CanComplete:         canStart && len(missing) == 0 && len(blocking) == 0,
		MissingRequirements: missing,
		BlockingConflicts:   blocking,
		ConfidenceFactors:   factors,
	}, nil
}

// CalculateConfidenceFactors scores m from base 50 and clamps to [0,100].
// Every fact and decision passed in counts unless Scope is ScopeMilestone.
func (t Tracker) CalculateConfidenceFactors(m domain.Milestone, facts []domain.Fact, decisions []domain.Decision, conflicts []domain.Conflict) (ConfidenceFactors, error) {
	if _, err := t.Catalog.DefinitionOf(m.Key); err != nil {
		return ConfidenceFactors{}, err
	}
	relevant := facts
	if t.Scope == ScopeMilestone {
		relevant = relevantFacts(m, facts)
	}
	var high, low int
	for _, f := range relevant {
		switch {
		case f.Confidence >= highConfidenceFact:
			high++
		case f.Confidence < lowConfidenceFact:
			low++
		}
	}
	cf := ConfidenceFactors{Base: baseConfidence}
	add := func(name string, pts int) {
		if pts != 0 {
			cf.Factors = append(cf.Factors, Factor{Name: name, Points: pts})
		}
	}
	add("high_confidence_facts", min(high*factPoints, factPointsCap))
	add("low_confidence_facts", -min(low*factPoints, factPointsCap))
	if t.engineerReviewed(m, relevant, decisions) {
		add("engineer_decision", engineerPoints)
	}
	var critical, other int
	for _, c := range conflicts {
		if c.ResolvedAt != nil {
			continue
		}
		if c.Severity == domain.SeverityCritical {
			critical++
		} else {
			other++
		}
	}
	add("unresolved_conflicts", -(critical*criticalConflictCost + other*otherConflictCost))
	if len(m.Blockers) > 0 {
		add("active_blockers", -blockerCost)
	}
	if len(m.Metadata.RequiredFacts) > 0 && len(missingCategories(m, domain.IndexFacts(facts))) == 0 {
		add("requirements_met", requirementsMetPoints)
	}
	total := cf.Base
	for _, f := range cf.Factors {
		total += f.Points
	}
	cf.Total = clamp(total)
	return cf, nil
}

// AutoUpdateStatus applies the milestone state machine and returns the updated milestone.
func (t Tracker) AutoUpdateStatus(m domain.Milestone, p Progress) domain.Milestone {
	next := m.Status
	switch {
	case len(m.Blockers) > 0 || len(p.BlockingConflicts) > 0:
		next = domain.MilestoneBlocked
	case m.Status == domain.MilestoneComplete:
	case !p.CanStart:
		next = domain.MilestonePending
	case p.CanComplete && m.Confidence >= CompletionConfidence:
		next = domain.MilestoneComplete
	case m.Status == domain.MilestonePending || m.Status == domain.MilestoneBlocked:
		next = domain.MilestoneInProgress
	}
	if next == m.Status {
		return m
	}
	now := t.now()
	m.Status = next
	m.UpdatedAt = now
	if next == domain.MilestoneComplete {
		m.CompletedAt = &now
	} else {
		m.CompletedAt = nil
	}
	return m
}

// OverallCompletion is the percentage of milestones that are complete.
func OverallCompletion(milestones []domain.Milestone) int {
	if len(milestones) == 0 {
		return 0
	}
	done := 0
	for _, m := range milestones {
		if m.Status == domain.MilestoneComplete {
			done++
		}
	}
	return int(math.Round(float64(done) * 100 / float64(len(milestones))))
}

// OverallConfidence weights the critical tier 0.7 and the important tier 0.3.
// An empty tier counts as 100.
func OverallConfidence(milestones []domain.Milestone) int {
	var critical, important stats.Float64Data
	for _, m := range milestones {
		switch m.Metadata.Criticality {
		case domain.Critical:
			critical = append(critical, float64(m.Confidence))
		case domain.Important:
			important = append(important, float64(m.Confidence))
		}
	}
	score := criticalTierWeight*tierAverage(critical) + importantTierWeight*tierAverage(important)
	return clamp(int(math.Round(score)))
}

// ReadyForOutputs reports whether every critical milestone is complete with enough confidence.
func ReadyForOutputs(milestones []domain.Milestone) bool {
	for _, m := range milestones {
		if m.Metadata.Criticality != domain.Critical {
			continue
		}
		if m.Status != domain.MilestoneComplete || m.Confidence < ReadinessConfidence {
			return false
		}
	}
	return true
}

// CompletedKeys returns the set of complete milestone keys.
func CompletedKeys(milestones []domain.Milestone) map[string]bool {
	out := make(map[string]bool, len(milestones))
	for _, m := range milestones {
		if m.Status == domain.MilestoneComplete {
			out[m.Key] = true
		}
	}
	return out
}

// BlockingConflicts filters conflicts down to critical, unresolved ones.
func BlockingConflicts(conflicts []domain.Conflict) []domain.Conflict {
	var out []domain.Conflict
	for _, c := range conflicts {
		if c.Blocking() {
			out = append(out, c)
		}
	}
	return out
}

func tierAverage(data stats.Float64Data) float64 {
	if len(data) == 0 {
		return 100
	}
	mean, err := stats.Mean(data)
	if err != nil {
		return 100
	}
	return mean
}

func missingCategories(m domain.Milestone, idx domain.FactIndex) []domain.FactCategory {
	var missing []domain.FactCategory
	for _, c := range m.Metadata.RequiredFacts {
		if !idx.HasCategory(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func relevantFacts(m domain.Milestone, facts []domain.Fact) []domain.Fact {
	want := make(map[domain.FactCategory]bool, len(m.Metadata.RequiredFacts))
	for _, c := range m.Metadata.RequiredFacts {
		want[c] = true
	}
	var out []domain.Fact
	for _, f := range facts {
		if want[f.Category] {
			out = append(out, f)
		}
	}
	return out
}

func (t Tracker) engineerReviewed(m domain.Milestone, relevant []domain.Fact, decisions []domain.Decision) bool {
	if t.Scope != ScopeMilestone {
		for _, d := range decisions {
			if d.CreatedBy == domain.CreatedByEngineer {
				return true
			}
		}
		return false
	}
	cited := make(map[string]bool, len(relevant))
	for _, f := range relevant {
		cited[f.ID] = true
	}
	for _, d := range decisions {
		if d.CreatedBy != domain.CreatedByEngineer {
			continue
		}
		if d.MilestoneID != nil && *d.MilestoneID == m.ID {
			return true
		}
		for _, id := range d.EvidenceFactIDs {
			if cited[id] {
				return true
			}
		}
	}
	return false
}

func clamp(v int) int {
	return max(0, min(100, v))
}
