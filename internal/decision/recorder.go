package decision

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/montanaflynn/stats"

	"heatspec/internal/domain"
)

const (
	noEvidenceConfidence         = 20
	unresolvedEvidenceConfidence = 30
	engineerBonus                = 20
	manufacturerBonus            = 10
	riskPenalty                  = 5
	weakEvidenceThreshold        = 40
)

// Recorder scores and audits decisions against the current facts.
type Recorder struct {
	Now   func() time.Time
	NewID func() string
}

func NewRecorder() Recorder {
	return Recorder{Now: time.Now, NewID: domain.NewID}
}

// Builder starts a decision using the recorder's clock and ID source.
func (r Recorder) Builder(jobGraphID string) *Builder {
	b := NewBuilder(jobGraphID)
	if r.Now != nil {
		b.Now = r.Now
	}
	if r.NewID != nil {
		b.NewID = r.NewID
	}
	return b
}

// CalculateConfidence derives a decision's confidence from its evidence.
func (r Recorder) CalculateConfidence(d domain.Decision, facts []domain.Fact) int {
	if len(d.EvidenceFactIDs) == 0 {
		return noEvidenceConfidence
	}
	resolved := resolveEvidence(d, facts)
	if len(resolved) == 0 {
		return unresolvedEvidenceConfidence
	}
	data := make(stats.Float64Data, 0, len(resolved))
	for _, f := range resolved {
		data = append(data, float64(f.Confidence))
	}
	mean, _ := stats.Mean(data)
	score := int(math.Round(mean))
	if d.CreatedBy == domain.CreatedByEngineer {
		score += engineerBonus
	}
	if d.CitesSource(domain.SourceManufacturerInstructions) {
		score += manufacturerBonus
	}
	score -= riskPenalty * len(d.Risks)
	return max(0, min(100, score))
}

// ValidateEvidence lists problems with a decision's evidence. It never fails.
func (r Recorder) ValidateEvidence(d domain.Decision, facts []domain.Fact) []string {
	var issues []string
	if len(d.EvidenceFactIDs) == 0 {
		return append(issues, "decision has no supporting evidence")
	}
	byID := indexByID(facts)
	var resolved []domain.Fact
	for _, id := range d.EvidenceFactIDs {
		f, ok := byID[id]
		if !ok {
			issues = append(issues, fmt.Sprintf("evidence fact %s not found", id))
			continue
		}
		resolved = append(resolved, f)
	}
	for _, f := range resolved {
		if f.Confidence < weakEvidenceThreshold {
			issues = append(issues, fmt.Sprintf("evidence fact %s (%s) has low confidence %d", f.ID, f.Subject(), f.Confidence))
		}
	}
	groups := map[domain.FactKey][]domain.Fact{}
	var order []domain.FactKey
	for _, f := range resolved {
		if _, seen := groups[f.Subject()]; !seen {
			order = append(order, f.Subject())
		}
		groups[f.Subject()] = append(groups[f.Subject()], f)
	}
	for _, k := range order {
		g := groups[k]
		// Values compare by Go type as well as content, so evidence holding int 60 and
		// float64 60 is contradictory here even though the conflict detector, which
		// groups on the JSON form, treats the two facts as agreeing.
		for _, f := range g[1:] {
			if !reflect.DeepEqual(f.Value, g[0].Value) {
				issues = append(issues, fmt.Sprintf("contradictory evidence for %s", k))
				break
			}
		}
	}
	return issues
}

// EvidenceTrail links a decision to its facts and the capture events behind them.
type EvidenceTrail struct {
	Decision domain.Decision        `json:"decision"`
	Facts    []domain.Fact          `json:"facts"`
	Events   []domain.TimelineEvent `json:"events"`
	Missing  []string               `json:"missing_fact_ids,omitempty"`
}

// BuildEvidenceTrail resolves evidence facts and their source events for audit display.
// Events are returned in timestamp order without duplicates.
func (r Recorder) BuildEvidenceTrail(d domain.Decision, facts []domain.Fact, events []domain.TimelineEvent) EvidenceTrail {
	trail := EvidenceTrail{Decision: d}
	byID := indexByID(facts)
	eventsByID := make(map[string]domain.TimelineEvent, len(events))
	for _, e := range events {
		eventsByID[e.EventID] = e
	}
	seen := map[string]bool{}
	for _, id := range d.EvidenceFactIDs {
		f, ok := byID[id]
		if !ok {
			trail.Missing = append(trail.Missing, id)
			continue
		}
		trail.Facts = append(trail.Facts, f)
		if f.SourceEventID == nil || seen[*f.SourceEventID] {
			continue
		}
		if e, ok := eventsByID[*f.SourceEventID]; ok {
			seen[e.EventID] = true
			trail.Events = append(trail.Events, e)
		}
	}
	sort.SliceStable(trail.Events, func(i, j int) bool {
		return trail.Events[i].Timestamp.Before(trail.Events[j].Timestamp)
	})
	return trail
}

// FindDependentDecisions returns decisions that cite factID as evidence.
func (r Recorder) FindDependentDecisions(factID string, decisions []domain.Decision) []domain.Decision {
	var out []domain.Decision
	for _, d := range decisions {
		for _, id := range d.EvidenceFactIDs {
			if id == factID {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

func resolveEvidence(d domain.Decision, facts []domain.Fact) []domain.Fact {
	byID := indexByID(facts)
	var out []domain.Fact
	for _, id := range d.EvidenceFactIDs {
		if f, ok := byID[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

func indexByID(facts []domain.Fact) map[string]domain.Fact {
	out := make(map[string]domain.Fact, len(facts))
	for _, f := range facts {
		out[f.ID] = f
	}
	return out
}
