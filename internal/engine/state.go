package engine

import (
	"sort"
	"strings"

	"heatspec/internal/domain"
)

// copyState returns a copy of st whose slices can be modified freely.
func copyState(st domain.JobGraphState) domain.JobGraphState {
	out := domain.JobGraphState{
		Graph:      st.Graph,
		Milestones: make([]domain.Milestone, len(st.Milestones)),
		Facts:      append([]domain.Fact{}, st.Facts...),
		Decisions:  make([]domain.Decision, len(st.Decisions)),
		Conflicts:  append([]domain.Conflict{}, st.Conflicts...),
	}
	for i, m := range st.Milestones {
		m.Blockers = append([]string{}, m.Blockers...)
		m.Metadata.RequiredFacts = append([]domain.FactCategory{}, m.Metadata.RequiredFacts...)
		out.Milestones[i] = m
	}
	for i, d := range st.Decisions {
		d.EvidenceFactIDs = append([]string{}, d.EvidenceFactIDs...)
		d.Risks = append([]string{}, d.Risks...)
		out.Decisions[i] = d
	}
	return out
}

// carryForward matches freshly detected conflicts to the previous pass by fingerprint.
// A match keeps its ID and creation time, and a resolution recorded on the previous
// conflict (for example by an engineer) stays in force. Order and length are preserved.
func carryForward(fresh, previous []domain.Conflict) []domain.Conflict {
	prev := map[string][]domain.Conflict{}
	for _, c := range previous {
		fp := fingerprint(c)
		prev[fp] = append(prev[fp], c)
	}
	out := make([]domain.Conflict, len(fresh))
	for i, c := range fresh {
		fp := fingerprint(c)
		if matches := prev[fp]; len(matches) > 0 {
			old := matches[0]
			prev[fp] = matches[1:]
			c.ID = old.ID
			c.CreatedAt = old.CreatedAt
			if old.ResolvedAt != nil {
				c.ResolvedAt = old.ResolvedAt
				if c.Resolution == "" || old.Resolution != "" {
					c.Resolution = old.Resolution
				}
			}
		}
		out[i] = c
	}
	return out
}

func fingerprint(c domain.Conflict) string {
	facts := append([]string{}, c.AffectedFactIDs...)
	decisions := append([]string{}, c.AffectedDecisionIDs...)
	sort.Strings(facts)
	sort.Strings(decisions)
	return strings.Join([]string{
		string(c.ConflictType),
		string(c.Severity),
		c.Description,
		strings.Join(facts, ","),
		strings.Join(decisions, ","),
	}, "|")
}
