package decision

import (
	"fmt"

	"heatspec/internal/domain"
)

// MIPrecedenceRisk is recorded on every decision that applies manufacturer instructions over Building Regs.
const MIPrecedenceRisk = "Building Regs would permit a less restrictive approach"

// SystemSelection records the choice of heating system.
func (r Recorder) SystemSelection(jobGraphID, system, reasoning string, confidence int, factIDs ...string) *Builder {
	return r.Builder(jobGraphID).
		Type(domain.DecisionSystemSelection).
		Decide(fmt.Sprintf("Install %s", system)).
		Because(reasoning).
		BasedOn(factIDs...).
		WithConfidence(confidence)
}

// Compliance records that the installation follows rule.
func (r Recorder) Compliance(jobGraphID, requirement string, rule domain.RuleReference, confidence int, factIDs ...string) *Builder {
	return r.Builder(jobGraphID).
		Type(domain.DecisionCompliance).
		Decide(requirement).
		Because(fmt.Sprintf("Required by %s", ruleLabel(rule))).
		ApplyingRule(rule).
		BasedOn(factIDs...).
		WithConfidence(confidence)
}

// UpgradeRequired records an upgrade needed before installation can proceed.
func (r Recorder) UpgradeRequired(jobGraphID, component, reason string, confidence int, factIDs ...string) *Builder {
	return r.Builder(jobGraphID).
		Type(domain.DecisionUpgradePath).
		Decide(fmt.Sprintf("Upgrade %s", component)).
		Because(reason).
		BasedOn(factIDs...).
		WithConfidence(confidence).
		WithRisk(fmt.Sprintf("Installation depends on %s upgrade being completed", component))
}

// MIPrecedence records that manufacturer instructions override a less restrictive Building Regs rule.
// The override is declared as a risk so it stays visible in the audit trail.
func (r Recorder) MIPrecedence(jobGraphID string, decisionType domain.DecisionType, requirement string, mi, regs domain.RuleReference, confidence int, factIDs ...string) *Builder {
	mi.Source = domain.SourceManufacturerInstructions
	mi.Restrictiveness = domain.MoreRestrictive
	return r.Builder(jobGraphID).
		Type(decisionType).
		Decide(requirement).
		Because(fmt.Sprintf("Manufacturer Instructions (%s) take precedence over %s", ruleLabel(mi), ruleLabel(regs))).
		ApplyingRule(mi).
		BasedOn(factIDs...).
		WithConfidence(confidence).
		WithRisk(MIPrecedenceRisk)
}

// Supersede starts a correction of old. Text and reasoning of old are never edited;
// the replacement carries its own and references the decision it replaces.
func (r Recorder) Supersede(old domain.Decision, text, reasoning string) *Builder {
	b := r.Builder(old.JobGraphID).
		Type(old.DecisionType).
		Decide(text).
		Because(fmt.Sprintf("%s (supersedes decision %s)", reasoning, old.ID)).
		BasedOn(old.EvidenceFactIDs...).
		WithConfidence(old.Confidence)
	if old.MilestoneID != nil {
		b.ForMilestone(*old.MilestoneID)
	}
	if old.RuleApplied != nil {
		b.ApplyingRule(*old.RuleApplied)
	}
	return b
}

func ruleLabel(rule domain.RuleReference) string {
	if rule.Section != "" {
		return fmt.Sprintf("%s %s", rule.Standard, rule.Section)
	}
	if rule.Standard != "" {
		return rule.Standard
	}
	return string(rule.Source)
}
