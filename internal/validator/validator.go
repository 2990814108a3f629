package validator

import (
	"fmt"
	"strings"
	"time"

	"heatspec/internal/domain"
)

// Validator checks facts and decisions against one standard.
// Validators run independently and never see each other's output.
type Validator interface {
	Name() string
	Standard() string
	Validate(facts []domain.Fact, decisions []domain.Decision) Result
}

type Result struct {
	Valid           bool              `json:"valid"`
	Conflicts       []domain.Conflict `json:"conflicts"`
	Warnings        []string          `json:"warnings"`
	Recommendations []string          `json:"recommendations"`
}

// Env supplies the clock and ID source used for emitted conflicts.
type Env struct {
	Now   func() time.Time
	NewID func() string
}

func DefaultEnv() Env {
	return Env{Now: time.Now, NewID: domain.NewID}
}

// Validator names accepted by ByName.
const (
	NameManufacturerInstructions = "manufacturer_instructions"
	NameBS5440                   = "bs5440"
	NameBS7671                   = "bs7671"
	NameHSG264                   = "hsg264"
)

// Names lists the built-in validators in run order.
var Names = []string{NameManufacturerInstructions, NameBS5440, NameBS7671, NameHSG264}

// Defaults returns every built-in validator. Manufacturer instructions run first.
func Defaults(env Env) []Validator {
	v, _ := ByName(env, Names)
	return v
}

// ByName builds the named validators, always ordered as in Names.
func ByName(env Env, names []string) ([]Validator, error) {
	want := map[string]bool{}
	for _, n := range names {
		known := false
		for _, k := range Names {
			if n == k {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown validator %q", n)
		}
		want[n] = true
	}
	var out []Validator
	for _, n := range Names {
		if !want[n] {
			continue
		}
		switch n {
		case NameManufacturerInstructions:
			out = append(out, ManufacturerInstructions{env: env})
		case NameBS5440:
			out = append(out, BS5440{env: env})
		case NameBS7671:
			out = append(out, BS7671{env: env})
		case NameHSG264:
			out = append(out, HSG264{env: env})
		}
	}
	return out, nil
}

// report accumulates a Result while a validator runs.
type report struct {
	env  Env
	rule domain.RuleReference
	res  Result
}

func newReport(env Env, rule domain.RuleReference) *report {
	return &report{env: env, rule: rule}
}

func (r *report) conflict(t domain.ConflictType, sev domain.Severity, section, desc string, facts ...domain.Fact) *domain.Conflict {
	now := time.Now
	if r.env.Now != nil {
		now = r.env.Now
	}
	newID := domain.NewID
	if r.env.NewID != nil {
		newID = r.env.NewID
	}
	rule := r.rule
	rule.Section = section
	c := domain.Conflict{
		ID:                  newID(),
		ConflictType:        t,
		Severity:            sev,
		Description:         desc,
		Rule1:               &rule,
		AffectedFactIDs:     []string{},
		AffectedDecisionIDs: []string{},
		CreatedAt:           now().UTC(),
	}
	for _, f := range facts {
		c.AffectedFactIDs = append(c.AffectedFactIDs, f.ID)
	}
	r.res.Conflicts = append(r.res.Conflicts, c)
	return &r.res.Conflicts[len(r.res.Conflicts)-1]
}

func (r *report) fail(sev domain.Severity, section, desc string, facts ...domain.Fact) *domain.Conflict {
	return r.conflict(domain.ConflictValidationFailure, sev, section, desc, facts...)
}

func (r *report) warn(format string, args ...any) {
	r.res.Warnings = append(r.res.Warnings, fmt.Sprintf(format, args...))
}

// unreadable records that a safety check was skipped because the recorded value could not be interpreted.
func (r *report) unreadable(check string, f domain.Fact) {
	r.warn("%s could not be evaluated: %s value %q (fact %s) is not understood", check, f.Key, f.Text(), f.ID)
}

func (r *report) recommend(format string, args ...any) {
	r.res.Recommendations = append(r.res.Recommendations, fmt.Sprintf(format, args...))
}

func (r *report) result() Result {
	r.res.Valid = true
	for _, c := range r.res.Conflicts {
		if c.Severity == domain.SeverityCritical {
			r.res.Valid = false
		}
	}
	if r.res.Conflicts == nil {
		r.res.Conflicts = []domain.Conflict{}
	}
	if r.res.Warnings == nil {
		r.res.Warnings = []string{}
	}
	if r.res.Recommendations == nil {
		r.res.Recommendations = []string{}
	}
	return r.res
}

func selectsHeatPump(decisions []domain.Decision) (domain.Decision, bool) {
	for _, d := range decisions {
		if d.DecisionType == domain.DecisionSystemSelection && strings.Contains(strings.ToLower(d.Decision), "heat pump") {
			return d, true
		}
	}
	return domain.Decision{}, false
}

func citesSource(decisions []domain.Decision, src domain.RuleSource) bool {
	for _, d := range decisions {
		if d.CitesSource(src) {
			return true
		}
	}
	return false
}

func ptr(v float64) *float64 { return &v }
