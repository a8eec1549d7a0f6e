// Package planner resolves a classified intent plus its archetypes into an
// ordered capability plan: which registered capabilities run, with what bound
// parameters, and under which autonomy decision. Reads always come before
// writes, writes before jobs, and within one kind the domain priority order
// holds.
package planner

import (
	"fmt"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/capability"
	"conductor/pkg/intent"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Step is one capability invocation within a plan.
type Step struct {
	CapabilityID string               `json:"capability_id"`
	Domain       string               `json:"domain"`
	Kind         proto.CapabilityKind `json:"kind"`
	Risk         proto.RiskLevel      `json:"risk"`
	Decision     autonomy.Decision    `json:"decision"`
	Parameters   map[string]any       `json:"parameters"`
}

// Plan is the resolved, ordered step list for one turn.
type Plan struct {
	IntentID string `json:"intent_id"`
	Steps    []Step `json:"steps"`
	// MaxRisk is the highest risk among write and job steps; low when the
	// plan is read-only.
	MaxRisk proto.RiskLevel `json:"max_risk"`
	// Summary describes what the gated steps would do, rendered into
	// approval cards.
	Summary string `json:"summary"`
}

// ReadSteps returns the plan's read steps in order.
func (p *Plan) ReadSteps() []Step {
	return p.stepsOfKind(proto.CapabilityRead)
}

// GatedSteps returns the write and job steps in order.
func (p *Plan) GatedSteps() []Step {
	out := p.stepsOfKind(proto.CapabilityWrite)
	return append(out, p.stepsOfKind(proto.CapabilityJob)...)
}

func (p *Plan) stepsOfKind(kind proto.CapabilityKind) []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// Step looks up a step by capability id.
func (p *Plan) Step(capabilityID string) (Step, bool) {
	for _, s := range p.Steps {
		if s.CapabilityID == capabilityID {
			return s, true
		}
	}
	return Step{}, false
}

// Planner resolves plans against the capability registry.
type Planner struct {
	registry *capability.Registry
	policy   *autonomy.Engine
	logger   *logx.Logger
}

// New creates a planner.
func New(registry *capability.Registry, policy *autonomy.Engine) *Planner {
	return &Planner{
		registry: registry,
		policy:   policy,
		logger:   logx.NewLogger("planner"),
	}
}

// requiredKind maps an archetype to the capability kind it needs, if any.
// ApprovalConfirmation is pure presentation; it gates the write step that is
// already in the plan.
func requiredKind(a archetype.Archetype) (proto.CapabilityKind, bool) {
	switch a {
	case archetype.SearchBrowse, archetype.DetailInspect, archetype.DashboardSummary:
		return proto.CapabilityRead, true
	case archetype.FormEdit, archetype.MultiStepWizard:
		return proto.CapabilityWrite, true
	case archetype.LongRunningJob:
		return proto.CapabilityJob, true
	}
	return "", false
}

// Resolve builds the plan for one turn. Domains must already be in priority
// order; archetypes must already have reads before writes. Every required
// kind must resolve to at least one registered capability in some domain,
// otherwise the plan fails with ErrCapabilityUnavailable.
func (pl *Planner) Resolve(it *intent.Intent, level proto.AutonomyLevel, archetypes []archetype.Archetype, domains []string) (*Plan, error) {
	kinds := neededKinds(archetypes)
	plan := &Plan{IntentID: it.ID, MaxRisk: proto.RiskLow}

	for _, kind := range kinds {
		found := false
		for _, domain := range domains {
			cap, ok := pl.pick(domain, kind, it)
			if !ok {
				continue
			}
			found = true
			params := bind(cap, it)
			step := Step{
				CapabilityID: cap.ID,
				Domain:       domain,
				Kind:         kind,
				Risk:         cap.RiskLevel,
				Decision:     pl.policy.Gate(level, kind, cap.RiskLevel),
				Parameters:   params,
			}
			plan.Steps = append(plan.Steps, step)
			if kind != proto.CapabilityRead && riskRank(cap.RiskLevel) > riskRank(plan.MaxRisk) {
				plan.MaxRisk = cap.RiskLevel
			}
		}
		if !found {
			return nil, fmt.Errorf("no %s capability for intent %s in domains %v: %w",
				kind, it.Name, domains, proto.ErrCapabilityUnavailable)
		}
	}

	plan.Summary = summarize(plan)
	pl.logger.Debug("resolved plan for intent %s: %d steps, max risk %s", it.Name, len(plan.Steps), plan.MaxRisk)
	return plan, nil
}

// pick returns the first capability of the kind in the domain whose required
// inputs the intent can satisfy. Registry order is sorted by id, so the
// choice is deterministic.
func (pl *Planner) pick(domain string, kind proto.CapabilityKind, it *intent.Intent) (*capability.Capability, bool) {
	for _, cap := range pl.registry.ForDomain(domain, kind) {
		if len(cap.MissingInputs(bind(cap, it))) == 0 {
			return cap, true
		}
	}
	return nil, false
}

// bind intersects the intent's parameters with the capability's input schema
// so a plan never carries parameters the contract does not declare.
func bind(cap *capability.Capability, it *intent.Intent) map[string]any {
	params := make(map[string]any)
	for name := range cap.InputSchema {
		if v, ok := it.Parameters[name]; ok {
			params[name] = v
		}
	}
	return params
}

// neededKinds returns the deduplicated capability kinds the archetypes
// require, preserving read-then-write-then-job order.
func neededKinds(archetypes []archetype.Archetype) []proto.CapabilityKind {
	seen := make(map[proto.CapabilityKind]bool)
	var out []proto.CapabilityKind
	for _, kind := range []proto.CapabilityKind{proto.CapabilityRead, proto.CapabilityWrite, proto.CapabilityJob} {
		for _, a := range archetypes {
			k, ok := requiredKind(a)
			if ok && k == kind && !seen[kind] {
				seen[kind] = true
				out = append(out, kind)
			}
		}
	}
	return out
}

func riskRank(r proto.RiskLevel) int {
	switch r {
	case proto.RiskLow:
		return 0
	case proto.RiskMedium:
		return 1
	case proto.RiskHigh:
		return 2
	}
	return 0
}

// summarize renders the gated steps into the one-line description approval
// cards show. Read-only plans summarize to the empty string.
func summarize(p *Plan) string {
	var parts []string
	for _, s := range p.GatedSteps() {
		part := s.CapabilityID
		if len(s.Parameters) > 0 {
			part += " with"
			for _, k := range sortedKeys(s.Parameters) {
				part += fmt.Sprintf(" %s=%v", k, s.Parameters[k])
			}
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
