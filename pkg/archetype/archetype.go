// Package archetype maps classified intents onto the fixed set of
// interaction archetypes. The mapping is a deterministic rule table with a
// heuristic fallback for unseen intents; it never invents archetypes outside
// the fixed set.
package archetype

import (
	"sort"
	"strings"

	"conductor/pkg/intent"
)

// Archetype is one of the fixed interaction patterns, independent of domain.
type Archetype string

const (
	SearchBrowse         Archetype = "SearchBrowse"
	DetailInspect        Archetype = "DetailInspect"
	FormEdit             Archetype = "FormEdit"
	LongRunningJob       Archetype = "LongRunningJob"
	MultiStepWizard      Archetype = "MultiStepWizard"
	DashboardSummary     Archetype = "DashboardSummary"
	ApprovalConfirmation Archetype = "ApprovalConfirmation"
)

// All lists every archetype.
var All = []Archetype{
	SearchBrowse,
	DetailInspect,
	FormEdit,
	LongRunningJob,
	MultiStepWizard,
	DashboardSummary,
	ApprovalConfirmation,
}

// WriteOriented reports whether the archetype leads to a write or job.
// Read-oriented archetypes always precede write-oriented ones for the same
// entity in a composed turn.
func (a Archetype) WriteOriented() bool {
	switch a {
	case FormEdit, ApprovalConfirmation, MultiStepWizard, LongRunningJob:
		return true
	}
	return false
}

// Mapper resolves an intent to an ordered, non-empty archetype list.
type Mapper struct {
	rules          map[string][]Archetype
	domainPriority map[string]int
}

// NewMapper creates a mapper over a rule table keyed by intent name.
// domainPriority orders composite intents; lower values come first.
func NewMapper(rules map[string][]Archetype, domainPriority map[string]int) *Mapper {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Mapper{rules: rules, domainPriority: domainPriority}
}

// DefaultRules covers the built-in intents.
func DefaultRules() map[string][]Archetype {
	return map[string][]Archetype{
		"schedule_meeting": {FormEdit, ApprovalConfirmation},
		"search_mail":      {SearchBrowse},
		"view_message":     {DetailInspect},
		"export_mailbox":   {LongRunningJob},
		"daily_summary":    {DashboardSummary},
		"setup_account":    {MultiStepWizard},
	}
}

// Map returns the ordered archetype list for the intent. Read-oriented
// archetypes are stable-sorted before write-oriented ones; the relative
// order within each class follows the rule table.
func (m *Mapper) Map(it *intent.Intent) []Archetype {
	archetypes, ok := m.rules[it.Name]
	if !ok {
		archetypes = m.fallback(it)
	}

	out := make([]Archetype, len(archetypes))
	copy(out, archetypes)
	sort.SliceStable(out, func(i, j int) bool {
		return !out[i].WriteOriented() && out[j].WriteOriented()
	})
	return dedupe(out)
}

// OrderDomains sorts the intent's domains by declared priority, preserving
// the classifier's order for ties and unknown domains.
func (m *Mapper) OrderDomains(domains []string) []string {
	out := make([]string, len(domains))
	copy(out, domains)
	sort.SliceStable(out, func(i, j int) bool {
		return m.priority(out[i]) < m.priority(out[j])
	})
	return out
}

func (m *Mapper) priority(domain string) int {
	if p, ok := m.domainPriority[domain]; ok {
		return p
	}
	return 1 << 20
}

// fallback handles intents absent from the rule table: write-sounding names
// get the gated form flow, everything else browses.
func (m *Mapper) fallback(it *intent.Intent) []Archetype {
	writeVerbs := []string{"create", "update", "delete", "schedule", "send", "move", "cancel", "assign"}
	lowered := strings.ToLower(it.Name)
	for _, verb := range writeVerbs {
		if strings.Contains(lowered, verb) {
			return []Archetype{FormEdit, ApprovalConfirmation}
		}
	}
	return []Archetype{SearchBrowse}
}

func dedupe(in []Archetype) []Archetype {
	seen := make(map[Archetype]bool, len(in))
	out := in[:0]
	for _, a := range in {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
