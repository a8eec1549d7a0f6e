// Package recipe turns archetypes into concrete component subtrees. A recipe
// is a declarative slot list over catalog component types plus binding rules
// that fill properties from the turn's context. Selection checks domain
// overrides first and falls back to the generic recipe for the archetype, so
// every archetype always renders.
package recipe

import (
	"fmt"
	"sort"
	"strings"

	"conductor/pkg/archetype"
	"conductor/pkg/graph"
	"conductor/pkg/intent"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Context carries the per-turn inputs a binding rule may draw from.
type Context struct {
	SessionID string
	Domain    string
	Intent    *intent.Intent
	// Results holds the merged outputs of the turn's read capabilities.
	Results map[string]any
	// Risk is the highest risk among the turn's gated steps; approval
	// cards display it.
	Risk proto.RiskLevel
	// Summary is the human-readable description of what confirming would
	// do, produced by the planner.
	Summary string
	// Fields describes form inputs by name; empty means derive from the
	// intent's parameters.
	Fields map[string]string
	// WizardTotal is the number of steps a wizard flow spans.
	WizardTotal int
}

// Binding computes a component's properties from the turn context.
type Binding func(rc *Context) map[string]any

// RepeatItem is one instance of a repeated slot.
type RepeatItem struct {
	Suffix     string
	Properties map[string]any
}

// Slot is one component position within a recipe. A slot either binds a
// single node or, when Repeat is set, expands to one node per item.
type Slot struct {
	Name          string
	ComponentType string
	Bind          Binding
	Repeat        func(rc *Context) []RepeatItem
	Children      []Slot
}

// Recipe is the ordered slot list for one archetype.
type Recipe struct {
	Archetype archetype.Archetype
	Slots     []Slot
}

// NodeID builds the deterministic id for a slot's node. Re-running the same
// intent in the same session produces the same ids, which is what lets the
// diff engine patch instead of rebuild.
func NodeID(sessionID string, a archetype.Archetype, slot string) string {
	return fmt.Sprintf("%s-%s-%s", sessionID, strings.ToLower(string(a)), slot)
}

// Render materializes the recipe into nodes, parents before children.
// Top-level nodes are positioned 0..n-1 under the root; callers composing
// several recipes into one turn re-offset those positions.
func (r *Recipe) Render(rc *Context) []*graph.Node {
	var out []*graph.Node
	pos := 0
	for _, slot := range r.Slots {
		out = append(out, r.renderSlot(rc, slot, proto.RootNodeID, &pos)...)
	}
	return out
}

func (r *Recipe) renderSlot(rc *Context, slot Slot, parentID string, pos *int) []*graph.Node {
	var out []*graph.Node

	if slot.Repeat != nil {
		for _, item := range slot.Repeat(rc) {
			out = append(out, &graph.Node{
				ID:         NodeID(rc.SessionID, r.Archetype, slot.Name+"-"+item.Suffix),
				Type:       slot.ComponentType,
				Properties: item.Properties,
				ParentID:   parentID,
				Position:   *pos,
			})
			*pos++
		}
		return out
	}

	props := map[string]any{}
	if slot.Bind != nil {
		props = slot.Bind(rc)
	}
	node := &graph.Node{
		ID:         NodeID(rc.SessionID, r.Archetype, slot.Name),
		Type:       slot.ComponentType,
		Properties: props,
		ParentID:   parentID,
		Position:   *pos,
	}
	*pos++
	out = append(out, node)

	childPos := 0
	for _, child := range slot.Children {
		out = append(out, r.renderSlot(rc, child, node.ID, &childPos)...)
	}
	return out
}

// Selector resolves (domain, archetype) to a recipe.
type Selector struct {
	overrides map[string]map[archetype.Archetype]*Recipe
	generic   map[archetype.Archetype]*Recipe
	logger    *logx.Logger
}

// NewSelector creates a selector with the given domain overrides layered
// over the generic recipes.
func NewSelector(overrides map[string]map[archetype.Archetype]*Recipe) *Selector {
	return &Selector{
		overrides: overrides,
		generic:   GenericRecipes(),
		logger:    logx.NewLogger("recipe"),
	}
}

// Select returns the recipe for the archetype, preferring a domain override.
func (s *Selector) Select(domain string, a archetype.Archetype) (*Recipe, error) {
	if byArch, ok := s.overrides[domain]; ok {
		if r, ok := byArch[a]; ok {
			s.logger.Debug("selected %s override for %s", domain, a)
			return r, nil
		}
	}
	if r, ok := s.generic[a]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("no recipe for archetype %q", a)
}

// GenericRecipes returns the domain-independent recipe per archetype. Every
// archetype has one; domain shells only override presentation, never gating.
func GenericRecipes() map[archetype.Archetype]*Recipe {
	return map[archetype.Archetype]*Recipe{
		archetype.SearchBrowse: {
			Archetype: archetype.SearchBrowse,
			Slots: []Slot{
				{
					Name:          "search",
					ComponentType: "search_bar",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{
							"placeholder": "Search " + displayDomain(rc),
							"query":       stringParam(rc, "query"),
						}
					},
				},
				{
					Name:          "results",
					ComponentType: "result_list",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{
							"items":      itemsFrom(rc.Results),
							"empty_text": "No results",
						}
					},
				},
			},
		},
		archetype.DetailInspect: {
			Archetype: archetype.DetailInspect,
			Slots: []Slot{
				{
					Name:          "detail",
					ComponentType: "detail_card",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{
							"title":  titleFor(rc),
							"fields": objectFrom(rc.Results["entity"]),
						}
					},
				},
			},
		},
		archetype.FormEdit: {
			Archetype: archetype.FormEdit,
			Slots: []Slot{
				{
					Name:          "form",
					ComponentType: "form_card",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{
							"title":  titleFor(rc),
							"fields": formFields(rc),
							"values": boundValues(rc),
							"status": "draft",
						}
					},
				},
			},
		},
		archetype.LongRunningJob: {
			Archetype: archetype.LongRunningJob,
			Slots: []Slot{
				{
					Name:          "progress",
					ComponentType: "progress_card",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{
							"title":    titleFor(rc),
							"status":   "pending",
							"progress": 0,
						}
					},
				},
			},
		},
		archetype.MultiStepWizard: {
			Archetype: archetype.MultiStepWizard,
			Slots: []Slot{
				{
					Name:          "step",
					ComponentType: "wizard_step",
					Bind: func(rc *Context) map[string]any {
						total := rc.WizardTotal
						if total < 1 {
							total = 1
						}
						return map[string]any{
							"title":  titleFor(rc),
							"step":   1,
							"total":  total,
							"fields": formFields(rc),
						}
					},
				},
			},
		},
		archetype.DashboardSummary: {
			Archetype: archetype.DashboardSummary,
			Slots: []Slot{
				{
					Name:          "grid",
					ComponentType: "dashboard_grid",
					Bind: func(rc *Context) map[string]any {
						return map[string]any{"columns": 2}
					},
					Children: []Slot{
						{
							Name:          "tile",
							ComponentType: "summary_tile",
							Repeat:        summaryTiles,
						},
					},
				},
			},
		},
		archetype.ApprovalConfirmation: {
			Archetype: archetype.ApprovalConfirmation,
			Slots: []Slot{
				{
					Name:          "approval",
					ComponentType: "approval_card",
					Bind: func(rc *Context) map[string]any {
						risk := rc.Risk
						if !risk.IsValid() {
							risk = proto.RiskLow
						}
						return map[string]any{
							"title":   "Confirm: " + titleFor(rc),
							"summary": rc.Summary,
							"risk":    string(risk),
							"status":  "pending",
						}
					},
				},
			},
		},
	}
}

// summaryTiles renders one tile per result key, sorted so the layout is
// stable across turns.
func summaryTiles(rc *Context) []RepeatItem {
	keys := make([]string, 0, len(rc.Results))
	for k := range rc.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]RepeatItem, 0, len(keys))
	for _, k := range keys {
		out = append(out, RepeatItem{
			Suffix: k,
			Properties: map[string]any{
				"label": strings.ReplaceAll(k, "_", " "),
				"value": fmt.Sprintf("%v", rc.Results[k]),
			},
		})
	}
	return out
}

func titleFor(rc *Context) string {
	if rc.Intent == nil || rc.Intent.Name == "" {
		return "Untitled"
	}
	name := strings.ReplaceAll(rc.Intent.Name, "_", " ")
	return strings.ToUpper(name[:1]) + name[1:]
}

func displayDomain(rc *Context) string {
	if rc.Domain != "" {
		return rc.Domain
	}
	return "everything"
}

func stringParam(rc *Context, key string) string {
	if rc.Intent == nil {
		return ""
	}
	if v, ok := rc.Intent.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// formFields returns the field spec object for a form. Explicit field
// descriptors win; otherwise every intent parameter becomes a text field.
func formFields(rc *Context) map[string]any {
	fields := map[string]any{}
	if len(rc.Fields) > 0 {
		for name, kind := range rc.Fields {
			fields[name] = kind
		}
		return fields
	}
	if rc.Intent != nil {
		for name := range rc.Intent.Parameters {
			fields[name] = "string"
		}
	}
	return fields
}

func boundValues(rc *Context) map[string]any {
	values := map[string]any{}
	if rc.Intent != nil {
		for k, v := range rc.Intent.Parameters {
			values[k] = v
		}
	}
	return values
}

func itemsFrom(results map[string]any) []any {
	switch v := results["items"].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	}
	return []any{}
}

func objectFrom(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
