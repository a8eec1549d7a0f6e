package intent

import (
	"context"
	"regexp"
	"strings"

	"conductor/pkg/proto"
)

// Rule is one deterministic classification rule. Rules are evaluated in
// order; the first rule whose keywords all appear in the input wins.
type Rule struct {
	Name           string
	Domains        []string
	Keywords       []string
	RequiredParams []string
}

// RuleClassifier is the deterministic default classifier. It needs no
// network, which keeps tests hermetic, and it mirrors the shape of the LLM
// adapters so the pipeline cannot tell them apart.
type RuleClassifier struct {
	rules     []Rule
	threshold float64
}

//nolint:gochecknoglobals // compiled once
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	timePattern  = regexp.MustCompile(`\b(\d{1,2})(:\d{2})?\s*(am|pm)\b`)
	datePattern  = regexp.MustCompile(`\b(today|tomorrow|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

// NewRuleClassifier creates a classifier over the given rule table.
func NewRuleClassifier(rules []Rule, threshold float64) *RuleClassifier {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &RuleClassifier{rules: rules, threshold: threshold}
}

// DefaultRules covers the built-in demo domains.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:           "schedule_meeting",
			Domains:        []string{"calendar"},
			Keywords:       []string{"schedule", "meeting"},
			RequiredParams: []string{"attendee", "time"},
		},
		{
			Name:     "export_mailbox",
			Domains:  []string{"mail"},
			Keywords: []string{"export", "mailbox"},
		},
		{
			Name:     "search_mail",
			Domains:  []string{"mail"},
			Keywords: []string{"search", "mail"},
		},
		{
			Name:     "daily_summary",
			Domains:  []string{"mail", "calendar"},
			Keywords: []string{"summary"},
		},
	}
}

// Classify matches the input against the rule table and extracts the
// well-known parameter shapes (email, clock time, relative date).
func (c *RuleClassifier) Classify(_ context.Context, input string, _ []proto.EntityRef) (*Intent, error) {
	lowered := strings.ToLower(input)
	params := extractParams(lowered)

	for i := range c.rules {
		rule := &c.rules[i]
		if !matchesAll(lowered, rule.Keywords) {
			continue
		}
		raw := &Intent{
			ID:         proto.GenerateIntentID(),
			Name:       rule.Name,
			Domains:    rule.Domains,
			Parameters: params,
			Confidence: confidenceFor(lowered, rule),
			Utterance:  input,
		}
		return Finalize(raw, c.threshold, rule.RequiredParams), nil
	}

	// No rule matched: low-confidence unknown intent, which Finalize routes
	// to clarification rather than guessing.
	raw := &Intent{
		ID:         proto.GenerateIntentID(),
		Name:       "unknown",
		Domains:    nil,
		Parameters: params,
		Confidence: 0.3,
		Utterance:  input,
	}
	return Finalize(raw, c.threshold, []string{"request"}), nil
}

func matchesAll(input string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(input, kw) {
			return false
		}
	}
	return true
}

// confidenceFor scores a matched rule: the keyword match alone clears the
// threshold; having every required parameter extracted raises it further.
func confidenceFor(input string, rule *Rule) float64 {
	score := 0.75
	params := extractParams(input)
	for _, p := range rule.RequiredParams {
		if _, ok := params[p]; ok {
			score += 0.25 / float64(len(rule.RequiredParams))
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func extractParams(input string) map[string]any {
	params := make(map[string]any)
	if m := emailPattern.FindString(input); m != "" {
		params["attendee"] = m
	}
	if m := timePattern.FindString(input); m != "" {
		params["time"] = m
	}
	if m := datePattern.FindString(input); m != "" {
		params["date"] = m
	}
	return params
}
