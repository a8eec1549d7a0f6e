// Package intent turns raw user input plus session context into a structured
// Intent. The classifier boundary is opaque: the pipeline consumes its output
// and never depends on how the classification was produced. When confidence
// is low or required parameters are missing, the classifier does not guess;
// it flags the intent for the clarification sub-flow instead.
package intent

import (
	"context"
	"strings"

	"conductor/pkg/proto"
)

// DefaultConfidenceThreshold is the fixed bar below which an intent is
// routed to clarification.
const DefaultConfidenceThreshold = 0.6

// Intent is one classified user turn. Immutable once produced; discarded
// after the turn completes.
type Intent struct {
	// ID is unique per turn.
	ID string `json:"id"`

	// Name is the stable intent name ("schedule_meeting", "search_mail")
	// that keys the archetype rule table.
	Name string `json:"name"`

	// Domains the intent spans, in declared priority order.
	Domains []string `json:"domains"`

	// Parameters extracted from the input; partial by design.
	Parameters map[string]any `json:"parameters"`

	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`

	// NeedsClarification marks the intent for the clarification sub-flow.
	NeedsClarification bool `json:"needs_clarification"`

	// MissingParameters lists the fields the clarification form must ask
	// for. Only set when NeedsClarification is true.
	MissingParameters []string `json:"missing_parameters,omitempty"`

	// Utterance is the raw input, kept for the audit log.
	Utterance string `json:"utterance"`
}

// Classifier maps raw input and session context to an Intent.
type Classifier interface {
	Classify(ctx context.Context, input string, contextStack []proto.EntityRef) (*Intent, error)
}

// Finalize applies the confidence threshold and missing-parameter check to a
// raw classification. It is the single place the clarification decision is
// made, regardless of which classifier produced the intent.
func Finalize(in *Intent, threshold float64, requiredParams []string) *Intent {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	out := *in
	if out.ID == "" {
		out.ID = proto.GenerateIntentID()
	}
	if out.Parameters == nil {
		out.Parameters = map[string]any{}
	}

	var missing []string
	for _, p := range requiredParams {
		if _, present := out.Parameters[p]; !present {
			missing = append(missing, p)
		}
	}

	if out.Confidence < threshold || len(missing) > 0 {
		out.NeedsClarification = true
		out.MissingParameters = missing
	}
	return &out
}

// Merge folds clarification answers into a pending intent, producing a new
// immutable intent for the re-entered turn. Blank answers do not count;
// parameters the clarification asked for and still has no value for keep
// the intent in the clarification sub-flow rather than letting it proceed
// and dead-end downstream.
func Merge(pending *Intent, answers map[string]any) *Intent {
	merged := *pending
	merged.ID = proto.GenerateIntentID()
	merged.Parameters = make(map[string]any, len(pending.Parameters)+len(answers))
	for k, v := range pending.Parameters {
		merged.Parameters[k] = v
	}
	for k, v := range answers {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		merged.Parameters[k] = v
	}

	var missing []string
	for _, name := range pending.MissingParameters {
		if _, present := merged.Parameters[name]; !present {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		merged.NeedsClarification = true
		merged.MissingParameters = missing
		return &merged
	}

	merged.Confidence = 1.0
	merged.NeedsClarification = false
	merged.MissingParameters = nil
	return &merged
}
