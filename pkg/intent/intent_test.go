package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleClassifierScheduleMeeting(t *testing.T) {
	c := NewRuleClassifier(DefaultRules(), DefaultConfidenceThreshold)

	it, err := c.Classify(context.Background(), "schedule meeting tomorrow 3pm with john@x.com", nil)
	require.NoError(t, err)
	require.Equal(t, "schedule_meeting", it.Name)
	require.Equal(t, []string{"calendar"}, it.Domains)
	require.False(t, it.NeedsClarification)
	require.Equal(t, "john@x.com", it.Parameters["attendee"])
	require.Equal(t, "3pm", it.Parameters["time"])
	require.Equal(t, "tomorrow", it.Parameters["date"])
	require.GreaterOrEqual(t, it.Confidence, DefaultConfidenceThreshold)
}

func TestRuleClassifierMissingParamsForcesClarification(t *testing.T) {
	c := NewRuleClassifier(DefaultRules(), DefaultConfidenceThreshold)

	it, err := c.Classify(context.Background(), "schedule a meeting sometime", nil)
	require.NoError(t, err)
	require.Equal(t, "schedule_meeting", it.Name)
	require.True(t, it.NeedsClarification)
	require.Contains(t, it.MissingParameters, "attendee")
	require.Contains(t, it.MissingParameters, "time")
}

func TestRuleClassifierUnknownInputLowConfidence(t *testing.T) {
	c := NewRuleClassifier(DefaultRules(), DefaultConfidenceThreshold)

	it, err := c.Classify(context.Background(), "do something ineffable", nil)
	require.NoError(t, err)
	require.Equal(t, "unknown", it.Name)
	require.True(t, it.NeedsClarification)
	require.Less(t, it.Confidence, DefaultConfidenceThreshold)
}

func TestFinalizeThreshold(t *testing.T) {
	raw := &Intent{Name: "search_mail", Confidence: 0.3}
	out := Finalize(raw, 0.6, nil)
	require.True(t, out.NeedsClarification)

	raw = &Intent{Name: "search_mail", Confidence: 0.9}
	out = Finalize(raw, 0.6, nil)
	require.False(t, out.NeedsClarification)

	// The input intent is never mutated.
	require.False(t, raw.NeedsClarification || len(raw.MissingParameters) > 0)
}

func TestMergeClarificationAnswers(t *testing.T) {
	pending := &Intent{
		ID:                 "intent-1",
		Name:               "schedule_meeting",
		Domains:            []string{"calendar"},
		Parameters:         map[string]any{"date": "tomorrow"},
		Confidence:         0.4,
		NeedsClarification: true,
		MissingParameters:  []string{"attendee", "time"},
	}

	merged := Merge(pending, map[string]any{"attendee": "john@x.com", "time": "3pm"})
	require.NotEqual(t, pending.ID, merged.ID)
	require.Equal(t, "tomorrow", merged.Parameters["date"])
	require.Equal(t, "john@x.com", merged.Parameters["attendee"])
	require.False(t, merged.NeedsClarification)
	require.Equal(t, 1.0, merged.Confidence)

	// Pending intent stays immutable.
	require.True(t, pending.NeedsClarification)
	require.Len(t, pending.Parameters, 1)
}

func TestMergeBlankAnswersStayMissing(t *testing.T) {
	pending := &Intent{
		ID:                 "intent-1",
		Name:               "schedule_meeting",
		Parameters:         map[string]any{"date": "tomorrow"},
		Confidence:         0.4,
		NeedsClarification: true,
		MissingParameters:  []string{"attendee", "time"},
	}

	// A blank answer does not satisfy a missing parameter.
	merged := Merge(pending, map[string]any{"attendee": "  ", "time": ""})
	require.True(t, merged.NeedsClarification)
	require.Equal(t, []string{"attendee", "time"}, merged.MissingParameters)
	require.NotEqual(t, 1.0, merged.Confidence)

	// Partial answers narrow the missing set without resolving it.
	merged = Merge(pending, map[string]any{"attendee": "john@x.com"})
	require.True(t, merged.NeedsClarification)
	require.Equal(t, []string{"time"}, merged.MissingParameters)
}

func TestParseClassification(t *testing.T) {
	it := parseClassification(`Here you go: {"name":"search_mail","domains":["mail"],"parameters":{"query":"invoices"},"confidence":0.92}`, "find invoices in mail", 0.6)
	require.Equal(t, "search_mail", it.Name)
	require.False(t, it.NeedsClarification)
	require.Equal(t, "invoices", it.Parameters["query"])

	// Garbage output degrades to clarification, never to a guess.
	it = parseClassification("I cannot answer that", "gibberish", 0.6)
	require.Equal(t, "unknown", it.Name)
	require.True(t, it.NeedsClarification)
}
