package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/proto"
)

const classifierSystemPrompt = `You classify user requests for a UI orchestrator.
Respond with a single JSON object and nothing else:
{"name": "<intent_name>", "domains": ["<domain>", ...], "parameters": {...}, "confidence": <0..1>}
Known intent names: schedule_meeting, search_mail, export_mailbox, daily_summary, unknown.
Known domains: calendar, mail. Extract only parameters literally present in the request.`

// AnthropicClassifier classifies via the Anthropic Messages API. The model
// output is treated as an opaque classification; parsing failures degrade to
// a low-confidence unknown intent rather than an error, so the pipeline
// routes them to clarification.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     anthropic.Model
	threshold float64
}

// NewAnthropicClassifier creates a classifier backed by the given model.
func NewAnthropicClassifier(apiKey, model string, threshold float64) *AnthropicClassifier {
	return &AnthropicClassifier{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		threshold: threshold,
	}
}

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, input string, contextStack []proto.EntityRef) (*Intent, error) {
	prompt := buildClassifierPrompt(input, contextStack)

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{{
			Text: classifierSystemPrompt,
			Type: "text",
		}},
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic classification failed: %w", err)
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return parseClassification(text, input, c.threshold), nil
}

// buildClassifierPrompt renders the input plus the session context stack so
// the model can resolve references like "that message".
func buildClassifierPrompt(input string, contextStack []proto.EntityRef) string {
	var b strings.Builder
	if len(contextStack) > 0 {
		b.WriteString("Session context (most recent last):\n")
		for _, ref := range contextStack {
			fmt.Fprintf(&b, "- %s/%s %s\n", ref.Domain, ref.ID, ref.Label)
		}
		b.WriteString("\n")
	}
	b.WriteString("Request: ")
	b.WriteString(input)
	return b.String()
}

// classificationPayload is the JSON shape both LLM adapters expect back.
type classificationPayload struct {
	Name       string         `json:"name"`
	Domains    []string       `json:"domains"`
	Parameters map[string]any `json:"parameters"`
	Confidence float64        `json:"confidence"`
}

// parseClassification extracts the JSON object from model output. Anything
// unparseable becomes a low-confidence unknown intent.
func parseClassification(text, utterance string, threshold float64) *Intent {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")

	raw := &Intent{
		ID:         proto.GenerateIntentID(),
		Name:       "unknown",
		Confidence: 0.0,
		Utterance:  utterance,
	}
	if start >= 0 && end > start {
		var payload classificationPayload
		if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err == nil && payload.Name != "" {
			raw.Name = payload.Name
			raw.Domains = payload.Domains
			raw.Parameters = payload.Parameters
			raw.Confidence = payload.Confidence
		}
	}
	return Finalize(raw, threshold, nil)
}
