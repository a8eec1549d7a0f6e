package intent

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"conductor/pkg/proto"
)

// OpenAIClassifier classifies via the OpenAI Chat Completions API. Same
// contract as AnthropicClassifier: opaque output, parse failures degrade to
// clarification.
type OpenAIClassifier struct {
	client    openai.Client
	model     string
	threshold float64
}

// NewOpenAIClassifier creates a classifier backed by the given model.
func NewOpenAIClassifier(apiKey, model string, threshold float64) *OpenAIClassifier {
	return &OpenAIClassifier{
		client:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		threshold: threshold,
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, input string, contextStack []proto.EntityRef) (*Intent, error) {
	prompt := buildClassifierPrompt(input, contextStack)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierSystemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai classification failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai classification returned no choices")
	}
	return parseClassification(resp.Choices[0].Message.Content, input, c.threshold), nil
}

// NewClassifier builds the configured classifier. Provider "rules" (or
// empty) selects the deterministic rule table; "anthropic" and "openai"
// select the LLM adapters.
func NewClassifier(provider, apiKey, model string, threshold float64) (Classifier, error) {
	switch provider {
	case "", "rules":
		return NewRuleClassifier(DefaultRules(), threshold), nil
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("classifier provider anthropic requires an API key")
		}
		return NewAnthropicClassifier(apiKey, model, threshold), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("classifier provider openai requires an API key")
		}
		return NewOpenAIClassifier(apiKey, model, threshold), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", provider)
	}
}

// interface guards
var (
	_ Classifier = (*RuleClassifier)(nil)
	_ Classifier = (*AnthropicClassifier)(nil)
	_ Classifier = (*OpenAIClassifier)(nil)
)
