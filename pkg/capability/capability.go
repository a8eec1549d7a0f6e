// Package capability stores the contracts that domain modules expose to the
// orchestrator: id, schemas, side effects, risk level, and idempotency. The
// orchestrator plans and sequences these contracts; it never inspects a
// domain module's implementation.
package capability

import (
	"context"
	"fmt"

	"conductor/pkg/proto"
)

// FieldSpec describes one field of a capability input or output schema.
type FieldSpec struct {
	// Type is one of: string, number, boolean, object, array, any.
	Type     string `yaml:"type" json:"type"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// Schema maps field names to their specs.
type Schema map[string]FieldSpec

// Handler is the uniform invocation boundary for read and write
// capabilities. Implementations live in domain modules.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ProgressFunc reports job progress in percent with a status label.
type ProgressFunc func(percent int, status string)

// JobHandler is the invocation boundary for long-running job capabilities.
// Implementations must honor ctx cancellation.
type JobHandler func(ctx context.Context, params map[string]any, progress ProgressFunc) (map[string]any, error)

// Capability is a registered domain operation.
type Capability struct {
	ID           string               `json:"id"`
	Domain       string               `json:"domain"`
	Kind         proto.CapabilityKind `json:"kind"`
	InputSchema  Schema               `json:"input_schema"`
	OutputSchema Schema               `json:"output_schema"`
	SideEffects  []string             `json:"side_effects,omitempty"`
	RiskLevel    proto.RiskLevel      `json:"risk_level"`
	Idempotent   bool                 `json:"idempotent"`

	Handler    Handler    `json:"-"`
	JobHandler JobHandler `json:"-"`
}

// Validate checks the contract is complete enough to register.
func (c *Capability) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("capability id is required")
	}
	if c.Domain == "" {
		return fmt.Errorf("capability %s: domain is required", c.ID)
	}
	switch c.Kind {
	case proto.CapabilityRead, proto.CapabilityWrite:
		if c.Handler == nil {
			return fmt.Errorf("capability %s: handler is required", c.ID)
		}
	case proto.CapabilityJob:
		if c.JobHandler == nil {
			return fmt.Errorf("capability %s: job handler is required", c.ID)
		}
	default:
		return fmt.Errorf("capability %s: unknown kind %q", c.ID, c.Kind)
	}
	if !c.RiskLevel.IsValid() {
		return fmt.Errorf("capability %s: unknown risk level %q", c.ID, c.RiskLevel)
	}
	return nil
}

// CheckInput validates bound parameters against the input schema: required
// fields must be present and every present field must match its declared
// type. Unknown parameters are rejected so a plan never smuggles data past
// the contract.
func (c *Capability) CheckInput(params map[string]any) error {
	for name := range params {
		if _, known := c.InputSchema[name]; !known {
			return fmt.Errorf("capability %s: unknown parameter %q", c.ID, name)
		}
	}
	for name, spec := range c.InputSchema {
		val, present := params[name]
		if !present {
			if spec.Required {
				return fmt.Errorf("capability %s: missing required parameter %q", c.ID, name)
			}
			continue
		}
		if !fieldMatches(spec.Type, val) {
			return fmt.Errorf("capability %s: parameter %q expected %s, got %T",
				c.ID, name, spec.Type, val)
		}
	}
	return nil
}

// MissingInputs returns the required input fields absent from params, in
// schema-sorted order. Used to build clarification prompts.
func (c *Capability) MissingInputs(params map[string]any) []string {
	var missing []string
	for name, spec := range c.InputSchema {
		if !spec.Required {
			continue
		}
		if _, present := params[name]; !present {
			missing = append(missing, name)
		}
	}
	sortStrings(missing)
	return missing
}

func fieldMatches(fieldType string, val any) bool {
	if val == nil {
		return false
	}
	switch fieldType {
	case "any":
		return true
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	case "array":
		switch val.(type) {
		case []any, []string, []map[string]any:
			return true
		}
		return false
	}
	return false
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
