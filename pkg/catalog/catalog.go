// Package catalog holds the finite, versioned set of UI component types the
// orchestrator may ever emit. A catalog version is immutable once built; the
// registry only advances through an explicit versioned swap, never by in-place
// mutation from a pipeline run.
package catalog

import (
	"fmt"
	"reflect"
	"sort"

	"conductor/pkg/proto"
)

// PropertySpec describes one allowed property of a component type.
type PropertySpec struct {
	// Type is one of: string, number, boolean, object, array, any.
	Type     string   `yaml:"type" json:"type"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// ComponentSchema is the structural contract for one component type: the
// shape of its properties and the set of permitted action names.
type ComponentSchema struct {
	Type       string                  `yaml:"type" json:"type"`
	Properties map[string]PropertySpec `yaml:"properties" json:"properties"`
	Actions    []string                `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Catalog is one immutable catalog version.
type Catalog struct {
	version string
	schemas map[string]ComponentSchema
}

// NewCatalog builds a catalog from the given schemas. Duplicate component
// types and empty versions are rejected.
func NewCatalog(version string, schemas []ComponentSchema) (*Catalog, error) {
	if version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}
	byType := make(map[string]ComponentSchema, len(schemas))
	for _, s := range schemas {
		if s.Type == "" {
			return nil, fmt.Errorf("catalog %s: component type name is required", version)
		}
		if _, exists := byType[s.Type]; exists {
			return nil, fmt.Errorf("catalog %s: duplicate component type %q", version, s.Type)
		}
		for prop, spec := range s.Properties {
			if !validPropertyType(spec.Type) {
				return nil, fmt.Errorf("catalog %s: component %s property %s has unknown type %q",
					version, s.Type, prop, spec.Type)
			}
		}
		byType[s.Type] = s
	}
	return &Catalog{version: version, schemas: byType}, nil
}

// Version returns the catalog version string.
func (c *Catalog) Version() string {
	return c.version
}

// Types returns the sorted component type names of this version.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.schemas))
	for t := range c.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Schema returns the schema for a component type.
func (c *Catalog) Schema(componentType string) (ComponentSchema, bool) {
	s, ok := c.schemas[componentType]
	return s, ok
}

// ActionAllowed reports whether the action name is permitted for the type.
func (c *Catalog) ActionAllowed(componentType, action string) bool {
	s, ok := c.schemas[componentType]
	if !ok {
		return false
	}
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ValidateInsert checks a full property set against the component schema:
// unknown type, unknown keys, missing required keys, and value type
// mismatches all fail with ErrCatalogViolation. The wrapped detail is for
// the server log only; it must not be echoed to the client.
func (c *Catalog) ValidateInsert(componentType string, props map[string]any) error {
	schema, ok := c.schemas[componentType]
	if !ok {
		return fmt.Errorf("%w: unregistered component type %q (catalog %s)",
			proto.ErrCatalogViolation, componentType, c.version)
	}
	for key := range props {
		if _, known := schema.Properties[key]; !known {
			return fmt.Errorf("%w: component %s has no property %q",
				proto.ErrCatalogViolation, componentType, key)
		}
	}
	for key, spec := range schema.Properties {
		val, present := props[key]
		if !present {
			if spec.Required {
				return fmt.Errorf("%w: component %s missing required property %q",
					proto.ErrCatalogViolation, componentType, key)
			}
			continue
		}
		if err := checkValue(spec, val); err != nil {
			return fmt.Errorf("%w: component %s property %q: %v",
				proto.ErrCatalogViolation, componentType, key, err)
		}
	}
	return nil
}

// ValidateUpdate checks a partial property patch: every patched key must be
// declared and well-typed, but required keys may be absent since update
// merges into the existing property set.
func (c *Catalog) ValidateUpdate(componentType string, patch map[string]any) error {
	schema, ok := c.schemas[componentType]
	if !ok {
		return fmt.Errorf("%w: unregistered component type %q (catalog %s)",
			proto.ErrCatalogViolation, componentType, c.version)
	}
	for key, val := range patch {
		spec, known := schema.Properties[key]
		if !known {
			return fmt.Errorf("%w: component %s has no property %q",
				proto.ErrCatalogViolation, componentType, key)
		}
		if err := checkValue(spec, val); err != nil {
			return fmt.Errorf("%w: component %s property %q: %v",
				proto.ErrCatalogViolation, componentType, key, err)
		}
	}
	return nil
}

func validPropertyType(t string) bool {
	switch t {
	case "string", "number", "boolean", "object", "array", "any":
		return true
	}
	return false
}

func checkValue(spec PropertySpec, val any) error {
	if val == nil {
		return fmt.Errorf("value is null")
	}
	switch spec.Type {
	case "any":
		return nil
	case "string":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		if len(spec.Enum) > 0 {
			for _, allowed := range spec.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum", s)
		}
		return nil
	case "number":
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
		return fmt.Errorf("expected number, got %T", val)
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
		return nil
	case "object":
		if reflect.ValueOf(val).Kind() != reflect.Map {
			return fmt.Errorf("expected object, got %T", val)
		}
		return nil
	case "array":
		if reflect.ValueOf(val).Kind() != reflect.Slice {
			return fmt.Errorf("expected array, got %T", val)
		}
		return nil
	}
	return fmt.Errorf("unknown property type %q", spec.Type)
}
