package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Registry holds the active catalog version. It is read-mostly and shared
// across all sessions; the only mutation is Swap, which replaces the whole
// version atomically so a pipeline mid-read never observes a partial update.
type Registry struct {
	mu     sync.RWMutex
	active *Catalog
	logger *logx.Logger
}

// NewRegistry creates a registry serving the given initial catalog.
func NewRegistry(initial *Catalog) *Registry {
	return &Registry{
		active: initial,
		logger: logx.NewLogger("catalog"),
	}
}

// Active returns the currently served catalog version.
func (r *Registry) Active() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Swap advances the registry to a new catalog version. The incoming version
// string must differ from the active one; swapping the same version back in
// is rejected to keep the evolution procedure explicit and auditable.
func (r *Registry) Swap(next *Catalog) error {
	if next == nil {
		return fmt.Errorf("catalog swap: nil catalog")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.version == next.version {
		return fmt.Errorf("catalog swap: version %s is already active", next.version)
	}
	prev := ""
	if r.active != nil {
		prev = r.active.version
	}
	r.active = next
	r.logger.Info("catalog swapped: %s -> %s (%d types)", prev, next.version, len(next.schemas))
	return nil
}

// ValidateOperation checks an insert or update operation against the active
// catalog version. Other operation kinds carry no component payload and pass
// through.
func (r *Registry) ValidateOperation(op *proto.Operation) error {
	active := r.Active()
	switch op.Operation {
	case proto.OpInsert:
		return active.ValidateInsert(op.NodeType, op.Properties)
	case proto.OpUpdate:
		if op.NodeType == "" {
			// Update ops on the wire omit node_type; callers that know the
			// node's type validate via ValidateUpdate directly.
			return nil
		}
		return active.ValidateUpdate(op.NodeType, op.Properties)
	default:
		return nil
	}
}

// catalogFile is the YAML shape of a catalog definition on disk.
type catalogFile struct {
	Version    string            `yaml:"version"`
	Components []ComponentSchema `yaml:"components"`
}

// LoadFile reads a catalog version from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return NewCatalog(file.Version, file.Components)
}
