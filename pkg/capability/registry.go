package capability

import (
	"fmt"
	"sort"
	"sync"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Registry holds all registered capability contracts. Domain modules
// register at startup; Freeze is called before the first session is served,
// after which the set is immutable. Replacing contracts at runtime goes
// through a whole-registry swap in the owning process, never through partial
// mutation while pipelines read from it.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Capability
	frozen bool
	logger *logx.Logger
}

// NewRegistry creates an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Capability),
		logger: logx.NewLogger("capability"),
	}
}

// Register adds a capability contract. Fails after Freeze or on duplicates.
func (r *Registry) Register(c *Capability) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("capability registry is frozen; %s cannot be registered", c.ID)
	}
	if _, exists := r.byID[c.ID]; exists {
		return fmt.Errorf("capability %s is already registered", c.ID)
	}
	r.byID[c.ID] = c
	r.logger.Info("registered capability %s (domain=%s kind=%s risk=%s idempotent=%t)",
		c.ID, c.Domain, c.Kind, c.RiskLevel, c.Idempotent)
	return nil
}

// Freeze makes the registry immutable. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the capability with the given id, or ErrCapabilityUnavailable.
func (r *Registry) Get(id string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", proto.ErrCapabilityUnavailable, id)
	}
	return c, nil
}

// ForDomain returns the capabilities registered for a domain and kind,
// sorted by id for deterministic planning.
func (r *Registry) ForDomain(domain string, kind proto.CapabilityKind) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Capability
	for _, c := range r.byID {
		if c.Domain == domain && c.Kind == kind {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Domains returns the sorted set of domains with at least one capability.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range r.byID {
		seen[c.Domain] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
