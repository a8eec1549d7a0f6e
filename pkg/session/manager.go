package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Manager tracks live sessions and evicts idle ones.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	logger      *logx.Logger
}

// NewManager creates a manager. idleTimeout <= 0 disables eviction.
func NewManager(idleTimeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		logger:      logx.NewLogger("session"),
	}
}

// Create registers a new session for the user.
func (m *Manager) Create(userID string, level proto.AutonomyLevel) (*Session, error) {
	if !level.IsValid() {
		return nil, fmt.Errorf("unknown autonomy level %q", level)
	}
	s := New(userID, level)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.InfoSession(s.ID, "created for user %s at autonomy %s", userID, level)
	return s, nil
}

// Adopt registers a session rebuilt from persistence.
func (m *Manager) Adopt(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.logger.InfoSession(s.ID, "resumed in state %s with %d nodes", s.Machine.Current(), s.Graph.Len())
}

// Get returns the session or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", proto.ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove drops the session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// IDs returns the live session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle longer than the timeout and returns their ids.
// Sessions blocked in USER_DECISION are evicted like any other; the graph
// snapshot in persistence is what makes them resumable.
func (m *Manager) Sweep(now time.Time) []string {
	if m.idleTimeout <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.idleTimeout {
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		m.logger.InfoSession(id, "evicted after %s idle", m.idleTimeout)
	}
	return evicted
}
