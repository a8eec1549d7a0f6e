package session

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/graph"
	"conductor/pkg/intent"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
)

// maxContextStack bounds the entity context stack; the oldest entries fall
// off when a new one is pushed past the limit.
const maxContextStack = 10

// Session is one user's live orchestration session: its state machine, its
// component graph, and the in-flight turn data. Mutating methods require the
// caller to hold Lock; the dispatcher guarantees one goroutine per session.
type Session struct {
	mu sync.Mutex

	ID       string
	UserID   string
	Autonomy proto.AutonomyLevel

	Machine *Machine
	Graph   *graph.Graph

	contextStack []proto.EntityRef

	// Turn-scoped data, cleared when the turn completes.
	PendingIntent *intent.Intent
	PendingPlan   *planner.Plan
	Results       map[string]any

	// Grants maps capability id to the user's recorded approval for this
	// turn. Grants are single-use and cleared with the turn.
	Grants map[string]*proto.ApprovalGrant

	// jobCancel aborts the in-flight job, if any.
	jobCancel context.CancelFunc

	// lastActivity has its own mutex so the manager's idle sweep never
	// contends with a session's turn lock.
	activityMu   sync.Mutex
	lastActivity time.Time
	createdAt    time.Time
}

// New creates an idle session with an empty graph.
func New(userID string, level proto.AutonomyLevel) *Session {
	id := proto.GenerateSessionID()
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		UserID:       userID,
		Autonomy:     level,
		Machine:      NewMachine(id),
		Graph:        graph.New(),
		Grants:       make(map[string]*proto.ApprovalGrant),
		lastActivity: now,
		createdAt:    now,
	}
}

// Resume rebuilds a session from persisted state. The machine lands in the
// persisted state when it is resumable and in ERROR otherwise.
func Resume(id, userID string, level proto.AutonomyLevel, state proto.State, g *graph.Graph, stack []proto.EntityRef) *Session {
	machine := NewMachine(id)
	machine.Restore(state)
	if g == nil {
		g = graph.New()
	}
	s := &Session{
		ID:           id,
		UserID:       userID,
		Autonomy:     level,
		Machine:      machine,
		Graph:        g,
		Grants:       make(map[string]*proto.ApprovalGrant),
		lastActivity: time.Now().UTC(),
		createdAt:    time.Now().UTC(),
	}
	for _, ref := range stack {
		s.PushEntity(ref)
	}
	return s
}

// Lock serializes access to the session's mutable turn data.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// Touch records activity for idle-timeout accounting.
func (s *Session) Touch() {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	s.lastActivity = time.Now().UTC()
}

// LastActivity returns the time of the most recent Touch.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// PushEntity records an entity the user is working with. The stack is
// bounded; the oldest reference falls off. Caller holds the lock.
func (s *Session) PushEntity(ref proto.EntityRef) {
	s.contextStack = append(s.contextStack, ref)
	if len(s.contextStack) > maxContextStack {
		s.contextStack = s.contextStack[len(s.contextStack)-maxContextStack:]
	}
}

// ContextStack returns a copy of the stack, oldest first. Caller holds the
// lock.
func (s *Session) ContextStack() []proto.EntityRef {
	out := make([]proto.EntityRef, len(s.contextStack))
	copy(out, s.contextStack)
	return out
}

// BeginJob stores the cancel func for an in-flight job, aborting any
// previous one first. Caller holds the lock.
func (s *Session) BeginJob(cancel context.CancelFunc) {
	if s.jobCancel != nil {
		s.jobCancel()
	}
	s.jobCancel = cancel
}

// CancelJob aborts the in-flight job, if any. Caller holds the lock.
func (s *Session) CancelJob() bool {
	if s.jobCancel == nil {
		return false
	}
	s.jobCancel()
	s.jobCancel = nil
	return true
}

// ClearTurn drops the turn-scoped data once the turn reaches IDLE. The
// graph and context stack survive across turns. Caller holds the lock.
func (s *Session) ClearTurn() {
	s.PendingIntent = nil
	s.PendingPlan = nil
	s.Results = nil
	s.Grants = make(map[string]*proto.ApprovalGrant)
	s.jobCancel = nil
}
