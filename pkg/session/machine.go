// Package session owns the per-session pipeline state machine, the session
// object that carries a turn's working data, and the manager that tracks live
// sessions. All transitions go through the declarative table; an event with
// no entry for the current state fails with ErrInvalidTransition and leaves
// the state untouched.
package session

import (
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// maxHistory bounds the in-memory transition trail kept per session.
const maxHistory = 100

// transitionTable is the complete legal transition set. Keeping it as data
// makes the machine auditable: the table is the contract, Fire just looks
// it up.
var transitionTable = map[proto.State]map[proto.EventKind]proto.State{
	proto.StateIdle: {
		proto.EventUserInput: proto.StateIntentCaptured,
	},
	proto.StateIntentCaptured: {
		proto.EventIntentClassified:    proto.StateContextResolved,
		proto.EventClarificationNeeded: proto.StateClarification,
		proto.EventError:               proto.StateError,
	},
	proto.StateContextResolved: {
		proto.EventPlanResolved: proto.StateAIProcessing,
		proto.EventError:        proto.StateError,
	},
	proto.StateAIProcessing: {
		proto.EventRenderReady: proto.StateA2UIRendered,
		proto.EventError:       proto.StateError,
	},
	proto.StateA2UIRendered: {
		proto.EventAwaitDecision: proto.StateUserDecision,
		proto.EventTurnComplete:  proto.StateIdle,
		proto.EventError:         proto.StateError,
	},
	proto.StateUserDecision: {
		proto.EventSubmit:  proto.StateA2UIRendered,
		proto.EventConfirm: proto.StateActionExecuted,
		proto.EventCancel:  proto.StateStateUpdated,
		proto.EventError:   proto.StateError,
	},
	proto.StateActionExecuted: {
		proto.EventGraphUpdated: proto.StateStateUpdated,
		proto.EventCancel:       proto.StateStateUpdated,
		proto.EventError:        proto.StateError,
	},
	proto.StateStateUpdated: {
		proto.EventTurnComplete: proto.StateIdle,
	},
	proto.StateClarification: {
		proto.EventClarificationAnswered: proto.StateIntentCaptured,
		proto.EventCancel:                proto.StateIdle,
		proto.EventError:                 proto.StateError,
	},
	proto.StateError: {
		proto.EventReset: proto.StateIdle,
	},
}

// Allowed returns the target state for (from, event) if the transition is
// legal.
func Allowed(from proto.State, event proto.EventKind) (proto.State, bool) {
	to, ok := transitionTable[from][event]
	return to, ok
}

// Transition is one recorded state change.
type Transition struct {
	From  proto.State     `json:"from"`
	Event proto.EventKind `json:"event"`
	To    proto.State     `json:"to"`
	At    time.Time       `json:"at"`
}

// Machine is one session's state machine. Safe for concurrent use, though
// the dispatcher serializes all pipeline work per session anyway.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	current   proto.State
	history   []Transition
	logger    *logx.Logger
}

// NewMachine creates a machine in IDLE.
func NewMachine(sessionID string) *Machine {
	return &Machine{
		sessionID: sessionID,
		current:   proto.StateIdle,
		logger:    logx.NewLogger("fsm"),
	}
}

// Current returns the current state.
func (m *Machine) Current() proto.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire applies an event. On an illegal (state, event) pair it returns
// ErrInvalidTransition and the state does not change.
func (m *Machine) Fire(event proto.EventKind) (proto.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := transitionTable[m.current][event]
	if !ok {
		return m.current, fmt.Errorf("%w: %s does not accept %s", proto.ErrInvalidTransition, m.current, event)
	}

	m.history = append(m.history, Transition{From: m.current, Event: event, To: to, At: time.Now().UTC()})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.logger.DebugSession(m.sessionID, "%s --%s--> %s", m.current, event, to)
	m.current = to
	return to, nil
}

// Restore forces the machine into a persisted state on session resume.
// Mid-turn states are not resumable; anything that is not a resting state
// lands in ERROR so the client has to reset explicitly.
func (m *Machine) Restore(state proto.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch state {
	case proto.StateIdle, proto.StateUserDecision, proto.StateClarification, proto.StateError:
		m.current = state
	default:
		m.logger.WarnSession(m.sessionID, "cannot resume mid-turn state %s; entering ERROR", state)
		m.current = proto.StateError
	}
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
