// Package proto defines the shared protocol types for the orchestrator:
// session states, pipeline events, graph-patch operations, and the error
// taxonomy. Every other package speaks in terms of these types.
package proto

// State represents a session's position in the pipeline state machine.
type State string

const (
	// StateIdle is the initial state and the state reached after a
	// completed turn. A session in IDLE has no pipeline run in flight.
	StateIdle State = "IDLE"

	// StateIntentCaptured means raw input has been accepted for this turn.
	StateIntentCaptured State = "INTENT_CAPTURED"

	// StateContextResolved means the intent classified above threshold and
	// the session context has been bound to it.
	StateContextResolved State = "CONTEXT_RESOLVED"

	// StateAIProcessing means the planner is resolving and executing the
	// read portion of the plan.
	StateAIProcessing State = "AI_PROCESSING"

	// StateA2UIRendered means a patch has been emitted to the client.
	StateA2UIRendered State = "A2UI_RENDERED"

	// StateUserDecision means the session is blocked on an explicit user
	// submit/confirm/cancel event.
	StateUserDecision State = "USER_DECISION"

	// StateActionExecuted means a write or job capability has run.
	StateActionExecuted State = "ACTION_EXECUTED"

	// StateStateUpdated means the graph reflects the outcome of the action.
	StateStateUpdated State = "STATE_UPDATED"

	// StateClarification means the classifier could not produce a usable
	// intent and the session is collecting the missing parameters.
	StateClarification State = "CLARIFICATION"

	// StateError is the only non-IDLE resting state. It is recoverable
	// back to IDLE via an explicit reset event.
	StateError State = "ERROR"
)

// ValidStates lists every state the machine may occupy.
var ValidStates = []State{
	StateIdle,
	StateIntentCaptured,
	StateContextResolved,
	StateAIProcessing,
	StateA2UIRendered,
	StateUserDecision,
	StateActionExecuted,
	StateStateUpdated,
	StateClarification,
	StateError,
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	for _, v := range ValidStates {
		if s == v {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// EventKind identifies a state machine event. Events are produced either by
// the pipeline itself (classification finished, render flushed) or by the
// client (submit, confirm, cancel).
type EventKind string

const (
	// EventUserInput starts a new turn from IDLE.
	EventUserInput EventKind = "user_input"

	// EventIntentClassified means the classifier produced a confident intent.
	EventIntentClassified EventKind = "intent_classified"

	// EventClarificationNeeded routes the turn into the clarification sub-flow.
	EventClarificationNeeded EventKind = "clarification_needed"

	// EventClarificationAnswered carries the user's answers back into the turn.
	EventClarificationAnswered EventKind = "clarification_answered"

	// EventPlanResolved means the planner produced an executable plan.
	EventPlanResolved EventKind = "plan_resolved"

	// EventRenderReady means the diff has been computed and validated.
	EventRenderReady EventKind = "render_ready"

	// EventAwaitDecision parks the session waiting for the user.
	EventAwaitDecision EventKind = "await_decision"

	// EventSubmit is the client's form submission.
	EventSubmit EventKind = "submit"

	// EventConfirm is the client's approval acceptance.
	EventConfirm EventKind = "confirm"

	// EventCancel aborts the pending action or an in-flight job.
	EventCancel EventKind = "cancel"

	// EventGraphUpdated means the action outcome has been folded into the graph.
	EventGraphUpdated EventKind = "graph_updated"

	// EventTurnComplete returns the session to IDLE.
	EventTurnComplete EventKind = "turn_complete"

	// EventError moves the session into ERROR.
	EventError EventKind = "error"

	// EventReset recovers a session from ERROR back to IDLE.
	EventReset EventKind = "reset"
)
