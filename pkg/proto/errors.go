package proto

import "errors"

// Orchestrator error taxonomy. These sentinels are wrapped with context by
// the producing package and matched with errors.Is at the boundaries. None
// of them carries internal schema detail; the client only ever sees a
// generic failure message.
var (
	// ErrIntentAmbiguous: confidence below threshold or required parameters
	// missing. Routed to CLARIFICATION, never guessed.
	ErrIntentAmbiguous = errors.New("intent ambiguous")

	// ErrCapabilityUnavailable: the plan references a capability that is not
	// registered for the target domain.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrCatalogViolation: an emitted component or property failed schema
	// validation against the active catalog version.
	ErrCatalogViolation = errors.New("catalog violation")

	// ErrInvalidTransition: the event is not valid for the current state.
	// State is left unchanged and no side effects are applied.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAutonomyViolation: an attempt to execute a medium/high-risk
	// capability without a recorded approval grant.
	ErrAutonomyViolation = errors.New("autonomy violation")

	// ErrCapabilityTimeout: a capability call exceeded its deadline and, if
	// non-idempotent, may not be retried.
	ErrCapabilityTimeout = errors.New("capability timeout")

	// ErrGraphCycleDetected: a move would make a node its own ancestor.
	// The graph is left unchanged.
	ErrGraphCycleDetected = errors.New("graph cycle detected")

	// ErrSessionNotFound: the referenced session does not exist or has been
	// destroyed by logout or idle timeout.
	ErrSessionNotFound = errors.New("session not found")
)

// ClientFailureMessage is the only failure text ever surfaced to the
// rendering client for internal errors. Details stay in the server log.
const ClientFailureMessage = "The request could not be completed. Please try again."
