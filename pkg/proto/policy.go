package proto

import "time"

// AutonomyLevel is the per-session policy controlling automatic execution of
// write capabilities.
type AutonomyLevel string

const (
	// AutonomyAssist never executes writes automatically; the pipeline stops
	// at a rendered recommendation and waits for an explicit follow-up.
	AutonomyAssist AutonomyLevel = "assist"

	// AutonomyRecommend pre-binds writes into a form but requires an
	// explicit submit from USER_DECISION before anything executes.
	AutonomyRecommend AutonomyLevel = "recommend"

	// AutonomyAct executes low-risk capabilities immediately; medium and
	// high risk always require confirmation regardless of this setting.
	AutonomyAct AutonomyLevel = "act"
)

// IsValid reports whether l is a known autonomy level.
func (l AutonomyLevel) IsValid() bool {
	switch l {
	case AutonomyAssist, AutonomyRecommend, AutonomyAct:
		return true
	}
	return false
}

// RiskLevel classifies the blast radius of a capability's side effects.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// IsValid reports whether r is a known risk level.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// CapabilityKind distinguishes plan step behavior: reads populate context,
// writes mutate domain state, jobs run long and report progress.
type CapabilityKind string

const (
	CapabilityRead  CapabilityKind = "read"
	CapabilityWrite CapabilityKind = "write"
	CapabilityJob   CapabilityKind = "job"
)

// ApprovalStatus is the outcome of an ApprovalConfirmation interaction.
type ApprovalStatus string

const (
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusPending  ApprovalStatus = "PENDING"
)

// ApprovalGrant records an explicit user acceptance of a gated capability.
// Grants are single-use: the executor consumes one grant per gated step, and
// every consumed grant lands in the audit log. A medium/high-risk capability
// must never execute without one.
type ApprovalGrant struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	IntentID     string         `json:"intent_id"`
	CapabilityID string         `json:"capability_id"`
	Status       ApprovalStatus `json:"status"`
	GrantedAt    time.Time      `json:"granted_at"`
}

// EntityRef points at a business entity held in the session's context stack.
// The orchestrator treats it as opaque; only domain modules dereference it.
type EntityRef struct {
	Domain string `json:"domain"`
	ID     string `json:"id"`
	Label  string `json:"label,omitempty"`
}
