// Package autonomy gates write and job capability execution on the session's
// autonomy level and the capability's declared risk. The medium/high-risk
// confirmation floor is enforced twice: once when planning the interaction
// (Gate) and again at the moment of execution (Authorize), so no caller can
// bypass it with flags.
package autonomy

import (
	"fmt"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Decision is the gate's verdict for one plan step.
type Decision string

const (
	// DecisionAutoExecute: the step may run immediately upon planning.
	DecisionAutoExecute Decision = "auto_execute"

	// DecisionRequireSubmit: pre-bind the step into a form; execution
	// requires an explicit submit event from USER_DECISION.
	DecisionRequireSubmit Decision = "require_submit"

	// DecisionRequireConfirmation: an ApprovalConfirmation card must be
	// accepted before the step may run.
	DecisionRequireConfirmation Decision = "require_confirmation"

	// DecisionRecommendOnly: the pipeline stops at rendering a
	// recommendation; executing requires a follow-up intent in a new turn.
	DecisionRecommendOnly Decision = "recommend_only"
)

// Engine applies the autonomy policy.
type Engine struct {
	logger *logx.Logger
}

// NewEngine creates the policy engine.
func NewEngine() *Engine {
	return &Engine{logger: logx.NewLogger("autonomy")}
}

// Gate decides how a plan step may proceed. Reads are never gated.
func (e *Engine) Gate(level proto.AutonomyLevel, kind proto.CapabilityKind, risk proto.RiskLevel) Decision {
	if kind == proto.CapabilityRead {
		return DecisionAutoExecute
	}

	// The risk floor comes first: medium and high risk always require
	// explicit confirmation, regardless of autonomy level.
	if risk == proto.RiskMedium || risk == proto.RiskHigh {
		if level == proto.AutonomyAssist {
			return DecisionRecommendOnly
		}
		return DecisionRequireConfirmation
	}

	switch level {
	case proto.AutonomyAssist:
		return DecisionRecommendOnly
	case proto.AutonomyRecommend:
		return DecisionRequireSubmit
	case proto.AutonomyAct:
		return DecisionAutoExecute
	default:
		// Unknown levels fail closed.
		return DecisionRecommendOnly
	}
}

// Authorize is the execution-time check. A medium or high risk capability
// may only run with a recorded, approved grant; anything else is an
// AutonomyViolation no matter what the caller claims.
func (e *Engine) Authorize(sessionID, capabilityID string, risk proto.RiskLevel, grant *proto.ApprovalGrant) error {
	if risk == proto.RiskLow {
		return nil
	}
	if grant == nil {
		e.logger.WarnSession(sessionID, "blocked %s-risk capability %s: no approval grant", risk, capabilityID)
		return fmt.Errorf("capability %s requires confirmation: %w", capabilityID, proto.ErrAutonomyViolation)
	}
	if grant.Status != proto.ApprovalStatusApproved {
		e.logger.WarnSession(sessionID, "blocked capability %s: grant %s has status %s", capabilityID, grant.ID, grant.Status)
		return fmt.Errorf("capability %s grant not approved: %w", capabilityID, proto.ErrAutonomyViolation)
	}
	if grant.CapabilityID != capabilityID {
		e.logger.WarnSession(sessionID, "blocked capability %s: grant %s targets %s", capabilityID, grant.ID, grant.CapabilityID)
		return fmt.Errorf("grant capability mismatch: %w", proto.ErrAutonomyViolation)
	}
	return nil
}
