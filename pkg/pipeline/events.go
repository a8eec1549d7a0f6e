package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/eventlog"
	"conductor/pkg/intent"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recipe"
	"conductor/pkg/session"
)

// HandleUIEvent routes a client event (submit, confirm, cancel, reset) into
// the session's current state. Events the state does not accept fail with
// ErrInvalidTransition and change nothing.
func (p *Pipeline) HandleUIEvent(ctx context.Context, sess *session.Session, ev *proto.UIEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	state := sess.Machine.Current()
	switch ev.ActionID {
	case "submit":
		if state == proto.StateClarification {
			return p.handleClarificationAnswer(ctx, sess, ev)
		}
		return p.handleSubmit(ctx, sess, ev)
	case "confirm":
		return p.handleConfirm(ctx, sess, ev)
	case "cancel":
		return p.handleCancel(sess)
	case "reset":
		return p.handleReset(sess)
	default:
		return fmt.Errorf("%w: action %q in state %s", proto.ErrInvalidTransition, ev.ActionID, state)
	}
}

// handleClarificationAnswer merges the answers and re-enters the turn.
func (p *Pipeline) handleClarificationAnswer(ctx context.Context, sess *session.Session, ev *proto.UIEvent) error {
	if sess.PendingIntent == nil {
		return fmt.Errorf("%w: no pending clarification", proto.ErrInvalidTransition)
	}
	if _, err := p.fire(sess, proto.EventClarificationAnswered); err != nil {
		return err
	}

	merged := intent.Merge(sess.PendingIntent, ev.InputData)
	if merged.NeedsClarification {
		// The answers left required fields blank; ask again for what is
		// still missing instead of dead-ending the turn downstream.
		return p.enterClarification(sess, merged)
	}
	started := time.Now()
	if _, err := p.fire(sess, proto.EventIntentClassified); err != nil {
		return err
	}
	outcome := p.runTurn(ctx, sess, merged)
	p.observeTurn(sess, merged, outcome, time.Since(started))
	return nil
}

// handleSubmit executes the pending submit-gated writes with the form's
// field values bound in. Medium and high risk steps stay pending: a submit
// stages their approval card and only a confirm can release them.
func (p *Pipeline) handleSubmit(ctx context.Context, sess *session.Session, ev *proto.UIEvent) error {
	plan := sess.PendingPlan
	it := sess.PendingIntent
	if plan == nil {
		return fmt.Errorf("%w: no pending plan to submit", proto.ErrInvalidTransition)
	}
	if _, err := p.fire(sess, proto.EventSubmit); err != nil {
		return err
	}

	ran := false
	for _, step := range plan.GatedSteps() {
		if step.Decision != autonomy.DecisionRequireSubmit {
			continue
		}
		bindInput(&step, ev.InputData)
		if _, err := p.runGatedStep(ctx, sess, it, step, nil); err != nil {
			p.failTurn(sess, err)
			return err
		}
		ran = true
	}

	if needsConfirmation(plan) {
		return p.stageConfirmation(sess, it, plan, ev.InputData)
	}

	status := "submitted"
	if ran {
		status = "executed"
	}
	ops := statusOps(sess, archetype.FormEdit, "form", "form_card", map[string]any{"status": status})
	if err := p.emitOps(sess, it, ops, proto.StateA2UIRendered); err != nil {
		p.failTurn(sess, err)
		return err
	}
	p.completeTurn(sess)
	return nil
}

// stageConfirmation folds the submitted form values into the pending
// confirmation steps, renders the approval card next to the submitted form,
// and parks the session back in USER_DECISION. Nothing executes here.
func (p *Pipeline) stageConfirmation(sess *session.Session, it *intent.Intent, plan *planner.Plan, input map[string]any) error {
	for i := range plan.Steps {
		if plan.Steps[i].Decision == autonomy.DecisionRequireConfirmation {
			bindInput(&plan.Steps[i], input)
		}
	}

	domains := p.deps.Mapper.OrderDomains(it.Domains)
	domain := domainFor(archetype.ApprovalConfirmation, plan, domains)
	rec, err := p.deps.Selector.Select(domain, archetype.ApprovalConfirmation)
	if err != nil {
		p.failTurn(sess, err)
		return err
	}
	rc := &recipe.Context{
		SessionID: sess.ID,
		Domain:    domain,
		Intent:    it,
		Results:   sess.Results,
		Risk:      plan.MaxRisk,
		Summary:   plan.Summary,
	}

	ops := statusOps(sess, archetype.FormEdit, "form", "form_card", map[string]any{"status": "submitted"})
	rootChildren := len(sess.Graph.Children(proto.RootNodeID))
	for _, n := range rec.Render(rc) {
		if sess.Graph.Has(n.ID) {
			continue
		}
		op := proto.Operation{
			Operation:  proto.OpInsert,
			NodeID:     n.ID,
			NodeType:   n.Type,
			ParentID:   n.ParentID,
			Properties: n.Properties,
			Position:   proto.Pos(n.Position),
		}
		if n.ParentID == proto.RootNodeID {
			op.Position = proto.Pos(rootChildren + n.Position)
		}
		ops = append(ops, op)
	}
	if err := p.emitOps(sess, it, ops, proto.StateA2UIRendered); err != nil {
		p.failTurn(sess, err)
		return err
	}
	if _, err := p.fire(sess, proto.EventAwaitDecision); err != nil {
		return err
	}
	p.persist(sess)
	return nil
}

// handleConfirm records the approval grant, authorizes the gated steps
// against it, and executes them. Jobs launch asynchronously.
func (p *Pipeline) handleConfirm(ctx context.Context, sess *session.Session, ev *proto.UIEvent) error {
	plan := sess.PendingPlan
	it := sess.PendingIntent
	if plan == nil {
		return fmt.Errorf("%w: no pending plan to confirm", proto.ErrInvalidTransition)
	}
	if _, err := p.fire(sess, proto.EventConfirm); err != nil {
		return err
	}

	var jobStep *planner.Step
	for _, step := range plan.GatedSteps() {
		if step.Decision != autonomy.DecisionRequireConfirmation && step.Decision != autonomy.DecisionRequireSubmit {
			continue
		}
		grant := p.recordGrant(sess, it, step.CapabilityID, proto.ApprovalStatusApproved)

		if step.Kind == proto.CapabilityJob {
			step := step
			jobStep = &step
			continue
		}
		bindInput(&step, ev.InputData)
		if _, err := p.runGatedStep(ctx, sess, it, step, grant); err != nil {
			p.failTurn(sess, err)
			return err
		}
	}

	ops := statusOps(sess, archetype.ApprovalConfirmation, "approval", "approval_card", map[string]any{"status": "confirmed"})
	if err := p.emitOps(sess, it, ops, proto.StateActionExecuted); err != nil {
		p.failTurn(sess, err)
		return err
	}

	if jobStep != nil {
		grant := sess.Grants[jobStep.CapabilityID]
		if err := p.deps.Policy.Authorize(sess.ID, jobStep.CapabilityID, jobStep.Risk, grant); err != nil {
			p.failTurn(sess, err)
			return err
		}
		p.launchJob(sess, it, *jobStep)
		p.persist(sess)
		return nil
	}

	if _, err := p.fire(sess, proto.EventGraphUpdated); err != nil {
		return err
	}
	ops = statusOps(sess, archetype.FormEdit, "form", "form_card", map[string]any{"status": "executed"})
	if err := p.emitOps(sess, it, ops, proto.StateStateUpdated); err != nil {
		p.failTurn(sess, err)
		return err
	}
	p.completeTurn(sess)
	return nil
}

// handleCancel aborts the pending decision, the in-flight job, or the
// clarification sub-flow, whichever the session is in.
func (p *Pipeline) handleCancel(sess *session.Session) error {
	it := sess.PendingIntent
	state := sess.Machine.Current()

	switch state {
	case proto.StateUserDecision:
		if _, err := p.fire(sess, proto.EventCancel); err != nil {
			return err
		}
		if sess.PendingPlan != nil {
			for _, step := range sess.PendingPlan.GatedSteps() {
				p.recordGrant(sess, it, step.CapabilityID, proto.ApprovalStatusRejected)
			}
		}
		ops := statusOps(sess, archetype.ApprovalConfirmation, "approval", "approval_card", map[string]any{"status": "cancelled"})
		ops = append(ops, statusOps(sess, archetype.FormEdit, "form", "form_card", map[string]any{"status": "cancelled"})...)
		if err := p.emitOps(sess, it, ops, proto.StateStateUpdated); err != nil {
			p.failTurn(sess, err)
			return err
		}
		p.completeTurn(sess)
		return nil

	case proto.StateActionExecuted:
		sess.CancelJob()
		if _, err := p.fire(sess, proto.EventCancel); err != nil {
			return err
		}
		ops := statusOps(sess, archetype.LongRunningJob, "progress", "progress_card", map[string]any{"status": "cancelled"})
		if err := p.emitOps(sess, it, ops, proto.StateStateUpdated); err != nil {
			p.failTurn(sess, err)
			return err
		}
		p.completeTurn(sess)
		return nil

	case proto.StateClarification:
		if _, err := p.fire(sess, proto.EventCancel); err != nil {
			return err
		}
		// Remove the clarification form; back to the pre-turn graph.
		desired := sess.Graph.Snapshot()
		formID := recipe.NodeID(sess.ID, archetype.FormEdit, "form")
		if desired.Has(formID) {
			if _, err := desired.Delete(formID); err != nil {
				return err
			}
		}
		if err := p.emitDiff(sess, it, desired, proto.StateIdle); err != nil {
			return err
		}
		sess.ClearTurn()
		return nil

	default:
		return fmt.Errorf("%w: %s does not accept cancel", proto.ErrInvalidTransition, state)
	}
}

// handleReset recovers a session from ERROR.
func (p *Pipeline) handleReset(sess *session.Session) error {
	if _, err := p.fire(sess, proto.EventReset); err != nil {
		return err
	}
	sess.ClearTurn()
	if err := p.deps.Emitter.Emit(sess.ID, proto.NewStreamMessage(nil, proto.StateIdle)); err != nil {
		p.logger.WarnSession(sess.ID, "emit failed: %v", err)
	}
	p.persist(sess)
	return nil
}

// launchJob starts the job goroutine. Progress lands as update patches on
// the progress card; completion or failure closes the turn. The caller holds
// the session lock, so the goroutine body re-acquires it per update.
func (p *Pipeline) launchJob(sess *session.Session, it *intent.Intent, step planner.Step) {
	jobCtx, cancel := context.WithCancel(context.Background())
	sess.BeginJob(cancel)
	progressID := recipe.NodeID(sess.ID, archetype.LongRunningJob, "progress")

	go func() {
		progress := func(percent int, status string) {
			sess.Lock()
			defer sess.Unlock()
			if !sess.Graph.Has(progressID) {
				return
			}
			ops := []proto.Operation{{
				Operation:  proto.OpUpdate,
				NodeID:     progressID,
				Properties: map[string]any{"progress": percent, "status": status},
			}}
			if err := p.emitOps(sess, it, ops, sess.Machine.Current()); err != nil {
				p.logger.WarnSession(sess.ID, "job progress emit failed: %v", err)
			}
		}

		started := time.Now()
		_, err := p.deps.Executor.RunJob(jobCtx, sess.ID, step, progress)

		sess.Lock()
		defer sess.Unlock()
		p.observeCapability(sess, it, step, err, time.Since(started))

		if sess.Machine.Current() != proto.StateActionExecuted {
			// Cancelled through the UI; the cancel handler already closed
			// the turn.
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			p.failTurn(sess, err)
			return
		}
		status := "complete"
		if errors.Is(err, context.Canceled) {
			status = "cancelled"
		}

		if _, ferr := p.fire(sess, proto.EventGraphUpdated); ferr != nil {
			p.logger.WarnSession(sess.ID, "job completion blocked: %v", ferr)
			return
		}
		ops := []proto.Operation{}
		if sess.Graph.Has(progressID) {
			ops = append(ops, proto.Operation{
				Operation:  proto.OpUpdate,
				NodeID:     progressID,
				Properties: map[string]any{"progress": 100, "status": status},
			})
		}
		if eerr := p.emitOps(sess, it, ops, proto.StateStateUpdated); eerr != nil {
			p.logger.WarnSession(sess.ID, "job completion emit failed: %v", eerr)
		}
		p.completeTurn(sess)
	}()
}

// recordGrant stores and audits one approval outcome.
func (p *Pipeline) recordGrant(sess *session.Session, it *intent.Intent, capabilityID string, status proto.ApprovalStatus) *proto.ApprovalGrant {
	intentID := ""
	if it != nil {
		intentID = it.ID
	}
	grant := &proto.ApprovalGrant{
		ID:           proto.GenerateApprovalID(),
		SessionID:    sess.ID,
		IntentID:     intentID,
		CapabilityID: capabilityID,
		Status:       status,
		GrantedAt:    time.Now().UTC(),
	}
	sess.Grants[capabilityID] = grant

	p.audit(&eventlog.Event{
		ID:           proto.GenerateAuditID(),
		Timestamp:    grant.GrantedAt,
		Kind:         eventlog.KindApproval,
		SessionID:    sess.ID,
		IntentID:     intentID,
		CapabilityID: capabilityID,
		Detail:       map[string]any{"status": string(status), "grant_id": grant.ID},
	})
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveApproval(string(status))
	}
	if p.deps.Store != nil {
		if err := p.deps.Store.SaveApproval(grant); err != nil {
			p.logger.WarnSession(sess.ID, "approval save failed: %v", err)
		}
	}
	return grant
}

// bindInput overlays form field values onto a step's bound parameters.
func bindInput(step *planner.Step, input map[string]any) {
	if len(input) == 0 {
		return
	}
	params := make(map[string]any, len(step.Parameters)+len(input))
	for k, v := range step.Parameters {
		params[k] = v
	}
	for k, v := range input {
		params[k] = v
	}
	step.Parameters = params
}

// statusOps builds an update op for a recipe slot node if it exists in the
// session graph.
func statusOps(sess *session.Session, a archetype.Archetype, slot, nodeType string, patch map[string]any) []proto.Operation {
	id := recipe.NodeID(sess.ID, a, slot)
	n, ok := sess.Graph.Node(id)
	if !ok || n.Type != nodeType {
		return nil
	}
	return []proto.Operation{{
		Operation:  proto.OpUpdate,
		NodeID:     id,
		Properties: patch,
	}}
}
