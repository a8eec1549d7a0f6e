// Package pipeline drives one session turn end to end: classify the input,
// resolve context and plan, execute the read portion, render archetypes into
// the desired component graph, validate against the catalog, diff, and emit.
// The state machine is advanced at every stage and every emitted operation is
// audited. Entry points lock the session; the dispatcher additionally
// serializes calls per session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/catalog"
	"conductor/pkg/emitter"
	"conductor/pkg/eventlog"
	"conductor/pkg/graph"
	"conductor/pkg/intent"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/persistence"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recipe"
	"conductor/pkg/session"
)

// Deps wires the pipeline's collaborators. Audit, Store, and Metrics are
// optional; a nil value disables that sink.
type Deps struct {
	Classifier intent.Classifier
	Mapper     *archetype.Mapper
	Planner    *planner.Planner
	Executor   *planner.Executor
	Selector   *recipe.Selector
	Catalog    *catalog.Registry
	Policy     *autonomy.Engine
	Emitter    emitter.Emitter
	Audit      *eventlog.Writer
	Store      *persistence.Store
	Metrics    *metrics.Recorder
}

// Pipeline is the per-daemon orchestrator core. It is stateless across
// sessions; all per-session data lives on the Session.
type Pipeline struct {
	deps   Deps
	logger *logx.Logger
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, logger: logx.NewLogger("pipeline")}
}

// HandleUserInput runs a full turn from raw input. Events arriving in a
// state that does not accept them fail with ErrInvalidTransition and change
// nothing.
func (p *Pipeline) HandleUserInput(ctx context.Context, sess *session.Session, input string) error {
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()
	started := time.Now()

	if _, err := p.fire(sess, proto.EventUserInput); err != nil {
		return err
	}

	raw, err := p.deps.Classifier.Classify(ctx, input, sess.ContextStack())
	if err != nil {
		p.failTurn(sess, fmt.Errorf("classification failed: %w", err))
		return err
	}
	it := intent.Finalize(raw, 0, nil)

	if it.NeedsClarification {
		return p.enterClarification(sess, it)
	}

	if _, err := p.fire(sess, proto.EventIntentClassified); err != nil {
		return err
	}
	outcome := p.runTurn(ctx, sess, it)
	p.observeTurn(sess, it, outcome, time.Since(started))
	return nil
}

// runTurn executes a turn from CONTEXT_RESOLVED onward and returns the
// outcome label for metrics.
func (p *Pipeline) runTurn(ctx context.Context, sess *session.Session, it *intent.Intent) string {
	domains := p.deps.Mapper.OrderDomains(it.Domains)
	archetypes := p.deps.Mapper.Map(it)

	plan, err := p.deps.Planner.Resolve(it, sess.Autonomy, archetypes, domains)
	if err != nil {
		p.failTurn(sess, err)
		return "plan_failed"
	}
	if _, err := p.fire(sess, proto.EventPlanResolved); err != nil {
		return "invalid_transition"
	}

	results, err := p.deps.Executor.RunReads(ctx, sess.ID, plan)
	if err != nil {
		p.failTurn(sess, err)
		return "read_failed"
	}

	// Low-risk writes execute immediately under act-level autonomy; their
	// outputs feed the render.
	executed := map[string]bool{}
	for _, step := range plan.GatedSteps() {
		if step.Decision != autonomy.DecisionAutoExecute || step.Kind != proto.CapabilityWrite {
			continue
		}
		out, err := p.runGatedStep(ctx, sess, it, step, nil)
		if err != nil {
			p.failTurn(sess, err)
			return "write_failed"
		}
		executed[step.CapabilityID] = true
		for k, v := range out {
			results[k] = v
		}
	}

	sess.PendingIntent = it
	sess.PendingPlan = plan
	sess.Results = results

	desired, err := p.buildDesired(sess, it, plan, archetypes, domains, results, executed)
	if err != nil {
		p.failTurn(sess, err)
		return "render_failed"
	}
	if err := p.render(sess, it, desired); err != nil {
		return "render_failed"
	}

	if needsDecision(plan) {
		if _, err := p.fire(sess, proto.EventAwaitDecision); err != nil {
			return "invalid_transition"
		}
		p.persist(sess)
		return "awaiting_decision"
	}

	if autoJob, ok := autoJobStep(plan); ok {
		// Low-risk jobs under act autonomy run without a decision, but the
		// run still passes through the decision states so cancellation has
		// a legal path.
		if _, err := p.fire(sess, proto.EventAwaitDecision); err != nil {
			return "invalid_transition"
		}
		if _, err := p.fire(sess, proto.EventConfirm); err != nil {
			return "invalid_transition"
		}
		p.launchJob(sess, it, autoJob)
		p.persist(sess)
		return "job_started"
	}

	p.completeTurn(sess)
	return "completed"
}

// enterClarification renders a form asking for the missing parameters and
// parks the session in CLARIFICATION.
func (p *Pipeline) enterClarification(sess *session.Session, it *intent.Intent) error {
	if _, err := p.fire(sess, proto.EventClarificationNeeded); err != nil {
		return err
	}
	sess.PendingIntent = it

	fields := make(map[string]string, len(it.MissingParameters))
	for _, name := range it.MissingParameters {
		fields[name] = "string"
	}
	if len(fields) == 0 {
		fields["request"] = "string"
	}

	rec, err := p.deps.Selector.Select(primaryDomain(it), archetype.FormEdit)
	if err != nil {
		p.failTurn(sess, err)
		return err
	}
	rc := &recipe.Context{
		SessionID: sess.ID,
		Domain:    primaryDomain(it),
		Intent:    it,
		Fields:    fields,
	}

	desired := sess.Graph.Snapshot()
	if err := p.placeNodes(desired, rec.Render(rc), desired.Children(proto.RootNodeID)); err != nil {
		p.failTurn(sess, err)
		return err
	}
	return p.emitDiff(sess, it, desired, proto.StateClarification)
}

// buildDesired composes the archetype renders into the desired graph for
// this turn. The desired graph is rebuilt from scratch; components left over
// from earlier turns are removed by the diff.
func (p *Pipeline) buildDesired(sess *session.Session, it *intent.Intent, plan *planner.Plan,
	archetypes []archetype.Archetype, domains []string, results map[string]any, executed map[string]bool) (*graph.Graph, error) {

	desired := graph.New()
	rootOrder := []string{}

	for _, a := range archetypes {
		if a == archetype.ApprovalConfirmation && !stageApprovalNow(sess, plan, archetypes) {
			continue
		}
		rec, err := p.deps.Selector.Select(domainFor(a, plan, domains), a)
		if err != nil {
			return nil, err
		}
		rc := &recipe.Context{
			SessionID: sess.ID,
			Domain:    domainFor(a, plan, domains),
			Intent:    it,
			Results:   results,
			Risk:      plan.MaxRisk,
			Summary:   plan.Summary,
		}
		nodes := rec.Render(rc)
		markExecuted(a, nodes, plan, executed)
		if err := p.placeNodes(desired, nodes, rootOrder); err != nil {
			return nil, err
		}
		for _, n := range nodes {
			if n.ParentID == proto.RootNodeID {
				rootOrder = append(rootOrder, n.ID)
			}
		}
	}
	return desired, nil
}

// placeNodes inserts rendered nodes into the desired graph, offsetting
// top-level positions past the existing root children and validating every
// node against the active catalog.
func (p *Pipeline) placeNodes(desired *graph.Graph, nodes []*graph.Node, existingRoot []string) error {
	offset := len(existingRoot)
	active := p.deps.Catalog.Active()
	for _, n := range nodes {
		if err := active.ValidateInsert(n.Type, n.Properties); err != nil {
			return err
		}
		placed := n.Clone()
		if placed.ParentID == proto.RootNodeID {
			placed.Position += offset
		}
		if desired.Has(placed.ID) {
			if err := desired.Update(placed.ID, placed.Properties); err != nil {
				return err
			}
			continue
		}
		if err := desired.Insert(placed); err != nil {
			return err
		}
	}
	return nil
}

// render diffs the session graph against the desired graph and emits the
// patch tagged A2UI_RENDERED.
func (p *Pipeline) render(sess *session.Session, it *intent.Intent, desired *graph.Graph) error {
	if _, err := p.fire(sess, proto.EventRenderReady); err != nil {
		return err
	}
	return p.emitDiff(sess, it, desired, proto.StateA2UIRendered)
}

// emitDiff computes, audits, applies, and emits the patch from the session
// graph to desired.
func (p *Pipeline) emitDiff(sess *session.Session, it *intent.Intent, desired *graph.Graph, state proto.State) error {
	ops := graph.Diff(sess.Graph, desired)
	sess.Graph = desired

	p.auditOps(sess, it, ops)
	if err := p.deps.Emitter.Emit(sess.ID, proto.NewStreamMessage(ops, state)); err != nil {
		p.logger.WarnSession(sess.ID, "emit failed: %v", err)
	}
	p.persist(sess)
	return nil
}

// emitOps validates and applies a hand-built op list to the session graph
// and emits it. Update ops that omit node_type resolve the type from the
// live graph, so every insert and update is checked against the active
// catalog before it reaches the emitter.
func (p *Pipeline) emitOps(sess *session.Session, it *intent.Intent, ops []proto.Operation, state proto.State) error {
	active := p.deps.Catalog.Active()
	for i := range ops {
		op := &ops[i]
		switch op.Operation {
		case proto.OpInsert:
			if err := active.ValidateInsert(op.NodeType, op.Properties); err != nil {
				return err
			}
		case proto.OpUpdate:
			nodeType := op.NodeType
			if nodeType == "" {
				if n, ok := sess.Graph.Node(op.NodeID); ok {
					nodeType = n.Type
				}
			}
			if nodeType != "" {
				if err := active.ValidateUpdate(nodeType, op.Properties); err != nil {
					return err
				}
			}
		}
		if err := sess.Graph.Apply(op); err != nil {
			return err
		}
	}
	p.auditOps(sess, it, ops)
	if err := p.deps.Emitter.Emit(sess.ID, proto.NewStreamMessage(ops, state)); err != nil {
		p.logger.WarnSession(sess.ID, "emit failed: %v", err)
	}
	p.persist(sess)
	return nil
}

// failTurn transitions to ERROR and sends the client the generic failure
// message. Error detail stays in the server log and audit trail only.
func (p *Pipeline) failTurn(sess *session.Session, cause error) {
	p.logger.ErrorSession(sess.ID, "turn failed: %v", cause)
	if _, err := p.fire(sess, proto.EventError); err != nil {
		p.logger.WarnSession(sess.ID, "cannot enter ERROR: %v", err)
		return
	}

	ops := []proto.Operation{{
		Operation:  proto.OpInsert,
		NodeID:     sess.ID + "-failure",
		NodeType:   "text_block",
		ParentID:   proto.RootNodeID,
		Properties: map[string]any{"text": proto.ClientFailureMessage},
		Position:   proto.Pos(len(sess.Graph.Children(proto.RootNodeID))),
	}}
	if sess.Graph.Has(sess.ID + "-failure") {
		ops = []proto.Operation{{
			Operation:  proto.OpUpdate,
			NodeID:     sess.ID + "-failure",
			Properties: map[string]any{"text": proto.ClientFailureMessage},
		}}
	}
	if err := p.emitOps(sess, sess.PendingIntent, ops, proto.StateError); err != nil {
		p.logger.WarnSession(sess.ID, "failure render failed: %v", err)
	}
}

// completeTurn returns the session to IDLE and clears turn data.
func (p *Pipeline) completeTurn(sess *session.Session) {
	if _, err := p.fire(sess, proto.EventTurnComplete); err != nil {
		p.logger.WarnSession(sess.ID, "turn completion blocked: %v", err)
		return
	}
	sess.ClearTurn()
	p.persist(sess)
}

// fire advances the state machine and mirrors the transition into the audit
// log and metrics.
func (p *Pipeline) fire(sess *session.Session, event proto.EventKind) (proto.State, error) {
	from := sess.Machine.Current()
	to, err := sess.Machine.Fire(event)
	if err != nil {
		return from, err
	}
	p.audit(&eventlog.Event{
		ID:        proto.GenerateAuditID(),
		Timestamp: time.Now().UTC(),
		Kind:      eventlog.KindTransition,
		SessionID: sess.ID,
		Detail:    map[string]any{"from": string(from), "event": string(event), "to": string(to)},
	})
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTransition(string(event), string(to))
	}
	return to, nil
}

// runGatedStep enforces the autonomy floor and runs one write step.
func (p *Pipeline) runGatedStep(ctx context.Context, sess *session.Session, it *intent.Intent,
	step planner.Step, grant *proto.ApprovalGrant) (map[string]any, error) {

	if err := p.deps.Policy.Authorize(sess.ID, step.CapabilityID, step.Risk, grant); err != nil {
		return nil, err
	}
	started := time.Now()
	out, err := p.deps.Executor.RunStep(ctx, sess.ID, step)
	p.observeCapability(sess, it, step, err, time.Since(started))
	return out, err
}

func (p *Pipeline) auditOps(sess *session.Session, it *intent.Intent, ops []proto.Operation) {
	intentID := ""
	if it != nil {
		intentID = it.ID
	}
	kinds := make([]string, 0, len(ops))
	for i := range ops {
		kinds = append(kinds, string(ops[i].Operation))
		p.audit(&eventlog.Event{
			ID:        proto.GenerateAuditID(),
			Timestamp: time.Now().UTC(),
			Kind:      eventlog.KindOperation,
			SessionID: sess.ID,
			IntentID:  intentID,
			Detail:    opDetail(&ops[i]),
		})
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveOperations(sess.ID, kinds)
	}
	if p.deps.Store != nil && len(ops) > 0 {
		if err := p.deps.Store.AppendOperations(sess.ID, intentID, ops); err != nil {
			p.logger.WarnSession(sess.ID, "op log append failed: %v", err)
		}
	}
}

func (p *Pipeline) observeCapability(sess *session.Session, it *intent.Intent, step planner.Step, callErr error, d time.Duration) {
	detail := map[string]any{"kind": string(step.Kind), "risk": string(step.Risk)}
	if callErr != nil {
		detail["error"] = callErr.Error()
	}
	intentID := ""
	if it != nil {
		intentID = it.ID
	}
	p.audit(&eventlog.Event{
		ID:           proto.GenerateAuditID(),
		Timestamp:    time.Now().UTC(),
		Kind:         eventlog.KindCapability,
		SessionID:    sess.ID,
		IntentID:     intentID,
		CapabilityID: step.CapabilityID,
		Detail:       detail,
	})
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveCapability(step.CapabilityID, string(step.Kind), sess.ID, callErr, d)
	}
}

func (p *Pipeline) observeTurn(sess *session.Session, it *intent.Intent, outcome string, d time.Duration) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.ObserveTurn(it.Name, sess.ID, outcome, d)
	}
}

func (p *Pipeline) audit(ev *eventlog.Event) {
	if p.deps.Audit == nil {
		return
	}
	if err := p.deps.Audit.Write(ev); err != nil {
		p.logger.Warn("audit write failed: %v", err)
	}
}

// persist snapshots the session. Caller holds the session lock.
func (p *Pipeline) persist(sess *session.Session) {
	if p.deps.Store == nil {
		return
	}
	graphJSON, err := json.Marshal(sess.Graph)
	if err != nil {
		p.logger.WarnSession(sess.ID, "graph snapshot failed: %v", err)
		return
	}
	contextJSON, err := json.Marshal(sess.ContextStack())
	if err != nil {
		p.logger.WarnSession(sess.ID, "context snapshot failed: %v", err)
		return
	}
	rec := &persistence.SessionRecord{
		ID:          sess.ID,
		UserID:      sess.UserID,
		Autonomy:    sess.Autonomy,
		State:       sess.Machine.Current(),
		GraphJSON:   graphJSON,
		ContextJSON: contextJSON,
	}
	if err := p.deps.Store.SaveSession(rec); err != nil {
		p.logger.WarnSession(sess.ID, "session snapshot failed: %v", err)
	}
}

func opDetail(op *proto.Operation) map[string]any {
	detail := map[string]any{
		"operation": string(op.Operation),
		"node_id":   op.NodeID,
	}
	if op.NodeType != "" {
		detail["node_type"] = op.NodeType
	}
	if op.ParentID != "" {
		detail["parent_id"] = op.ParentID
	}
	return detail
}

func needsDecision(plan *planner.Plan) bool {
	for _, s := range plan.GatedSteps() {
		if s.Decision == autonomy.DecisionRequireSubmit || s.Decision == autonomy.DecisionRequireConfirmation {
			return true
		}
	}
	return false
}

// stageApprovalNow decides whether the approval card renders with the
// turn's first patch. Under act autonomy it is pre-staged next to the form;
// under recommend the form must be submitted first, so the approval card
// only appears in the submit patch. Plans with no form to submit stage the
// approval immediately regardless of level.
func stageApprovalNow(sess *session.Session, plan *planner.Plan, archetypes []archetype.Archetype) bool {
	if !needsConfirmation(plan) {
		return false
	}
	if sess.Autonomy == proto.AutonomyAct {
		return true
	}
	for _, a := range archetypes {
		if a == archetype.FormEdit || a == archetype.MultiStepWizard {
			return false
		}
	}
	return true
}

func needsConfirmation(plan *planner.Plan) bool {
	for _, s := range plan.GatedSteps() {
		if s.Decision == autonomy.DecisionRequireConfirmation {
			return true
		}
	}
	return false
}

func autoJobStep(plan *planner.Plan) (planner.Step, bool) {
	for _, s := range plan.Steps {
		if s.Kind == proto.CapabilityJob && s.Decision == autonomy.DecisionAutoExecute {
			return s, true
		}
	}
	return planner.Step{}, false
}

// domainFor picks the domain whose capability the archetype will exercise,
// falling back to the highest-priority domain.
func domainFor(a archetype.Archetype, plan *planner.Plan, domains []string) string {
	kind, ok := kindOf(a)
	if ok {
		for _, s := range plan.Steps {
			if s.Kind == kind {
				return s.Domain
			}
		}
	}
	if len(domains) > 0 {
		return domains[0]
	}
	return ""
}

func kindOf(a archetype.Archetype) (proto.CapabilityKind, bool) {
	switch a {
	case archetype.SearchBrowse, archetype.DetailInspect, archetype.DashboardSummary:
		return proto.CapabilityRead, true
	case archetype.FormEdit, archetype.MultiStepWizard:
		return proto.CapabilityWrite, true
	case archetype.LongRunningJob:
		return proto.CapabilityJob, true
	}
	return "", false
}

// markExecuted flips form status for writes that already ran under
// auto-execution.
func markExecuted(a archetype.Archetype, nodes []*graph.Node, plan *planner.Plan, executed map[string]bool) {
	if a != archetype.FormEdit || len(executed) == 0 {
		return
	}
	for _, s := range plan.GatedSteps() {
		if !executed[s.CapabilityID] {
			return
		}
	}
	for _, n := range nodes {
		if n.Type == "form_card" {
			n.Properties["status"] = "executed"
		}
	}
}

func primaryDomain(it *intent.Intent) string {
	if len(it.Domains) > 0 {
		return it.Domains[0]
	}
	return ""
}
