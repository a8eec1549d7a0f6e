package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/capability"
	"conductor/pkg/catalog"
	"conductor/pkg/emitter"
	"conductor/pkg/intent"
	"conductor/pkg/planner"
	"conductor/pkg/proto"
	"conductor/pkg/recipe"
	"conductor/pkg/session"
)

type fixture struct {
	pipeline *Pipeline
	recorder *emitter.Recorder
	registry *capability.Registry
	writes   *int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := capability.NewRegistry()
	writes := 0

	require.NoError(t, reg.Register(&capability.Capability{
		ID:     "calendar.find_slots",
		Domain: "calendar",
		Kind:   proto.CapabilityRead,
		InputSchema: capability.Schema{
			"attendee": {Type: "string"},
			"date":     {Type: "string"},
		},
		RiskLevel:  proto.RiskLow,
		Idempotent: true,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"items": []any{map[string]any{"slot": "15:00"}}}, nil
		},
	}))
	require.NoError(t, reg.Register(&capability.Capability{
		ID:     "calendar.create_event",
		Domain: "calendar",
		Kind:   proto.CapabilityWrite,
		InputSchema: capability.Schema{
			"attendee": {Type: "string", Required: true},
			"time":     {Type: "string", Required: true},
			"date":     {Type: "string"},
		},
		SideEffects: []string{"calendar.event.created"},
		RiskLevel:   proto.RiskMedium,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			writes++
			return map[string]any{"event_id": "evt-1"}, nil
		},
	}))
	require.NoError(t, reg.Register(&capability.Capability{
		ID:     "mail.search",
		Domain: "mail",
		Kind:   proto.CapabilityRead,
		InputSchema: capability.Schema{
			"query": {Type: "string"},
		},
		RiskLevel:  proto.RiskLow,
		Idempotent: true,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"items": []any{}, "count": 0}, nil
		},
	}))
	require.NoError(t, reg.Register(&capability.Capability{
		ID:     "mail.export",
		Domain: "mail",
		Kind:   proto.CapabilityJob,
		InputSchema: capability.Schema{
			"format": {Type: "string"},
		},
		RiskLevel: proto.RiskLow,
		JobHandler: func(ctx context.Context, params map[string]any, progress capability.ProgressFunc) (map[string]any, error) {
			progress(50, "exporting")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			return map[string]any{"archive": "mbox.zip"}, nil
		},
	}))
	reg.Freeze()

	policy := autonomy.NewEngine()
	rec := emitter.NewRecorder()
	p := New(Deps{
		Classifier: intent.NewRuleClassifier(intent.DefaultRules(), intent.DefaultConfidenceThreshold),
		Mapper:     archetype.NewMapper(nil, map[string]int{"calendar": 0, "mail": 1}),
		Planner:    planner.New(reg, policy),
		Executor:   planner.NewExecutor(reg, capability.NewInvoker(time.Second, capability.DefaultRetryConfig)),
		Selector:   recipe.NewSelector(nil),
		Catalog:    catalog.NewRegistry(catalog.Default()),
		Policy:     policy,
		Emitter:    rec,
	})
	return &fixture{pipeline: p, recorder: rec, registry: reg, writes: &writes}
}

// Full turn: confident intent, medium-risk write, confirmation, execution.
func TestScheduleMeetingConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	err := f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule meeting tomorrow 3pm with john@x.com")
	require.NoError(t, err)

	// Medium risk pauses for confirmation even at act autonomy.
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "A2UI_RENDERED", msgs[0].State)
	require.Len(t, msgs[0].Operations, 2)
	types := map[string]bool{}
	for _, op := range msgs[0].Operations {
		require.Equal(t, proto.OpInsert, op.Operation)
		types[op.NodeType] = true
	}
	require.True(t, types["form_card"])
	require.True(t, types["approval_card"])

	// Confirm executes exactly once and closes the turn: the approval lands
	// with ACTION_EXECUTED, the form's final status with STATE_UPDATED.
	err = f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID:   sess.ID,
		ComponentID: recipe.NodeID(sess.ID, archetype.ApprovalConfirmation, "approval"),
		ActionID:    "confirm",
	})
	require.NoError(t, err)
	require.Equal(t, 1, *f.writes)
	require.Equal(t, proto.StateIdle, sess.Machine.Current())

	msgs = f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 3)
	require.Equal(t, "ACTION_EXECUTED", msgs[1].State)
	require.Equal(t, "STATE_UPDATED", msgs[2].State)

	// The cards in the retained graph show the outcome.
	approval, ok := sess.Graph.Node(recipe.NodeID(sess.ID, archetype.ApprovalConfirmation, "approval"))
	require.True(t, ok)
	require.Equal(t, "confirmed", approval.Properties["status"])
	form, ok := sess.Graph.Node(recipe.NodeID(sess.ID, archetype.FormEdit, "form"))
	require.True(t, ok)
	require.Equal(t, "executed", form.Properties["status"])
}

// Scenario: recommend autonomy, medium-risk write. The form renders alone,
// an explicit submit stages the approval card, and only an explicit confirm
// executes the write.
func TestRecommendStagesApprovalAfterSubmit(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyRecommend)
	approvalID := recipe.NodeID(sess.ID, archetype.ApprovalConfirmation, "approval")
	formID := recipe.NodeID(sess.ID, archetype.FormEdit, "form")

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule meeting tomorrow 3pm with john@x.com"))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	// First patch renders only the pre-filled form; no approval card yet.
	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Operations, 1)
	require.Equal(t, "form_card", msgs[0].Operations[0].NodeType)
	values, ok := msgs[0].Operations[0].Properties["values"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "john@x.com", values["attendee"])
	require.False(t, sess.Graph.Has(approvalID))

	// Submit stages the approval; the plan stays pending, nothing runs.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID:   sess.ID,
		ComponentID: formID,
		ActionID:    "submit",
		InputData:   map[string]any{"attendee": "john@x.com", "time": "3pm"},
	}))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)
	require.NotNil(t, sess.PendingPlan)

	approval, ok := sess.Graph.Node(approvalID)
	require.True(t, ok)
	require.Equal(t, "pending", approval.Properties["status"])
	form, ok := sess.Graph.Node(formID)
	require.True(t, ok)
	require.Equal(t, "submitted", form.Properties["status"])

	// Confirm executes the write; the final patch lands as STATE_UPDATED.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID, ComponentID: approvalID, ActionID: "confirm",
	}))
	require.Equal(t, 1, *f.writes)
	require.Equal(t, proto.StateIdle, sess.Machine.Current())

	msgs = f.recorder.Messages(sess.ID)
	require.Equal(t, "STATE_UPDATED", msgs[len(msgs)-1].State)
	form, ok = sess.Graph.Node(formID)
	require.True(t, ok)
	require.Equal(t, "executed", form.Properties["status"])
}

func TestCancelRejectsPendingAction(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule meeting tomorrow 3pm with john@x.com"))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())

	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID, ActionID: "cancel",
	}))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	approval, ok := sess.Graph.Node(recipe.NodeID(sess.ID, archetype.ApprovalConfirmation, "approval"))
	require.True(t, ok)
	require.Equal(t, "cancelled", approval.Properties["status"])
}

func TestClarificationLoop(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	// Missing attendee and time forces clarification, never a guess.
	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule a meeting sometime"))
	require.Equal(t, proto.StateClarification, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "CLARIFICATION", msgs[0].State)
	require.Len(t, msgs[0].Operations, 1)
	require.Equal(t, "form_card", msgs[0].Operations[0].NodeType)

	// Answering re-enters the turn with merged parameters.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID,
		ActionID:  "submit",
		InputData: map[string]any{"attendee": "john@x.com", "time": "3pm"},
	}))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())
}

func TestClarificationBlankAnswerAsksAgain(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule a meeting sometime"))
	require.Equal(t, proto.StateClarification, sess.Machine.Current())

	// Blank answers do not resolve anything; the session stays in the
	// clarification sub-flow instead of dead-ending in ERROR.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID,
		ActionID:  "submit",
		InputData: map[string]any{"attendee": "", "time": ""},
	}))
	require.Equal(t, proto.StateClarification, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	// A partial answer narrows the form to what is still missing.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID,
		ActionID:  "submit",
		InputData: map[string]any{"attendee": "john@x.com"},
	}))
	require.Equal(t, proto.StateClarification, sess.Machine.Current())
	require.Equal(t, []string{"time"}, sess.PendingIntent.MissingParameters)

	// Completing the answers finally re-enters the turn.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID,
		ActionID:  "submit",
		InputData: map[string]any{"time": "3pm"},
	}))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())
}

func TestClarificationCancelRestoresGraph(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule a meeting sometime"))
	require.Equal(t, proto.StateClarification, sess.Machine.Current())

	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID, ActionID: "cancel",
	}))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
	require.Equal(t, 0, sess.Graph.Len())
}

func TestAssistRendersRecommendationOnly(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAssist)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule meeting tomorrow 3pm with john@x.com"))

	// Assist never waits for a decision and never executes.
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
	require.Equal(t, 0, *f.writes)

	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "A2UI_RENDERED", msgs[0].State)
}

func TestReadOnlyTurnCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "search mail for invoices"))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())

	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	types := map[string]bool{}
	for _, op := range msgs[0].Operations {
		types[op.NodeType] = true
	}
	require.True(t, types["search_bar"])
	require.True(t, types["result_list"])
}

func TestEventInWrongStateRejected(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	// Confirm while IDLE: rejected, nothing changes, nothing emitted.
	err := f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID, ActionID: "confirm",
	})
	require.True(t, errors.Is(err, proto.ErrInvalidTransition))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
	require.Empty(t, f.recorder.Messages(sess.ID))
	require.Equal(t, 0, *f.writes)
}

func TestCatalogViolationFailsClosed(t *testing.T) {
	f := newFixture(t)

	// A broken override renders a property the catalog does not declare.
	broken := map[string]map[archetype.Archetype]*recipe.Recipe{
		"mail": {
			archetype.SearchBrowse: {
				Archetype: archetype.SearchBrowse,
				Slots: []recipe.Slot{{
					Name:          "results",
					ComponentType: "result_list",
					Bind: func(rc *recipe.Context) map[string]any {
						return map[string]any{"items": []any{}, "sparkle": true}
					},
				}},
			},
		},
	}
	f.pipeline.deps.Selector = recipe.NewSelector(broken)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "search mail for invoices"))
	require.Equal(t, proto.StateError, sess.Machine.Current())

	// The client sees only the generic failure text.
	msgs := f.recorder.Messages(sess.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, "ERROR", msgs[0].State)
	require.Len(t, msgs[0].Operations, 1)
	require.Equal(t, proto.ClientFailureMessage, msgs[0].Operations[0].Properties["text"])

	// Only reset recovers.
	require.NoError(t, f.pipeline.HandleUIEvent(context.Background(), sess, &proto.UIEvent{
		SessionID: sess.ID, ActionID: "reset",
	}))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
}

// Hand-built update patches are validated against the catalog even though
// they carry no node_type on the wire; the type comes from the live graph.
func TestUpdatePatchValidatesAgainstCatalog(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "search mail for invoices"))
	resultsID := recipe.NodeID(sess.ID, archetype.SearchBrowse, "results")
	require.True(t, sess.Graph.Has(resultsID))
	emitted := len(f.recorder.Messages(sess.ID))

	sess.Lock()
	defer sess.Unlock()
	err := f.pipeline.emitOps(sess, nil, []proto.Operation{{
		Operation:  proto.OpUpdate,
		NodeID:     resultsID,
		Properties: map[string]any{"sparkle": true},
	}}, proto.StateStateUpdated)
	require.True(t, errors.Is(err, proto.ErrCatalogViolation))

	// Nothing reached the emitter and the node is untouched.
	require.Len(t, f.recorder.Messages(sess.ID), emitted)
	node, ok := sess.Graph.Node(resultsID)
	require.True(t, ok)
	require.NotContains(t, node.Properties, "sparkle")
}

func TestAutoJobRunsAndCompletes(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "export my mailbox to archive"))

	// Low-risk job at act autonomy launches without a decision.
	require.Eventually(t, func() bool {
		return sess.Machine.Current() == proto.StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	msgs := f.recorder.Messages(sess.ID)
	require.GreaterOrEqual(t, len(msgs), 3)

	last := msgs[len(msgs)-1]
	require.Equal(t, "STATE_UPDATED", last.State)
	progressID := recipe.NodeID(sess.ID, archetype.LongRunningJob, "progress")
	card, ok := sess.Graph.Node(progressID)
	require.True(t, ok)
	require.Equal(t, "complete", card.Properties["status"])
	require.Equal(t, 100, card.Properties["progress"])
}

func TestNextTurnReplacesPreviousComponents(t *testing.T) {
	f := newFixture(t)
	sess := session.New("user-1", proto.AutonomyAct)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "search mail for invoices"))
	require.Equal(t, proto.StateIdle, sess.Machine.Current())
	firstLen := sess.Graph.Len()
	require.Equal(t, 2, firstLen)

	require.NoError(t, f.pipeline.HandleUserInput(context.Background(),
		sess, "schedule meeting tomorrow 3pm with john@x.com"))
	require.Equal(t, proto.StateUserDecision, sess.Machine.Current())

	// Search components were deleted by the diff; only the new turn's
	// components remain.
	require.Equal(t, 2, sess.Graph.Len())
	msgs := f.recorder.Messages(sess.ID)
	deletes := 0
	for _, op := range msgs[len(msgs)-1].Operations {
		if op.Operation == proto.OpDelete {
			deletes++
		}
	}
	require.Equal(t, 2, deletes)
}
