package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/archetype"
	"conductor/pkg/autonomy"
	"conductor/pkg/capability"
	"conductor/pkg/intent"
	"conductor/pkg/proto"
)

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()

	ok := func(out map[string]any) capability.Handler {
		return func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return out, nil
		}
	}

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
		Handler:    ok(map[string]any{"items": []any{map[string]any{"slot": "15:00"}}}),
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
		Handler:     ok(map[string]any{"event_id": "evt-1"}),
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
		Handler:    ok(map[string]any{"items": []any{}, "count": 0}),
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
			progress(100, "done")
			return map[string]any{"archive": "mbox.zip"}, nil
		},
	}))
	reg.Freeze()
	return reg
}

func TestResolveScheduleMeeting(t *testing.T) {
	pl := New(testRegistry(t), autonomy.NewEngine())

	it := &intent.Intent{
		ID:         "intent-1",
		Name:       "schedule_meeting",
		Domains:    []string{"calendar"},
		Parameters: map[string]any{"attendee": "john@x.com", "time": "3pm", "date": "tomorrow"},
	}
	plan, err := pl.Resolve(it, proto.AutonomyAct,
		[]archetype.Archetype{archetype.FormEdit, archetype.ApprovalConfirmation}, []string{"calendar"})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 1)
	step := plan.Steps[0]
	require.Equal(t, "calendar.create_event", step.CapabilityID)
	require.Equal(t, proto.CapabilityWrite, step.Kind)
	require.Equal(t, autonomy.DecisionRequireConfirmation, step.Decision)
	require.Equal(t, proto.RiskMedium, plan.MaxRisk)
	require.Contains(t, plan.Summary, "calendar.create_event")
	require.Contains(t, plan.Summary, "attendee=john@x.com")

	// Unknown parameters never leak into bound params.
	require.NotContains(t, step.Parameters, "utterance")
}

func TestResolveReadsBeforeWrites(t *testing.T) {
	pl := New(testRegistry(t), autonomy.NewEngine())

	it := &intent.Intent{
		ID:         "intent-2",
		Name:       "schedule_meeting",
		Domains:    []string{"calendar"},
		Parameters: map[string]any{"attendee": "john@x.com", "time": "3pm"},
	}
	plan, err := pl.Resolve(it, proto.AutonomyRecommend,
		[]archetype.Archetype{archetype.SearchBrowse, archetype.FormEdit, archetype.ApprovalConfirmation},
		[]string{"calendar"})
	require.NoError(t, err)

	require.Len(t, plan.Steps, 2)
	require.Equal(t, proto.CapabilityRead, plan.Steps[0].Kind)
	require.Equal(t, proto.CapabilityWrite, plan.Steps[1].Kind)
	require.Equal(t, autonomy.DecisionAutoExecute, plan.Steps[0].Decision)
}

func TestResolveCompositeDomains(t *testing.T) {
	pl := New(testRegistry(t), autonomy.NewEngine())

	it := &intent.Intent{
		ID:      "intent-3",
		Name:    "daily_summary",
		Domains: []string{"mail", "calendar"},
	}
	plan, err := pl.Resolve(it, proto.AutonomyAssist,
		[]archetype.Archetype{archetype.DashboardSummary}, []string{"calendar", "mail"})
	require.NoError(t, err)

	// One read per domain, in the given priority order.
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "calendar.find_slots", plan.Steps[0].CapabilityID)
	require.Equal(t, "mail.search", plan.Steps[1].CapabilityID)
	require.Equal(t, proto.RiskLow, plan.MaxRisk)
	require.Empty(t, plan.Summary)
}

func TestResolveCapabilityUnavailable(t *testing.T) {
	pl := New(testRegistry(t), autonomy.NewEngine())

	it := &intent.Intent{ID: "intent-4", Name: "update_crm_record", Domains: []string{"crm"}}
	_, err := pl.Resolve(it, proto.AutonomyAct,
		[]archetype.Archetype{archetype.FormEdit}, []string{"crm"})
	require.True(t, errors.Is(err, proto.ErrCapabilityUnavailable))
}

func TestExecutorRunReadsMerges(t *testing.T) {
	reg := testRegistry(t)
	pl := New(reg, autonomy.NewEngine())
	ex := NewExecutor(reg, capability.NewInvoker(time.Second, capability.DefaultRetryConfig))

	it := &intent.Intent{ID: "intent-5", Name: "daily_summary", Domains: []string{"mail", "calendar"}}
	plan, err := pl.Resolve(it, proto.AutonomyAssist,
		[]archetype.Archetype{archetype.DashboardSummary}, []string{"calendar", "mail"})
	require.NoError(t, err)

	results, err := ex.RunReads(context.Background(), "sess-1", plan)
	require.NoError(t, err)

	// First writer keeps the bare key; the colliding domain gets qualified.
	require.Len(t, results["items"].([]any), 1)
	require.Contains(t, results, "mail.items")
	require.Equal(t, 0, results["count"])
}

func TestExecutorRunJob(t *testing.T) {
	reg := testRegistry(t)
	ex := NewExecutor(reg, capability.NewInvoker(time.Second, capability.DefaultRetryConfig))

	var percents []int
	out, err := ex.RunJob(context.Background(), "sess-1", Step{
		CapabilityID: "mail.export",
		Kind:         proto.CapabilityJob,
		Parameters:   map[string]any{"format": "mbox"},
	}, func(percent int, status string) {
		percents = append(percents, percent)
	})
	require.NoError(t, err)
	require.Equal(t, "mbox.zip", out["archive"])
	require.Equal(t, []int{100}, percents)

	_, err = ex.RunJob(context.Background(), "sess-1", Step{CapabilityID: "mail.search", Kind: proto.CapabilityRead}, nil)
	require.Error(t, err)
}
