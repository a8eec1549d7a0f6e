package recipe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/pkg/archetype"
	"conductor/pkg/catalog"
	"conductor/pkg/intent"
	"conductor/pkg/proto"
)

func TestSelectFallsBackToGeneric(t *testing.T) {
	s := NewSelector(nil)

	for _, a := range archetype.All {
		r, err := s.Select("calendar", a)
		require.NoError(t, err, "archetype %s", a)
		require.NotEmpty(t, r.Slots)
	}
}

func TestSelectPrefersDomainOverride(t *testing.T) {
	custom := &Recipe{
		Archetype: archetype.SearchBrowse,
		Slots: []Slot{
			{Name: "results", ComponentType: "result_list", Bind: func(rc *Context) map[string]any {
				return map[string]any{"items": []any{}, "empty_text": "Inbox zero"}
			}},
		},
	}
	s := NewSelector(map[string]map[archetype.Archetype]*Recipe{
		"mail": {archetype.SearchBrowse: custom},
	})

	r, err := s.Select("mail", archetype.SearchBrowse)
	require.NoError(t, err)
	require.Len(t, r.Slots, 1)

	// Other domains still get the generic recipe.
	r, err = s.Select("calendar", archetype.SearchBrowse)
	require.NoError(t, err)
	require.Len(t, r.Slots, 2)
}

func TestRenderDeterministicIDs(t *testing.T) {
	s := NewSelector(nil)
	r, err := s.Select("calendar", archetype.FormEdit)
	require.NoError(t, err)

	rc := &Context{
		SessionID: "sess-1",
		Domain:    "calendar",
		Intent: &intent.Intent{
			Name:       "schedule_meeting",
			Parameters: map[string]any{"attendee": "john@x.com", "time": "3pm"},
		},
	}

	first := r.Render(rc)
	second := r.Render(rc)
	require.Len(t, first, 1)
	require.Equal(t, first[0].ID, second[0].ID)
	require.Equal(t, "sess-1-formedit-form", first[0].ID)
	require.Equal(t, "form_card", first[0].Type)
	require.Equal(t, "john@x.com", first[0].Properties["values"].(map[string]any)["attendee"])
}

func TestRenderDashboardTiles(t *testing.T) {
	s := NewSelector(nil)
	r, err := s.Select("", archetype.DashboardSummary)
	require.NoError(t, err)

	rc := &Context{
		SessionID: "sess-2",
		Intent:    &intent.Intent{Name: "daily_summary"},
		Results:   map[string]any{"unread_mail": 4, "meetings_today": 2},
	}

	nodes := r.Render(rc)
	require.Len(t, nodes, 3)
	require.Equal(t, "dashboard_grid", nodes[0].Type)
	require.Equal(t, proto.RootNodeID, nodes[0].ParentID)

	// Tiles are children of the grid, sorted by result key.
	require.Equal(t, nodes[0].ID, nodes[1].ParentID)
	require.Equal(t, "sess-2-dashboardsummary-tile-meetings_today", nodes[1].ID)
	require.Equal(t, "sess-2-dashboardsummary-tile-unread_mail", nodes[2].ID)
	require.Equal(t, 0, nodes[1].Position)
	require.Equal(t, 1, nodes[2].Position)
}

func TestRenderApprovalCardCarriesRisk(t *testing.T) {
	s := NewSelector(nil)
	r, err := s.Select("calendar", archetype.ApprovalConfirmation)
	require.NoError(t, err)

	rc := &Context{
		SessionID: "sess-3",
		Intent:    &intent.Intent{Name: "schedule_meeting"},
		Risk:      proto.RiskMedium,
		Summary:   "Create event with john@x.com at 3pm tomorrow",
	}

	nodes := r.Render(rc)
	require.Len(t, nodes, 1)
	require.Equal(t, "approval_card", nodes[0].Type)
	require.Equal(t, "medium", nodes[0].Properties["risk"])
	require.Equal(t, "pending", nodes[0].Properties["status"])
}

// Every node a generic recipe renders must pass catalog validation; the
// recipes and the built-in catalog move together.
func TestGenericRecipesSatisfyCatalog(t *testing.T) {
	cat := catalog.Default()
	s := NewSelector(nil)

	rc := &Context{
		SessionID: "sess-4",
		Domain:    "mail",
		Intent: &intent.Intent{
			Name:       "search_mail",
			Parameters: map[string]any{"query": "invoices"},
		},
		Results: map[string]any{"items": []any{}, "entity": map[string]any{"from": "a@b.c"}, "count": 3},
		Risk:    proto.RiskLow,
		Summary: "ok",
	}

	for _, a := range archetype.All {
		r, err := s.Select("mail", a)
		require.NoError(t, err)
		for _, n := range r.Render(rc) {
			require.NoError(t, cat.ValidateInsert(n.Type, n.Properties), "archetype %s node %s", a, n.ID)
		}
	}
}
