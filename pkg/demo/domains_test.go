package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"conductor/pkg/capability"
	"conductor/pkg/proto"
)

func newRegistry(t *testing.T) (*capability.Registry, *Store) {
	t.Helper()
	reg := capability.NewRegistry()
	store := NewStore()
	require.NoError(t, RegisterAll(reg, store))
	reg.Freeze()
	return reg, store
}

func TestRegisterAll(t *testing.T) {
	reg, _ := newRegistry(t)
	require.Equal(t, 6, reg.Len())
	require.Equal(t, []string{"calendar", "mail"}, reg.Domains())
}

func TestFindSlotsSkipsTakenTimes(t *testing.T) {
	reg, store := newRegistry(t)

	create, err := reg.Get("calendar.create_event")
	require.NoError(t, err)
	_, err = create.Handler(context.Background(), map[string]any{
		"attendee": "john@x.com",
		"time":     "3pm",
		"date":     "tomorrow",
	})
	require.NoError(t, err)
	require.Len(t, store.Events(), 1)

	find, err := reg.Get("calendar.find_slots")
	require.NoError(t, err)
	out, err := find.Handler(context.Background(), map[string]any{"date": "tomorrow"})
	require.NoError(t, err)

	items, ok := out["items"].([]any)
	require.True(t, ok)
	for _, item := range items {
		slot := item.(map[string]any)
		require.NotEqual(t, "3pm", slot["time"])
	}
}

func TestSearchMailFiltersBySubjectAndBody(t *testing.T) {
	reg, _ := newRegistry(t)
	search, err := reg.Get("mail.search")
	require.NoError(t, err)

	out, err := search.Handler(context.Background(), map[string]any{"query": "invoice"})
	require.NoError(t, err)
	require.Equal(t, 2, out["count"])

	out, err = search.Handler(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 3, out["count"])
}

func TestGetMessage(t *testing.T) {
	reg, _ := newRegistry(t)
	get, err := reg.Get("mail.get_message")
	require.NoError(t, err)

	out, err := get.Handler(context.Background(), map[string]any{"id": "msg-1"})
	require.NoError(t, err)
	entity := out["entity"].(map[string]any)
	require.Equal(t, "Invoice March", entity["subject"])

	_, err = get.Handler(context.Background(), map[string]any{"id": "msg-404"})
	require.Error(t, err)
}

func TestSendMailIsHighRisk(t *testing.T) {
	reg, store := newRegistry(t)
	send, err := reg.Get("mail.send")
	require.NoError(t, err)
	require.Equal(t, proto.RiskHigh, send.RiskLevel)

	out, err := send.Handler(context.Background(), map[string]any{
		"to":   "ana@example.com",
		"body": "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, out["message_id"])

	search, err := reg.Get("mail.search")
	require.NoError(t, err)
	res, err := search.Handler(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 4, res["count"])
	_ = store
}

func TestExportMailboxReportsProgress(t *testing.T) {
	reg, _ := newRegistry(t)
	export, err := reg.Get("mail.export")
	require.NoError(t, err)

	var percents []int
	out, err := export.JobHandler(context.Background(), map[string]any{}, func(p int, _ string) {
		percents = append(percents, p)
	})
	require.NoError(t, err)
	require.Equal(t, 3, out["count"])
	require.NotEmpty(t, percents)
	require.Equal(t, 100, percents[len(percents)-1])
}

func TestExportMailboxHonorsCancel(t *testing.T) {
	reg, _ := newRegistry(t)
	export, err := reg.Get("mail.export")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = export.JobHandler(ctx, map[string]any{}, func(int, string) {})
	require.ErrorIs(t, err, context.Canceled)
}
