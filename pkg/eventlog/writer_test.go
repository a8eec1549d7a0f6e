package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	events := []*Event{
		{
			ID:        "audit-1",
			Timestamp: time.Now().UTC(),
			Kind:      KindTransition,
			SessionID: "sess-1",
			Detail:    map[string]any{"from": "IDLE", "event": "user_input", "to": "INTENT_CAPTURED"},
		},
		{
			ID:           "audit-2",
			Timestamp:    time.Now().UTC(),
			Kind:         KindOperation,
			SessionID:    "sess-1",
			IntentID:     "intent-1",
			CapabilityID: "",
			Detail:       map[string]any{"operation": "insert", "node_id": "n1"},
		},
		{
			ID:           "audit-3",
			Timestamp:    time.Now().UTC(),
			Kind:         KindApproval,
			SessionID:    "sess-1",
			IntentID:     "intent-1",
			CapabilityID: "calendar.create_event",
			Detail:       map[string]any{"status": "APPROVED"},
		},
	}
	for _, ev := range events {
		require.NoError(t, w.Write(ev))
	}

	got, err := ReadEvents(w.CurrentFile())
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "audit-1", got[0].ID)
	require.Equal(t, KindApproval, got[2].Kind)
	require.Equal(t, "calendar.create_event", got[2].CapabilityID)
	require.Equal(t, "APPROVED", got[2].Detail["status"])
}

func TestFileNaming(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	want := filepath.Join(dir, "audit-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	require.Equal(t, want, w.CurrentFile())

	require.NoError(t, w.Write(&Event{ID: "audit-1", Kind: KindCapability, SessionID: "sess-1"}))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{want}, files)
}

func TestReadEventsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	got, err := ReadEvents(w.CurrentFile())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCloseIdempotent(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
