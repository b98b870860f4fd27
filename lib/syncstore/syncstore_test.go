package syncstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/chat-bridge/lib/reconcile"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSaveAndLoad(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{
		LastMessageID:        12,
		LastOwnMessageID:     9,
		ReceiptThresholds:    map[int]int64{1: 9, 2: 7},
		PendingNotifications: 4,
	}))
	require.NoError(t, s.Save(ctx, "alice", "c2", reconcile.ChatSyncState{LastMessageID: 3}))
	require.NoError(t, s.Save(ctx, "bob", "c1", reconcile.ChatSyncState{LastMessageID: 99}))

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]reconcile.ChatSyncState{
		"c1": {LastMessageID: 12, LastOwnMessageID: 9, ReceiptThresholds: map[int]int64{1: 9, 2: 7}},
		"c2": {LastMessageID: 3, ReceiptThresholds: map[int]int64{}},
	}, got)
}

func TestSaveOverwrites(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{LastMessageID: 1}))
	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{LastMessageID: 5, ReceiptThresholds: map[int]int64{1: 5}}))

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got["c1"].LastMessageID)
	assert.Equal(t, map[int]int64{1: 5}, got["c1"].ReceiptThresholds)
}

func TestForget(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{LastMessageID: 1}))
	require.NoError(t, s.Save(ctx, "alice", "c2", reconcile.ChatSyncState{LastMessageID: 2}))
	require.NoError(t, s.Forget(ctx, "alice", "c1"))

	got, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, keys(got))
}

func TestReopenKeepsState(t *testing.T) {
	s, path := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{LastMessageID: 8}))
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(8), got["c1"].LastMessageID)
}

func TestJournalSeedsStates(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "alice", "c1", reconcile.ChatSyncState{LastMessageID: 10, ReceiptThresholds: map[int]int64{1: 9}}))

	saved, err := s.Load(ctx, "alice")
	require.NoError(t, err)
	states := reconcile.NewStates()
	states.AdvanceMessage("c1", 4)
	for chatID, st := range saved {
		states.Merge(chatID, st)
	}
	assert.Equal(t, int64(10), states.LastMessageID("c1"))
	assert.Equal(t, map[int]int64{1: 9}, states.Get("c1").ReceiptThresholds)
}

func keys(m map[string]reconcile.ChatSyncState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
