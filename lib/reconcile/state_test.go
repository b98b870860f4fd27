package reconcile

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func assertMonotonic(t *testing.T, thresholds map[int]int64) {
	t.Helper()
	counts := lo.Keys(thresholds)
	sort.Ints(counts)
	for i := 1; i < len(counts); i++ {
		lo, hi := counts[i-1], counts[i]
		assert.LessOrEqualf(t, thresholds[hi], thresholds[lo],
			"threshold %d holds %d, newer than %d at threshold %d", hi, thresholds[hi], thresholds[lo], lo)
	}
}

func TestApplyThreshold(t *testing.T) {
	tests := []struct {
		name     string
		start    map[int]int64
		count    int
		id       int64
		accepted bool
		want     map[int]int64
	}{
		{name: "first", start: map[int]int64{}, count: 2, id: 5, accepted: true, want: map[int]int64{2: 5}},
		{name: "same count newer", start: map[int]int64{2: 5}, count: 2, id: 6, accepted: true, want: map[int]int64{2: 6}},
		{name: "same count older", start: map[int]int64{2: 5}, count: 2, id: 4, accepted: false, want: map[int]int64{2: 5}},
		{name: "covered by higher count", start: map[int]int64{3: 7}, count: 1, id: 6, accepted: false, want: map[int]int64{3: 7}},
		{name: "higher count prunes lower", start: map[int]int64{1: 5, 2: 4}, count: 3, id: 5, accepted: true, want: map[int]int64{3: 5}},
		{name: "lower count newer kept apart", start: map[int]int64{3: 5}, count: 1, id: 9, accepted: true, want: map[int]int64{1: 9, 3: 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.start
			assert.Equal(t, tc.accepted, applyThreshold(m, tc.count, tc.id))
			assert.Equal(t, tc.want, m)
			assertMonotonic(t, m)
		})
	}
}

func TestReceiptMonotonicityUnderRandomUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewStates()
	for i := 0; i < 2000; i++ {
		s.ApplyReceipt("g", 1+rng.Intn(6), int64(1+rng.Intn(50)))
		assertMonotonic(t, s.Get("g").ReceiptThresholds)
	}
}

func TestLowWaterMarksNeverDecrease(t *testing.T) {
	s := NewStates()
	assert.True(t, s.AdvanceMessage("c", 10))
	assert.False(t, s.AdvanceMessage("c", 7))
	assert.False(t, s.AdvanceMessage("c", 10))
	assert.Equal(t, int64(10), s.LastMessageID("c"))

	assert.True(t, s.AdvanceOwnMessage("c", 3))
	assert.False(t, s.AdvanceOwnMessage("c", 2))

	s.Merge("c", ChatSyncState{LastMessageID: 4, LastOwnMessageID: 8, ReceiptThresholds: map[int]int64{1: 8}})
	st := s.Get("c")
	assert.Equal(t, int64(10), st.LastMessageID)
	assert.Equal(t, int64(8), st.LastOwnMessageID)
	assert.Equal(t, map[int]int64{1: 8}, st.ReceiptThresholds)

	s.Forget("c")
	assert.Equal(t, int64(0), s.LastMessageID("c"))
	assert.Empty(t, s.ChatIDs())
}

func TestOnChangeSeesSnapshots(t *testing.T) {
	s := NewStates()
	var mu sync.Mutex
	var seen []ChatSyncState
	s.OnChange(func(chatID string, st ChatSyncState) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})
	s.AdvanceMessage("c", 1)
	s.AdvanceMessage("c", 1)
	s.ApplyReceipt("c", 1, 1)
	s.SetPendingNotifications("c", 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 3)
	seen[2].ReceiptThresholds[9] = 9
	assert.NotContains(t, s.Get("c").ReceiptThresholds, 9)
}

func TestFullyRead(t *testing.T) {
	st := ChatSyncState{LastOwnMessageID: 20, ReceiptThresholds: map[int]int64{1: 25, 3: 20}}
	assert.True(t, st.FullyRead(3))
	assert.True(t, st.FullyRead(2))
	assert.False(t, st.FullyRead(4))

	st.LastOwnMessageID = 21
	assert.False(t, st.FullyRead(3))
	assert.True(t, st.FullyRead(1))

	assert.False(t, ChatSyncState{}.FullyRead(1))
}
