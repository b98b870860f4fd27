package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/chat-bridge/lib/domsource"
)

func TestChangedChats(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, ChangedChats([]string{"a", "b", "a", "", "c", "b"}, "b"))
	assert.Empty(t, ChangedChats([]string{"b"}, "b"))
}

func TestChatListCoalescerFlushesOncePerTick(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]string
	c := NewChatListCoalescer(30*time.Millisecond, func() string { return "active" }, func(ids []string) {
		mu.Lock()
		flushed = append(flushed, ids)
		mu.Unlock()
	})
	defer c.Stop()

	c.Add(1, []string{"a", "b"})
	c.Add(1, []string{"b", "active", "c"})
	// a later tick flushes the previous one immediately
	c.Add(2, []string{"d"})

	mu.Lock()
	require.Len(t, flushed, 1)
	assert.Equal(t, []string{"a", "b", "c"}, flushed[0])
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"d"}, flushed[1])
	mu.Unlock()
}

func TestChatListCoalescerStop(t *testing.T) {
	called := false
	c := NewChatListCoalescer(10*time.Millisecond, nil, func([]string) { called = true })
	c.Add(1, []string{"a"})
	c.Stop()
	c.Add(2, []string{"b"})
	time.Sleep(40 * time.Millisecond)
	assert.False(t, called)
}

func TestSendGate(t *testing.T) {
	var g SendGate

	p, err := g.Arm("c")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Token)
	_, err = g.Arm("c")
	assert.ErrorIs(t, err, ErrSendPending)

	// elements of other chats or incoming ones are not claimed
	assert.False(t, g.Claim(domsource.ElementRef{ChatID: "other", ID: 5, Outgoing: true}))
	assert.False(t, g.Claim(domsource.ElementRef{ChatID: "c", ID: 5}))
	assert.True(t, g.Claim(domsource.ElementRef{ChatID: "c", ID: 5, Outgoing: true}))

	assert.True(t, g.Resolve(9, domsource.OwnMessageSent))
	assert.Equal(t, int64(9), p.Wait(context.Background(), time.Second))

	p, err = g.Arm("c")
	require.NoError(t, err)
	g.Resolve(0, domsource.OwnMessageFailed)
	assert.Equal(t, FailedSendID, p.Wait(context.Background(), time.Second))

	p, err = g.Arm("c")
	require.NoError(t, err)
	start := time.Now()
	assert.Equal(t, FailedSendID, p.Wait(context.Background(), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, g.Pending())
	assert.False(t, g.Resolve(3, domsource.OwnMessageSent))
}
