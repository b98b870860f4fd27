package reconcile

import (
	"sync"
	"time"

	"github.com/samber/lo"
)

// ChangedChats deduplicates ids in first-seen order and drops the active
// chat, whose changes are picked up by the message observer instead.
func ChangedChats(ids []string, active string) []string {
	return lo.Without(lo.Uniq(lo.Compact(ids)), active)
}

// ChatListCoalescer merges chat list change notifications belonging to the
// same observation tick and flushes each tick once.
type ChatListCoalescer struct {
	delay  time.Duration
	active func() string
	flush  func(ids []string)

	mu      sync.Mutex
	tick    int64
	pending []string
	timer   *time.Timer
	stopped bool
}

// NewChatListCoalescer flushes a tick after delay without new notifications
// for it, or as soon as a notification for a later tick arrives. active
// returns the chat currently on screen.
func NewChatListCoalescer(delay time.Duration, active func() string, flush func(ids []string)) *ChatListCoalescer {
	return &ChatListCoalescer{delay: delay, active: active, flush: flush}
}

func (c *ChatListCoalescer) Add(tick int64, ids []string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	var ready []string
	if tick != c.tick && len(c.pending) > 0 {
		ready = c.pending
		c.pending = nil
	}
	c.tick = tick
	c.pending = append(c.pending, ids...)
	if c.timer == nil {
		c.timer = time.AfterFunc(c.delay, c.onTimer)
	} else {
		c.timer.Reset(c.delay)
	}
	c.mu.Unlock()

	c.emit(ready)
}

func (c *ChatListCoalescer) onTimer() {
	c.mu.Lock()
	ready := c.pending
	c.pending = nil
	c.mu.Unlock()
	c.emit(ready)
}

func (c *ChatListCoalescer) emit(ids []string) {
	if len(ids) == 0 {
		return
	}
	active := ""
	if c.active != nil {
		active = c.active()
	}
	if changed := ChangedChats(ids, active); len(changed) > 0 {
		c.flush(changed)
	}
}

// Stop drops anything pending and ignores later notifications.
func (c *ChatListCoalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
	}
}
