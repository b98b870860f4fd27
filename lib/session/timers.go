package session

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"
)

// startTimers arms chat cycling and idle defeat. Both reschedule themselves
// after each run until stopTimers.
func (c *Controller) startTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) > 0 || c.paused || !c.started {
		return
	}
	if c.cfg.CycleDelay >= 0 {
		c.timers = append(c.timers, c.schedule(c.cfg.CycleDelay, "cycle chats", c.cycleChats))
	}
	if c.cfg.IdleDefeatInterval > 0 {
		c.timers = append(c.timers, c.schedule(c.cfg.IdleDefeatInterval, "defeat idle", c.defeatIdle))
	}
}

func (c *Controller) stopTimers() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// schedule runs fn on the task queue every delay. The next run is armed only
// after the previous one finished.
func (c *Controller) schedule(delay time.Duration, name string, fn func(ctx context.Context, e env) error) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e, err := c.env()
		if err != nil {
			return
		}
		res, err := c.queue.Push(context.Background(), func(ctx context.Context) (any, error) {
			return nil, fn(ctx, e)
		})
		if err != nil {
			return
		}
		if r := <-res; r.Err != nil {
			c.logger.Debug("timer task failed", "task", name, "err", r.Err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if lo.Contains(c.timers, t) {
			t.Reset(delay)
		}
	})
	return t
}

// cycleChats views the next chat after the current one that may still have
// unseen receipts for our last message, so the client renders them.
func (c *Controller) cycleChats(ctx context.Context, e env) error {
	c.mu.Lock()
	paused := c.paused
	current := c.viewedChat
	participants := make(map[string]int, len(c.participants))
	for id, n := range c.participants {
		participants[id] = n
	}
	c.mu.Unlock()
	if paused {
		return nil
	}

	candidates := lo.Filter(c.states.ChatIDs(), func(id string, _ int) bool {
		if id == current {
			return false
		}
		st := c.states.Get(id)
		if st.PendingNotifications > 0 || st.LastOwnMessageID == 0 {
			return false
		}
		n, known := participants[id]
		return !known || !st.FullyRead(n)
	})
	next, ok := nextAfter(candidates, current)
	if !ok {
		return nil
	}

	c.logger.Debug("cycling to chat", "chat", next)
	if err := c.viewChat(ctx, e, next, true); err != nil {
		return err
	}
	receipts, err := e.source.ScanReceipts(ctx, next)
	if err != nil {
		return err
	}
	c.deliverReceipts(e.engine.ApplyReceipts(receipts, c.isDirect(ctx, e, next)))
	return nil
}

// nextAfter picks the first id sorting after current, wrapping around.
func nextAfter(ids []string, current string) (string, bool) {
	if len(ids) == 0 {
		return "", false
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	i := sort.SearchStrings(sorted, current)
	if i < len(sorted) && sorted[i] == current {
		i++
	}
	if i >= len(sorted) {
		i = 0
	}
	return sorted[i], true
}

func (c *Controller) defeatIdle(ctx context.Context, e env) error {
	if err := e.page.MoveMouse(ctx, 1, 1); err != nil {
		return err
	}
	return e.page.MoveMouse(ctx, 2, 2)
}
