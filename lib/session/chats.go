package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/onkernel/chat-bridge/lib/domsource"
)

// startObserving (re)attaches the chat list observer and, when a chat is on
// screen, its message observer.
func (c *Controller) startObserving(ctx context.Context, e env) error {
	if err := e.source.ObserveChatList(ctx); err != nil {
		return fmt.Errorf("observe chat list: %w", err)
	}
	viewed, err := e.source.ViewedChatID(ctx)
	if err != nil {
		return err
	}
	if viewed != "" {
		if err := e.source.ObserveMessages(ctx, viewed); err != nil {
			return fmt.Errorf("observe messages: %w", err)
		}
	}
	c.mu.Lock()
	c.observing = true
	c.viewedChat = viewed
	c.mu.Unlock()
	return nil
}

// viewChat puts chatID on screen. With observe set, its message observer is
// attached once it is displayed.
func (c *Controller) viewChat(ctx context.Context, e env, chatID string, observe bool) error {
	current, err := e.source.ViewedChatID(ctx)
	if err != nil {
		return err
	}
	if current != chatID {
		if err := e.page.Click(ctx, e.sel.ChatItemFor(chatID)); err != nil {
			return fmt.Errorf("open chat %s: %w", chatID, err)
		}
		expr, err := domsource.Expression("viewedChatId")
		if err != nil {
			return err
		}
		want, _ := json.Marshal(chatID)
		if err := e.page.WaitFor(ctx, expr+" === "+string(want), c.cfg.ViewTimeout); err != nil {
			return fmt.Errorf("wait for chat %s: %w", chatID, err)
		}
	}
	c.mu.Lock()
	c.viewedChat = chatID
	c.mu.Unlock()
	c.states.SetPendingNotifications(chatID, 0)
	if observe {
		return e.source.ObserveMessages(ctx, chatID)
	}
	return nil
}

// GetRecentChats returns the chat list and records unread counts.
func (c *Controller) GetRecentChats(ctx context.Context) ([]domsource.ChatListInfo, error) {
	return run(ctx, c, func(ctx context.Context, e env) ([]domsource.ChatListInfo, error) {
		chats, err := e.source.GetChatList(ctx)
		if err != nil {
			return nil, err
		}
		for _, chat := range chats {
			c.states.SetPendingNotifications(chat.ID, chat.NotificationCount)
		}
		if chats == nil {
			chats = []domsource.ChatListInfo{}
		}
		return chats, nil
	})
}

// GetChatInfo returns a chat's details. With forceView the chat is opened
// first, which some clients need before they render the member list.
func (c *Controller) GetChatInfo(ctx context.Context, chatID string, forceView bool) (*domsource.ChatInfo, error) {
	return run(ctx, c, func(ctx context.Context, e env) (*domsource.ChatInfo, error) {
		return c.chatInfo(ctx, e, chatID, forceView)
	})
}

func (c *Controller) chatInfo(ctx context.Context, e env, chatID string, forceView bool) (*domsource.ChatInfo, error) {
	if forceView {
		if err := c.viewChat(ctx, e, chatID, true); err != nil {
			return nil, err
		}
	}
	info, err := e.source.GetChatInfo(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	c.mu.Lock()
	c.participants[chatID] = len(info.Participants)
	c.mu.Unlock()
	return info, nil
}

// isDirect reports whether chatID is known to be one-to-one, looking the chat
// up when it has not been seen yet.
func (c *Controller) isDirect(ctx context.Context, e env, chatID string) bool {
	c.mu.Lock()
	n, ok := c.participants[chatID]
	c.mu.Unlock()
	if !ok {
		info, err := c.chatInfo(ctx, e, chatID, false)
		if err != nil {
			return false
		}
		n = len(info.Participants)
	}
	return n <= 1
}

// GetMessages opens chatID and returns everything above its low-water-marks.
// Observers are detached during the scan so the resync does not observe
// itself, and reattached afterwards.
func (c *Controller) GetMessages(ctx context.Context, chatID string) (domsource.ChatEvents, error) {
	return run(ctx, c, func(ctx context.Context, e env) (domsource.ChatEvents, error) {
		if err := e.source.DisconnectObservers(ctx); err != nil {
			return domsource.ChatEvents{}, err
		}
		defer func() {
			if err := c.startObserving(ctx, e); err != nil {
				c.logger.Warn("failed to reattach observers", "err", err)
			}
		}()
		events, err := c.resync(ctx, e, chatID)
		if err != nil {
			return domsource.ChatEvents{}, err
		}
		return events, nil
	})
}

// resync views chatID and collects its undelivered messages and receipts.
func (c *Controller) resync(ctx context.Context, e env, chatID string) (domsource.ChatEvents, error) {
	if err := c.viewChat(ctx, e, chatID, false); err != nil {
		return domsource.ChatEvents{}, err
	}

	// let deliveries already in flight for this chat settle first
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ParseTimeout*2)
	if err := e.engine.Wait(waitCtx, chatID); err != nil {
		c.logger.Debug("in-flight deliveries did not settle before resync", "chat", chatID)
	}
	cancel()

	refs, err := e.source.ScanMessages(ctx, chatID)
	if err != nil {
		return domsource.ChatEvents{}, fmt.Errorf("scan messages: %w", err)
	}
	events := domsource.ChatEvents{
		Messages: e.engine.Resync(ctx, chatID, refs),
	}
	receipts, err := e.source.ScanReceipts(ctx, chatID)
	if err != nil {
		c.logger.Warn("failed to scan receipts", "chat", chatID, "err", err)
	} else {
		events.Receipts = e.engine.ApplyReceipts(receipts, c.isDirect(ctx, e, chatID))
	}
	if events.Messages == nil {
		events.Messages = []domsource.Message{}
	}
	if events.Receipts == nil {
		events.Receipts = []domsource.Receipt{}
	}
	return events, nil
}

// onChatsChanged queues a background sync for each chat whose list row
// changed. Paused sessions skip it.
func (c *Controller) onChatsChanged(ids []string) {
	c.mu.Lock()
	paused := c.paused
	observing := c.observing
	c.mu.Unlock()
	if paused || !observing {
		return
	}
	for _, id := range ids {
		chatID := id
		c.enqueue(context.Background(), "sync chat", func(ctx context.Context, e env) error {
			return c.syncChat(ctx, e, chatID)
		})
	}
}

// syncChat pulls new messages and receipts of a chat that is not on screen
// and pushes them as notifications. The chat stays on screen afterwards.
func (c *Controller) syncChat(ctx context.Context, e env, chatID string) error {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return nil
	}
	if err := e.source.DisconnectObservers(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.startObserving(ctx, e); err != nil {
			c.logger.Warn("failed to reattach observers", "err", err)
		}
	}()
	events, err := c.resync(ctx, e, chatID)
	if err != nil {
		return err
	}
	c.deliverMessages(chatID, events.Messages)
	c.deliverReceipts(events.Receipts)
	return nil
}

// SetLastMessageIDs raises the low-water-marks from the consumer's records.
func (c *Controller) SetLastMessageIDs(msgIDs, ownIDs map[string]int64, receiptIDs map[string]map[int]int64) {
	for chatID, id := range msgIDs {
		c.states.AdvanceMessage(chatID, id)
	}
	for chatID, id := range ownIDs {
		c.states.AdvanceOwnMessage(chatID, id)
	}
	for chatID, thresholds := range receiptIDs {
		for count, id := range thresholds {
			c.states.ApplyReceipt(chatID, count, id)
		}
	}
}

// ForgetChat drops everything tracked for chatID.
func (c *Controller) ForgetChat(ctx context.Context, chatID string) error {
	c.states.Forget(chatID)
	c.mu.Lock()
	delete(c.participants, chatID)
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.Forget(chatID)
	}
	if c.deps.Journal != nil {
		return c.deps.Journal.Forget(ctx, c.user, chatID)
	}
	return nil
}

// Pause stops chat cycling and background syncing until Resume.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.stopTimers()
	c.logger.Info("session paused")
}

func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	loggedIn := c.login.state == LoggedIn
	c.mu.Unlock()
	if loggedIn {
		c.startTimers()
	}
	c.logger.Info("session resumed")
}

func (c *Controller) GetOwnProfile(ctx context.Context) (domsource.Participant, error) {
	return run(ctx, c, func(ctx context.Context, e env) (domsource.Participant, error) {
		return e.source.GetOwnProfile(ctx)
	})
}

func (c *Controller) GetContacts(ctx context.Context) ([]domsource.Participant, error) {
	return run(ctx, c, func(ctx context.Context, e env) ([]domsource.Participant, error) {
		contacts, err := e.source.GetContacts(ctx)
		if contacts == nil && err == nil {
			contacts = []domsource.Participant{}
		}
		return contacts, err
	})
}

// ReadImage returns an image shown in the client as a data: URL.
func (c *Controller) ReadImage(ctx context.Context, url string) (string, error) {
	return run(ctx, c, func(ctx context.Context, e env) (string, error) {
		return e.source.ReadImage(ctx, url)
	})
}
