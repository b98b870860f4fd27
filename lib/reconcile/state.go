// Package reconcile turns the unordered stream of message elements and read
// receipts scraped from the page into ordered, deduplicated deliveries.
package reconcile

import (
	"maps"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ChatSyncState is what has already been delivered for one chat.
type ChatSyncState struct {
	// LastMessageID never decreases.
	LastMessageID    int64 `json:"last_message_id"`
	LastOwnMessageID int64 `json:"last_own_message_id"`
	// ReceiptThresholds maps a read count to the newest message ID known to
	// have been read by that many participants. For c1 < c2 the ID stored at
	// c2 is never greater than the one at c1.
	ReceiptThresholds    map[int]int64 `json:"receipt_thresholds"`
	PendingNotifications int           `json:"pending_notifications"`
}

func (s ChatSyncState) clone() ChatSyncState {
	s.ReceiptThresholds = maps.Clone(s.ReceiptThresholds)
	if s.ReceiptThresholds == nil {
		s.ReceiptThresholds = map[int]int64{}
	}
	return s
}

// FullyRead reports whether the newest own message has been read by at least
// participants others.
func (s ChatSyncState) FullyRead(participants int) bool {
	if s.LastOwnMessageID == 0 || participants <= 0 {
		return false
	}
	for count, id := range s.ReceiptThresholds {
		if count >= participants && id >= s.LastOwnMessageID {
			return true
		}
	}
	return false
}

// applyThreshold records that message id reached count readers. The update is
// rejected when a threshold at or above count already covers an equal or newer
// message. Accepted updates prune lower thresholds that are no longer newer.
func applyThreshold(thresholds map[int]int64, count int, id int64) bool {
	for c, stored := range thresholds {
		if c >= count && stored >= id {
			return false
		}
	}
	thresholds[count] = id
	for c, stored := range thresholds {
		if c < count && stored <= id {
			delete(thresholds, c)
		}
	}
	return true
}

// States is the per-chat sync state of one session.
type States struct {
	mu       sync.Mutex
	chats    map[string]*ChatSyncState
	onChange func(chatID string, st ChatSyncState)
}

func NewStates() *States {
	return &States{chats: make(map[string]*ChatSyncState)}
}

// OnChange registers fn to be called with a copy of a chat's state after every
// accepted change. fn is called without the lock held.
func (s *States) OnChange(fn func(chatID string, st ChatSyncState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *States) chat(chatID string) *ChatSyncState {
	st, ok := s.chats[chatID]
	if !ok {
		st = &ChatSyncState{ReceiptThresholds: map[int]int64{}}
		s.chats[chatID] = st
	}
	return st
}

// update runs fn under the lock and notifies the change hook when fn reports
// a change.
func (s *States) update(chatID string, fn func(st *ChatSyncState) bool) bool {
	s.mu.Lock()
	st := s.chat(chatID)
	changed := fn(st)
	hook := s.onChange
	snapshot := st.clone()
	s.mu.Unlock()
	if changed && hook != nil {
		hook(chatID, snapshot)
	}
	return changed
}

// Get returns a copy of a chat's state. Unknown chats yield the zero state.
func (s *States) Get(chatID string) ChatSyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.chats[chatID]; ok {
		return st.clone()
	}
	return ChatSyncState{ReceiptThresholds: map[int]int64{}}
}

func (s *States) LastMessageID(chatID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.chats[chatID]; ok {
		return st.LastMessageID
	}
	return 0
}

// ChatIDs returns the tracked chats in sorted order.
func (s *States) ChatIDs() []string {
	s.mu.Lock()
	ids := lo.Keys(s.chats)
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// AdvanceMessage raises the message low-water-mark. Lower IDs are ignored.
func (s *States) AdvanceMessage(chatID string, id int64) bool {
	return s.update(chatID, func(st *ChatSyncState) bool {
		if id <= st.LastMessageID {
			return false
		}
		st.LastMessageID = id
		return true
	})
}

// AdvanceOwnMessage raises the own-message low-water-mark.
func (s *States) AdvanceOwnMessage(chatID string, id int64) bool {
	return s.update(chatID, func(st *ChatSyncState) bool {
		if id <= st.LastOwnMessageID {
			return false
		}
		st.LastOwnMessageID = id
		return true
	})
}

// ApplyReceipt records a read-count update and reports whether it was new.
func (s *States) ApplyReceipt(chatID string, count int, id int64) bool {
	if count <= 0 || id <= 0 {
		return false
	}
	return s.update(chatID, func(st *ChatSyncState) bool {
		return applyThreshold(st.ReceiptThresholds, count, id)
	})
}

func (s *States) SetPendingNotifications(chatID string, n int) {
	s.update(chatID, func(st *ChatSyncState) bool {
		if st.PendingNotifications == n {
			return false
		}
		st.PendingNotifications = n
		return true
	})
}

// Merge raises every mark of chatID to at least those in seed. Receipt
// thresholds go through the same acceptance rule as live updates.
func (s *States) Merge(chatID string, seed ChatSyncState) {
	s.update(chatID, func(st *ChatSyncState) bool {
		changed := false
		if seed.LastMessageID > st.LastMessageID {
			st.LastMessageID = seed.LastMessageID
			changed = true
		}
		if seed.LastOwnMessageID > st.LastOwnMessageID {
			st.LastOwnMessageID = seed.LastOwnMessageID
			changed = true
		}
		counts := lo.Keys(seed.ReceiptThresholds)
		sort.Ints(counts)
		for _, c := range counts {
			id := seed.ReceiptThresholds[c]
			if c <= 0 || id <= 0 {
				continue
			}
			if applyThreshold(st.ReceiptThresholds, c, id) {
				changed = true
			}
		}
		return changed
	})
}

// Forget drops all state for chatID.
func (s *States) Forget(chatID string) {
	s.mu.Lock()
	delete(s.chats, chatID)
	s.mu.Unlock()
}
