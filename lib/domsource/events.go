package domsource

import (
	"encoding/json"
	"fmt"
)

// EventType names a push event emitted by the page.
type EventType string

const (
	// EventChatListChanged carries the deduplicated chat IDs whose list rows
	// changed during one observation tick.
	EventChatListChanged EventType = "chat_list_changed"
	// EventMessageAdded carries newly observed message elements of the
	// currently displayed chat.
	EventMessageAdded EventType = "message_added"
	// EventOwnMessage reports that the element authored by the last send
	// reached a final state.
	EventOwnMessage EventType = "own_message"
	EventReceipt    EventType = "receipt"
	EventQR         EventType = "qr"
	EventPIN        EventType = "pin"
	EventLoggedOut  EventType = "logged_out"
)

// Own message states reported by EventOwnMessage.
const (
	OwnMessageSent   = "sent"
	OwnMessageFailed = "failed"
)

// Event is one push from the page. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`

	ChatIDs []string `json:"chat_ids,omitempty"`
	Tick    int64    `json:"tick,omitempty"`

	Elements []ElementRef `json:"elements,omitempty"`

	OwnID    int64  `json:"own_id,omitempty"`
	OwnState string `json:"own_state,omitempty"`

	Receipts []Receipt `json:"receipts,omitempty"`
	// Direct receipts come from a one-to-one chat and only mark the latest
	// fully read message.
	Direct bool `json:"direct,omitempty"`

	URL string `json:"url,omitempty"`
	PIN string `json:"pin,omitempty"`
}

// ParseEvent decodes a payload passed to the emit binding.
func ParseEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode page event: %w", err)
	}
	switch ev.Type {
	case EventChatListChanged, EventMessageAdded, EventOwnMessage, EventReceipt,
		EventQR, EventPIN, EventLoggedOut:
	case "":
		return Event{}, fmt.Errorf("page event without type")
	default:
		return Event{}, fmt.Errorf("unknown page event type %q", ev.Type)
	}
	return ev, nil
}
