// Package domsource is the host side of the scraping script injected into the
// chat web client: the records it produces, the events it pushes, and the
// calls the session controller makes into it.
package domsource

import "strings"

// PathImage is an image referenced by the web client. Path is set when the
// client serves it from its own asset path rather than a blob URL.
type PathImage struct {
	Path string `json:"path,omitempty"`
	URL  string `json:"url"`
}

// ChatListInfo is one row of the chat list.
type ChatListInfo struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Icon              *PathImage `json:"icon"`
	LastMsg           string     `json:"lastMsg"`
	LastMsgDate       string     `json:"lastMsgDate"`
	NotificationCount int        `json:"notificationCount"`
}

type Participant struct {
	ID     string     `json:"id,omitempty"`
	Name   string     `json:"name"`
	Avatar *PathImage `json:"avatar"`
}

// ChatInfo is a chat list row plus its member list. Direct chats have one
// participant besides the bridged account.
type ChatInfo struct {
	ChatListInfo
	Participants []Participant `json:"participants"`
}

// IsDirect reports whether the chat is one-to-one.
func (c ChatInfo) IsDirect() bool {
	return len(c.Participants) <= 1
}

type MessageImage struct {
	URL        string `json:"url"`
	IsSticker  bool   `json:"is_sticker"`
	IsAnimated bool   `json:"is_animated"`
}

// Message is a chat message as delivered to the consumer. A message carrying
// only ID and ChatID is a placeholder for an element that could not be parsed.
type Message struct {
	ID           int64         `json:"id"`
	ChatID       string        `json:"chat_id"`
	IsOutgoing   bool          `json:"is_outgoing"`
	Sender       *Participant  `json:"sender"`
	Timestamp    int64         `json:"timestamp,omitempty"`
	HTML         string        `json:"html,omitempty"`
	Image        *MessageImage `json:"image,omitempty"`
	ReceiptCount *int          `json:"receipt_count,omitempty"`
}

// ParsedMessage is what the page returns for one message element. DateText is
// the client's own date label ("Today 7:16 PM", "Thu 09:02", "2021.03.04 11:00")
// and is resolved to Message.Timestamp on the host.
type ParsedMessage struct {
	Message
	DateText string `json:"dateText,omitempty"`
}

// Receipt says that message ID in ChatID has been read by Count participants.
type Receipt struct {
	ID     int64  `json:"id"`
	ChatID string `json:"chat_id"`
	Count  int    `json:"count"`
}

// ChatEvents is the result of a full resync of one chat.
type ChatEvents struct {
	Messages []Message `json:"messages"`
	Receipts []Receipt `json:"receipts"`
}

// ElementRef points at one message element in the page. Ref is the handle the
// page assigned to the element; ID is the message ID inferred from it.
type ElementRef struct {
	Ref      string `json:"ref"`
	ChatID   string `json:"chat_id"`
	ID       int64  `json:"id"`
	Outgoing bool   `json:"outgoing"`
}

// Selectors are the CSS selectors of the client UI the session clicks and
// types into. ChatItem contains an "{id}" placeholder.
type Selectors struct {
	QRLoginButton    string `json:"qrLoginButton"`
	EmailLoginButton string `json:"emailLoginButton"`
	EmailInput       string `json:"emailInput"`
	PasswordInput    string `json:"passwordInput"`
	LoginSubmit      string `json:"loginSubmit"`
	MessageInput     string `json:"messageInput"`
	FileInput        string `json:"fileInput"`
	ChatItem         string `json:"chatItem"`
	// Idle is an element that is safe to hover to keep the session active.
	Idle string `json:"idle"`
}

// ChatItemFor returns the chat list selector for chat id.
func (s Selectors) ChatItemFor(id string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(id)
	return strings.ReplaceAll(s.ChatItem, "{id}", escaped)
}
