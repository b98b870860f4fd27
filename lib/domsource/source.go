package domsource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onkernel/chat-bridge/lib/browser"
)

// BindingName is the host binding the bootstrap script pushes events through.
const BindingName = "__chatBridgeEmit"

// Namespace is the window property the client-specific scraping script must
// define.
const Namespace = "__chatSource"

// Bootstrap defines window.__chatBridge.emit on top of the host binding. It is
// injected before the scraping script, which calls emit(type, fields).
const Bootstrap = `
(function() {
  if (window.__chatBridge) return;
  window.__chatBridge = {
    emit(type, fields) {
      const fn = window.` + BindingName + `;
      if (typeof fn !== "function") return;
      fn(JSON.stringify(Object.assign({}, fields || {}, {type})));
    },
  };
})();
`

// Source is the contract of the in-page scraping script. Calls that drive the
// page run on the session's task queue. ParseMessage only reads an element and
// is called concurrently for observed messages, outside the queue. Push events
// arrive separately through the emit binding.
type Source interface {
	Selectors(ctx context.Context) (Selectors, error)

	IsLoggedIn(ctx context.Context) (bool, error)
	IsConnected(ctx context.Context) (bool, error)
	IsPermanentlyDisconnected(ctx context.Context) (bool, error)
	// LoginFailure returns the text of a visible login error, or "".
	LoginFailure(ctx context.Context) (string, error)
	// HistorySynced reports whether the post-login sync indicator finished.
	HistorySynced(ctx context.Context) (bool, error)

	// ObserveLogin starts emitting qr and pin events from the login screen.
	ObserveLogin(ctx context.Context) error
	StopLoginObservers(ctx context.Context) error
	ObserveChatList(ctx context.Context) error
	// ObserveMessages watches the displayed chat for new message elements and
	// read receipts.
	ObserveMessages(ctx context.Context, chatID string) error
	DisconnectObservers(ctx context.Context) error

	// ViewedChatID returns the ID of the chat currently on screen, or "".
	ViewedChatID(ctx context.Context) (string, error)
	GetChatList(ctx context.Context) ([]ChatListInfo, error)
	// GetChatInfo returns nil when the chat is not in the list.
	GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error)
	GetOwnProfile(ctx context.Context) (Participant, error)
	GetContacts(ctx context.Context) ([]Participant, error)

	// ScanMessages returns every message element of the displayed chat in
	// document order.
	ScanMessages(ctx context.Context, chatID string) ([]ElementRef, error)
	// ParseMessage parses one element, waiting up to timeout for its content
	// to finish rendering.
	ParseMessage(ctx context.Context, ref ElementRef, timeout time.Duration) (ParsedMessage, error)
	ScanReceipts(ctx context.Context, chatID string) ([]Receipt, error)
	// ReadImage returns the image at url as a data: URL.
	ReadImage(ctx context.Context, url string) (string, error)
	// ExpectOwnMessage arms a one-shot watcher for the next element authored
	// by the account; it reports through EventOwnMessage.
	ExpectOwnMessage(ctx context.Context) error
}

// PageSource implements Source by calling window.__chatSource in page.
type PageSource struct {
	page browser.Page
}

var _ Source = (*PageSource)(nil)

func NewPageSource(page browser.Page) *PageSource {
	return &PageSource{page: page}
}

// Expression builds a call of fn on the scraping namespace with JSON-encoded
// arguments.
func Expression(fn string, args ...any) (string, error) {
	encoded := make([]string, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode argument for %s: %w", fn, err)
		}
		encoded = append(encoded, string(b))
	}
	return fmt.Sprintf("window.%s.%s(%s)", Namespace, fn, strings.Join(encoded, ", ")), nil
}

func (s *PageSource) call(ctx context.Context, out any, fn string, args ...any) error {
	expr, err := Expression(fn, args...)
	if err != nil {
		return err
	}
	if err := s.page.Evaluate(ctx, expr, out); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

func (s *PageSource) Selectors(ctx context.Context) (Selectors, error) {
	var sel Selectors
	err := s.call(ctx, &sel, "selectors")
	return sel, err
}

func (s *PageSource) IsLoggedIn(ctx context.Context) (bool, error) {
	var ok bool
	err := s.call(ctx, &ok, "isLoggedIn")
	return ok, err
}

func (s *PageSource) IsConnected(ctx context.Context) (bool, error) {
	var ok bool
	err := s.call(ctx, &ok, "isConnected")
	return ok, err
}

func (s *PageSource) IsPermanentlyDisconnected(ctx context.Context) (bool, error) {
	var ok bool
	err := s.call(ctx, &ok, "isPermanentlyDisconnected")
	return ok, err
}

func (s *PageSource) LoginFailure(ctx context.Context) (string, error) {
	var reason *string
	if err := s.call(ctx, &reason, "loginFailure"); err != nil {
		return "", err
	}
	if reason == nil {
		return "", nil
	}
	return *reason, nil
}

func (s *PageSource) HistorySynced(ctx context.Context) (bool, error) {
	var ok bool
	err := s.call(ctx, &ok, "historySynced")
	return ok, err
}

func (s *PageSource) ObserveLogin(ctx context.Context) error {
	return s.call(ctx, nil, "observeLogin")
}

func (s *PageSource) StopLoginObservers(ctx context.Context) error {
	return s.call(ctx, nil, "stopLoginObservers")
}

func (s *PageSource) ObserveChatList(ctx context.Context) error {
	return s.call(ctx, nil, "observeChatList")
}

func (s *PageSource) ObserveMessages(ctx context.Context, chatID string) error {
	return s.call(ctx, nil, "observeMessages", chatID)
}

func (s *PageSource) DisconnectObservers(ctx context.Context) error {
	return s.call(ctx, nil, "disconnectObservers")
}

func (s *PageSource) ViewedChatID(ctx context.Context) (string, error) {
	var id *string
	if err := s.call(ctx, &id, "viewedChatId"); err != nil {
		return "", err
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

func (s *PageSource) GetChatList(ctx context.Context) ([]ChatListInfo, error) {
	var chats []ChatListInfo
	err := s.call(ctx, &chats, "getChatList")
	return chats, err
}

func (s *PageSource) GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error) {
	var info *ChatInfo
	err := s.call(ctx, &info, "getChatInfo", chatID)
	return info, err
}

func (s *PageSource) GetOwnProfile(ctx context.Context) (Participant, error) {
	var p Participant
	err := s.call(ctx, &p, "getOwnProfile")
	return p, err
}

func (s *PageSource) GetContacts(ctx context.Context) ([]Participant, error) {
	var contacts []Participant
	err := s.call(ctx, &contacts, "getContacts")
	return contacts, err
}

func (s *PageSource) ScanMessages(ctx context.Context, chatID string) ([]ElementRef, error) {
	var refs []ElementRef
	err := s.call(ctx, &refs, "scanMessages", chatID)
	return refs, err
}

func (s *PageSource) ParseMessage(ctx context.Context, ref ElementRef, timeout time.Duration) (ParsedMessage, error) {
	var msg ParsedMessage
	err := s.call(ctx, &msg, "parseMessage", ref.Ref, timeout.Milliseconds())
	return msg, err
}

func (s *PageSource) ScanReceipts(ctx context.Context, chatID string) ([]Receipt, error) {
	var receipts []Receipt
	err := s.call(ctx, &receipts, "scanReceipts", chatID)
	return receipts, err
}

func (s *PageSource) ReadImage(ctx context.Context, url string) (string, error) {
	var data string
	if err := s.call(ctx, &data, "readImage", url); err != nil {
		return "", err
	}
	if !strings.HasPrefix(data, "data:") {
		return "", fmt.Errorf("readImage: result is not a data URL")
	}
	return data, nil
}

func (s *PageSource) ExpectOwnMessage(ctx context.Context) error {
	return s.call(ctx, nil, "expectOwnMessage")
}
