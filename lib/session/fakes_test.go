package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onkernel/chat-bridge/lib/browser"
	"github.com/onkernel/chat-bridge/lib/domsource"
)

var testSelectors = domsource.Selectors{
	QRLoginButton:    "#qr",
	EmailLoginButton: "#email-login",
	EmailInput:       "#email",
	PasswordInput:    "#password",
	LoginSubmit:      "#submit",
	MessageInput:     "#compose",
	FileInput:        "#file",
	ChatItem:         `[data-chat="{id}"]`,
}

type fakePage struct {
	mu       sync.Mutex
	bindings map[string]func(string)
	clicks   []string
	typed    []string
	pressed  []string
	uploads  []string
	reloads  int
	moves    int
	onClick  func(selector string)
	done     chan struct{}
	closed   bool
}

func newFakePage() *fakePage {
	return &fakePage{bindings: map[string]func(string){}, done: make(chan struct{})}
}

var _ browser.Page = (*fakePage)(nil)

func (p *fakePage) Navigate(context.Context, string) error { return nil }

func (p *fakePage) Reload(context.Context) error {
	p.mu.Lock()
	p.reloads++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) InjectScript(context.Context, string) error { return nil }

func (p *fakePage) Expose(_ context.Context, name string, fn func(string)) error {
	p.mu.Lock()
	p.bindings[name] = fn
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, _ string, out any) error {
	if s, ok := out.(*string); ok {
		*s = "<html></html>"
	}
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.onClick
	p.mu.Unlock()
	if hook != nil {
		hook(selector)
	}
	return nil
}

func (p *fakePage) Type(_ context.Context, selector, text string) error {
	p.mu.Lock()
	p.typed = append(p.typed, selector+"="+text)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Press(_ context.Context, key string) error {
	p.mu.Lock()
	p.pressed = append(p.pressed, key)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Upload(_ context.Context, _ string, paths ...string) error {
	p.mu.Lock()
	p.uploads = append(p.uploads, paths...)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) WaitFor(context.Context, string, time.Duration) error { return nil }

func (p *fakePage) MoveMouse(context.Context, float64, float64) error {
	p.mu.Lock()
	p.moves++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) BringToFront(context.Context) error { return nil }

func (p *fakePage) Done() <-chan struct{} { return p.done }

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

// emit invokes the exposed event binding the way the page script would.
func (p *fakePage) emit(t *testing.T, ev map[string]any) {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	require.True(t, p.send(string(b)), "event binding not exposed")
}

func (p *fakePage) send(payload string) bool {
	p.mu.Lock()
	fn := p.bindings[domsource.BindingName]
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

func (p *fakePage) counts() (reloads, moves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads, p.moves
}

type fakeSource struct {
	mu              sync.Mutex
	loggedIn        bool
	loginFailure    string
	viewed          string
	chats           []domsource.ChatListInfo
	infos           map[string]*domsource.ChatInfo
	refs            map[string][]domsource.ElementRef
	receipts        map[string][]domsource.Receipt
	observed        []string
	disconnects     int
	onExpectOwnSend func()
	// parseBlock, when set, makes ParseMessage signal it and block until its
	// context ends.
	parseBlock chan struct{}
}

var _ domsource.Source = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{
		infos:    map[string]*domsource.ChatInfo{},
		refs:     map[string][]domsource.ElementRef{},
		receipts: map[string][]domsource.Receipt{},
	}
}

func (s *fakeSource) set(fn func(s *fakeSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeSource) Selectors(context.Context) (domsource.Selectors, error) {
	return testSelectors, nil
}

func (s *fakeSource) IsLoggedIn(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn, nil
}

func (s *fakeSource) IsConnected(context.Context) (bool, error) { return true, nil }

func (s *fakeSource) IsPermanentlyDisconnected(context.Context) (bool, error) { return false, nil }

func (s *fakeSource) LoginFailure(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginFailure, nil
}

func (s *fakeSource) HistorySynced(context.Context) (bool, error) { return true, nil }

func (s *fakeSource) ObserveLogin(context.Context) error { return nil }

func (s *fakeSource) StopLoginObservers(context.Context) error { return nil }

func (s *fakeSource) ObserveChatList(context.Context) error { return nil }

func (s *fakeSource) ObserveMessages(_ context.Context, chatID string) error {
	s.mu.Lock()
	s.observed = append(s.observed, chatID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) DisconnectObservers(context.Context) error {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) ViewedChatID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewed, nil
}

func (s *fakeSource) GetChatList(context.Context) ([]domsource.ChatListInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats, nil
}

func (s *fakeSource) GetChatInfo(_ context.Context, chatID string) (*domsource.ChatInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infos[chatID], nil
}

func (s *fakeSource) GetOwnProfile(context.Context) (domsource.Participant, error) {
	return domsource.Participant{ID: "me", Name: "Me"}, nil
}

func (s *fakeSource) GetContacts(context.Context) ([]domsource.Participant, error) {
	return nil, nil
}

func (s *fakeSource) ScanMessages(_ context.Context, chatID string) ([]domsource.ElementRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[chatID], nil
}

func (s *fakeSource) ParseMessage(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
	s.mu.Lock()
	block := s.parseBlock
	s.mu.Unlock()
	if block != nil {
		block <- struct{}{}
		<-ctx.Done()
		return domsource.ParsedMessage{}, ctx.Err()
	}
	return domsource.ParsedMessage{Message: domsource.Message{
		Sender:    &domsource.Participant{Name: "Bob"},
		HTML:      fmt.Sprintf("message %d", ref.ID),
		Timestamp: 1000 + ref.ID,
	}}, nil
}

func (s *fakeSource) ScanReceipts(_ context.Context, chatID string) ([]domsource.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receipts[chatID], nil
}

func (s *fakeSource) ReadImage(context.Context, string) (string, error) {
	return "data:image/png;base64,AAAA", nil
}

func (s *fakeSource) ExpectOwnMessage(context.Context) error {
	s.mu.Lock()
	hook := s.onExpectOwnSend
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

type fakeLauncher struct {
	page *fakePage
}

func (l *fakeLauncher) Launch(context.Context, string, bool) (browser.Page, error) {
	return l.page, nil
}

// countingLauncher hands out a fresh page per launch.
type countingLauncher struct {
	mu    sync.Mutex
	pages []*fakePage
}

func (l *countingLauncher) Launch(context.Context, string, bool) (browser.Page, error) {
	time.Sleep(20 * time.Millisecond)
	p := newFakePage()
	l.mu.Lock()
	l.pages = append(l.pages, p)
	l.mu.Unlock()
	return p, nil
}

func (l *countingLauncher) launched() []*fakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakePage(nil), l.pages...)
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(note Notification) {
	n.mu.Lock()
	n.list = append(n.list, note)
	n.mu.Unlock()
}

func (n *notifications) commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.list))
	for _, note := range n.list {
		out = append(out, note.Command)
	}
	return out
}

func (n *notifications) messages() []domsource.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domsource.Message
	for _, note := range n.list {
		if note.Command == NotifyMessage {
			out = append(out, note.Fields["message"].(domsource.Message))
		}
	}
	return out
}

type harness struct {
	ctrl   *Controller
	page   *fakePage
	source *fakeSource
	notes  *notifications
}

func testConfig() Config {
	return Config{
		ClientURL:          "https://chat.example.test/",
		CycleDelay:         -1,
		SendTimeout:        100 * time.Millisecond,
		UploadTimeout:      200 * time.Millisecond,
		ParseTimeout:       100 * time.Millisecond,
		LoginPollInterval:  5 * time.Millisecond,
		HistorySyncTimeout: 100 * time.Millisecond,
		ViewTimeout:        100 * time.Millisecond,
	}
}

// newHarness builds and starts a controller over fakes.
func newHarness(t *testing.T, cfg Config, setup func(s *fakeSource)) *harness {
	t.Helper()
	h := &harness{page: newFakePage(), source: newFakeSource(), notes: &notifications{}}
	if setup != nil {
		setup(h.source)
	}
	h.ctrl = New("alice", cfg, Deps{
		Launcher:  &fakeLauncher{page: h.page},
		NewSource: func(browser.Page) domsource.Source { return h.source },
		Notifier:  h.notes,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := h.ctrl.Start(context.Background(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctrl.Stop(context.Background()) })
	return h
}
