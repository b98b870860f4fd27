// Package session drives one bridged account: its browser page, task queue,
// login flow and per-chat synchronization state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onkernel/chat-bridge/lib/browser"
	"github.com/onkernel/chat-bridge/lib/domsource"
	"github.com/onkernel/chat-bridge/lib/metrics"
	"github.com/onkernel/chat-bridge/lib/reconcile"
	"github.com/onkernel/chat-bridge/lib/taskqueue"
)

var (
	ErrNotStarted      = errors.New("session not started")
	ErrUnknownChat     = errors.New("unknown chat")
	ErrLoginInProgress = errors.New("login already in progress")
	ErrNotLoggedIn     = errors.New("not logged in")
)

// Config is fixed at construction.
type Config struct {
	ClientURL string
	// CycleDelay is the pause between chat-cycling steps; negative disables and
	// zero means the default.
	CycleDelay time.Duration
	// IdleDefeatInterval is the pause between keep-alive interactions; zero
	// disables.
	IdleDefeatInterval time.Duration
	SendTimeout        time.Duration
	UploadTimeout      time.Duration
	ParseTimeout       time.Duration
	LoginPollInterval  time.Duration
	HistorySyncTimeout time.Duration
	ViewTimeout        time.Duration
	// ChatListCoalesceDelay bounds how long chat list changes of one tick are
	// collected before a background sync is queued.
	ChatListCoalesceDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.CycleDelay == 0 {
		c.CycleDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 60 * time.Second
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = 5 * time.Second
	}
	if c.LoginPollInterval <= 0 {
		c.LoginPollInterval = time.Second
	}
	if c.HistorySyncTimeout <= 0 {
		c.HistorySyncTimeout = 2 * time.Minute
	}
	if c.ViewTimeout <= 0 {
		c.ViewTimeout = 10 * time.Second
	}
	if c.ChatListCoalesceDelay <= 0 {
		c.ChatListCoalesceDelay = 50 * time.Millisecond
	}
	return c
}

// Launcher starts the browser for a user.
type Launcher interface {
	Launch(ctx context.Context, user string, headless bool) (browser.Page, error)
}

// Journal persists sync state across restarts.
type Journal interface {
	Load(ctx context.Context, user string) (map[string]reconcile.ChatSyncState, error)
	Save(ctx context.Context, user, chatID string, st reconcile.ChatSyncState) error
	Forget(ctx context.Context, user, chatID string) error
}

// Dumper writes debugging artifacts.
type Dumper interface {
	DumpPage(user, reason, html string) (string, error)
	DumpQR(user, url string) (string, error)
}

// Deps are the collaborators of a session. Journal and Dumper are optional.
type Deps struct {
	Launcher  Launcher
	Script    *domsource.Script
	NewSource func(page browser.Page) domsource.Source
	Journal   Journal
	Dumper    Dumper
	Notifier  Notifier
	Logger    *slog.Logger
}

// StartStatus is reported by Start.
type StartStatus struct {
	Started                   bool `json:"started"`
	IsLoggedIn                bool `json:"is_logged_in"`
	IsConnected               bool `json:"is_connected"`
	IsPermanentlyDisconnected bool `json:"is_permanently_disconnected"`
}

// Info is a point-in-time summary for health reporting.
type Info struct {
	User       string `json:"user"`
	Started    bool   `json:"started"`
	LoginState string `json:"login_state"`
	Paused     bool   `json:"paused"`
	Queued     int    `json:"queued"`
}

// Controller is the session of one bridged user.
type Controller struct {
	user   string
	cfg    Config
	deps   Deps
	logger *slog.Logger

	queue  *taskqueue.Queue
	states *reconcile.States
	gate   reconcile.SendGate

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu           sync.Mutex
	started      bool
	stopping     bool
	debug        bool
	page         browser.Page
	source       domsource.Source
	selectors    domsource.Selectors
	engine       *reconcile.Engine
	coalescer    *reconcile.ChatListCoalescer
	login        loginAttempt
	paused       bool
	observing    bool
	viewedChat   string
	participants map[string]int
	runCancel    context.CancelFunc
	timers       []*time.Timer
}

// New creates a stopped session for user.
func New(user string, cfg Config, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewSource == nil {
		deps.NewSource = func(page browser.Page) domsource.Source { return domsource.NewPageSource(page) }
	}
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(Notification) {})
	}
	logger := deps.Logger.With("user", user)
	c := &Controller{
		user:         user,
		cfg:          cfg.withDefaults(),
		deps:         deps,
		logger:       logger,
		queue:        taskqueue.New(logger),
		states:       reconcile.NewStates(),
		participants: make(map[string]int),
	}
	c.login.state = LoggedOut
	return c
}

func (c *Controller) User() string { return c.user }

// States exposes the sync state; it is safe for concurrent use.
func (c *Controller) States() *reconcile.States { return c.states }

func (c *Controller) notify(n Notification) {
	c.deps.Notifier.Notify(n)
}

// env is the page-bound part of a started session.
type env struct {
	page   browser.Page
	source domsource.Source
	sel    domsource.Selectors
	engine *reconcile.Engine
}

func (c *Controller) env() (env, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return env{}, ErrNotStarted
	}
	return env{page: c.page, source: c.source, sel: c.selectors, engine: c.engine}, nil
}

// run executes fn on the task queue with the page-bound environment.
func run[T any](ctx context.Context, c *Controller, fn func(ctx context.Context, e env) (T, error)) (T, error) {
	e, err := c.env()
	if err != nil {
		var zero T
		return zero, err
	}
	return taskqueue.Run(ctx, c.queue, func(ctx context.Context) (T, error) {
		return fn(ctx, e)
	})
}

// enqueue submits fire-and-forget work from push callbacks.
func (c *Controller) enqueue(ctx context.Context, name string, fn func(ctx context.Context, e env) error) {
	e, err := c.env()
	if err != nil {
		return
	}
	ch, err := c.queue.Push(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, e)
	})
	if err != nil {
		c.logger.Debug("dropping background task", "task", name, "err", err)
		return
	}
	go func() {
		if res := <-ch; res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			c.logger.Warn("background task failed", "task", name, "err", res.Err)
		}
	}()
}

// Start launches the browser, injects the scraping script and starts the task
// queue. Starting a started session only reports its status; a concurrent
// Start waits for the first one to finish.
func (c *Controller) Start(ctx context.Context, debug bool) (StartStatus, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.Status(ctx)
	}
	c.mu.Unlock()

	page, err := c.deps.Launcher.Launch(ctx, c.user, !debug)
	if err != nil {
		return StartStatus{}, fmt.Errorf("launch browser: %w", err)
	}
	source := c.deps.NewSource(page)

	if err := c.preparePage(ctx, page); err != nil {
		_ = page.Close()
		return StartStatus{}, err
	}
	sel, err := source.Selectors(ctx)
	if err != nil {
		_ = page.Close()
		return StartStatus{}, fmt.Errorf("read selectors: %w", err)
	}

	c.loadJournal(ctx)

	runCtx, runCancel := context.WithCancel(context.Background())
	engine := reconcile.NewEngine(c.states, reconcile.EngineConfig{
		Parse:        source.ParseMessage,
		Deliver:      c.deliverMessages,
		Gate:         &c.gate,
		ParseTimeout: c.cfg.ParseTimeout,
		Logger:       c.logger,
	})
	coalescer := reconcile.NewChatListCoalescer(c.cfg.ChatListCoalesceDelay, c.viewed, c.onChatsChanged)

	c.mu.Lock()
	c.started = true
	c.stopping = false
	c.debug = debug
	c.page = page
	c.source = source
	c.selectors = sel
	c.engine = engine
	c.coalescer = coalescer
	c.runCancel = runCancel
	c.mu.Unlock()

	c.queue.Start()
	metrics.SessionsActive.Inc()
	go c.watchPage(runCtx, page)
	go c.watchScript(runCtx)

	status, err := c.Status(ctx)
	if err != nil {
		return status, err
	}
	if status.IsLoggedIn {
		c.setLoginState(LoggedIn)
		if _, err := run(ctx, c, func(ctx context.Context, e env) (struct{}, error) {
			return struct{}{}, c.startObserving(ctx, e)
		}); err != nil {
			c.logger.Warn("failed to start observers", "err", err)
		}
		c.startTimers()
	}
	c.logger.Info("session started", "logged_in", status.IsLoggedIn, "debug", debug)
	return status, nil
}

// preparePage wires the emit binding, injects the scripts and loads the client.
func (c *Controller) preparePage(ctx context.Context, page browser.Page) error {
	if err := page.Expose(ctx, domsource.BindingName, c.onPageEvent); err != nil {
		return fmt.Errorf("expose event binding: %w", err)
	}
	if err := page.InjectScript(ctx, domsource.Bootstrap); err != nil {
		return fmt.Errorf("inject bootstrap: %w", err)
	}
	if c.deps.Script != nil {
		if err := page.InjectScript(ctx, c.deps.Script.Source()); err != nil {
			return fmt.Errorf("inject DOM source: %w", err)
		}
	}
	if err := page.Navigate(ctx, c.cfg.ClientURL); err != nil {
		return fmt.Errorf("load chat client: %w", err)
	}
	return nil
}

func (c *Controller) loadJournal(ctx context.Context) {
	if c.deps.Journal == nil {
		return
	}
	saved, err := c.deps.Journal.Load(ctx, c.user)
	if err != nil {
		c.logger.Warn("failed to load sync journal", "err", err)
	} else {
		for chatID, st := range saved {
			c.states.Merge(chatID, st)
		}
	}
	c.states.OnChange(func(chatID string, st reconcile.ChatSyncState) {
		if err := c.deps.Journal.Save(context.Background(), c.user, chatID, st); err != nil {
			c.logger.Warn("failed to journal sync state", "chat", chatID, "err", err)
		}
	})
}

// Status queries the page for login and connection state.
func (c *Controller) Status(ctx context.Context) (StartStatus, error) {
	return run(ctx, c, func(ctx context.Context, e env) (StartStatus, error) {
		st := StartStatus{Started: true}
		var err error
		if st.IsLoggedIn, err = e.source.IsLoggedIn(ctx); err != nil {
			return st, err
		}
		if st.IsConnected, err = e.source.IsConnected(ctx); err != nil {
			return st, err
		}
		if st.IsPermanentlyDisconnected, err = e.source.IsPermanentlyDisconnected(ctx); err != nil {
			return st, err
		}
		return st, nil
	})
}

// IsConnected reports whether the client is connected to the platform.
func (c *Controller) IsConnected(ctx context.Context) (bool, error) {
	return run(ctx, c, func(ctx context.Context, e env) (bool, error) {
		return e.source.IsConnected(ctx)
	})
}

// Stop tears down timers, the queue and the browser. A stopped session can be
// started again.
func (c *Controller) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	page := c.page
	engine := c.engine
	coalescer := c.coalescer
	cancel := c.runCancel
	loginCancel := c.login.cancel
	c.mu.Unlock()

	if loginCancel != nil {
		loginCancel()
	}
	c.stopTimers()
	coalescer.Stop()
	cancel()
	engine.Close()
	c.queue.Stop()

	err := page.Close()

	c.mu.Lock()
	c.started = false
	c.page = nil
	c.source = nil
	c.engine = nil
	c.coalescer = nil
	c.observing = false
	c.viewedChat = ""
	c.login = loginAttempt{state: LoggedOut}
	c.mu.Unlock()

	metrics.SessionsActive.Dec()
	c.logger.Info("session stopped")
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Info summarizes the session for health reporting.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		User:       c.user,
		Started:    c.started,
		LoginState: c.login.state.String(),
		Paused:     c.paused,
		Queued:     c.queue.Len(),
	}
}

func (c *Controller) watchPage(ctx context.Context, page browser.Page) {
	select {
	case <-ctx.Done():
		return
	case <-page.Done():
	}
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return
	}
	// not restarted: the consumer has to stop and start the session
	c.logger.Error("browser page is gone")
	c.stopTimers()
	c.notify(Notification{Command: NotifyFailure, Fields: map[string]any{"reason": "browser closed unexpectedly"}})
}

func (c *Controller) watchScript(ctx context.Context) {
	if c.deps.Script == nil {
		return
	}
	updates, cancel := c.deps.Script.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case src := <-updates:
			c.enqueue(ctx, "reinject DOM source", func(ctx context.Context, e env) error {
				if err := e.page.InjectScript(ctx, src); err != nil {
					return err
				}
				c.mu.Lock()
				observing := c.observing
				c.mu.Unlock()
				if observing {
					return c.startObserving(ctx, e)
				}
				return nil
			})
		}
	}
}

func (c *Controller) viewed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewedChat
}

// onPageEvent is the emit binding handler. It runs on the page's dispatch
// goroutine, one event at a time in page order.
func (c *Controller) onPageEvent(payload string) {
	ev, err := domsource.ParseEvent(payload)
	if err != nil {
		c.logger.Warn("bad page event", "err", err)
		return
	}

	c.mu.Lock()
	engine := c.engine
	coalescer := c.coalescer
	debug := c.debug
	c.mu.Unlock()
	if engine == nil {
		return
	}

	switch ev.Type {
	case domsource.EventChatListChanged:
		coalescer.Add(ev.Tick, ev.ChatIDs)

	case domsource.EventMessageAdded:
		engine.Observe(ev.Elements)

	case domsource.EventOwnMessage:
		if !c.gate.Resolve(ev.OwnID, ev.OwnState) {
			c.logger.Debug("own message event without pending send", "id", ev.OwnID)
		}

	case domsource.EventReceipt:
		c.enqueue(context.Background(), "apply receipts", func(ctx context.Context, e env) error {
			c.deliverReceipts(e.engine.ApplyReceipts(ev.Receipts, ev.Direct))
			return nil
		})

	case domsource.EventQR:
		c.notify(Notification{Command: NotifyQR, Fields: map[string]any{"url": ev.URL}})
		if debug && c.deps.Dumper != nil {
			if path, err := c.deps.Dumper.DumpQR(c.user, ev.URL); err != nil {
				c.logger.Warn("failed to write QR dump", "err", err)
			} else {
				c.logger.Debug("wrote QR dump", "path", path)
			}
		}

	case domsource.EventPIN:
		c.notify(Notification{Command: NotifyPIN, Fields: map[string]any{"pin": ev.PIN}})

	case domsource.EventLoggedOut:
		c.enqueue(context.Background(), "handle logout", func(ctx context.Context, e env) error {
			return c.handleLoggedOut(ctx, e)
		})
	}
}

func (c *Controller) deliverMessages(chatID string, msgs []domsource.Message) {
	for _, msg := range msgs {
		metrics.MessagesDelivered.Inc()
		if reconcile.IsPlaceholder(msg) {
			metrics.PlaceholderMessages.Inc()
		}
		c.notify(messageNotification(msg))
	}
	c.logger.Debug("delivered messages", "chat", chatID, "count", len(msgs))
}

func (c *Controller) deliverReceipts(receipts []domsource.Receipt) {
	for _, r := range receipts {
		metrics.ReceiptsDelivered.Inc()
		c.notify(receiptNotification(r))
	}
}

func (c *Controller) handleLoggedOut(ctx context.Context, e env) error {
	c.logger.Warn("logged out by the platform")
	c.stopTimers()
	c.mu.Lock()
	c.observing = false
	c.viewedChat = ""
	c.login = loginAttempt{state: LoggedOut}
	c.mu.Unlock()
	err := e.source.DisconnectObservers(ctx)
	c.notify(Notification{Command: NotifyLoggedOut})
	return err
}

func (c *Controller) dumpPage(reason string) {
	c.mu.Lock()
	debug := c.debug
	c.mu.Unlock()
	if !debug || c.deps.Dumper == nil {
		return
	}
	e, err := c.env()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var html string
	if err := e.page.Evaluate(ctx, "document.documentElement.outerHTML", &html); err != nil {
		c.logger.Warn("failed to capture page for dump", "err", err)
		return
	}
	path, err := c.deps.Dumper.DumpPage(c.user, reason, html)
	if err != nil {
		c.logger.Warn("failed to write page dump", "err", err)
		return
	}
	c.logger.Info("wrote page dump", "reason", reason, "path", path)
}
