// Package rpc serves the bridge's newline-delimited JSON protocol. One
// connection is registered per user; sessions are owned by the server and
// outlive the connections that started them.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/onkernel/chat-bridge/lib/domsource"
	"github.com/onkernel/chat-bridge/lib/session"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotRegistered  = errors.New("connection not registered")
	ErrNoSession      = errors.New("session not started")
)

// Session is what the server drives for a registered user.
type Session interface {
	Start(ctx context.Context, debug bool) (session.StartStatus, error)
	Stop(ctx context.Context) error
	Login(ctx context.Context, method session.LoginMethod, data session.LoginData) (session.LoginOutcome, error)
	CancelLogin(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
	SendFile(ctx context.Context, chatID, path string) (int64, error)
	SetLastMessageIDs(msgIDs, ownIDs map[string]int64, receiptIDs map[string]map[int]int64)
	GetRecentChats(ctx context.Context) ([]domsource.ChatListInfo, error)
	GetChatInfo(ctx context.Context, chatID string, forceView bool) (*domsource.ChatInfo, error)
	GetMessages(ctx context.Context, chatID string) (domsource.ChatEvents, error)
	IsConnected(ctx context.Context) (bool, error)
	Pause()
	Resume()
	GetOwnProfile(ctx context.Context) (domsource.Participant, error)
	GetContacts(ctx context.Context) ([]domsource.Participant, error)
	ReadImage(ctx context.Context, url string) (string, error)
	ForgetChat(ctx context.Context, chatID string) error
	Info() session.Info
}

var _ Session = (*session.Controller)(nil)

// SessionFactory creates the session of user. Notifications must go to n.
type SessionFactory func(user string, n session.Notifier) Session

type Config struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is the socket path or host:port.
	Address         string
	RegisterTimeout time.Duration
	WriteTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server accepts consumer connections and binds them to sessions.
type Server struct {
	cfg     Config
	factory SessionFactory
	logger  *slog.Logger

	// requests run under baseCtx so they survive their connection
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	closing  bool
	conns    map[*conn]struct{}
	users    map[string]*conn
	sessions map[string]Session
}

func NewServer(cfg Config, factory SessionFactory, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		conns:      make(map[*conn]struct{}),
		users:      make(map[string]*conn),
		sessions:   make(map[string]Session),
	}
}

// Listen opens the configured socket. A stale unix socket file is replaced and
// the new one is only accessible to the owner.
func (s *Server) Listen() (net.Listener, error) {
	switch s.cfg.Network {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(s.cfg.Address), 0o755); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Remove(s.cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		old := unix.Umask(0o077)
		ln, err := net.Listen("unix", s.cfg.Address)
		unix.Umask(old)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(s.cfg.Address, 0o700); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		return ln, nil
	case "tcp":
		return net.Listen("tcp", s.cfg.Address)
	default:
		return nil, fmt.Errorf("unsupported network %q", s.cfg.Network)
	}
}

// Serve accepts connections on ln until Shutdown. Accept errors back off
// exponentially.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", "network", ln.Addr().Network(), "addr", ln.Addr().String())

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			s.logger.Error("accept failed", "err", err, "backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-s.baseCtx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		c := newConn(s, nc)
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			nc.Close()
			return nil
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// register makes c the canonical connection of user. A previous connection
// is told to quit and closed first.
func (s *Server) register(c *conn, user string) bool {
	s.mu.Lock()
	prev := s.users[user]
	if prev == c {
		prev = nil
	}
	s.mu.Unlock()

	if prev != nil {
		prev.logger.Info("replaced by new connection")
		prev.quit(QuitReplaced)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user] = c
	_, exists := s.sessions[user]
	return exists
}

// unregister drops c when it closes. The session stays.
func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	if user := c.user(); user != "" && s.users[user] == c {
		delete(s.users, user)
	}
}

func (s *Server) session(user string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[user]
	return sess, ok
}

// sessionFor returns the session of user, creating it when missing.
func (s *Server) sessionFor(user string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[user]; ok {
		return sess
	}
	sess := s.factory(user, notifier{server: s, user: user})
	s.sessions[user] = sess
	return sess
}

func (s *Server) dropSession(user string, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[user] == sess {
		delete(s.sessions, user)
	}
}

// notifier routes session notifications to whichever connection is currently
// registered for the user, dropping them when there is none.
type notifier struct {
	server *Server
	user   string
}

func (n notifier) Notify(note session.Notification) {
	n.server.mu.Lock()
	c := n.server.users[n.user]
	n.server.mu.Unlock()
	if c == nil {
		n.server.logger.Debug("dropping notification without connection", "user", n.user, "command", note.Command)
		return
	}
	c.notify(note.Command, note.Fields, note.Sequential)
}

// Sessions summarizes every owned session, sorted by user.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	sessions := lo.Values(s.sessions)
	s.mu.Unlock()
	infos := lo.Map(sessions, func(sess Session, _ int) session.Info { return sess.Info() })
	sort.Slice(infos, func(i, j int) bool { return infos[i].User < infos[j].User })
	return infos
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown tells every connection to quit, stops accepting, cancels requests
// still running and stops every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	conns := lo.Keys(s.conns)
	sessions := s.sessions
	s.sessions = make(map[string]Session)
	s.mu.Unlock()

	for _, c := range conns {
		c.quit(QuitShutdown)
	}
	var lnErr error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			lnErr = fmt.Errorf("close listener: %w", err)
		}
	}

	// in-flight requests give up so sessions stop without waiting on them
	s.baseCancel()

	g, gctx := errgroup.WithContext(ctx)
	for user, sess := range sessions {
		g.Go(func() error {
			if err := sess.Stop(gctx); err != nil {
				return fmt.Errorf("stop session %s: %w", user, err)
			}
			return nil
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("connections did not finish before shutdown deadline")
	}
	if s.cfg.Network == "unix" {
		_ = os.Remove(s.cfg.Address)
	}
	return errors.Join(lnErr, err)
}
