package rpc

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onkernel/chat-bridge/lib/logger"
	"github.com/onkernel/chat-bridge/lib/metrics"
)

const (
	maxLineSize = 16 << 20
	// maxOutbox bounds queued notifications; a consumer that falls this far
	// behind is disconnected.
	maxOutbox = 4096
)

// conn is one consumer connection.
type conn struct {
	id     string
	server *Server
	nc     net.Conn
	logger *slog.Logger

	// writeMu orders every socket write. Notification batches are taken from
	// the outbox while holding it, so ids go out strictly decreasing.
	writeMu sync.Mutex
	w       *bufio.Writer

	outMu   sync.Mutex
	notifID int64
	outbox  [][]byte
	outWake chan struct{}

	mu         sync.Mutex
	registered string
	lastID     int64
	closed     bool

	registeredCh chan struct{}
	done         chan struct{}
	reqs         sync.WaitGroup
}

func newConn(s *Server, nc net.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		server:       s,
		nc:           nc,
		logger:       s.logger.With("conn", id),
		w:            bufio.NewWriter(nc),
		outWake:      make(chan struct{}, 1),
		registeredCh: make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *conn) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// serve reads request lines until the peer goes away or the connection is
// closed. Requests are handled concurrently; responses carry their request id.
func (c *conn) serve() {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()
	c.logger.Info("connection opened", "remote", c.nc.RemoteAddr().String())

	go c.enforceRegistration()
	go c.writeNotifications()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		req, err := DecodeRequest(scanner.Bytes())
		if err != nil {
			c.logger.Debug("ignoring line", "err", err)
			continue
		}
		if !c.accept(req.ID) {
			c.logger.Debug("dropping stale request", "id", req.ID, "command", req.Command)
			continue
		}
		// later requests depend on the registered user
		if req.Command == cmdRegister {
			c.handle(req)
			continue
		}
		c.reqs.Add(1)
		go func() {
			defer c.reqs.Done()
			c.handle(req)
		}()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		c.logger.Warn("read failed", "err", err)
	}
	c.close()
	c.reqs.Wait()
	c.logger.Info("connection closed")
}

// accept records id and reports whether it is newer than every id seen so far.
func (c *conn) accept(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.lastID {
		return false
	}
	c.lastID = id
	return true
}

// enforceRegistration closes the connection if it does not register in time.
func (c *conn) enforceRegistration() {
	timer := time.NewTimer(c.server.cfg.RegisterTimeout)
	defer timer.Stop()
	select {
	case <-c.registeredCh:
	case <-c.done:
	case <-timer.C:
		c.logger.Warn("connection did not register in time", "timeout", c.server.cfg.RegisterTimeout)
		c.close()
	}
}

func (c *conn) handle(req Request) {
	log := c.logger.With("id", req.ID, "command", req.Command)
	if user := c.user(); user != "" {
		log = log.With("user", user)
	}
	ctx := logger.AddToContext(c.server.baseCtx, log)

	value, err := c.dispatch(ctx, req)
	result := "ok"
	var line []byte
	if err != nil {
		result = "error"
		log.Warn("request failed", "err", err)
		line, err = encodeError(req.ID, err)
	} else {
		line, err = encodeResponse(req.ID, value)
	}
	metrics.Requests.WithLabelValues(metricCommand(req.Command), result).Inc()
	if err != nil {
		log.Error("failed to encode response", "err", err)
		if line, err = encodeError(req.ID, err); err != nil {
			return
		}
	}
	c.write(line)
	if req.Command == cmdDisconnect && result == "ok" {
		c.close()
	}
}

func (c *conn) markRegistered(user string) {
	c.mu.Lock()
	first := c.registered == ""
	c.registered = user
	c.mu.Unlock()
	if first {
		close(c.registeredCh)
	}
}

// notify queues a session notification with the next negative id. It never
// waits on the socket.
func (c *conn) notify(command string, fields map[string]any, sequential bool) {
	c.outMu.Lock()
	if len(c.outbox) >= maxOutbox {
		c.outMu.Unlock()
		c.logger.Warn("consumer is not reading notifications; closing connection", "queued", maxOutbox)
		go c.close()
		return
	}
	id := c.notifID - 1
	line, err := encodeNotification(id, command, fields, sequential)
	if err != nil {
		c.outMu.Unlock()
		c.logger.Error("failed to encode notification", "command", command, "err", err)
		return
	}
	c.notifID = id
	c.outbox = append(c.outbox, line)
	c.outMu.Unlock()

	select {
	case c.outWake <- struct{}{}:
	default:
	}
}

// writeNotifications drains the outbox until the connection closes.
func (c *conn) writeNotifications() {
	for {
		select {
		case <-c.done:
			return
		case <-c.outWake:
		}
		c.writeMu.Lock()
		for _, line := range c.takeOutbox() {
			c.writeLocked(line)
		}
		c.writeMu.Unlock()
	}
}

func (c *conn) takeOutbox() [][]byte {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	lines := c.outbox
	c.outbox = nil
	return lines
}

// quit flushes queued notifications, sends a quit notification and closes the
// connection.
func (c *conn) quit(reason string) {
	c.writeMu.Lock()
	c.outMu.Lock()
	lines := c.outbox
	c.outbox = nil
	c.notifID--
	line, err := encodeNotification(c.notifID, CommandQuit, map[string]any{"reason": reason}, false)
	c.outMu.Unlock()
	if err == nil {
		lines = append(lines, line)
	}
	for _, l := range lines {
		c.writeLocked(l)
	}
	c.writeMu.Unlock()
	c.close()
}

func (c *conn) write(line []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeLocked(line)
}

func (c *conn) writeLocked(line []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	if _, err := c.w.Write(line); err != nil {
		c.logger.Debug("write failed", "err", err)
		return
	}
	if err := c.w.Flush(); err != nil {
		c.logger.Debug("flush failed", "err", err)
	}
}

// close shuts the socket. Pending writes are dropped. Safe to call more than
// once.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	_ = c.nc.Close()
	c.server.unregister(c)
}

func (c *conn) requireUser() (string, error) {
	user := c.user()
	if user == "" {
		return "", ErrNotRegistered
	}
	return user, nil
}
