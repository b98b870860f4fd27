// Package cdp is a small Chrome DevTools Protocol client: one websocket to the
// browser endpoint, flattened target sessions, and event fan-out.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const defaultCallTimeout = 30 * time.Second

// Client manages a browser-level CDP websocket connection.
type Client struct {
	logger *slog.Logger
	conn   *websocket.Conn

	msgID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response

	subsMu sync.RWMutex
	subs   map[int64]func(Event)
	subID  int64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a browser DevTools websocket URL and starts the reader.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid devtools URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Host": []string{parsed.Host}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)

	c := &Client{
		logger:  logger,
		conn:    conn,
		pending: make(map[int64]chan response),
		subs:    make(map[int64]func(Event)),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone, either by Close or because the
// browser went away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		err = c.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}

// Subscribe registers fn for every CDP event. fn runs on the reader goroutine
// and must not block. The returned function removes the subscription.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.subsMu.Lock()
	c.subID++
	id := c.subID
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// Send issues a command and waits for its result.
func (c *Client) Send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	data, err := json.Marshal(message{
		ID:        id,
		Method:    method,
		Params:    paramsRaw,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	resultCh := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write CDP: %w", err)
	}

	timer := time.NewTimer(defaultCallTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	case <-timer.C:
		return nil, fmt.Errorf("CDP call timed out: %s", method)
	case <-c.done:
		return nil, ErrClosed
	}
}

// Call is Send followed by decoding the result into out (when out is non-nil).
func (c *Client) Call(ctx context.Context, method string, params any, sessionID string, out any) error {
	raw, err := c.Send(ctx, method, params, sessionID)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Error("CDP read error", "err", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("CDP unmarshal error", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				if msg.Error != nil {
					ch <- response{err: msg.Error}
				} else {
					ch <- response{result: msg.Result}
				}
			}
			continue
		}

		c.dispatch(Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID})
	}
}

func (c *Client) dispatch(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, fn := range c.subs {
		fn(ev)
	}
}
