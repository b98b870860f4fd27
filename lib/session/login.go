package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/onkernel/chat-bridge/lib/metrics"
)

// LoginState is the position of the session in the login flow.
type LoginState int

const (
	LoggedOut LoginState = iota
	AwaitingInput
	AwaitingServerResponse
	SyncingHistory
	LoggedIn
	Cancelled
	Failed
)

func (s LoginState) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case AwaitingInput:
		return "awaiting_input"
	case AwaitingServerResponse:
		return "awaiting_server_response"
	case SyncingHistory:
		return "syncing_history"
	case LoggedIn:
		return "logged_in"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("LoginState(%d)", int(s))
}

// LoginMethod selects the login screen path.
type LoginMethod string

const (
	LoginQR    LoginMethod = "qr"
	LoginEmail LoginMethod = "email"
)

type LoginData struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginOutcome is the terminal result of one attempt.
type LoginOutcome string

const (
	OutcomeSuccess   LoginOutcome = "success"
	OutcomeFailure   LoginOutcome = "failure"
	OutcomeCancelled LoginOutcome = "cancelled"
)

type loginAttempt struct {
	state  LoginState
	method LoginMethod
	cancel context.CancelFunc
}

var errNotYet = errors.New("condition not met yet")

func (c *Controller) setLoginState(s LoginState) {
	c.mu.Lock()
	c.login.state = s
	c.mu.Unlock()
	c.logger.Debug("login state", "state", s.String())
}

// LoginState returns the current login state.
func (c *Controller) LoginState() LoginState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login.state
}

// Login drives the login flow until it succeeds, fails or is cancelled. It
// returns immediately when the account is already logged in. Failure and
// cancellation leave the session logged out and ready for another attempt.
func (c *Controller) Login(ctx context.Context, method LoginMethod, data LoginData) (LoginOutcome, error) {
	if method != LoginQR && method != LoginEmail {
		return "", fmt.Errorf("unsupported login type %q", method)
	}
	if method == LoginEmail && (data.Email == "" || data.Password == "") {
		return "", errors.New("email login requires email and password")
	}

	loggedIn, err := run(ctx, c, func(ctx context.Context, e env) (bool, error) {
		return e.source.IsLoggedIn(ctx)
	})
	if err != nil {
		return "", err
	}
	if loggedIn {
		c.setLoginState(LoggedIn)
		return OutcomeSuccess, nil
	}

	loginCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	switch c.login.state {
	case AwaitingInput, AwaitingServerResponse, SyncingHistory:
		c.mu.Unlock()
		return "", ErrLoginInProgress
	}
	c.login = loginAttempt{state: AwaitingInput, method: method, cancel: cancel}
	c.mu.Unlock()

	outcome, err := c.runLogin(loginCtx, method, data)
	metrics.LoginOutcomes.WithLabelValues(string(method), string(outcome)).Inc()

	c.mu.Lock()
	c.login.cancel = nil
	c.mu.Unlock()
	return outcome, err
}

func (c *Controller) runLogin(ctx context.Context, method LoginMethod, data LoginData) (LoginOutcome, error) {
	c.logger.Info("starting login", "method", method)

	_, err := run(ctx, c, func(ctx context.Context, e env) (struct{}, error) {
		if err := e.source.ObserveLogin(ctx); err != nil {
			return struct{}{}, err
		}
		if method == LoginQR {
			return struct{}{}, e.page.Click(ctx, e.sel.QRLoginButton)
		}
		if err := e.page.Click(ctx, e.sel.EmailLoginButton); err != nil {
			return struct{}{}, err
		}
		if err := e.page.Type(ctx, e.sel.EmailInput, data.Email); err != nil {
			return struct{}{}, err
		}
		if err := e.page.Type(ctx, e.sel.PasswordInput, data.Password); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, e.page.Click(ctx, e.sel.LoginSubmit)
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.loginCancelled(), nil
		}
		c.finishLogin(Failed)
		return OutcomeFailure, fmt.Errorf("enter login details: %w", err)
	}

	c.setLoginState(AwaitingServerResponse)
	ok, reason, err := c.awaitLoginResponse(ctx)
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return c.loginCancelled(), nil
	case err != nil:
		c.finishLogin(Failed)
		return OutcomeFailure, err
	case !ok:
		c.logger.Warn("login failed", "reason", reason)
		c.enqueueDump("login-failure")
		c.finishLogin(Failed)
		c.notify(Notification{Command: NotifyLoginFailure, Fields: map[string]any{"reason": reason}})
		return OutcomeFailure, nil
	}

	c.setLoginState(SyncingHistory)
	if _, err := run(ctx, c, func(ctx context.Context, e env) (struct{}, error) {
		return struct{}{}, e.source.StopLoginObservers(ctx)
	}); err != nil {
		c.logger.Warn("failed to stop login observers", "err", err)
	}
	c.awaitHistorySync(ctx)

	c.setLoginState(LoggedIn)
	if _, err := run(ctx, c, func(ctx context.Context, e env) (struct{}, error) {
		return struct{}{}, c.startObserving(ctx, e)
	}); err != nil {
		c.logger.Warn("failed to start observers after login", "err", err)
	}
	c.startTimers()
	c.logger.Info("login succeeded")
	c.notify(Notification{Command: NotifyLoginSuccess})
	return OutcomeSuccess, nil
}

// awaitLoginResponse races the success and failure indicators. Each branch
// polls on the task queue until it settles; the first branch to settle wins
// and ctx cancellation wins over both without waiting for their next poll.
func (c *Controller) awaitLoginResponse(ctx context.Context) (bool, string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ok     bool
		reason string
		err    error
	}
	results := make(chan result, 2)

	go func() {
		err := c.poll(raceCtx, func(ctx context.Context, e env) error {
			ok, err := e.source.IsLoggedIn(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errNotYet
			}
			return nil
		})
		results <- result{ok: err == nil, err: err}
	}()

	go func() {
		var reason string
		err := c.poll(raceCtx, func(ctx context.Context, e env) error {
			r, err := e.source.LoginFailure(ctx)
			if err != nil {
				return err
			}
			if r == "" {
				return errNotYet
			}
			reason = r
			return nil
		})
		results <- result{reason: reason, err: err}
	}()

	var lastErr error
	for range 2 {
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case r := <-results:
			if r.err == nil {
				return r.ok, r.reason, nil
			}
			// a branch that gave up loses; the other may still settle
			c.logger.Debug("login poll branch gave up", "err", r.err)
			lastErr = r.err
		}
	}
	return false, "", lastErr
}

// poll retries check on the task queue at the login poll interval until it
// returns nil or ctx ends.
func (c *Controller) poll(ctx context.Context, check func(ctx context.Context, e env) error) error {
	return retry.New(
		retry.Attempts(0),
		retry.Delay(c.cfg.LoginPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		pctx, cancel := context.WithTimeout(ctx, loginPollTimeout)
		defer cancel()
		_, err := run(pctx, c, func(ctx context.Context, e env) (struct{}, error) {
			return struct{}{}, check(ctx, e)
		})
		return err
	})
}

// awaitHistorySync waits for the client's sync indicator. Its progress text is
// unreliable, so running out of time counts as synced.
func (c *Controller) awaitHistorySync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, c.cfg.HistorySyncTimeout)
	defer cancel()
	err := c.poll(syncCtx, func(ctx context.Context, e env) error {
		ok, err := e.source.HistorySynced(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	})
	if err != nil {
		c.logger.Info("history sync not confirmed; continuing", "timeout", c.cfg.HistorySyncTimeout, "err", err)
	}
}

func (c *Controller) finishLogin(terminal LoginState) {
	c.setLoginState(terminal)
	c.setLoginState(LoggedOut)
}

func (c *Controller) loginCancelled() LoginOutcome {
	c.logger.Info("login cancelled")
	c.finishLogin(Cancelled)
	return OutcomeCancelled
}

// CancelLogin aborts a running login attempt and reloads the page back to a
// clean login screen.
func (c *Controller) CancelLogin(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.login.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_, err := run(ctx, c, func(ctx context.Context, e env) (struct{}, error) {
		if err := e.source.StopLoginObservers(ctx); err != nil {
			c.logger.Debug("failed to stop login observers", "err", err)
		}
		return struct{}{}, e.page.Reload(ctx)
	})
	return err
}

func (c *Controller) enqueueDump(reason string) {
	c.enqueue(context.Background(), "dump page", func(ctx context.Context, e env) error {
		c.dumpPage(reason)
		return nil
	})
}

// loginPollTimeout bounds a single indicator check.
const loginPollTimeout = 10 * time.Second
