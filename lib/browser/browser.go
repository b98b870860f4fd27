// Package browser launches Chromium for one bridged user and exposes the
// automation surface the session controller drives.
package browser

import (
	"context"
	"time"

	"github.com/onkernel/chat-bridge/lib/cdp"
)

// ErrTimeout is returned by WaitFor when the condition never became true.
var ErrTimeout = cdp.ErrTimeout

// Page is the automation surface of a single browser tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	// InjectScript runs source in the current document and every future one.
	InjectScript(ctx context.Context, source string) error
	// Expose makes window[name](payload) in the page invoke fn on the host.
	// Calls are delivered one at a time in page order.
	Expose(ctx context.Context, name string, fn func(payload string)) error
	Evaluate(ctx context.Context, expression string, out any) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, key string) error
	Upload(ctx context.Context, selector string, paths ...string) error
	WaitFor(ctx context.Context, expression string, timeout time.Duration) error
	MoveMouse(ctx context.Context, x, y float64) error
	BringToFront(ctx context.Context) error
	// Done is closed when the page or browser is gone.
	Done() <-chan struct{}
	Close() error
}

var _ Page = (*cdp.Page)(nil)
