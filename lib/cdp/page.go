package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

const waitPollInterval = 100 * time.Millisecond

type bindingCall struct {
	name    string
	payload string
}

// Page drives one page target over a flattened CDP session. Host callbacks
// registered with Expose are invoked in the order the page called them, on a
// single goroutine owned by the Page.
type Page struct {
	client    *Client
	logger    *slog.Logger
	sessionID string
	targetID  string

	bindingsMu sync.RWMutex
	bindings   map[string]func(payload string)

	callsMu sync.Mutex
	calls   []bindingCall
	wake    chan struct{}

	unsubscribe func()
	done        chan struct{}
	doneOnce    sync.Once
}

// Attach finds the first page target of the browser, attaches to it and
// enables the Runtime and Page domains.
func Attach(ctx context.Context, client *Client, logger *slog.Logger) (*Page, error) {
	if _, err := client.Send(ctx, target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true), ""); err != nil {
		return nil, fmt.Errorf("enable target discovery: %w", err)
	}

	var targets struct {
		TargetInfos []TargetInfo `json:"targetInfos"`
	}
	if err := client.Call(ctx, target.CommandGetTargets, target.GetTargets(), "", &targets); err != nil {
		return nil, fmt.Errorf("getTargets: %w", err)
	}

	var pageTarget *TargetInfo
	for i := range targets.TargetInfos {
		if targets.TargetInfos[i].Type == "page" {
			pageTarget = &targets.TargetInfos[i]
			break
		}
	}
	if pageTarget == nil {
		return nil, errors.New("no page target found")
	}

	var attached struct {
		SessionID string `json:"sessionId"`
	}
	params := target.AttachToTarget(target.ID(pageTarget.TargetID)).WithFlatten(true)
	if err := client.Call(ctx, target.CommandAttachToTarget, params, "", &attached); err != nil {
		return nil, fmt.Errorf("attachToTarget: %w", err)
	}
	if attached.SessionID == "" {
		return nil, errors.New("no session ID in attach response")
	}

	p := &Page{
		client:    client,
		logger:    logger.With("target", pageTarget.TargetID),
		sessionID: attached.SessionID,
		targetID:  pageTarget.TargetID,
		bindings:  make(map[string]func(payload string)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	p.unsubscribe = client.Subscribe(p.handleEvent)
	go p.dispatchLoop()
	go func() {
		select {
		case <-client.Done():
			p.markDone("CDP connection closed")
		case <-p.done:
		}
	}()

	if _, err := client.Send(ctx, runtime.CommandEnable, runtime.Enable(), p.sessionID); err != nil {
		p.Close()
		return nil, fmt.Errorf("enable Runtime: %w", err)
	}
	if _, err := client.Send(ctx, page.CommandEnable, page.Enable(), p.sessionID); err != nil {
		p.Close()
		return nil, fmt.Errorf("enable Page: %w", err)
	}

	p.logger.Info("attached to page target", "url", pageTarget.URL, "session", p.sessionID)
	return p, nil
}

// Done is closed when the page crashed, was detached or the connection died.
func (p *Page) Done() <-chan struct{} {
	return p.done
}

// Close stops event dispatch. The browser process is owned by the launcher.
func (p *Page) Close() error {
	p.markDone("closed")
	return nil
}

func (p *Page) markDone(reason string) {
	p.doneOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		p.logger.Info("page gone", "reason", reason)
		close(p.done)
	})
}

func (p *Page) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-p.done:
		return nil, ErrClosed
	default:
	}
	return p.client.Send(ctx, method, params, p.sessionID)
}

func (p *Page) handleEvent(ev Event) {
	switch ev.Method {
	case "Runtime.bindingCalled":
		if ev.SessionID != p.sessionID {
			return
		}
		var params struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(ev.Params, &params); err != nil {
			return
		}
		p.callsMu.Lock()
		p.calls = append(p.calls, bindingCall{name: params.Name, payload: params.Payload})
		p.callsMu.Unlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}

	case "Inspector.targetCrashed":
		if ev.SessionID == p.sessionID {
			go p.markDone("target crashed")
		}

	case "Target.targetCrashed", "Target.targetDestroyed":
		var params struct {
			TargetID string `json:"targetId"`
		}
		if json.Unmarshal(ev.Params, &params) == nil && params.TargetID == p.targetID {
			go p.markDone(ev.Method)
		}

	case "Target.detachedFromTarget":
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(ev.Params, &params) == nil && params.SessionID == p.sessionID {
			go p.markDone("detached from target")
		}
	}
}

func (p *Page) nextCall() (bindingCall, bool) {
	p.callsMu.Lock()
	defer p.callsMu.Unlock()
	if len(p.calls) == 0 {
		return bindingCall{}, false
	}
	call := p.calls[0]
	p.calls = p.calls[1:]
	return call, true
}

func (p *Page) dispatchLoop() {
	for {
		call, ok := p.nextCall()
		if !ok {
			select {
			case <-p.done:
				return
			case <-p.wake:
			}
			continue
		}
		p.bindingsMu.RLock()
		fn := p.bindings[call.name]
		p.bindingsMu.RUnlock()
		if fn == nil {
			p.logger.Debug("binding called without handler", "name", call.name)
			continue
		}
		fn(call.payload)
	}
}

// Navigate loads url and waits for the document to finish loading.
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		ErrorText string `json:"errorText"`
	}
	raw, err := p.send(ctx, page.CommandNavigate, page.Navigate(url))
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := json.Unmarshal(raw, &res); err == nil && res.ErrorText != "" {
		return fmt.Errorf("navigate: %s", res.ErrorText)
	}
	return p.WaitFor(ctx, `document.readyState === "complete"`, 30*time.Second)
}

// Reload reloads the current document and waits for it to finish loading.
func (p *Page) Reload(ctx context.Context) error {
	if _, err := p.send(ctx, page.CommandReload, page.Reload()); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	// Give the old document a moment to unload before polling readyState.
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.WaitFor(ctx, `document.readyState === "complete"`, 30*time.Second)
}

// InjectScript evaluates source now and on every new document.
func (p *Page) InjectScript(ctx context.Context, source string) error {
	if _, err := p.send(ctx, page.CommandAddScriptToEvaluateOnNewDocument, page.AddScriptToEvaluateOnNewDocument(source)); err != nil {
		return fmt.Errorf("add script to new documents: %w", err)
	}
	return p.Evaluate(ctx, source, nil)
}

// Expose installs window[name] in the page; each call is delivered to fn.
func (p *Page) Expose(ctx context.Context, name string, fn func(payload string)) error {
	p.bindingsMu.Lock()
	p.bindings[name] = fn
	p.bindingsMu.Unlock()
	if _, err := p.send(ctx, runtime.CommandAddBinding, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("add binding %s: %w", name, err)
	}
	return nil
}

// Evaluate runs expression, awaiting a returned promise, and decodes the
// returned value into out when out is non-nil.
func (p *Page) Evaluate(ctx context.Context, expression string, out any) error {
	params := runtime.Evaluate(expression).WithAwaitPromise(true).WithReturnByValue(true)
	raw, err := p.send(ctx, runtime.CommandEvaluate, params)
	if err != nil {
		return err
	}
	var res evaluateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("unmarshal eval result: %w", err)
	}
	if err := res.err(); err != nil {
		return err
	}
	if out == nil || len(res.Result.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Result.Value, out); err != nil {
		return fmt.Errorf("unmarshal eval value: %w", err)
	}
	return nil
}

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p *Page) elementCenter(ctx context.Context, selector string) (point, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error("no element matches " + %q);
		el.scrollIntoView({block: "center", inline: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	})()`, selector, selector)
	var pt point
	err := p.Evaluate(ctx, js, &pt)
	return pt, err
}

// Click presses and releases the left mouse button over the element's center.
func (p *Page) Click(ctx context.Context, selector string) error {
	pt, err := p.elementCenter(ctx, selector)
	if err != nil {
		return err
	}
	for _, typ := range []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased} {
		params := input.DispatchMouseEvent(typ, pt.X, pt.Y)
		if typ != input.MouseMoved {
			params = params.WithButton(input.Left).WithClickCount(1)
		}
		if _, err := p.send(ctx, input.CommandDispatchMouseEvent, params); err != nil {
			return fmt.Errorf("click %s: %w", selector, err)
		}
	}
	return nil
}

// Type focuses the element and inserts text as if typed.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error("no element matches " + %q);
		el.focus();
		return true;
	})()`, selector, selector)
	if err := p.Evaluate(ctx, js, nil); err != nil {
		return err
	}
	if _, err := p.send(ctx, input.CommandInsertText, input.InsertText(text)); err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

var keyCodes = map[string]int64{
	"Enter":     13,
	"Escape":    27,
	"Tab":       9,
	"Backspace": 8,
}

// Press sends a key down/up pair for a named key such as "Enter".
func (p *Page) Press(ctx context.Context, key string) error {
	code := keyCodes[key]
	down := input.DispatchKeyEvent(input.KeyDown).WithKey(key).WithCode(key).WithWindowsVirtualKeyCode(code)
	if key == "Enter" {
		down = down.WithText("\r")
	}
	if _, err := p.send(ctx, input.CommandDispatchKeyEvent, down); err != nil {
		return fmt.Errorf("key down %s: %w", key, err)
	}
	up := input.DispatchKeyEvent(input.KeyUp).WithKey(key).WithCode(key).WithWindowsVirtualKeyCode(code)
	if _, err := p.send(ctx, input.CommandDispatchKeyEvent, up); err != nil {
		return fmt.Errorf("key up %s: %w", key, err)
	}
	return nil
}

// Upload sets the files of the <input type=file> matched by selector.
func (p *Page) Upload(ctx context.Context, selector string, paths ...string) error {
	var doc struct {
		Root struct {
			NodeID cdptypes.NodeID `json:"nodeId"`
		} `json:"root"`
	}
	raw, err := p.send(ctx, dom.CommandGetDocument, dom.GetDocument())
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}

	var node struct {
		NodeID cdptypes.NodeID `json:"nodeId"`
	}
	raw, err = p.send(ctx, dom.CommandQuerySelector, dom.QuerySelector(doc.Root.NodeID, selector))
	if err != nil {
		return fmt.Errorf("query %s: %w", selector, err)
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return fmt.Errorf("unmarshal node: %w", err)
	}
	if node.NodeID == 0 {
		return fmt.Errorf("no element matches %s", selector)
	}

	if _, err := p.send(ctx, dom.CommandSetFileInputFiles, dom.SetFileInputFiles(paths).WithNodeID(node.NodeID)); err != nil {
		return fmt.Errorf("set files on %s: %w", selector, err)
	}
	return nil
}

// WaitFor polls expression until it is truthy, timeout elapses (ErrTimeout),
// or ctx ends.
func (p *Page) WaitFor(ctx context.Context, expression string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	js := "!!(" + strings.TrimSpace(expression) + ")"
	for {
		var ok bool
		if err := p.Evaluate(ctx, js, &ok); err != nil {
			// Documents in transition throw "Execution context was destroyed"; keep polling.
			p.logger.Debug("wait condition errored", "err", err)
			if errors.Is(err, ErrClosed) {
				return err
			}
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrTimeout, expression)
		case <-ticker.C:
		}
	}
}

// MoveMouse moves the pointer to viewport coordinates (x, y).
func (p *Page) MoveMouse(ctx context.Context, x, y float64) error {
	_, err := p.send(ctx, input.CommandDispatchMouseEvent, input.DispatchMouseEvent(input.MouseMoved, x, y))
	return err
}

// BringToFront activates the page's tab.
func (p *Page) BringToFront(ctx context.Context) error {
	_, err := p.send(ctx, page.CommandBringToFront, page.BringToFront())
	return err
}
