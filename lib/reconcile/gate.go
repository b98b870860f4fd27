package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nrednav/cuid2"

	"github.com/onkernel/chat-bridge/lib/domsource"
)

// FailedSendID is returned for a send that timed out or failed in the UI.
const FailedSendID int64 = -1

var ErrSendPending = errors.New("another send is still pending")

// SendGate is the single slot for the send currently waiting for its own
// element to appear in the chat and reach a final state.
type SendGate struct {
	mu      sync.Mutex
	pending *PendingSend
}

// PendingSend is an armed send. Exactly one result is ever delivered.
type PendingSend struct {
	Token  string
	ChatID string

	gate    *SendGate
	claimed int64
	result  chan int64
	once    sync.Once
}

// Arm reserves the gate for a send into chatID.
func (g *SendGate) Arm(chatID string) (*PendingSend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, ErrSendPending
	}
	g.pending = &PendingSend{
		Token:  cuid2.Generate(),
		ChatID: chatID,
		gate:   g,
		result: make(chan int64, 1),
	}
	return g.pending, nil
}

// Pending reports whether a send is armed.
func (g *SendGate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Claim takes an outgoing element observed while a send into the same chat is
// armed. Claimed elements are not delivered as ordinary messages.
func (g *SendGate) Claim(ref domsource.ElementRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.pending
	if p == nil || !ref.Outgoing || ref.ChatID != p.ChatID {
		return false
	}
	if ref.ID > p.claimed {
		p.claimed = ref.ID
	}
	return true
}

// Resolve settles the armed send from an own_message event. A zero id falls
// back to the newest claimed element.
func (g *SendGate) Resolve(id int64, state string) bool {
	g.mu.Lock()
	p := g.pending
	g.mu.Unlock()
	if p == nil {
		return false
	}
	if state == domsource.OwnMessageFailed {
		p.settle(FailedSendID)
		return true
	}
	if id == 0 {
		g.mu.Lock()
		id = p.claimed
		g.mu.Unlock()
	}
	if id <= 0 {
		p.settle(FailedSendID)
		return true
	}
	p.settle(id)
	return true
}

func (p *PendingSend) settle(id int64) {
	p.once.Do(func() {
		p.result <- id
	})
}

// Wait blocks until the send resolves, timeout elapses or ctx ends, then frees
// the gate. Anything but a resolved ID yields FailedSendID.
func (p *PendingSend) Wait(ctx context.Context, timeout time.Duration) int64 {
	defer p.Release()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-p.result:
		return id
	case <-timer.C:
		return FailedSendID
	case <-ctx.Done():
		return FailedSendID
	}
}

// Release frees the gate without waiting. Safe to call more than once.
func (p *PendingSend) Release() {
	p.settle(FailedSendID)
	p.gate.mu.Lock()
	if p.gate.pending == p {
		p.gate.pending = nil
	}
	p.gate.mu.Unlock()
}
