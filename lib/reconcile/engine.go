package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/chat-bridge/lib/domsource"
)

const (
	defaultParseTimeout = 5 * time.Second
	resyncParallelism   = 8
)

// ParseFunc parses one message element within timeout.
type ParseFunc func(ctx context.Context, ref domsource.ElementRef, timeout time.Duration) (domsource.ParsedMessage, error)

// DeliverFunc receives ordered message batches for one chat.
type DeliverFunc func(chatID string, msgs []domsource.Message)

type EngineConfig struct {
	Parse   ParseFunc
	Deliver DeliverFunc
	// Gate, when set, claims outgoing elements authored by a pending send.
	Gate         *SendGate
	ParseTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// group collects the elements sharing one inferred message ID. It settles on
// the first successful parse, or with a placeholder once every element failed.
type group struct {
	id      int64
	pending int
	settled bool
	result  domsource.Message
	// released is closed when the group leaves the head of its chat's list.
	released chan struct{}
}

// Engine orders message deliveries. Groups are kept per chat, sorted by ID,
// and only the settled prefix of each list is delivered, so a group never
// reaches the consumer before every smaller ID has.
type Engine struct {
	states *States
	cfg    EngineConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string][]*group
	closed bool

	// deliverMu keeps batches of one engine in release order.
	deliverMu sync.Mutex
}

func NewEngine(states *States, cfg EngineConfig) *Engine {
	if cfg.ParseTimeout <= 0 {
		cfg.ParseTimeout = defaultParseTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		states: states,
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string][]*group),
	}
}

// Close aborts in-flight parses and drops every undelivered group without
// delivering it or moving the low-water-mark. Nothing is delivered after Close
// returns.
func (e *Engine) Close() {
	e.cancel()
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, list := range e.groups {
		for _, g := range list {
			close(g.released)
		}
	}
	e.groups = make(map[string][]*group)
}

// IsPlaceholder reports whether msg stands in for an element that could not
// be parsed.
func IsPlaceholder(msg domsource.Message) bool {
	return msg.Sender == nil && msg.HTML == "" && msg.Image == nil && msg.Timestamp == 0
}

func placeholder(chatID string, id int64) domsource.Message {
	return domsource.Message{ID: id, ChatID: chatID}
}

// skip reports whether ref is already covered by the low-water-marks.
func (e *Engine) skip(ref domsource.ElementRef) bool {
	st := e.states.Get(ref.ChatID)
	if ref.ID <= st.LastMessageID {
		return true
	}
	return ref.Outgoing && ref.ID <= st.LastOwnMessageID
}

// Observe takes newly seen message elements. Elements above the low-water-mark
// are parsed concurrently and delivered in ascending ID order.
func (e *Engine) Observe(refs []domsource.ElementRef) {
	refs = append([]domsource.ElementRef(nil), refs...)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })

	type job struct {
		ref domsource.ElementRef
		g   *group
	}
	var jobs []job
	for _, ref := range refs {
		if ref.ID <= 0 || ref.ChatID == "" || e.skip(ref) {
			continue
		}
		if e.cfg.Gate != nil && e.cfg.Gate.Claim(ref) {
			e.logger.Debug("outgoing element claimed by pending send", "chat", ref.ChatID, "id", ref.ID)
			continue
		}
		if g := e.track(ref); g != nil {
			jobs = append(jobs, job{ref: ref, g: g})
		}
	}
	// every element of the batch is tracked before any parse can settle a group
	for _, j := range jobs {
		go e.parse(j.ref, j.g)
	}
}

// track adds ref to its group, creating the group in sorted position. It
// returns nil when the group already settled.
func (e *Engine) track(ref domsource.ElementRef) *group {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	list := e.groups[ref.ChatID]
	i := sort.Search(len(list), func(i int) bool { return list[i].id >= ref.ID })
	if i < len(list) && list[i].id == ref.ID {
		g := list[i]
		if g.settled {
			return nil
		}
		g.pending++
		return g
	}
	g := &group{id: ref.ID, pending: 1, released: make(chan struct{})}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = g
	e.groups[ref.ChatID] = list
	return g
}

func (e *Engine) parse(ref domsource.ElementRef, g *group) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ParseTimeout+time.Second)
	pm, err := e.cfg.Parse(ctx, ref, e.cfg.ParseTimeout)
	cancel()

	e.mu.Lock()
	g.pending--
	if e.closed || (err != nil && e.ctx.Err() != nil) {
		// aborted by Close, not a parse failure
		e.mu.Unlock()
		return
	}
	switch {
	case g.settled:
	case err == nil:
		g.result = e.finish(ref, pm)
		g.settled = true
	case g.pending == 0:
		e.logger.Warn("every element for message failed to parse; delivering placeholder",
			"chat", ref.ChatID, "id", ref.ID, "err", err)
		g.result = placeholder(ref.ChatID, ref.ID)
		g.settled = true
	default:
		e.logger.Debug("element parse failed; waiting for duplicates", "chat", ref.ChatID, "id", ref.ID, "err", err)
	}
	e.mu.Unlock()

	e.drain(ref.ChatID)
}

func (e *Engine) finish(ref domsource.ElementRef, pm domsource.ParsedMessage) domsource.Message {
	msg := pm.Message
	msg.ID = ref.ID
	if msg.ChatID == "" {
		msg.ChatID = ref.ChatID
	}
	msg.IsOutgoing = msg.IsOutgoing || ref.Outgoing
	if msg.Timestamp == 0 && pm.DateText != "" {
		if t, ok := ResolveDate(pm.DateText, e.cfg.Now()); ok {
			msg.Timestamp = t.UnixMilli()
		} else {
			e.logger.Debug("discarding unresolvable date", "chat", ref.ChatID, "id", ref.ID, "text", pm.DateText)
		}
	}
	return msg
}

// drain releases the settled head of chatID's list as one batch.
func (e *Engine) drain(chatID string) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	list := e.groups[chatID]
	var batch []domsource.Message
	lwm := e.states.LastMessageID(chatID)
	for len(list) > 0 && list[0].settled {
		g := list[0]
		list[0] = nil
		list = list[1:]
		if g.id > lwm {
			batch = append(batch, g.result)
			lwm = g.id
		}
		close(g.released)
	}
	if len(list) == 0 {
		delete(e.groups, chatID)
	} else {
		e.groups[chatID] = list
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	e.states.AdvanceMessage(chatID, batch[len(batch)-1].ID)
	if e.cfg.Deliver != nil {
		e.cfg.Deliver(chatID, batch)
	}
}

// Pending returns the number of groups of chatID not yet delivered.
func (e *Engine) Pending(chatID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.groups[chatID])
}

// Wait blocks until every group of chatID tracked at call time was released.
func (e *Engine) Wait(ctx context.Context, chatID string) error {
	e.mu.Lock()
	gates := lo.Map(e.groups[chatID], func(g *group, _ int) chan struct{} { return g.released })
	e.mu.Unlock()
	for _, ch := range gates {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Resync parses every element of a freshly scanned chat above the
// low-water-mark and returns the messages in ID order, advancing the mark.
// It does not call Deliver.
func (e *Engine) Resync(ctx context.Context, chatID string, refs []domsource.ElementRef) []domsource.Message {
	refs = lo.Filter(refs, func(ref domsource.ElementRef, _ int) bool {
		return ref.ID > 0 && !e.skip(domsource.ElementRef{ChatID: chatID, ID: ref.ID, Outgoing: ref.Outgoing})
	})
	if len(refs) == 0 {
		return nil
	}

	byID := lo.GroupBy(refs, func(ref domsource.ElementRef) int64 { return ref.ID })
	ids := lo.Keys(byID)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]domsource.Message, len(ids))
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-e.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(resyncParallelism)
	for i, id := range ids {
		eg.Go(func() error {
			results[i] = e.parseFirst(egCtx, chatID, id, byID[id])
			return nil
		})
	}
	_ = eg.Wait()
	// a cancelled resync leaves placeholders for messages that never failed
	if ctx.Err() != nil || e.ctx.Err() != nil {
		return nil
	}

	lwm := e.states.LastMessageID(chatID)
	out := lo.Filter(results, func(m domsource.Message, _ int) bool { return m.ID > lwm })
	if len(out) > 0 {
		e.states.AdvanceMessage(chatID, out[len(out)-1].ID)
	}
	return out
}

// parseFirst tries each element for id in order and falls back to a
// placeholder when none parses.
func (e *Engine) parseFirst(ctx context.Context, chatID string, id int64, refs []domsource.ElementRef) domsource.Message {
	for _, ref := range refs {
		ref.ChatID = chatID
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ParseTimeout+time.Second)
		pm, err := e.cfg.Parse(pctx, ref, e.cfg.ParseTimeout)
		cancel()
		if err == nil {
			return e.finish(ref, pm)
		}
		e.logger.Debug("resync parse failed", "chat", chatID, "id", id, "ref", ref.Ref, "err", err)
	}
	e.logger.Warn("every element for message failed to parse; using placeholder", "chat", chatID, "id", id)
	return placeholder(chatID, id)
}

// ApplyReceipts filters receipts through the threshold state and returns the
// accepted ones. A direct batch only carries the newest fully read message.
func (e *Engine) ApplyReceipts(receipts []domsource.Receipt, direct bool) []domsource.Receipt {
	if direct {
		byChat := lo.GroupBy(receipts, func(r domsource.Receipt) string { return r.ChatID })
		chats := lo.Keys(byChat)
		sort.Strings(chats)
		receipts = lo.Map(chats, func(chatID string, _ int) domsource.Receipt {
			r := lo.MaxBy(byChat[chatID], func(a, b domsource.Receipt) bool { return a.ID > b.ID })
			r.Count = 1
			return r
		})
	}

	var accepted []domsource.Receipt
	for _, r := range receipts {
		if e.states.ApplyReceipt(r.ChatID, r.Count, r.ID) {
			accepted = append(accepted, r)
		}
	}
	return accepted
}

// Forget drops every undelivered group of chatID.
func (e *Engine) Forget(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.groups[chatID] {
		if !g.settled {
			g.settled = true
			g.result = placeholder(chatID, g.id)
		}
		close(g.released)
	}
	delete(e.groups, chatID)
}
