package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/chat-bridge/lib/domsource"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]domsource.Message
	cond    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{cond: make(chan struct{}, 100)}
}

func (r *recorder) deliver(_ string, msgs []domsource.Message) {
	r.mu.Lock()
	r.batches = append(r.batches, msgs)
	r.mu.Unlock()
	r.cond <- struct{}{}
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, b := range r.batches {
		for _, m := range b {
			out = append(out, m.ID)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []int64 {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if ids := r.ids(); len(ids) >= n {
			return ids
		}
		select {
		case <-r.cond:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %v", n, r.ids())
		}
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refs(chatID string, ids ...int64) []domsource.ElementRef {
	out := make([]domsource.ElementRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, domsource.ElementRef{Ref: fmt.Sprintf("r%d", id), ChatID: chatID, ID: id})
	}
	return out
}

func okParse(delay func(ref domsource.ElementRef) time.Duration) ParseFunc {
	return func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
		select {
		case <-time.After(delay(ref)):
		case <-ctx.Done():
			return domsource.ParsedMessage{}, ctx.Err()
		}
		return domsource.ParsedMessage{Message: domsource.Message{
			Sender: &domsource.Participant{Name: "peer"},
			HTML:   fmt.Sprintf("message %d", ref.ID),
		}}, nil
	}
}

func TestDeliveryIsInIDOrderWhateverTheParseOrder(t *testing.T) {
	for seed := int64(0); seed < 5; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			delays := map[string]time.Duration{}
			for i := 1; i <= 10; i++ {
				delays[fmt.Sprintf("r%d", i)] = time.Duration(rng.Intn(40)) * time.Millisecond
			}
			rec := newRecorder()
			e := NewEngine(NewStates(), EngineConfig{
				Parse:   okParse(func(ref domsource.ElementRef) time.Duration { return delays[ref.Ref] }),
				Deliver: rec.deliver,
				Logger:  silentLogger(),
			})
			defer e.Close()

			// split over two observation events, out of order
			e.Observe(refs("c", 7, 3, 9, 1, 5))
			e.Observe(refs("c", 2, 10, 4, 8, 6))

			assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rec.waitFor(t, 10))
			assert.Equal(t, int64(10), e.states.LastMessageID("c"))
		})
	}
}

func TestHeldGroupWaitsForPredecessor(t *testing.T) {
	release := make(chan struct{})
	rec := newRecorder()
	e := NewEngine(NewStates(), EngineConfig{
		Parse: func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			if ref.ID == 1 {
				<-release
			}
			return domsource.ParsedMessage{Message: domsource.Message{HTML: "x", Sender: &domsource.Participant{}}}, nil
		},
		Deliver: rec.deliver,
		Logger:  silentLogger(),
	})
	defer e.Close()

	e.Observe(refs("c", 1, 2))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.ids(), "2 must not be delivered before 1")
	assert.Equal(t, 2, e.Pending("c"))

	close(release)
	assert.Equal(t, []int64{1, 2}, rec.waitFor(t, 2))
	require.NoError(t, e.Wait(context.Background(), "c"))
	assert.Equal(t, 0, e.Pending("c"))
}

func TestLowWaterMarkSuppressesRedelivery(t *testing.T) {
	states := NewStates()
	states.AdvanceMessage("C", 10)
	rec := newRecorder()
	e := NewEngine(states, EngineConfig{
		Parse:   okParse(func(domsource.ElementRef) time.Duration { return 0 }),
		Deliver: rec.deliver,
		Logger:  silentLogger(),
	})
	defer e.Close()

	e.Observe(refs("C", 8, 9, 10, 11, 12))
	assert.Equal(t, []int64{11, 12}, rec.waitFor(t, 2))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{11, 12}, rec.ids())

	// a second observation of the same elements delivers nothing
	e.Observe(refs("C", 11, 12))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{11, 12}, rec.ids())
}

func TestFallbackOnExhaustion(t *testing.T) {
	rec := newRecorder()
	e := NewEngine(NewStates(), EngineConfig{
		Parse: func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			if ref.ID == 7 {
				time.Sleep(10 * time.Millisecond)
				return domsource.ParsedMessage{}, errors.New("content never decrypted")
			}
			return domsource.ParsedMessage{Message: domsource.Message{HTML: "ok", Sender: &domsource.Participant{}}}, nil
		},
		Deliver: rec.deliver,
		Logger:  silentLogger(),
	})
	defer e.Close()

	// two elements share ID 7 and both fail
	in := refs("c", 7, 8)
	in = append(in, domsource.ElementRef{Ref: "r7-dup", ChatID: "c", ID: 7})
	e.Observe(in)

	assert.Equal(t, []int64{7, 8}, rec.waitFor(t, 2))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	first := rec.batches[0][0]
	assert.True(t, IsPlaceholder(first))
	assert.Equal(t, "c", first.ChatID)
}

func TestDuplicateElementSucceedsAfterOneFails(t *testing.T) {
	rec := newRecorder()
	e := NewEngine(NewStates(), EngineConfig{
		Parse: func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			if ref.Ref == "bad" {
				return domsource.ParsedMessage{}, errors.New("detached")
			}
			time.Sleep(20 * time.Millisecond)
			return domsource.ParsedMessage{Message: domsource.Message{HTML: "good", Sender: &domsource.Participant{}}}, nil
		},
		Deliver: rec.deliver,
		Logger:  silentLogger(),
	})
	defer e.Close()

	e.Observe([]domsource.ElementRef{
		{Ref: "bad", ChatID: "c", ID: 3},
		{Ref: "good", ChatID: "c", ID: 3},
	})
	rec.waitFor(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches, 1)
	assert.Equal(t, "good", rec.batches[0][0].HTML)
}

func TestDateTextResolvedToTimestamp(t *testing.T) {
	now := time.Date(2021, 3, 4, 12, 0, 0, 0, time.UTC)
	rec := newRecorder()
	e := NewEngine(NewStates(), EngineConfig{
		Parse: func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			return domsource.ParsedMessage{
				Message:  domsource.Message{HTML: "hi", Sender: &domsource.Participant{}},
				DateText: "Yesterday 7:16 PM",
			}, nil
		},
		Deliver: rec.deliver,
		Now:     func() time.Time { return now },
		Logger:  silentLogger(),
	})
	defer e.Close()

	e.Observe(refs("c", 1))
	rec.waitFor(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, time.Date(2021, 3, 3, 19, 16, 0, 0, time.UTC).UnixMilli(), rec.batches[0][0].Timestamp)
}

func TestPendingSendClaimsOutgoingElement(t *testing.T) {
	gate := &SendGate{}
	rec := newRecorder()
	e := NewEngine(NewStates(), EngineConfig{
		Parse:   okParse(func(domsource.ElementRef) time.Duration { return 0 }),
		Deliver: rec.deliver,
		Gate:    gate,
		Logger:  silentLogger(),
	})
	defer e.Close()

	p, err := gate.Arm("c")
	require.NoError(t, err)
	e.Observe([]domsource.ElementRef{
		{Ref: "mine", ChatID: "c", ID: 20, Outgoing: true},
		{Ref: "theirs", ChatID: "c", ID: 21},
	})
	assert.Equal(t, []int64{21}, rec.waitFor(t, 1))

	gate.Resolve(0, domsource.OwnMessageSent)
	assert.Equal(t, int64(20), p.Wait(context.Background(), time.Second))
	assert.False(t, gate.Pending())

	// without a pending send, outgoing elements (sent elsewhere) are regular messages
	e.Observe([]domsource.ElementRef{{Ref: "phone", ChatID: "c", ID: 22, Outgoing: true}})
	assert.Equal(t, []int64{21, 22}, rec.waitFor(t, 2))
}

func TestResync(t *testing.T) {
	states := NewStates()
	states.AdvanceMessage("C", 10)
	states.AdvanceOwnMessage("C", 13)
	e := NewEngine(states, EngineConfig{
		Parse: func(ctx context.Context, ref domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			if ref.ID == 14 {
				return domsource.ParsedMessage{}, errors.New("image never loaded")
			}
			time.Sleep(time.Duration(20-ref.ID) * time.Millisecond)
			return domsource.ParsedMessage{Message: domsource.Message{HTML: "m", Sender: &domsource.Participant{}}}, nil
		},
		Logger: silentLogger(),
	})
	defer e.Close()

	scanned := refs("C", 8, 9, 10, 11, 12, 14, 15)
	scanned = append(scanned, domsource.ElementRef{Ref: "own", ChatID: "C", ID: 13, Outgoing: true})
	msgs := e.Resync(context.Background(), "C", scanned)

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{11, 12, 14, 15}, ids)
	assert.True(t, IsPlaceholder(msgs[2]))
	assert.Equal(t, int64(15), states.LastMessageID("C"))

	assert.Empty(t, e.Resync(context.Background(), "C", scanned))
}

func TestApplyReceipts(t *testing.T) {
	states := NewStates()
	e := NewEngine(states, EngineConfig{Logger: silentLogger()})
	defer e.Close()

	got := e.ApplyReceipts([]domsource.Receipt{
		{ID: 3, ChatID: "d", Count: 1},
		{ID: 5, ChatID: "d", Count: 1},
		{ID: 4, ChatID: "d", Count: 1},
	}, true)
	assert.Equal(t, []domsource.Receipt{{ID: 5, ChatID: "d", Count: 1}}, got)

	// stale direct receipt is dropped
	assert.Empty(t, e.ApplyReceipts([]domsource.Receipt{{ID: 4, ChatID: "d", Count: 1}}, true))

	got = e.ApplyReceipts([]domsource.Receipt{
		{ID: 10, ChatID: "g", Count: 1},
		{ID: 8, ChatID: "g", Count: 2},
		{ID: 9, ChatID: "g", Count: 3},
	}, false)
	assert.Equal(t, []domsource.Receipt{
		{ID: 10, ChatID: "g", Count: 1},
		{ID: 8, ChatID: "g", Count: 2},
		{ID: 9, ChatID: "g", Count: 3},
	}, got)
	assert.Equal(t, map[int]int64{1: 10, 3: 9}, states.Get("g").ReceiptThresholds)
}

func TestCloseDropsGroupsStillParsing(t *testing.T) {
	states := NewStates()
	rec := newRecorder()
	parsing := make(chan struct{}, 4)
	e := NewEngine(states, EngineConfig{
		Parse: func(ctx context.Context, _ domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			parsing <- struct{}{}
			<-ctx.Done()
			return domsource.ParsedMessage{}, ctx.Err()
		},
		Deliver:      rec.deliver,
		ParseTimeout: 10 * time.Second,
		Logger:       silentLogger(),
	})

	e.Observe(refs("c1", 5, 6))
	for range 2 {
		<-parsing
	}
	waited := make(chan error, 1)
	go func() { waited <- e.Wait(context.Background(), "c1") }()
	e.Close()
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Close")
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ids())
	assert.Equal(t, int64(0), states.LastMessageID("c1"))
	assert.Equal(t, 0, e.Pending("c1"))

	e.Observe(refs("c1", 7))
	assert.Equal(t, 0, e.Pending("c1"))
}

func TestCancelledResyncKeepsLowWaterMark(t *testing.T) {
	states := NewStates()
	parsing := make(chan struct{}, 4)
	e := NewEngine(states, EngineConfig{
		Parse: func(ctx context.Context, _ domsource.ElementRef, _ time.Duration) (domsource.ParsedMessage, error) {
			parsing <- struct{}{}
			<-ctx.Done()
			return domsource.ParsedMessage{}, ctx.Err()
		},
		ParseTimeout: 10 * time.Second,
		Logger:       silentLogger(),
	})

	done := make(chan []domsource.Message, 1)
	go func() { done <- e.Resync(context.Background(), "c1", refs("c1", 3, 4)) }()
	<-parsing
	e.Close()

	select {
	case msgs := <-done:
		assert.Empty(t, msgs)
	case <-time.After(2 * time.Second):
		t.Fatal("resync did not return after Close")
	}
	assert.Equal(t, int64(0), states.LastMessageID("c1"))
}
