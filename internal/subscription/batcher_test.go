package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kiteflow/config"
	"kiteflow/internal/ticker"
)

type wireMessage struct {
	Action string
	Mode   string
	Tokens []ticker.Token
}

// fakeSender records wire messages and can be told to fail.
type fakeSender struct {
	mu   sync.Mutex
	msgs []wireMessage
	fail atomic.Bool
	sent chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 256)}
}

func (s *fakeSender) SendMessage(_ context.Context, msg []byte) bool {
	if s.fail.Load() {
		return false
	}
	var raw struct {
		A string          `json:"a"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return false
	}
	w := wireMessage{Action: raw.A}
	if raw.A == "mode" {
		var v []json.RawMessage
		_ = json.Unmarshal(raw.V, &v)
		_ = json.Unmarshal(v[0], &w.Mode)
		_ = json.Unmarshal(v[1], &w.Tokens)
	} else {
		_ = json.Unmarshal(raw.V, &w.Tokens)
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, w)
	s.mu.Unlock()
	s.sent <- struct{}{}
	return true
}

func (s *fakeSender) messages() []wireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wireMessage(nil), s.msgs...)
}

func (s *fakeSender) waitMessages(t *testing.T, n int, within time.Duration) []wireMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		if msgs := s.messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-s.sent:
		case <-deadline:
			t.Fatalf("got %d messages, want %d: %+v", len(s.messages()), n, s.messages())
		}
	}
}

func batcherConfig(size int, delay time.Duration) config.BatcherConfig {
	return config.BatcherConfig{MaxBatchSize: size, MaxDelay: delay}
}

func TestBatcherFlushesOnSize(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(3, time.Hour), s, nil, nil)
	defer b.Close()

	for tok := ticker.Token(1); tok <= 3; tok++ {
		b.Enqueue(tok, ticker.ModeFull)
	}

	msgs := s.waitMessages(t, 2, time.Second)
	if msgs[0].Action != "subscribe" || len(msgs[0].Tokens) != 3 {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Action != "mode" || msgs[1].Mode != "full" || len(msgs[1].Tokens) != 3 {
		t.Fatalf("second message = %+v", msgs[1])
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d after flush", b.Pending())
	}
}

func TestBatcherFlushesWithinDelay(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(100, 30*time.Millisecond), s, nil, nil)
	defer b.Close()

	start := time.Now()
	b.Enqueue(42, ticker.ModeLTP)
	msgs := s.waitMessages(t, 2, time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("flush took %v", time.Since(start))
	}
	if len(msgs[0].Tokens) != 1 || msgs[0].Tokens[0] != 42 {
		t.Fatalf("subscribe = %+v", msgs[0])
	}
	if b.Modes()[42] != ticker.ModeLTP {
		t.Fatalf("effective mode = %q", b.Modes()[42])
	}
}

func TestBatcherNeverExceedsMaxBatch(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(3, 20*time.Millisecond), s, nil, nil)
	defer b.Close()

	for tok := ticker.Token(1); tok <= 7; tok++ {
		b.Enqueue(tok, ticker.ModeFull)
	}

	seen := map[ticker.Token]bool{}
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 7 && time.Now().Before(deadline) {
		seen = map[ticker.Token]bool{}
		for _, m := range s.messages() {
			if m.Action != "subscribe" {
				continue
			}
			if len(m.Tokens) > 3 {
				t.Fatalf("subscribe carried %d tokens", len(m.Tokens))
			}
			for _, tok := range m.Tokens {
				seen[tok] = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(seen) != 7 {
		t.Fatalf("subscribed %d tokens, want 7", len(seen))
	}
}

func TestBatcherGroupsModes(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(3, time.Hour), s, nil, nil)
	defer b.Close()

	b.Enqueue(1, ticker.ModeFull)
	b.Enqueue(2, ticker.ModeQuote)
	b.Enqueue(3, ticker.ModeFull)

	msgs := s.waitMessages(t, 3, time.Second)
	if msgs[0].Action != "subscribe" {
		t.Fatalf("mode sent before subscribe: %+v", msgs)
	}
	// mode groups go out in name order
	if msgs[1].Mode != "full" || len(msgs[1].Tokens) != 2 {
		t.Fatalf("full group = %+v", msgs[1])
	}
	if msgs[2].Mode != "quote" || len(msgs[2].Tokens) != 1 || msgs[2].Tokens[0] != 2 {
		t.Fatalf("quote group = %+v", msgs[2])
	}
}

func TestBatcherDeduplicates(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(10, 20*time.Millisecond), s, nil, nil)
	defer b.Close()

	b.Enqueue(5, ticker.ModeLTP)
	b.Enqueue(5, ticker.ModeQuote)
	if b.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", b.Pending())
	}

	msgs := s.waitMessages(t, 2, time.Second)
	if len(msgs[0].Tokens) != 1 {
		t.Fatalf("subscribe = %+v", msgs[0])
	}
	if msgs[1].Mode != "quote" {
		t.Fatalf("latest mode not used: %+v", msgs[1])
	}
}

func TestBatcherRequeuesOnFailure(t *testing.T) {
	s := newFakeSender()
	s.fail.Store(true)

	var reconnects atomic.Int32
	reconnect := func(context.Context) bool {
		reconnects.Add(1)
		s.fail.Store(false)
		return true
	}
	b := NewBatcher(batcherConfig(2, 30*time.Millisecond), s, reconnect, nil)
	defer b.Close()

	b.Enqueue(1, ticker.ModeFull)
	b.Enqueue(2, ticker.ModeFull)

	// the failed batch is delayed, not lost
	msgs := s.waitMessages(t, 2, 2*time.Second)
	if reconnects.Load() == 0 {
		t.Fatalf("reconnect not triggered")
	}
	if msgs[0].Action != "subscribe" || len(msgs[0].Tokens) != 2 {
		t.Fatalf("retried subscribe = %+v", msgs[0])
	}
}

func TestBatcherUnsubscribeDropsPending(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(10, time.Hour), s, nil, nil)
	defer b.Close()

	b.Enqueue(1, ticker.ModeFull)
	b.Enqueue(2, ticker.ModeFull)
	if !b.Unsubscribe(context.Background(), 1) {
		t.Fatalf("Unsubscribe(1) = false")
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", b.Pending())
	}
	msgs := s.messages()
	if len(msgs) != 1 || msgs[0].Action != "unsubscribe" || msgs[0].Tokens[0] != 1 {
		t.Fatalf("messages = %+v", msgs)
	}

	s.fail.Store(true)
	if b.Unsubscribe(context.Background(), 2) {
		t.Fatalf("Unsubscribe reported success on a failed send")
	}
	if b.Pending() != 0 {
		t.Fatalf("pending = %d after unsubscribe", b.Pending())
	}
}

// holdFirst blocks the first message until release is closed.
type holdFirst struct {
	inner   *fakeSender
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (h *holdFirst) SendMessage(ctx context.Context, msg []byte) bool {
	if h.calls.Add(1) == 1 {
		close(h.entered)
		<-h.release
	}
	return h.inner.SendMessage(ctx, msg)
}

func TestBatcherUnsubscribeWaitsForInFlightBatch(t *testing.T) {
	inner := newFakeSender()
	h := &holdFirst{inner: inner, entered: make(chan struct{}), release: make(chan struct{})}
	b := NewBatcher(batcherConfig(1, time.Hour), h, nil, nil)
	defer b.Close()

	b.Enqueue(7, ticker.ModeFull)
	select {
	case <-h.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("batch not flushed")
	}

	done := make(chan bool, 1)
	go func() { done <- b.Unsubscribe(context.Background(), 7) }()

	select {
	case <-done:
		t.Fatalf("Unsubscribe finished while the subscribe was still in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(h.release)

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("Unsubscribe = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Unsubscribe hung")
	}

	msgs := inner.messages()
	want := []string{"subscribe", "mode", "unsubscribe"}
	if len(msgs) != len(want) {
		t.Fatalf("messages = %+v, want %v", msgs, want)
	}
	for i, a := range want {
		if msgs[i].Action != a {
			t.Fatalf("message %d = %+v, want %s", i, msgs[i], a)
		}
	}
	if _, ok := b.Modes()[7]; ok {
		t.Fatalf("mode kept for unsubscribed token: %v", b.Modes())
	}
}

func TestBatcherCloseStopsFlushing(t *testing.T) {
	s := newFakeSender()
	b := NewBatcher(batcherConfig(10, 20*time.Millisecond), s, nil, nil)
	b.Enqueue(1, ticker.ModeFull)
	b.Close()
	b.Close()
	b.Enqueue(2, ticker.ModeFull)

	time.Sleep(60 * time.Millisecond)
	if n := len(s.messages()); n != 0 {
		t.Fatalf("sent %d messages after Close", n)
	}
}
