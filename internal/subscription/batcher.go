// Package subscription turns symbol subscriptions into broker wire messages
// and routes decoded ticks back to subscribers.
package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kiteflow/config"
	"kiteflow/internal/metrics"
	"kiteflow/internal/ticker"
	"kiteflow/logger"
)

// Sender writes one control message on the shared socket.
type Sender interface {
	SendMessage(ctx context.Context, msg []byte) bool
}

// Batcher coalesces token subscriptions into bounded subscribe messages
// followed by one mode message per mode.
type Batcher struct {
	cfg       config.BatcherConfig
	sender    Sender
	reconnect func(context.Context) bool
	log       *logger.Log

	mu      sync.Mutex
	order   []ticker.Token
	pending map[ticker.Token]ticker.Mode
	modes   map[ticker.Token]ticker.Mode
	timer   *time.Timer
	armed   bool
	closed  bool

	// only one flush runs at a time
	flushMu sync.Mutex

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewBatcher(cfg config.BatcherConfig, sender Sender, reconnect func(context.Context) bool, log *logger.Log) *Batcher {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:       cfg,
		sender:    sender,
		reconnect: reconnect,
		log:       log,
		pending:   make(map[ticker.Token]ticker.Mode),
		modes:     make(map[ticker.Token]ticker.Mode),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue adds a token to the pending queue. A token already pending only
// has its mode updated.
func (b *Batcher) Enqueue(token ticker.Token, mode ticker.Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.pending[token]; ok {
		b.pending[token] = mode
		return
	}
	b.order = append(b.order, token)
	b.pending[token] = mode

	if len(b.order) >= b.cfg.MaxBatchSize {
		b.disarmLocked()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flush()
		}()
		return
	}
	b.armLocked()
}

func (b *Batcher) armLocked() {
	if b.armed || b.closed || len(b.order) == 0 {
		return
	}
	b.armed = true
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.MaxDelay, b.onTimer)
		return
	}
	b.timer.Reset(b.cfg.MaxDelay)
}

func (b *Batcher) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.armed = false
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	b.armed = false
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.flush()
}

// take removes up to one batch from the front of the queue.
func (b *Batcher) take() []pendingToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.order)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	batch := make([]pendingToken, 0, n)
	for _, tok := range b.order[:n] {
		batch = append(batch, pendingToken{token: tok, mode: b.pending[tok]})
		delete(b.pending, tok)
	}
	b.order = append(b.order[:0:0], b.order[n:]...)
	return batch
}

type pendingToken struct {
	token ticker.Token
	mode  ticker.Mode
}

func (b *Batcher) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	log := b.log.WithComponent("batcher")
	for {
		batch := b.take()
		if len(batch) == 0 {
			return
		}

		if !b.sendBatch(batch) {
			b.requeue(batch)
			metrics.AddRequeued(len(batch))
			log.WithField("tokens", len(batch)).Warn("batch send failed; tokens requeued")
			b.triggerReconnect()
			return
		}

		metrics.EmitMetric(b.log, "batcher", "tokens_flushed", len(batch), "counter", nil)

		b.mu.Lock()
		remaining := len(b.order)
		full := remaining >= b.cfg.MaxBatchSize && !b.closed
		if !full {
			b.armLocked()
		}
		b.mu.Unlock()
		if !full {
			return
		}
	}
}

// sendBatch sends the subscribe message, waits the mode delay, then one
// mode message per mode group.
func (b *Batcher) sendBatch(batch []pendingToken) bool {
	tokens := make([]ticker.Token, len(batch))
	groups := make(map[ticker.Mode][]ticker.Token)
	for i, p := range batch {
		tokens[i] = p.token
		groups[p.mode] = append(groups[p.mode], p.token)
	}

	msg, err := ticker.SubscribeMessage(tokens)
	if err != nil {
		b.log.WithComponent("batcher").WithError(err).Error("failed to encode subscribe message")
		return false
	}
	if !b.sender.SendMessage(b.ctx, msg) {
		return false
	}
	metrics.IncrementBatch("subscribe")

	if b.cfg.ModeDelay > 0 {
		t := time.NewTimer(b.cfg.ModeDelay)
		select {
		case <-b.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}

	modes := make([]string, 0, len(groups))
	for m := range groups {
		modes = append(modes, string(m))
	}
	sort.Strings(modes)

	for _, m := range modes {
		mode := ticker.Mode(m)
		msg, err := ticker.ModeMessage(mode, groups[mode])
		if err != nil {
			b.log.WithComponent("batcher").WithError(err).WithField("mode", m).Warn("skipping invalid mode group")
			continue
		}
		if !b.sender.SendMessage(b.ctx, msg) {
			return false
		}
		metrics.IncrementBatch(m)

		b.mu.Lock()
		for _, tok := range groups[mode] {
			b.modes[tok] = mode
		}
		b.mu.Unlock()
	}
	return true
}

// requeue puts a failed batch back at the front, skipping tokens that were
// enqueued again while the batch was in flight.
func (b *Batcher) requeue(batch []pendingToken) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	front := make([]ticker.Token, 0, len(batch)+len(b.order))
	for _, p := range batch {
		if _, ok := b.pending[p.token]; ok {
			continue
		}
		b.pending[p.token] = p.mode
		front = append(front, p.token)
	}
	b.order = append(front, b.order...)
	b.armLocked()
}

func (b *Batcher) triggerReconnect() {
	if b.reconnect == nil || !b.reconnecting.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.reconnecting.Store(false)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.reconnecting.Store(false)
		if !b.reconnect(b.ctx) {
			b.log.WithComponent("batcher").Warn("reconnect after failed batch did not succeed")
		}
	}()
}

// Unsubscribe drops token from the pending queue, forgets its mode and
// sends the unsubscribe message. It waits for any in-flight batch so the
// unsubscribe always follows that batch's subscribe and mode messages on
// the wire. It reports whether the message was sent.
func (b *Batcher) Unsubscribe(ctx context.Context, token ticker.Token) bool {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	b.removeLocked(token)
	b.mu.Unlock()

	msg, err := ticker.UnsubscribeMessage([]ticker.Token{token})
	if err != nil {
		b.log.WithComponent("batcher").WithError(err).Error("failed to encode unsubscribe message")
		return false
	}
	if !b.sender.SendMessage(ctx, msg) {
		return false
	}
	metrics.IncrementBatch("unsubscribe")
	return true
}

func (b *Batcher) removeLocked(token ticker.Token) {
	delete(b.modes, token)
	if _, ok := b.pending[token]; !ok {
		return
	}
	delete(b.pending, token)
	for i, tok := range b.order {
		if tok == token {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Modes returns the last successfully sent mode per token.
func (b *Batcher) Modes() map[ticker.Token]ticker.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[ticker.Token]ticker.Mode, len(b.modes))
	for k, v := range b.modes {
		out[k] = v
	}
	return out
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Close stops the timer, cancels an in-flight flush and waits for it.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.disarmLocked()
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
