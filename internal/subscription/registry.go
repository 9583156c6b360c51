package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"kiteflow/internal/ticker"
	"kiteflow/logger"
	"kiteflow/writer"
)

// Callback receives every tick for a subscribed symbol.
type Callback func(symbol string, tick ticker.DecodedTick)

// PublishTicks returns a Callback that forwards each tick to pub as a last
// trade tick. The exchange timestamp is used when the packet carries one.
func PublishTicks(pub writer.Publisher) Callback {
	return func(symbol string, tick ticker.DecodedTick) {
		ts := tick.ExchangeTimestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		pub.Publish(symbol, tick.LastPrice, ts, tick.LastQuantity, writer.TickLast)
	}
}

// Resolver maps a trading symbol to its broker token.
type Resolver interface {
	ResolveToken(symbol string) (uint32, error)
}

// SegmentResolver is implemented by resolvers that know each token's
// exchange segment.
type SegmentResolver interface {
	SegmentForToken(token uint32) (string, bool)
}

type ConnectionEnsurer interface {
	EnsureSharedConnection(ctx context.Context) bool
}

// Enqueuer is the part of the Batcher the registry drives.
type Enqueuer interface {
	Enqueue(token ticker.Token, mode ticker.Mode)
	Unsubscribe(ctx context.Context, token ticker.Token) bool
}

// DedicatedConnector opens and writes to per-symbol sockets.
type DedicatedConnector interface {
	CreateDedicatedConnection(ctx context.Context, symbol string) bool
	SendMessageForSymbol(ctx context.Context, symbol string, msg []byte) bool
}

// ModePolicy picks the streaming mode for a new subscription.
type ModePolicy func(symbol, exchange string) ticker.Mode

func FullMode(string, string) ticker.Mode { return ticker.ModeFull }

type RegistryOption func(*Registry)

func WithModePolicy(p ModePolicy) RegistryOption {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

func WithDedicated(d DedicatedConnector) RegistryOption {
	return func(r *Registry) { r.dedicated = d }
}

func WithLogger(log *logger.Log) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// Subscription is one exchange:symbol entry.
type Subscription struct {
	Key          string       `json:"key"`
	Symbol       string       `json:"symbol"`
	Exchange     string       `json:"exchange"`
	Token        ticker.Token `json:"token"`
	Segment      string       `json:"segment,omitempty"`
	Mode         ticker.Mode  `json:"mode"`
	Dedicated    bool         `json:"dedicated"`
	SubscribedAt time.Time    `json:"subscribed_at"`

	cb Callback
}

// Registry owns the symbol subscriptions and routes decoded ticks to their
// callbacks by token.
type Registry struct {
	dir       Resolver
	conns     ConnectionEnsurer
	batcher   Enqueuer
	dedicated DedicatedConnector
	policy    ModePolicy
	log       *logger.Log

	mu      sync.RWMutex
	byKey   map[string]*Subscription
	byToken map[ticker.Token][]*Subscription

	lastMu sync.RWMutex
	last   map[ticker.Token]ticker.DecodedTick
}

func NewRegistry(dir Resolver, conns ConnectionEnsurer, batcher Enqueuer, opts ...RegistryOption) *Registry {
	r := &Registry{
		dir:     dir,
		conns:   conns,
		batcher: batcher,
		policy:  FullMode,
		log:     logger.GetLogger(),
		byKey:   make(map[string]*Subscription),
		byToken: make(map[ticker.Token][]*Subscription),
		last:    make(map[ticker.Token]ticker.DecodedTick),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func subscriptionKey(symbol, exchange string) string {
	return exchange + ":" + symbol
}

func (r *Registry) resolve(symbol string) (ticker.Token, error) {
	token, err := r.dir.ResolveToken(symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", symbol, err)
	}
	if token == 0 {
		return 0, fmt.Errorf("resolve %s: zero token", symbol)
	}
	return token, nil
}

func (r *Registry) segment(token ticker.Token) string {
	sr, ok := r.dir.(SegmentResolver)
	if !ok {
		return ""
	}
	seg, _ := sr.SegmentForToken(token)
	return seg
}

// Subscribe registers cb for symbol on the shared socket. It returns false
// only when the symbol cannot be resolved; a socket that is not ready yet
// leaves the token queued for the next flush.
func (r *Registry) Subscribe(ctx context.Context, symbol, exchange string, cb Callback) bool {
	log := r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
		"symbol":   symbol,
		"exchange": exchange,
	})
	token, err := r.resolve(symbol)
	if err != nil {
		log.WithError(err).Warn("subscribe rejected")
		return false
	}
	mode := r.policy(symbol, exchange)
	r.store(&Subscription{
		Key:          subscriptionKey(symbol, exchange),
		Symbol:       symbol,
		Exchange:     exchange,
		Token:        token,
		Segment:      r.segment(token),
		Mode:         mode,
		SubscribedAt: time.Now(),
		cb:           cb,
	})

	if !r.conns.EnsureSharedConnection(ctx) {
		log.Warn("shared connection not ready, subscription stays queued")
	}
	r.batcher.Enqueue(token, mode)
	log.WithFields(logger.Fields{"token": token, "mode": mode}).Info("subscribed")
	return true
}

// SubscribeDedicated registers cb for symbol on its own socket and sends the
// subscribe and mode messages there directly.
func (r *Registry) SubscribeDedicated(ctx context.Context, symbol, exchange string, cb Callback) bool {
	log := r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
		"symbol":    symbol,
		"exchange":  exchange,
		"dedicated": true,
	})
	if r.dedicated == nil {
		log.Warn("dedicated connections not configured")
		return false
	}
	token, err := r.resolve(symbol)
	if err != nil {
		log.WithError(err).Warn("subscribe rejected")
		return false
	}
	if !r.dedicated.CreateDedicatedConnection(ctx, symbol) {
		log.Warn("dedicated connection failed")
		return false
	}
	mode := r.policy(symbol, exchange)
	r.store(&Subscription{
		Key:          subscriptionKey(symbol, exchange),
		Symbol:       symbol,
		Exchange:     exchange,
		Token:        token,
		Segment:      r.segment(token),
		Mode:         mode,
		Dedicated:    true,
		SubscribedAt: time.Now(),
		cb:           cb,
	})
	if !r.sendDedicated(ctx, symbol, []ticker.Token{token}, mode) {
		log.Warn("dedicated subscribe not sent, will retry on reconnect")
	}
	log.WithFields(logger.Fields{"token": token, "mode": mode}).Info("subscribed")
	return true
}

func (r *Registry) sendDedicated(ctx context.Context, symbol string, tokens []ticker.Token, mode ticker.Mode) bool {
	sub, err := ticker.SubscribeMessage(tokens)
	if err != nil {
		return false
	}
	md, err := ticker.ModeMessage(mode, tokens)
	if err != nil {
		return false
	}
	return r.dedicated.SendMessageForSymbol(ctx, symbol, sub) &&
		r.dedicated.SendMessageForSymbol(ctx, symbol, md)
}

// store replaces any entry under the same key.
func (r *Registry) store(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byKey[sub.Key]; ok {
		r.unindexLocked(old)
	}
	r.byKey[sub.Key] = sub
	r.byToken[sub.Token] = append(r.byToken[sub.Token], sub)
}

func (r *Registry) unindexLocked(sub *Subscription) int {
	subs := r.byToken[sub.Token]
	kept := subs[:0]
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.byToken, sub.Token)
		return 0
	}
	r.byToken[sub.Token] = kept
	return len(kept)
}

// Unsubscribe removes the entry for symbol. When no other entry shares the
// token, the broker is told to stop streaming it: shared tokens go through
// the batcher so the message is ordered after any in-flight batch.
func (r *Registry) Unsubscribe(ctx context.Context, symbol, exchange string) bool {
	key := subscriptionKey(symbol, exchange)
	r.mu.Lock()
	sub, ok := r.byKey[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byKey, key)
	remaining := r.unindexLocked(sub)
	r.mu.Unlock()

	log := r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
		"symbol":   symbol,
		"exchange": exchange,
		"token":    sub.Token,
	})
	if remaining > 0 {
		log.Info("unsubscribed, token still in use")
		return true
	}

	r.lastMu.Lock()
	delete(r.last, sub.Token)
	r.lastMu.Unlock()

	var sent bool
	if sub.Dedicated && r.dedicated != nil {
		msg, err := ticker.UnsubscribeMessage([]ticker.Token{sub.Token})
		if err != nil {
			log.WithError(err).Warn("failed to build unsubscribe message")
			return true
		}
		sent = r.dedicated.SendMessageForSymbol(ctx, symbol, msg)
	} else {
		sent = r.batcher.Unsubscribe(ctx, sub.Token)
	}
	if !sent {
		log.Warn("unsubscribe message not sent")
	}
	log.Info("unsubscribed")
	return true
}

// Route delivers tick to every subscription of its token and returns how
// many callbacks ran. Callbacks run outside the registry lock; a panicking
// callback is logged and skipped.
func (r *Registry) Route(tick ticker.DecodedTick) int {
	r.mu.RLock()
	subs := r.byToken[tick.Token]
	targets := make([]*Subscription, len(subs))
	copy(targets, subs)
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	r.lastMu.Lock()
	r.last[tick.Token] = tick
	r.lastMu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.cb == nil {
			continue
		}
		if r.deliver(sub, tick) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) deliver(sub *Subscription, tick ticker.DecodedTick) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
				"symbol": sub.Symbol,
				"token":  tick.Token,
				"panic":  fmt.Sprint(p),
			}).Error("subscriber callback panicked")
			ok = false
		}
	}()
	sub.cb(sub.Symbol, tick)
	return true
}

// SymbolForToken returns the symbol of the oldest subscription for token.
func (r *Registry) SymbolForToken(token ticker.Token) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byToken[token]
	if len(subs) == 0 {
		return "", false
	}
	return subs[0].Symbol, true
}

// LastTick returns the most recent tick routed for token.
func (r *Registry) LastTick(token ticker.Token) (ticker.DecodedTick, bool) {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	t, ok := r.last[token]
	return t, ok
}

// Subscriptions lists the entries sorted by key.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.byKey))
	for _, s := range r.byKey {
		cp := *s
		cp.cb = nil
		out = append(out, cp)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resubscribe restores subscriptions after a socket was replaced. An empty
// symbol means the shared socket: its tokens go back on the pending queue.
// Otherwise the dedicated socket of symbol is sent its tokens again.
func (r *Registry) Resubscribe(ctx context.Context, symbol string) {
	r.mu.RLock()
	var subs []Subscription
	for _, s := range r.byKey {
		if (symbol == "" && !s.Dedicated) || (symbol != "" && s.Dedicated && s.Symbol == symbol) {
			subs = append(subs, *s)
		}
	}
	r.mu.RUnlock()

	log := r.log.WithComponent("subscription_registry").WithField("symbol", symbol)
	if len(subs) == 0 {
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Key < subs[j].Key })

	if symbol == "" {
		for _, s := range subs {
			r.batcher.Enqueue(s.Token, s.Mode)
		}
		log.WithField("count", len(subs)).Info("shared subscriptions requeued")
		return
	}

	if r.dedicated == nil {
		return
	}
	byMode := make(map[ticker.Mode][]ticker.Token)
	for _, s := range subs {
		byMode[s.Mode] = append(byMode[s.Mode], s.Token)
	}
	for mode, tokens := range byMode {
		if !r.sendDedicated(ctx, symbol, tokens, mode) {
			log.WithField("mode", mode).Warn("dedicated resubscribe failed")
		}
	}
	log.WithField("count", len(subs)).Info("dedicated subscriptions restored")
}
