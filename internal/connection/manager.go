// Package connection owns the broker websockets: one shared socket for most
// instruments plus optional dedicated sockets for individual symbols.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"kiteflow/config"
	"kiteflow/internal/channel"
	"kiteflow/logger"
)

// Credentials supplies the injected broker session. Token refresh happens
// elsewhere.
type Credentials interface {
	GetAPIKey() string
	GetAccessToken() string
	GetWebSocketURL() string
}

// FrameSink receives binary frames from every receive loop.
type FrameSink interface {
	SendFrame(ctx context.Context, frame channel.Frame) bool
}

// ReconnectHook runs after a socket replaced an earlier one for the same
// key. symbol is empty for the shared socket.
type ReconnectHook func(ctx context.Context, symbol string)

type Manager struct {
	cfg     config.ConnectionConfig
	creds   Credentials
	sink    FrameSink
	log     *logger.Log
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	sharedMu    sync.Mutex
	dedicatedMu sync.Mutex

	mu         sync.RWMutex
	shared     *Conn
	dedicated  map[string]*Conn
	wantShared bool
	closed     bool

	hooksMu     sync.RWMutex
	stateHooks  []func(Status)
	reconnectFn []ReconnectHook

	closeOnce sync.Once
}

func NewManager(cfg config.ConnectionConfig, creds Credentials, frames FrameSink, log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		creds:     creds,
		sink:      frames,
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout, ReadBufferSize: 64 << 10},
		limiter:   rate.NewLimiter(limit, burst),
		ctx:       ctx,
		cancel:    cancel,
		dedicated: make(map[string]*Conn),
	}
}

// OnStateChange registers an observer for every socket state transition.
func (m *Manager) OnStateChange(fn func(Status)) {
	m.hooksMu.Lock()
	m.stateHooks = append(m.stateHooks, fn)
	m.hooksMu.Unlock()
}

// OnReconnect registers a hook run after a socket was replaced, so callers
// can restore their subscriptions.
func (m *Manager) OnReconnect(fn ReconnectHook) {
	m.hooksMu.Lock()
	m.reconnectFn = append(m.reconnectFn, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) notifyState(c *Conn, _ State) {
	m.hooksMu.RLock()
	hooks := append([]func(Status){}, m.stateHooks...)
	m.hooksMu.RUnlock()
	if len(hooks) == 0 {
		return
	}
	st := c.Status()
	for _, fn := range hooks {
		fn(st)
	}
}

func (m *Manager) notifyReconnect(ctx context.Context, symbol string) {
	m.hooksMu.RLock()
	hooks := append([]ReconnectHook{}, m.reconnectFn...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, symbol)
	}
}

// authURL appends the session credentials as query parameters.
func (m *Manager) authURL() (string, error) {
	u, err := url.Parse(m.creds.GetWebSocketURL())
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", m.creds.GetAPIKey())
	q.Set("access_token", m.creds.GetAccessToken())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) open(ctx context.Context, symbol string) (*Conn, error) {
	target, err := m.authURL()
	if err != nil {
		return nil, err
	}
	c := newConn(m.ctx, symbol, m.cfg, m.sink, m.log, m.notifyState)
	m.notifyState(c, StateConnecting)
	if err := c.dial(ctx, m.dialer, target); err != nil {
		return nil, err
	}
	return c, nil
}

// EnsureSharedConnection opens the shared socket unless it is already open.
// Calling it while open performs no dial.
func (m *Manager) EnsureSharedConnection(ctx context.Context) bool {
	ok, replaced := m.ensureShared(ctx, false)
	if ok && replaced {
		m.notifyReconnect(ctx, "")
	}
	return ok
}

// ReconnectShared replaces the shared socket even if it looks open.
func (m *Manager) ReconnectShared(ctx context.Context) bool {
	ok, replaced := m.ensureShared(ctx, true)
	if ok && replaced {
		m.notifyReconnect(ctx, "")
	}
	return ok
}

func (m *Manager) ensureShared(ctx context.Context, force bool) (ok bool, replaced bool) {
	m.sharedMu.Lock()
	defer m.sharedMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, false
	}
	m.wantShared = true
	current := m.shared
	m.mu.Unlock()

	if current != nil && current.State() == StateOpen && !force {
		return true, false
	}
	if current != nil {
		current.Close()
	}

	log := m.log.WithComponent("connection_manager")
	c, err := m.open(ctx, "")
	if err != nil {
		log.WithError(err).Warn("failed to open shared connection")
		return false, false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.Close()
		return false, false
	}
	m.shared = c
	m.mu.Unlock()

	log.WithField("conn_id", c.ID()).Info("shared connection open")
	return true, current != nil
}

// CreateDedicatedConnection opens a socket reserved for one symbol with its
// own receive loop. An open dedicated socket is reused.
func (m *Manager) CreateDedicatedConnection(ctx context.Context, symbol string) bool {
	return m.ensureDedicated(ctx, symbol, false)
}

// ReconnectDedicated replaces the symbol's dedicated socket even if it looks
// open.
func (m *Manager) ReconnectDedicated(ctx context.Context, symbol string) bool {
	return m.ensureDedicated(ctx, symbol, true)
}

func (m *Manager) ensureDedicated(ctx context.Context, symbol string, force bool) bool {
	if symbol == "" {
		return false
	}
	m.dedicatedMu.Lock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.dedicatedMu.Unlock()
		return false
	}
	current := m.dedicated[symbol]
	m.mu.Unlock()

	if current != nil && current.State() == StateOpen && !force {
		m.dedicatedMu.Unlock()
		return true
	}
	if current != nil {
		current.Close()
	}

	log := m.log.WithComponent("connection_manager").WithField("symbol", symbol)
	c, err := m.open(ctx, symbol)
	if err != nil {
		m.dedicatedMu.Unlock()
		log.WithError(err).Warn("failed to open dedicated connection")
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.dedicatedMu.Unlock()
		c.Close()
		return false
	}
	m.dedicated[symbol] = c
	m.mu.Unlock()
	m.dedicatedMu.Unlock()

	log.WithField("conn_id", c.ID()).Info("dedicated connection open")
	if current != nil {
		m.notifyReconnect(ctx, symbol)
	}
	return true
}

// SendMessage writes a control message on the shared socket.
func (m *Manager) SendMessage(ctx context.Context, msg []byte) bool {
	m.mu.RLock()
	c := m.shared
	m.mu.RUnlock()
	return m.send(ctx, c, msg)
}

// SendMessageForSymbol writes on the symbol's dedicated socket. It fails if
// the symbol has none.
func (m *Manager) SendMessageForSymbol(ctx context.Context, symbol string, msg []byte) bool {
	m.mu.RLock()
	c := m.dedicated[symbol]
	m.mu.RUnlock()
	return m.send(ctx, c, msg)
}

func (m *Manager) send(ctx context.Context, c *Conn, msg []byte) bool {
	if c == nil || c.State() != StateOpen {
		return false
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return false
	}
	if err := c.Send(ctx, msg); err != nil {
		m.log.WithComponent("connection_manager").WithError(err).WithField("conn_id", c.ID()).Warn("send failed")
		return false
	}
	return true
}

// HasDedicated reports whether a dedicated socket was ever created for the
// symbol.
func (m *Manager) HasDedicated(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dedicated[symbol]
	return ok
}

// Snapshot lists every known socket, shared first, dedicated by symbol.
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.dedicated)+1)
	if m.shared != nil {
		conns = append(conns, m.shared)
	}
	symbols := make([]string, 0, len(m.dedicated))
	for s := range m.dedicated {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		conns = append(conns, m.dedicated[s])
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

func (m *Manager) wantsShared() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wantShared && !m.closed
}

// Close cancels every loop and closes all sockets in parallel, each within
// the close timeout. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conns := make([]*Conn, 0, len(m.dedicated)+1)
		if m.shared != nil {
			conns = append(conns, m.shared)
		}
		for _, c := range m.dedicated {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				c.Close()
			}(c)
		}
		wg.Wait()
		m.cancel()

		m.log.WithComponent("connection_manager").WithField("connections", len(conns)).Info("connection manager closed")
	})
}
