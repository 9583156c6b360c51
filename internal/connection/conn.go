package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kiteflow/config"
	"kiteflow/internal/channel"
	"kiteflow/internal/metrics"
	"kiteflow/internal/ticker"
	"kiteflow/logger"
)

// State is the lifecycle position of one socket.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateAborted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateAborted:
		return "aborted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned when writing to a socket that is not open.
var ErrNotOpen = errors.New("connection is not open")

// Conn is one physical websocket. At most one receive loop ever runs per
// Conn; a Conn is never reopened, the manager replaces it instead.
type Conn struct {
	id     string
	symbol string

	cfg  config.ConnectionConfig
	sink FrameSink
	log  *logger.Entry

	ws      *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	receiving atomic.Bool
	done      chan struct{}

	connectedAt    atomic.Int64
	lastActivity   atomic.Int64
	framesReceived atomic.Int64
	bytesReceived  atomic.Int64

	releaseOnce sync.Once
	closeOnce   sync.Once

	onState func(*Conn, State)
}

func newConn(parent context.Context, symbol string, cfg config.ConnectionConfig, sink FrameSink, log *logger.Log, onState func(*Conn, State)) *Conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()[:8]
	c := &Conn{
		id:      id,
		symbol:  symbol,
		cfg:     cfg,
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onState: onState,
		log:     log.WithConnection(id, symbol),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) Symbol() string { return c.symbol }
func (c *Conn) State() State   { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.log.WithFields(logger.Fields{"from": prev.String(), "to": s.String()}).Debug("connection state changed")
	if c.onState != nil {
		c.onState(c, s)
	}
}

// transition moves from one state to another only if the socket is still in
// the expected state.
func (c *Conn) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.log.WithFields(logger.Fields{"from": from.String(), "to": to.String()}).Debug("connection state changed")
	if c.onState != nil {
		c.onState(c, to)
	}
	return true
}

// dial opens the socket within the connect timeout and starts the receive
// and ping loops.
func (c *Conn) dial(ctx context.Context, dialer *websocket.Dialer, url string) error {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dctx, url, nil)
	if err != nil {
		c.setState(StateAborted)
		c.setState(StateClosed)
		c.cancel()
		if resp != nil {
			return fmt.Errorf("dial websocket (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	if c.cfg.ReadLimit > 0 {
		ws.SetReadLimit(c.cfg.ReadLimit)
	}
	ws.SetPongHandler(func(string) error {
		c.lastActivity.Store(time.Now().UnixNano())
		return nil
	})
	c.ws = ws

	now := time.Now().UnixNano()
	c.connectedAt.Store(now)
	c.lastActivity.Store(now)
	c.setState(StateOpen)
	metrics.ConnectionOpened(c.symbol)

	c.startReceiving()
	go c.pingLoop()
	return nil
}

// startReceiving launches the receive loop. A second call is refused.
func (c *Conn) startReceiving() bool {
	if !c.receiving.CompareAndSwap(false, true) {
		c.log.Error("receive loop already running; refusing a second one")
		return false
	}
	go c.readLoop()
	return true
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		if c.ctx.Err() != nil {
			c.release(StateClosing)
			return
		}

		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				c.release(StateClosing)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.WithError(err).Info("broker closed connection")
				c.release(StateClosing)
			default:
				c.log.WithError(err).Warn("receive loop ended")
				c.release(StateAborted)
			}
			return
		}

		c.lastActivity.Store(time.Now().UnixNano())
		c.bytesReceived.Add(int64(len(data)))

		switch kind {
		case websocket.BinaryMessage:
			// single byte frames are keepalives
			if len(data) <= 1 {
				continue
			}
			c.framesReceived.Add(1)
			metrics.IncrementFrame("binary")
			logger.IncrementFrameRead(len(data))
			frame := channel.Frame{ConnID: c.id, Symbol: c.symbol, Data: data, ReceivedAt: time.Now()}
			if !c.sink.SendFrame(c.ctx, frame) && c.ctx.Err() == nil {
				metrics.EmitDropMetric(nil, metrics.DropMetricFrame, c.id, c.symbol, "enqueue")
			}
		case websocket.TextMessage:
			metrics.IncrementFrame("text")
			c.handleText(data)
		}
	}
}

func (c *Conn) handleText(data []byte) {
	msg, err := ticker.ParseTextMessage(data)
	if err != nil {
		c.log.WithError(err).Debug("ignoring unparseable text frame")
		return
	}
	if msg.IsError() {
		c.log.WithField("broker_error", msg.Text()).Warn("broker reported an error")
		return
	}
	c.log.WithField("type", msg.Type).Debug("control message")
}

func (c *Conn) pingLoop() {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			deadline := time.Now().Add(c.writeTimeout())
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Warn("failed to send websocket ping")
				c.abort()
				return
			}
		}
	}
}

// Send writes one text frame. Writers on the same socket never interleave.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.abort()
		return fmt.Errorf("write to %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return 5 * time.Second
}

// abort marks an open socket broken and closes the transport, which ends
// the receive loop.
func (c *Conn) abort() {
	if c.transition(StateOpen, StateAborted) {
		_ = c.ws.Close()
	}
}

// release closes the transport once and lands in Closed.
func (c *Conn) release(reason State) {
	c.releaseOnce.Do(func() {
		c.transition(StateOpen, reason)
		c.cancel()
		if c.ws != nil {
			_ = c.ws.Close()
			metrics.ConnectionClosed(c.symbol)
		}
		c.setState(StateClosed)
	})
}

// Close sends a close frame, waits up to the close timeout for the broker to
// answer, then releases the socket. Safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.transition(StateOpen, StateClosing)
		c.cancel()

		if c.ws != nil && c.receiving.Load() {
			timeout := c.cfg.CloseTimeout
			if timeout <= 0 {
				timeout = 2 * time.Second
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout)); err == nil {
				select {
				case <-c.done:
				case <-time.After(timeout):
				}
			}
		}
		c.release(StateClosing)
		if c.receiving.Load() {
			<-c.done
		}
	})
}

// Status is a point-in-time view of one socket.
type Status struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol,omitempty"`
	Shared         bool      `json:"shared"`
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	FramesReceived int64     `json:"frames_received"`
	BytesReceived  int64     `json:"bytes_received"`
}

func (c *Conn) Status() Status {
	s := c.State()
	return Status{
		ID:             c.id,
		Symbol:         c.symbol,
		Shared:         c.symbol == "",
		State:          s,
		StateName:      s.String(),
		ConnectedAt:    unixNano(c.connectedAt.Load()),
		LastActivity:   unixNano(c.lastActivity.Load()),
		FramesReceived: c.framesReceived.Load(),
		BytesReceived:  c.bytesReceived.Load(),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
