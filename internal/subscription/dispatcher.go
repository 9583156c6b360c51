package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kiteflow/internal/channel"
	"kiteflow/internal/metrics"
	"kiteflow/internal/straddle"
	"kiteflow/internal/ticker"
	"kiteflow/logger"
	"kiteflow/writer"
)

// LegProcessor receives ticks for straddle legs.
type LegProcessor interface {
	IsLeg(symbol string) bool
	ProcessLegTick(tick straddle.LegTick)
}

// TickSink is handed every routed tick, e.g. for archiving.
type TickSink interface {
	WriteTick(symbol string, tick ticker.DecodedTick, receivedAt time.Time)
}

// Dispatcher drains the frame queue, decodes each frame and routes the
// ticks. A single goroutine keeps frames of one socket in arrival order.
type Dispatcher struct {
	frames <-chan channel.Frame
	reg    *Registry
	legs   LegProcessor
	sinks  []TickSink
	log    *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// cumulative volume last seen per leg token; only the dispatcher
	// goroutine touches it
	legVolume map[ticker.Token]int64
}

func NewDispatcher(frames <-chan channel.Frame, reg *Registry, legs LegProcessor, log *logger.Log, sinks ...TickSink) *Dispatcher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Dispatcher{
		frames:    frames,
		reg:       reg,
		legs:      legs,
		sinks:     sinks,
		log:       log,
		legVolume: make(map[ticker.Token]int64),
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.log.WithComponent("dispatcher").Info("starting dispatcher")
	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case frame, ok := <-d.frames:
			if !ok {
				return
			}
			d.handleFrame(frame)
		}
	}
}

func (d *Dispatcher) handleFrame(frame channel.Frame) {
	start := time.Now()
	log := d.log.WithComponent("dispatcher").WithField("conn_id", frame.ConnID)

	ticks := ticker.DecodeWithObserver(frame.Data, func(s ticker.Skip) {
		metrics.IncrementSkip(s.Reason.String())
		log.WithFields(logger.Fields{
			"packet": s.Index,
			"type":   int(s.Type),
			"length": s.Length,
			"reason": s.Reason.String(),
		}).Warn("skipped packet")
	})
	if len(ticks) == 0 {
		return
	}
	logger.IncrementTicksDecoded(len(ticks))

	routed := 0
	for _, tick := range ticks {
		metrics.AddTicks(string(tick.Mode), 1)
		d.reg.Route(tick)

		symbol, ok := d.reg.SymbolForToken(tick.Token)
		if !ok {
			continue
		}
		routed++
		for _, sink := range d.sinks {
			sink.WriteTick(symbol, tick, frame.ReceivedAt)
		}
		if d.legs != nil && d.legs.IsLeg(symbol) {
			d.legs.ProcessLegTick(d.legTick(symbol, tick, frame.ReceivedAt))
		}
	}

	logger.LogPerformanceEntry(log, "dispatcher", "handle_frame", time.Since(start), logger.Fields{
		"ticks":  len(ticks),
		"routed": routed,
	})
}

// legTick converts a decoded tick into a leg update. Volume is the change in
// the exchange's cumulative day volume since the previous tick. The last
// traded quantity stands in only on the first tick of a token or after the
// cumulative volume went backwards; an unchanged volume contributes nothing.
func (d *Dispatcher) legTick(symbol string, tick ticker.DecodedTick, receivedAt time.Time) straddle.LegTick {
	var delta int64
	prev, seen := d.legVolume[tick.Token]
	switch {
	case tick.Volume <= 0:
		// LTP packets carry no volume
	case !seen || tick.Volume < prev:
		delta = tick.LastQuantity
	default:
		delta = tick.Volume - prev
	}
	if tick.Volume > 0 {
		d.legVolume[tick.Token] = tick.Volume
	}

	ts := tick.ExchangeTimestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	return straddle.LegTick{
		Symbol:    symbol,
		Price:     tick.LastPrice,
		Volume:    delta,
		Timestamp: ts,
		Type:      writer.TickLast,
	}
}
