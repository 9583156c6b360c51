package straddle

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"kiteflow/internal/metrics"
	"kiteflow/logger"
	"kiteflow/writer"
)

// DefaultAlignmentWindow is how close in time the latest call and put ticks
// must be for their volumes to be summed. It approximates exchange side
// trade pairing; nothing in the feed guarantees it.
const DefaultAlignmentWindow = 50 * time.Millisecond

type Option func(*Engine)

func WithAlignmentWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.window = d
		}
	}
}

// Engine owns every straddle state and publishes a synthetic tick whenever
// a leg update completes a straddle.
type Engine struct {
	pub    writer.Publisher
	log    *logger.Log
	window time.Duration

	mu          sync.RWMutex
	bySynthetic map[string]*State
	byLeg       map[string][]*State
	order       []string
}

func NewEngine(pub writer.Publisher, log *logger.Log, opts ...Option) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Engine{
		pub:         pub,
		log:         log,
		window:      DefaultAlignmentWindow,
		bySynthetic: make(map[string]*State),
		byLeg:       make(map[string][]*State),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func legKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// LoadDefinitions reads a JSON array of definitions and indexes them.
// Invalid entries and duplicate synthetic symbols are skipped with a warning.
func (e *Engine) LoadDefinitions(r io.Reader) error {
	defs, err := ParseDefinitions(r)
	if err != nil {
		return err
	}

	log := e.log.WithComponent("straddle")
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range defs {
		if err := def.validate(); err != nil {
			log.WithError(err).Warn("skipping straddle definition")
			continue
		}
		if _, dup := e.bySynthetic[def.SyntheticSymbol]; dup {
			log.WithField("synthetic", def.SyntheticSymbol).Warn("duplicate straddle definition skipped")
			continue
		}
		st := newState(def)
		e.bySynthetic[def.SyntheticSymbol] = st
		e.order = append(e.order, def.SyntheticSymbol)
		ce, pe := legKey(def.CESymbol), legKey(def.PESymbol)
		e.byLeg[ce] = append(e.byLeg[ce], st)
		e.byLeg[pe] = append(e.byLeg[pe], st)

		log.WithFields(logger.Fields{
			"synthetic": def.SyntheticSymbol,
			"ce":        def.CESymbol,
			"pe":        def.PESymbol,
		}).Info("loaded straddle")
	}
	return nil
}

// LoadStraddleConfigs loads definitions from a file. A missing or invalid
// file is logged and leaves the engine with whatever it already had.
func (e *Engine) LoadStraddleConfigs(path string) {
	log := e.log.WithComponent("straddle").WithField("path", path)
	f, err := os.Open(path)
	if err != nil {
		log.WithError(err).Error("straddle config not loaded")
		return
	}
	defer f.Close()

	if err := e.LoadDefinitions(f); err != nil {
		log.WithError(err).Error("straddle config not loaded")
		return
	}
	if len(e.Definitions()) == 0 {
		log.Warn("no straddle definitions found")
	}
}

// IsLeg reports whether symbol is the call or put of any straddle.
func (e *Engine) IsLeg(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.byLeg[legKey(symbol)]
	return ok
}

// Legs lists every distinct leg symbol as configured.
func (e *Engine) Legs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, name := range e.order {
		def := e.bySynthetic[name].def
		for _, leg := range []string{def.CESymbol, def.PESymbol} {
			if k := legKey(leg); !seen[k] {
				seen[k] = true
				out = append(out, leg)
			}
		}
	}
	return out
}

type emission struct {
	symbol string
	price  float64
	volume int64
}

// ProcessLegTick applies a leg update to every straddle that uses the leg and
// publishes one synthetic tick per straddle that has both legs.
func (e *Engine) ProcessLegTick(tick LegTick) {
	e.mu.RLock()
	states := e.byLeg[legKey(tick.Symbol)]
	e.mu.RUnlock()
	if len(states) == 0 {
		return
	}

	out := make([]emission, 0, len(states))
	for _, st := range states {
		if em, ok := e.apply(st, tick); ok {
			out = append(out, em)
		}
	}

	for _, em := range out {
		if e.pub != nil {
			e.pub.Publish(em.symbol, em.price, tick.Timestamp, em.volume, tick.Type)
		}
		metrics.IncrementSynthetic(em.symbol)
		logger.IncrementSyntheticTick()
	}
}

func (e *Engine) apply(st *State, tick LegTick) (emission, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var self, other *legState
	key := legKey(tick.Symbol)
	switch key {
	case legKey(st.def.CESymbol):
		self, other = &st.ce, &st.pe
	case legKey(st.def.PESymbol):
		self, other = &st.pe, &st.ce
	default:
		return emission{}, false
	}
	self.record(tick)

	if !st.ce.hasData || !st.pe.hasData {
		return emission{}, false
	}

	volume := tick.Volume
	aligned := absDuration(st.ce.timestamp.Sub(st.pe.timestamp)) <= e.window
	if aligned && !other.incorporated {
		// each leg volume is consumed at most once
		volume = st.ce.volume + st.pe.volume
		other.incorporated = true
	}
	self.incorporated = true

	st.lastVolume = volume
	st.cumulativeVolume += volume
	st.syntheticTicks++
	price := st.syntheticPriceLocked()

	e.log.WithComponent("straddle").WithFields(logger.Fields{
		"synthetic": st.def.SyntheticSymbol,
		"leg":       tick.Symbol,
		"price":     price,
		"volume":    volume,
		"aligned":   aligned,
	}).Debug("synthetic tick")

	return emission{symbol: st.def.SyntheticSymbol, price: price, volume: volume}, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// GetSyntheticPrice returns call plus put for the straddle, or 0 until both
// legs have reported or if the straddle is unknown.
func (e *Engine) GetSyntheticPrice(synthetic string) float64 {
	e.mu.RLock()
	st := e.bySynthetic[synthetic]
	e.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.syntheticPriceLocked()
}

func (e *Engine) State(synthetic string) (Snapshot, error) {
	e.mu.RLock()
	st := e.bySynthetic[synthetic]
	e.mu.RUnlock()
	if st == nil {
		return Snapshot{}, fmt.Errorf("unknown straddle %q", synthetic)
	}
	return st.Snapshot(), nil
}

// Definitions returns the loaded definitions sorted by synthetic symbol.
func (e *Engine) Definitions() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.bySynthetic))
	for _, st := range e.bySynthetic {
		out = append(out, st.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyntheticSymbol < out[j].SyntheticSymbol })
	return out
}

// Snapshots reports every straddle, sorted by synthetic symbol.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.RLock()
	states := make([]*State, 0, len(e.bySynthetic))
	for _, st := range e.bySynthetic {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(states))
	for _, st := range states {
		out = append(out, st.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.SyntheticSymbol < out[j].Definition.SyntheticSymbol })
	return out
}
