package straddle

import (
	"sync"
	"time"

	"kiteflow/writer"
)

const historySize = 5

// LegTick is one update for an option leg.
type LegTick struct {
	Symbol    string
	Price     float64
	Volume    int64
	Timestamp time.Time
	Type      writer.TickType
}

// legState tracks one side of a straddle.
type legState struct {
	last         float64
	volume       int64
	timestamp    time.Time
	hasData      bool
	incorporated bool

	history [historySize]LegTick
	n       int // ticks recorded, capped at historySize
	next    int
}

func (l *legState) record(t LegTick) {
	l.history[l.next] = t
	l.next = (l.next + 1) % historySize
	if l.n < historySize {
		l.n++
	}
	l.last = t.Price
	l.volume = t.Volume
	l.timestamp = t.Timestamp
	l.incorporated = false
	l.hasData = true
}

// recent returns the recorded ticks oldest first.
func (l *legState) recent() []LegTick {
	out := make([]LegTick, 0, l.n)
	start := (l.next - l.n + historySize) % historySize
	for i := 0; i < l.n; i++ {
		out = append(out, l.history[(start+i)%historySize])
	}
	return out
}

// State is the mutable fusion state of one straddle. All fields are guarded
// by mu.
type State struct {
	def Definition

	mu               sync.Mutex
	ce               legState
	pe               legState
	lastVolume       int64
	cumulativeVolume int64
	syntheticTicks   int64
}

func newState(def Definition) *State {
	s := &State{def: def}
	// nothing to incorporate before the first tick
	s.ce.incorporated = true
	s.pe.incorporated = true
	return s
}

// syntheticPriceLocked is 0 until both legs have reported.
func (s *State) syntheticPriceLocked() float64 {
	if !s.ce.hasData || !s.pe.hasData {
		return 0
	}
	return s.ce.last + s.pe.last
}

// Snapshot is a copy of a State for reporting.
type Snapshot struct {
	Definition       Definition `json:"definition"`
	CELast           float64    `json:"ce_last"`
	PELast           float64    `json:"pe_last"`
	CETimestamp      time.Time  `json:"ce_timestamp"`
	PETimestamp      time.Time  `json:"pe_timestamp"`
	HasCEData        bool       `json:"has_ce_data"`
	HasPEData        bool       `json:"has_pe_data"`
	SyntheticPrice   float64    `json:"synthetic_price"`
	LastVolume       int64      `json:"last_volume"`
	CumulativeVolume int64      `json:"cumulative_volume"`
	SyntheticTicks   int64      `json:"synthetic_ticks"`
	RecentCE         []LegTick  `json:"-"`
	RecentPE         []LegTick  `json:"-"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Definition:       s.def,
		CELast:           s.ce.last,
		PELast:           s.pe.last,
		CETimestamp:      s.ce.timestamp,
		PETimestamp:      s.pe.timestamp,
		HasCEData:        s.ce.hasData,
		HasPEData:        s.pe.hasData,
		SyntheticPrice:   s.syntheticPriceLocked(),
		LastVolume:       s.lastVolume,
		CumulativeVolume: s.cumulativeVolume,
		SyntheticTicks:   s.syntheticTicks,
		RecentCE:         s.ce.recent(),
		RecentPE:         s.pe.recent(),
	}
}
