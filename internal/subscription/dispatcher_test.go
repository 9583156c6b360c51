package subscription

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"kiteflow/internal/channel"
	"kiteflow/internal/straddle"
	"kiteflow/internal/ticker"
	"kiteflow/writer"
)

func ltpPacket(token uint32, paise int32) []byte {
	p := make([]byte, 2+1+8)
	binary.BigEndian.PutUint16(p, 9)
	p[2] = byte(ticker.PacketLTP)
	binary.BigEndian.PutUint32(p[3:], token)
	binary.BigEndian.PutUint32(p[7:], uint32(paise))
	return p
}

func fullPacket(token uint32, paise int32, lastQty, volume uint32, ts time.Time) []byte {
	body := make([]byte, 64)
	binary.BigEndian.PutUint32(body[0:], token)
	binary.BigEndian.PutUint32(body[4:], uint32(paise))
	binary.BigEndian.PutUint32(body[8:], lastQty)
	binary.BigEndian.PutUint32(body[16:], volume)
	binary.BigEndian.PutUint32(body[60:], uint32(ts.Unix()))
	p := make([]byte, 3, 3+len(body))
	binary.BigEndian.PutUint16(p, uint16(1+len(body)))
	p[2] = byte(ticker.PacketQuote)
	return append(p, body...)
}

func frame(packets ...[]byte) []byte {
	f := make([]byte, 2)
	binary.BigEndian.PutUint16(f, uint16(len(packets)))
	for _, p := range packets {
		f = append(f, p...)
	}
	return f
}

type legRecorder struct {
	mu    sync.Mutex
	legs  map[string]bool
	ticks []straddle.LegTick
}

func (l *legRecorder) IsLeg(symbol string) bool { return l.legs[symbol] }

func (l *legRecorder) ProcessLegTick(t straddle.LegTick) {
	l.mu.Lock()
	l.ticks = append(l.ticks, t)
	l.mu.Unlock()
}

type sinkRecorder struct {
	mu      sync.Mutex
	symbols []string
}

func (s *sinkRecorder) WriteTick(symbol string, _ ticker.DecodedTick, _ time.Time) {
	s.mu.Lock()
	s.symbols = append(s.symbols, symbol)
	s.mu.Unlock()
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.symbols)
}

func TestDispatcherRoutesDecodedTicks(t *testing.T) {
	f := newRegistryFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan ticker.DecodedTick, 4)
	f.reg.Subscribe(ctx, "INFY", "NSE", func(_ string, tick ticker.DecodedTick) { got <- tick })

	frames := make(chan channel.Frame, 4)
	sink := &sinkRecorder{}
	d := NewDispatcher(frames, f.reg, nil, nil, sink)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()
	if err := d.Start(ctx); err == nil {
		t.Fatalf("second Start succeeded")
	}

	// an unknown packet type in the middle is skipped
	unknown := []byte{0, 3, 42, 1, 2}
	frames <- channel.Frame{ConnID: "c1", Data: frame(ltpPacket(408065, 150025), unknown, ltpPacket(7, 100)), ReceivedAt: time.Now()}

	select {
	case tick := <-got:
		if tick.Token != 408065 || tick.LastPrice != 1500.25 || tick.Mode != ticker.ModeLTP {
			t.Fatalf("tick = %+v", tick)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tick not routed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink saw %d ticks, want only the subscribed one", sink.count())
	}
}

func TestDispatcherFeedsLegsWithVolumeDelta(t *testing.T) {
	f := newRegistryFixture()
	ctx := context.Background()
	f.reg.Subscribe(ctx, "CE1", "NFO", nil)
	legs := &legRecorder{legs: map[string]bool{"CE1": true}}
	d := NewDispatcher(nil, f.reg, legs, nil)

	ts := time.Date(2024, 6, 7, 9, 15, 0, 0, time.UTC)
	recv := ts.Add(time.Second)
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 25, 1000, ts)), ReceivedAt: recv})
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12050, 25, 1150, ts)), ReceivedAt: recv})
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12050, 40, 1150, ts)), ReceivedAt: recv})
	d.handleFrame(channel.Frame{Data: frame(ltpPacket(1001, 12100)), ReceivedAt: recv})

	if len(legs.ticks) != 4 {
		t.Fatalf("got %d leg ticks, want 4", len(legs.ticks))
	}
	// unchanged cumulative volume adds nothing even with a new last quantity
	want := []int64{25, 150, 0, 0}
	for i, w := range want {
		if legs.ticks[i].Volume != w {
			t.Fatalf("leg tick %d volume = %d, want %d", i, legs.ticks[i].Volume, w)
		}
	}
	if !legs.ticks[0].Timestamp.Equal(ts) {
		t.Fatalf("exchange timestamp not used: %v", legs.ticks[0].Timestamp)
	}
	if !legs.ticks[3].Timestamp.Equal(recv) {
		t.Fatalf("receive time not used for LTP tick: %v", legs.ticks[3].Timestamp)
	}
	if legs.ticks[1].Price != 120.5 || legs.ticks[1].Symbol != "CE1" {
		t.Fatalf("leg tick = %+v", legs.ticks[1])
	}
}

func TestDispatcherLegVolumeAfterReset(t *testing.T) {
	f := newRegistryFixture()
	f.reg.Subscribe(context.Background(), "CE1", "NFO", nil)
	legs := &legRecorder{legs: map[string]bool{"CE1": true}}
	d := NewDispatcher(nil, f.reg, legs, nil)

	ts := time.Date(2024, 6, 7, 9, 15, 0, 0, time.UTC)
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 25, 1000, ts)), ReceivedAt: ts})
	// a smaller cumulative volume means the counter restarted
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 15, 60, ts)), ReceivedAt: ts})
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 15, 90, ts)), ReceivedAt: ts})

	want := []int64{25, 15, 30}
	if len(legs.ticks) != len(want) {
		t.Fatalf("got %d leg ticks, want %d", len(legs.ticks), len(want))
	}
	for i, w := range want {
		if legs.ticks[i].Volume != w {
			t.Fatalf("leg tick %d volume = %d, want %d", i, legs.ticks[i].Volume, w)
		}
	}
}

func TestDispatcherRepeatedLegVolumeNotCountedTwice(t *testing.T) {
	f := newRegistryFixture()
	ctx := context.Background()
	f.reg.Subscribe(ctx, "CE1", "NFO", nil)
	f.reg.Subscribe(ctx, "PE1", "NFO", nil)

	engine := straddle.NewEngine(nil, nil)
	defs := `[{"syntheticSymbol":"STRDL1","ceSymbol":"CE1","peSymbol":"PE1"}]`
	if err := engine.LoadDefinitions(strings.NewReader(defs)); err != nil {
		t.Fatalf("LoadDefinitions: %v", err)
	}
	d := NewDispatcher(nil, f.reg, engine, nil)

	ts := time.Date(2024, 6, 7, 9, 15, 0, 0, time.UTC)
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 25, 1000, ts)), ReceivedAt: ts})
	d.handleFrame(channel.Frame{Data: frame(fullPacket(1002, 8000, 10, 500, ts)), ReceivedAt: ts})
	for i := 0; i < 3; i++ {
		d.handleFrame(channel.Frame{Data: frame(fullPacket(1001, 12000, 25, 1000, ts)), ReceivedAt: ts})
	}

	snap, err := engine.State("STRDL1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if snap.CumulativeVolume != 35 {
		t.Fatalf("cumulative volume = %d, want 35", snap.CumulativeVolume)
	}
	if snap.SyntheticTicks != 4 {
		t.Fatalf("synthetic ticks = %d, want 4", snap.SyntheticTicks)
	}
}

func TestDispatcherPublishesDirectTicks(t *testing.T) {
	f := newRegistryFixture()
	ctx := context.Background()

	type direct struct {
		symbol string
		price  float64
		ts     time.Time
		volume int64
		kind   writer.TickType
	}
	var got []direct
	pub := writer.PublisherFunc(func(symbol string, price float64, ts time.Time, volume int64, kind writer.TickType) {
		got = append(got, direct{symbol, price, ts, volume, kind})
	})
	f.reg.Subscribe(ctx, "INFY", "NSE", PublishTicks(pub))

	legs := &legRecorder{legs: map[string]bool{"CE1": true}}
	d := NewDispatcher(nil, f.reg, legs, nil)

	ts := time.Date(2024, 6, 7, 9, 15, 0, 0, time.UTC)
	d.handleFrame(channel.Frame{Data: frame(fullPacket(408065, 150025, 12, 9000, ts)), ReceivedAt: ts.Add(time.Second)})

	if len(got) != 1 {
		t.Fatalf("published %d ticks, want 1", len(got))
	}
	p := got[0]
	if p.symbol != "INFY" || p.price != 1500.25 || p.volume != 12 || p.kind != writer.TickLast {
		t.Fatalf("published tick = %+v", p)
	}
	if !p.ts.Equal(ts) {
		t.Fatalf("timestamp = %v, want exchange time %v", p.ts, ts)
	}
	if len(legs.ticks) != 0 {
		t.Fatalf("non-leg tick reached the straddle engine: %+v", legs.ticks)
	}

	before := time.Now()
	d.handleFrame(channel.Frame{Data: frame(ltpPacket(408065, 150100)), ReceivedAt: before})
	if len(got) != 2 || got[1].ts.Before(before) || got[1].price != 1501 {
		t.Fatalf("LTP tick published as %+v", got)
	}
}

func TestDispatcherStopsOnClosedChannel(t *testing.T) {
	f := newRegistryFixture()
	frames := make(chan channel.Frame)
	d := NewDispatcher(frames, f.reg, nil, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(frames)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop hung")
	}
}
