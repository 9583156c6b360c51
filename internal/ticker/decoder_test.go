package ticker

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"
)

// packet builds one length-prefixed packet: tag byte plus body.
func packet(kind PacketType, body []byte) []byte {
	out := make([]byte, 2, 3+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)+1))
	out = append(out, byte(kind))
	return append(out, body...)
}

func frame(packets ...[]byte) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(packets)))
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

func be32(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func TestDecodeLTPScenario(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x09, 0x00}
	raw = append(raw, be32(100, 150025)...)

	ticks := Decode(raw)
	if len(ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(ticks))
	}
	got := ticks[0]
	if got.Token != 100 {
		t.Errorf("token = %d, want 100", got.Token)
	}
	if got.LastPrice != 1500.25 {
		t.Errorf("price = %v, want 1500.25", got.LastPrice)
	}
	if got.Mode != ModeLTP || got.IsIndex {
		t.Errorf("mode = %s index = %v", got.Mode, got.IsIndex)
	}
}

func TestDecodePriceConversion(t *testing.T) {
	for _, paise := range []uint32{0, 1, 99, 250050, 150025, 1234567} {
		ticks := Decode(frame(packet(PacketLTP, be32(7, paise))))
		if len(ticks) != 1 {
			t.Fatalf("paise %d: got %d ticks", paise, len(ticks))
		}
		want := float64(paise) / 100.0
		if math.Abs(ticks[0].LastPrice-want) > 1e-9 {
			t.Errorf("paise %d: price = %v, want %v", paise, ticks[0].LastPrice, want)
		}
	}
	ticks := Decode(frame(packet(PacketLTP, be32(7, 250050))))
	if ticks[0].LastPrice != 2500.50 {
		t.Errorf("250050 decoded to %v", ticks[0].LastPrice)
	}
}

func quoteBody(withTimestamp bool, ts uint32) []byte {
	// token, ltp, last qty, avg, volume, buy qty, sell qty, open, high, low, close
	body := be32(256265, 12050, 75, 12010, 900000, 1500, 1700, 11900, 12100, 11850, 11975)
	if withTimestamp {
		body = append(body, make([]byte, 16)...) // change, last trade time, oi, oi high
		body = append(body, be32(ts)...)
	}
	return body
}

func TestDecodeQuoteAndFull(t *testing.T) {
	ts := uint32(1718000000)
	ticks := Decode(frame(
		packet(PacketQuote, quoteBody(false, 0)),
		packet(PacketQuote, quoteBody(true, ts)),
	))
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}

	q := ticks[0]
	if q.Mode != ModeQuote {
		t.Errorf("mode = %s, want quote", q.Mode)
	}
	if q.Token != 256265 || q.LastPrice != 120.50 || q.LastQuantity != 75 || q.AveragePrice != 120.10 {
		t.Errorf("unexpected quote head: %+v", q)
	}
	if q.Volume != 900000 || q.BuyQuantity != 1500 || q.SellQuantity != 1700 {
		t.Errorf("unexpected quantities: %+v", q)
	}
	if q.Open != 119 || q.High != 121 || q.Low != 118.5 || q.Close != 119.75 {
		t.Errorf("unexpected ohlc: %+v", q)
	}
	if !q.ExchangeTimestamp.IsZero() {
		t.Errorf("quote without timestamp got %v", q.ExchangeTimestamp)
	}

	f := ticks[1]
	if f.Mode != ModeFull {
		t.Errorf("mode = %s, want full", f.Mode)
	}
	if !f.ExchangeTimestamp.Equal(time.Unix(int64(ts), 0)) {
		t.Errorf("timestamp = %v", f.ExchangeTimestamp)
	}
}

func TestDecodeIndex(t *testing.T) {
	ts := uint32(1718000100)
	body := append(be32(256265, 2345670, 2350000, 2330000, 2340000, 2339000), be32(0, ts)...)
	ticks := Decode(frame(packet(PacketIndex, body[:28]), packet(PacketIndex, body)))
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2", len(ticks))
	}
	for _, tk := range ticks {
		if !tk.IsIndex || tk.Mode != ModeIndex {
			t.Errorf("index flags wrong: %+v", tk)
		}
		if tk.LastPrice != 23456.70 || tk.High != 23500 || tk.Low != 23300 || tk.Open != 23400 || tk.Close != 23390 {
			t.Errorf("unexpected index prices: %+v", tk)
		}
		if tk.Volume != 0 || tk.LastQuantity != 0 {
			t.Errorf("index tick should leave quantities zero: %+v", tk)
		}
	}
	if !ticks[0].ExchangeTimestamp.IsZero() {
		t.Errorf("28-byte index packet should carry no timestamp")
	}
	if ticks[1].ExchangeTimestamp.Unix() != int64(ts) {
		t.Errorf("timestamp = %v", ticks[1].ExchangeTimestamp)
	}
}

func TestDecodeSkipsWithoutDesync(t *testing.T) {
	var skips []Skip
	ticks := DecodeWithObserver(frame(
		packet(PacketHeartbeat, nil),
		packet(PacketType(42), []byte{1, 2, 3, 4, 5}),
		packet(PacketLTP, be32(1)), // too short for LTP
		packet(PacketLTP, be32(2, 1000)),
	), func(s Skip) { skips = append(skips, s) })

	if len(ticks) != 1 || ticks[0].Token != 2 || ticks[0].LastPrice != 10 {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}
	if len(skips) != 2 {
		t.Fatalf("got %d skips, want 2 (heartbeat is silent): %+v", len(skips), skips)
	}
	if skips[0].Reason != SkipUnknownType || skips[0].Type != 42 {
		t.Errorf("first skip = %+v", skips[0])
	}
	if skips[1].Reason != SkipShortBody || skips[1].Index != 2 {
		t.Errorf("second skip = %+v", skips[1])
	}
}

func TestDecodeShortFrames(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, {0x00}} {
		if ticks := Decode(raw); len(ticks) != 0 {
			t.Errorf("Decode(%v) = %v, want empty", raw, ticks)
		}
	}
}

func TestDecodeTruncatedReturnsPrefix(t *testing.T) {
	good := packet(PacketLTP, be32(10, 500))
	bad := packet(PacketLTP, be32(11, 600))
	raw := frame(good, bad)

	// cut inside the second packet body
	ticks := Decode(raw[:len(raw)-3])
	if len(ticks) != 1 || ticks[0].Token != 10 {
		t.Fatalf("truncated body: got %+v", ticks)
	}

	// cut inside the second length field
	ticks = Decode(raw[:2+len(good)+1])
	if len(ticks) != 1 || ticks[0].Token != 10 {
		t.Fatalf("truncated length: got %+v", ticks)
	}

	// count larger than the packets present
	over := frame(good)
	binary.BigEndian.PutUint16(over, 5)
	if ticks := Decode(over); len(ticks) != 1 {
		t.Fatalf("overstated count: got %+v", ticks)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		buf := make([]byte, r.Intn(300))
		r.Read(buf)
		if len(buf) >= 2 && i%2 == 0 {
			binary.BigEndian.PutUint16(buf, uint16(r.Intn(8)))
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					t.Fatalf("Decode panicked on %x: %v", buf, p)
				}
			}()
			Decode(buf)
		}()
	}
}
