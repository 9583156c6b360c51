package instruments

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const mappingJSON = `[
  {"symbol":"INFY","instrument_token":408065,"exchange_token":1594,"segment":"NSE","tick_size":0.05,"lot_size":1},
  {"symbol":"NIFTY24JUN25000CE","zerodhaSymbol":"NIFTY2460725000CE","instrument_token":12345678,"segment":"NFO-OPT","tick_size":0.05,"lot_size":25,"underlying":"NIFTY","expiry":"2024-06-07T00:00:00","strike":25000,"option_type":"CE"},
  {"symbol":"","instrument_token":1},
  {"symbol":"BROKEN","instrument_token":0}
]`

func TestLoadReaderResolvesSymbols(t *testing.T) {
	d, err := LoadReader(strings.NewReader(mappingJSON))
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}

	cases := map[string]uint32{
		"INFY":              408065,
		"infy":              408065,
		" Infy ":            408065,
		"NIFTY24JUN25000CE": 12345678,
		"NIFTY2460725000CE": 12345678,
		"nifty2460725000ce": 12345678,
	}
	for symbol, want := range cases {
		got, err := d.ResolveToken(symbol)
		if err != nil || got != want {
			t.Errorf("ResolveToken(%q) = %d, %v; want %d", symbol, got, err, want)
		}
	}

	if _, err := d.ResolveToken("BROKEN"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("zero-token entry resolved: %v", err)
	}
}

func TestTokenLookups(t *testing.T) {
	d, err := LoadReader(strings.NewReader(mappingJSON))
	if err != nil {
		t.Fatalf("LoadReader: %v", err)
	}
	if seg, ok := d.SegmentForToken(12345678); !ok || seg != "NFO-OPT" {
		t.Fatalf("SegmentForToken = %q, %v", seg, ok)
	}
	if _, ok := d.SegmentForToken(42); ok {
		t.Fatalf("unknown token found")
	}
	if tok, err := d.ResolveToken("nifty24jun25000ce"); err != nil || tok != 12345678 {
		t.Fatalf("case-insensitive ResolveToken = %d, %v", tok, err)
	}
}

func TestAddAndNotFound(t *testing.T) {
	d := New()
	if d.Add(Mapping{Symbol: "X"}) {
		t.Fatalf("Add accepted a zero token")
	}
	if !d.Add(Mapping{Symbol: "TCS", InstrumentToken: 2953217, Segment: "NSE"}) {
		t.Fatalf("Add rejected a valid mapping")
	}
	if tok, err := d.ResolveToken("TCS"); err != nil || tok != 2953217 {
		t.Fatalf("ResolveToken = %d, %v", tok, err)
	}
	_, err := d.ResolveToken("WIPRO")
	if !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "WIPRO") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("Load of a missing file succeeded")
	}
	path := filepath.Join(t.TempDir(), "mapped_instruments.json")
	if err := os.WriteFile(path, []byte(mappingJSON), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Len() != 2 {
		t.Fatalf("Len = %d", d.Len())
	}
	if _, err := LoadReader(strings.NewReader("{")); err == nil {
		t.Fatalf("invalid JSON accepted")
	}
}
