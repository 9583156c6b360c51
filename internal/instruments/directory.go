// Package instruments resolves trading symbols to broker instrument tokens
// from a JSON mapping file.
package instruments

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"kiteflow/logger"
)

var ErrNotFound = errors.New("instrument not found")

// Mapping is one entry of the mapping file.
type Mapping struct {
	Symbol          string   `json:"symbol"`
	InstrumentToken uint32   `json:"instrument_token"`
	ExchangeToken   *int     `json:"exchange_token,omitempty"`
	ZerodhaSymbol   string   `json:"zerodhaSymbol,omitempty"`
	Segment         string   `json:"segment"`
	Exchange        string   `json:"exchange,omitempty"`
	TickSize        float64  `json:"tick_size"`
	LotSize         int      `json:"lot_size"`
	Underlying      string   `json:"underlying,omitempty"`
	Expiry          string   `json:"expiry,omitempty"`
	Strike          *float64 `json:"strike,omitempty"`
	OptionType      string   `json:"option_type,omitempty"`
}

// Directory is an in-memory symbol to token index.
type Directory struct {
	mu      sync.RWMutex
	exact   map[string]*Mapping
	folded  map[string]*Mapping
	byToken map[uint32]*Mapping
}

func New() *Directory {
	return &Directory{
		exact:   make(map[string]*Mapping),
		folded:  make(map[string]*Mapping),
		byToken: make(map[uint32]*Mapping),
	}
}

// Load reads the mapping file at path.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instrument mapping: %w", err)
	}
	defer f.Close()

	d, err := LoadReader(f)
	if err != nil {
		return nil, err
	}
	logger.GetLogger().WithComponent("instruments").WithFields(logger.Fields{
		"path":        path,
		"instruments": d.Len(),
	}).Info("instrument mapping loaded")
	return d, nil
}

// LoadReader decodes a JSON array of mappings. Entries without a symbol or
// with a zero token are ignored.
func LoadReader(r io.Reader) (*Directory, error) {
	var mappings []Mapping
	if err := json.NewDecoder(r).Decode(&mappings); err != nil {
		return nil, fmt.Errorf("decode instrument mapping: %w", err)
	}
	d := New()
	for _, m := range mappings {
		d.Add(m)
	}
	return d, nil
}

// Add registers m under its symbol and its broker symbol. A later entry for
// the same name wins.
func (d *Directory) Add(m Mapping) bool {
	if strings.TrimSpace(m.Symbol) == "" || m.InstrumentToken == 0 {
		return false
	}
	entry := m
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range []string{m.Symbol, m.ZerodhaSymbol} {
		if name == "" {
			continue
		}
		d.exact[name] = &entry
		d.folded[strings.ToUpper(name)] = &entry
	}
	d.byToken[m.InstrumentToken] = &entry
	return true
}

// ResolveToken finds the token for symbol, trying an exact match before a
// case-insensitive one.
func (d *Directory) ResolveToken(symbol string) (uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if m, ok := d.exact[symbol]; ok {
		return m.InstrumentToken, nil
	}
	if m, ok := d.folded[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return m.InstrumentToken, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNotFound, symbol)
}

// SegmentForToken returns the exchange segment of token, e.g. NFO-OPT.
func (d *Directory) SegmentForToken(token uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byToken[token]
	if !ok {
		return "", false
	}
	return m.Segment, true
}

// Len is the number of distinct tokens.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byToken)
}
