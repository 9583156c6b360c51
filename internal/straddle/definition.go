// Package straddle fuses call and put leg ticks into synthetic straddle
// ticks.
package straddle

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Definition is one synthetic straddle: the sum of a call and a put leg.
type Definition struct {
	SyntheticSymbol string  `json:"syntheticSymbol"`
	CESymbol        string  `json:"ceSymbol"`
	PESymbol        string  `json:"peSymbol"`
	TickSize        float64 `json:"tickSize"`
	PointValue      float64 `json:"pointValue"`
	Currency        string  `json:"currency"`
}

// UnmarshalJSON also accepts the SyntheticSymbolNinjaTrader key used by
// older configuration files.
func (d *Definition) UnmarshalJSON(data []byte) error {
	type plain Definition
	aux := struct {
		plain
		Legacy string `json:"SyntheticSymbolNinjaTrader"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = Definition(aux.plain)
	if d.SyntheticSymbol == "" {
		d.SyntheticSymbol = aux.Legacy
	}
	if d.Currency == "" {
		d.Currency = "INR"
	}
	return nil
}

func (d Definition) validate() error {
	switch {
	case strings.TrimSpace(d.SyntheticSymbol) == "":
		return fmt.Errorf("syntheticSymbol is required")
	case strings.TrimSpace(d.CESymbol) == "":
		return fmt.Errorf("ceSymbol is required for %s", d.SyntheticSymbol)
	case strings.TrimSpace(d.PESymbol) == "":
		return fmt.Errorf("peSymbol is required for %s", d.SyntheticSymbol)
	case legKey(d.CESymbol) == legKey(d.PESymbol):
		return fmt.Errorf("legs of %s must differ", d.SyntheticSymbol)
	}
	return nil
}

// ParseDefinitions decodes a JSON array of definitions.
func ParseDefinitions(r io.Reader) ([]Definition, error) {
	var defs []Definition
	if err := json.NewDecoder(r).Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode straddle definitions: %w", err)
	}
	return defs, nil
}
