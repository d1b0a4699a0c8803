// Package instrument handles futures contract symbol parsing and
// validation. The engine trades a single configured instrument; the
// symbol is stamped on positions and audit events.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches: FUT-{BASE}-{QUOTE}
// Example: FUT-BTC-USD
var symbolRegex = regexp.MustCompile(`^FUT-([A-Z0-9]{2,10})-([A-Z0-9]{2,10})$`)

// ErrInvalidSymbol is returned for a symbol not matching the grammar.
var ErrInvalidSymbol = errors.New("instrument: invalid symbol format")

// Instrument is a parsed futures contract symbol.
type Instrument struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// ParseSymbol parses and validates an instrument symbol.
// Format: FUT-{BASE}-{QUOTE}
func ParseSymbol(symbol string) (*Instrument, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected FUT-{BASE}-{QUOTE})", ErrInvalidSymbol, symbol)
	}
	return &Instrument{
		Symbol: symbol,
		Base:   matches[1],
		Quote:  matches[2],
	}, nil
}
