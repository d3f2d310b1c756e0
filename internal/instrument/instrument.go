// Package instrument handles instrument code parsing and validation for
// proposals and price feed subscriptions.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported markets.
const (
	MarketKRX = "KRX"
)

var validMarkets = map[string]bool{
	MarketKRX: true,
}

// codeRegex matches an optional market prefix and a six-character short
// code. Ordinary shares are all digits; ETN/ELW codes carry a letter.
// Example: 005930, KRX:005930, 0000J0
var codeRegex = regexp.MustCompile(`^(?:([A-Z]+):)?([0-9][0-9A-Z]{5})$`)

var (
	ErrInvalidCode   = errors.New("instrument: invalid code format")
	ErrInvalidMarket = errors.New("instrument: unsupported market")
)

// Instrument is a parsed instrument reference.
type Instrument struct {
	Market string `json:"market"`
	Code   string `json:"code"`
}

// Parse parses and validates an instrument reference. Surrounding space is
// ignored and letters are upper-cased; the market defaults to KRX.
func Parse(ref string) (*Instrument, error) {
	norm := strings.ToUpper(strings.TrimSpace(ref))
	matches := codeRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected 6-character code, e.g. 005930)", ErrInvalidCode, ref)
	}

	market := matches[1]
	if market == "" {
		market = MarketKRX
	}
	if !validMarkets[market] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMarket, market)
	}

	return &Instrument{Market: market, Code: matches[2]}, nil
}

// Normalize returns the canonical short code for ref, or an error.
func Normalize(ref string) (string, error) {
	inst, err := Parse(ref)
	if err != nil {
		return "", err
	}
	return inst.Code, nil
}

// ParseList parses a comma-separated list of codes, dropping duplicates and
// keeping first-seen order. Empty entries are skipped.
func ParseList(list string) ([]string, error) {
	seen := make(map[string]bool)
	var codes []string
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		code, err := Normalize(part)
		if err != nil {
			return nil, err
		}
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	return codes, nil
}
