package util

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCounter is returned when a counter string cannot be normalized.
var ErrInvalidCounter = errors.New("invalid counter")

// counterSuffixes maps magnitude abbreviations used by the feed to their
// multiplier. Longer suffixes are not needed: every entry is one rune.
var counterSuffixes = map[rune]float64{
	'k': 1e3,
	'K': 1e3,
	'千': 1e3,
	'w': 1e4,
	'W': 1e4,
	'万': 1e4,
	'亿': 1e8,
}

// maxCounter bounds any normalized counter. Larger values are treated as
// corrupt input.
const maxCounter = math.MaxInt32

// ParseCounter converts a human-abbreviated counter such as "1.2k", "3w" or
// "2万" into an integer. Plain integers ("42", "+42", "1,234") are accepted
// as-is and an empty string counts as zero.
func ParseCounter(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCounter, raw)
	}

	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrInvalidCounter, raw)
		}
		if n > maxCounter {
			return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidCounter, raw)
		}
		return n, nil
	}

	runes := []rune(s)
	multiplier, ok := counterSuffixes[runes[len(runes)-1]]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCounter, raw)
	}

	mantissa := strings.TrimSpace(string(runes[:len(runes)-1]))
	f, err := strconv.ParseFloat(mantissa, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCounter, raw)
	}
	n := math.Round(f * multiplier)
	if n > maxCounter {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidCounter, raw)
	}
	return int(n), nil
}

// ParseEpochSeconds parses a decimal unix timestamp in seconds. Empty input
// yields zero.
func ParseEpochSeconds(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch %q: %w", raw, err)
	}
	return sec, nil
}
