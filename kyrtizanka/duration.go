package kyrtizanka

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseDuration parses a compound duration like "1d", "2h30m" or
// "1w 2d 3h". Each token is an integer followed by one of the units
// w, d, h, m or s. Tokens are summed. Whitespace between tokens is
// ignored and units are case-insensitive.
//
// Any failure, including a total that isn't positive, returns an error
// wrapping [ErrInvalidDuration].
func ParseDuration(s string) (time.Duration, error) {
	text := strings.ToLower(strings.Join(strings.Fields(s), ""))
	if text == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalidDuration)
	}

	var total time.Duration

	for i := 0; i < len(text); {
		start := i
		for i < len(text) && text[i] >= '0' && text[i] <= '9' {
			i++
		}
		if start == i {
			return 0, fmt.Errorf(
				"%w: expected number at position %d in %q",
				ErrInvalidDuration, start, s,
			)
		}
		value, err := strconv.ParseInt(text[start:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDuration, text[start:i], err)
		}

		if i >= len(text) {
			return 0, fmt.Errorf(
				"%w: missing unit after %d in %q",
				ErrInvalidDuration, value, s,
			)
		}
		unit, ok := durationUnits[text[i]]
		if !ok {
			return 0, fmt.Errorf(
				"%w: unknown unit %q in %q",
				ErrInvalidDuration, text[i], s,
			)
		}
		i++

		if value > int64(math.MaxInt64/unit) {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, s)
		}
		d := time.Duration(value) * unit
		if total > math.MaxInt64-d {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, s)
		}
		total += d
	}

	if total <= 0 {
		return 0, fmt.Errorf("%w: %q is not positive", ErrInvalidDuration, s)
	}
	return total, nil
}
