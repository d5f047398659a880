package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultInterval applies when an interval string cannot be parsed.
const DefaultInterval = 24 * time.Hour

// ParseInterval reads "{N}m", "{N}h" or "{N}d". Malformed, non-positive or
// out-of-range input returns DefaultInterval together with an error
// describing it.
func ParseInterval(raw string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if len(s) < 2 {
		return DefaultInterval, fmt.Errorf("interval %q: want {N}m, {N}h or {N}d", raw)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return DefaultInterval, fmt.Errorf("interval %q: want a positive count", raw)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return DefaultInterval, fmt.Errorf("interval %q: unknown unit", raw)
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return DefaultInterval, fmt.Errorf("interval %q: too large", raw)
	}
	return time.Duration(n) * unit, nil
}
