package ratelimit

import (
	"math"
	"regexp"
	"strconv"
)

// durationPattern matches composite Go-style duration strings such as
// "2h1m1s", "1h30m", "42s" or "500ms" in any combination (§4.2). It is
// anchored at both ends so "500ms" cannot stop early at "500m" (minutes).
var durationPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?(?:(\d+(?:\.\d+)?)s)?(?:(\d+)ms)?$`)

// parseDurationString parses a composite duration string into whole
// seconds, rounding any fractional/millisecond remainder up. Returns false
// if s is not such a string as a whole, or if all groups are empty.
func parseDurationString(s string) (int, bool) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}

	hours := atoiOr(m[1], 0)
	minutes := atoiOr(m[2], 0)
	seconds := atofOr(m[3], 0)
	millis := atoiOr(m[4], 0)

	total := hours*3600 + minutes*60 + int(math.Ceil(seconds)) + (millis+999)/1000
	if total == 0 {
		return 0, false
	}
	return total, true
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func atofOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}
