package timemath

import (
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

func Clamp(d, lo, hi time.Duration) time.Duration {
	if lo > hi {
		panic("unexpected duration bounds")
	}
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}

// Percent returns pct percent of d, e.g. Percent(5*time.Second, 23) == 1150ms.
func Percent(d time.Duration, pct float64) time.Duration {
	return time.Duration(pct * float64(d) / 100.0)
}
