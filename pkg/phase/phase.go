package phase

import (
	"fmt"
	"math"
	"time"
)

// DiffMode selects how a phase difference is reported on the diff telemetry stream.
type DiffMode string

const (
	// Relative reports the difference as a fraction of half a clock period, in (-1, 1].
	Relative DiffMode = "relative"
	// Absolute reports the difference in seconds.
	Absolute DiffMode = "absolute"
)

// ParseDiffMode converts a textual mode into a DiffMode.
func ParseDiffMode(s string) (DiffMode, error) {
	switch DiffMode(s) {
	case Relative, "rel", "":
		return Relative, nil
	case Absolute, "abs":
		return Absolute, nil
	default:
		return "", fmt.Errorf("unknown diff mode %q (expected relative or absolute)", s)
	}
}

// String returns the string representation of the mode.
func (m DiffMode) String() string {
	return string(m)
}

// Residual returns the signed circular offset of sample relative to reference,
// folded into (-period/2, period/2]. Positive means the sample lies ahead of
// the reference within the current period.
func Residual(reference, sample time.Time, period time.Duration) time.Duration {
	r := floorMod(sample.Sub(reference), period)
	if abs(r-period) < period/2 {
		return r - period
	}
	return r
}

// EstimateDifference returns the arithmetic mean of the circular residuals of
// samples against reference. Callers must skip the cycle when samples is
// empty; an empty slice panics.
func EstimateDifference(reference time.Time, samples []time.Time, period time.Duration) time.Duration {
	if len(samples) == 0 {
		panic("phase: EstimateDifference called with no samples")
	}

	var sum time.Duration
	for _, s := range samples {
		sum += Residual(reference, s, period)
	}
	return sum / time.Duration(len(samples))
}

// ComputeShift maps an estimated difference to the amount added to the next
// nominal period. A positive precision acts as a dead-band expressed as a
// fraction of the period: differences inside it produce no correction.
func ComputeShift(diff time.Duration, gain float64, period time.Duration, precision float64) time.Duration {
	if diff == 0 {
		return 0
	}
	if precision > 0 && float64(abs(diff)) < precision*float64(period) {
		return 0
	}
	return time.Duration(math.Round(gain * float64(diff)))
}

// Normalize converts a difference into the value published on the diff stream.
func Normalize(diff, period time.Duration, mode DiffMode) float64 {
	if mode == Absolute {
		return diff.Seconds()
	}
	return diff.Seconds() / (period.Seconds() / 2)
}

func floorMod(d, m time.Duration) time.Duration {
	r := d % m
	if r < 0 {
		r += m
	}
	return r
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Spread returns the largest circular distance between any two of the given
// tick times. It is zero for fewer than two ticks.
func Spread(ticks []time.Time, period time.Duration) time.Duration {
	var widest time.Duration
	for i := 0; i < len(ticks); i++ {
		for j := i + 1; j < len(ticks); j++ {
			if d := abs(Residual(ticks[i], ticks[j], period)); d > widest {
				widest = d
			}
		}
	}
	return widest
}
