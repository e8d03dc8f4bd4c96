package sim

import (
	"log"
	"math"
)

// Freq is a clock frequency in Hz.
type Freq float64

// Frequency units.
const (
	Hz  Freq = 1
	MHz Freq = 1e6
	GHz Freq = 1e9
)

// Period returns the length of one cycle.
func (f Freq) Period() VTimeInSec {
	if f == 0 {
		log.Panic("frequency cannot be 0")
	}

	return VTimeInSec(1.0 / f)
}

// cycles converts a time to a cycle count. The count is rounded to a tenth
// of a cycle first so that float error does not move a time that sits on a
// boundary into the neighboring cycle.
func (f Freq) cycles(t VTimeInSec) float64 {
	if math.IsNaN(float64(t)) {
		log.Panic("invalid time")
	}

	return math.Round(float64(t)*10*float64(f)) / 10
}

// ThisTick returns the first cycle boundary at or after now.
func (f Freq) ThisTick(now VTimeInSec) VTimeInSec {
	return VTimeInSec(math.Ceil(f.cycles(now)) / float64(f))
}

// NextTick returns the first cycle boundary strictly after now.
func (f Freq) NextTick(now VTimeInSec) VTimeInSec {
	return VTimeInSec((math.Floor(f.cycles(now)) + 1) / float64(f))
}

// NCyclesLater returns the cycle boundary n cycles after now.
func (f Freq) NCyclesLater(n int, now VTimeInSec) VTimeInSec {
	return f.ThisTick(now + VTimeInSec(Freq(n)/f))
}

// NoEarlierThan returns the cycle boundary at or after t without any
// rounding tolerance.
func (f Freq) NoEarlierThan(t VTimeInSec) VTimeInSec {
	if math.IsNaN(float64(t)) {
		log.Panic("invalid time")
	}

	period := f.Period()

	return VTimeInSec(math.Ceil(float64(t/period))) * period
}
