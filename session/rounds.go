package session

import "math"

const defaultMinProgressRounds = 3

// AdaptiveRoundLimit lets a run that is making progress extend its round
// limit by half again, up to an absolute maximum.
type AdaptiveRoundLimit struct {
	Initial           int
	Current           int
	Absolute          int
	MinProgressRounds int
}

// NewAdaptiveRoundLimit starts at initial and never exceeds absolute.
func NewAdaptiveRoundLimit(initial, absolute int) *AdaptiveRoundLimit {
	return &AdaptiveRoundLimit{
		Initial:           initial,
		Current:           initial,
		Absolute:          max(absolute, initial),
		MinProgressRounds: defaultMinProgressRounds,
	}
}

// RequestExtension grants ceil(Current/2) more rounds when the run has made
// progress and used at least MinProgressRounds. It returns the new limit.
func (l *AdaptiveRoundLimit) RequestExtension(roundsUsed int, progress bool) (int, bool) {
	if !progress || roundsUsed < l.MinProgressRounds {
		return l.Current, false
	}
	extension := int(math.Ceil(float64(l.Current) * 0.5))
	next := min(l.Current+extension, l.Absolute)
	if next <= l.Current {
		return l.Current, false
	}
	l.Current = next
	return next, true
}

// WithinLimit reports whether round (zero-based) may run.
func (l *AdaptiveRoundLimit) WithinLimit(round int) bool {
	return round < l.Current
}
