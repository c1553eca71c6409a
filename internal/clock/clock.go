package clock

import "time"

// Clock is the single source of "now" for every component, so tests can
// pin time and production never depends on the host's local timezone.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New returns the wall clock.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}
