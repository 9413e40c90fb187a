package scheduler

import "time"

// Clock abstracts wall-clock reads so staleness and scheduling decisions can
// be driven by a controlled clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }
