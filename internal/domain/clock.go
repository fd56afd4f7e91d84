package domain

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// clock stamps entity updates and installation records. Tests swap in a fake
// via SetClock for deterministic timestamps.
var clock = clockwork.NewRealClock()

// SetClock swaps the package time source. Pass nil to reset to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// Now returns the current time from the package clock.
func Now() time.Time {
	return clock.Now()
}
