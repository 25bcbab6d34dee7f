package clock

import "time"

// Clock abstracts time so that idle-timeout and timestamp logic can be
// tested deterministically with SimulatedClock or FakeClock instead of
// RealClock.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}
