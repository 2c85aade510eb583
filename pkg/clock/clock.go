// Package clock abstracts the passage of time for the cache engine.
//
// Every delayed action in the engine (retry backoff, garbage collection of idle
// entries, probe intervals, audit flushes) is scheduled through a Clock so that
// tests can swap the wall clock for a clockwork.FakeClock and drive time
// explicitly.
package clock

import "github.com/jonboulle/clockwork"

// Clock is an interface to system time.
type Clock = clockwork.Clock

// Timer is a scheduled callback or channel that can be stopped.
type Timer = clockwork.Timer

// System returns a Clock backed by package time.
func System() Clock {
	return clockwork.NewRealClock()
}
