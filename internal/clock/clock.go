// Package clock abstracts time progression so delay scheduling can be driven
// deterministically in tests. The delaying interceptor, the HTTP surfaces and
// the control server all take their timers from a Clock rather than calling
// time.After directly.
package clock

import "time"

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to the standard library for production use.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// After relays to time.After for real scheduling.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
