// Package clock abstracts the time operations the relay schedules on, so
// reconnect timers and request durations can be driven deterministically
// in tests.
package clock

import "time"

// Clock is the subset of the time package used by devrelay. Production
// code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time. Real clocks carry a monotonic reading,
	// so Since(Now()) is safe against wall-clock jumps.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. It reports whether the call was still pending.
	Stop() bool
}

// Real returns the Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
