package transport

import "time"

// Default reconnect configuration values.
const (
	DefaultReconnectStep        = time.Second
	DefaultReconnectMax         = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// backoff implements linear reconnect backoff with an attempt limit. The
// n-th consecutive failure waits min(step*n, max).
type backoff struct {
	step        time.Duration
	max         time.Duration
	maxAttempts int
	attempts    int
}

// newBackoff creates a backoff with the given step, ceiling and limit.
func newBackoff(step, max time.Duration, maxAttempts int) *backoff {
	return &backoff{
		step:        step,
		max:         max,
		maxAttempts: maxAttempts,
	}
}

// Next records a failure and returns the delay before the next attempt.
// It returns false once the attempt limit is reached; no further attempt
// should be scheduled.
func (b *backoff) Next() (time.Duration, bool) {
	if b.attempts >= b.maxAttempts {
		return 0, false
	}
	b.attempts++
	delay := b.step * time.Duration(b.attempts)
	if delay > b.max {
		delay = b.max
	}
	return delay, true
}

// Reset clears the failure count after a successful connection.
func (b *backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of consecutive failures recorded.
func (b *backoff) Attempts() int {
	return b.attempts
}
