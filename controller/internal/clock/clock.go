// Package clock provides an injectable time source so timer-driven
// components (request deadlines, probe intervals, retry backoff) can be
// driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(t0), register timers by
// running the code under test, call WaitForTimers to synchronize, and then
// Advance to fire them.
package clock

import "time"

// Clock abstracts the time operations used by the controller.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f after d. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It returns false if the timer has
// already fired or was stopped before.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Ticks are dropped when the reader
// falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
