// Package clock abstracts wall-clock reads and one-shot timers so the
// publishing pipeline can be driven deterministically in tests.
package clock

import "time"

// Clock is injected wherever the pipeline would otherwise call time.Now
// or time.AfterFunc directly.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed. A d <= 0
	// fires as soon as possible.
	AfterFunc(d time.Duration, f func()) Timer

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It reports false when the call
	// already fired or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return time.AfterFunc(d, f)
}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
