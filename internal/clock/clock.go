// Package clock abstracts time so that debouncing, typing pacing, queue
// yields and retry backoff can be driven deterministically in tests.
//
// Production code takes a Clock and uses Real(); tests use NewFake and move
// time forward with Advance.
package clock

import (
	"context"
	"time"
)

// Clock is the subset of the time package the orchestration code relies on.
type Clock interface {
	Now() time.Time
	// After delivers the current time on the returned channel once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the pending call. It reports whether the call was still pending.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call to run d from now. It reports whether the call
// was still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Sleep blocks for d on c, returning early with the context's error if ctx
// is done first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}
