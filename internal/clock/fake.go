package clock

import (
	"sync"
	"time"
)

// Fake is a Clock whose time only moves when Advance is called.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline order.
// A callback must not call Advance itself.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	at  time.Time
	seq uint64
	ch  chan time.Time
	fn  func()
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot channel waiter.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(&fakeWaiter{at: f.now.Add(d), ch: ch})
	return ch
}

// AfterFunc registers fn to run once the clock passes now+d. A non-positive
// d runs fn before AfterFunc returns.
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	w := &fakeWaiter{fn: fn}

	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		fn()
	} else {
		w.at = f.now.Add(d)
		f.addLocked(w)
		f.mu.Unlock()
	}

	return &Timer{
		stop: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.removeLocked(w)
		},
		reset: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			wasPending := f.removeLocked(w)
			w.at = f.now.Add(d)
			f.addLocked(w)
			return wasPending
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// has been reached.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	for {
		w := f.popExpiredLocked()
		if w == nil {
			break
		}
		now := f.now
		f.mu.Unlock()
		if w.fn != nil {
			w.fn()
		} else {
			select {
			case w.ch <- now:
			default:
			}
		}
		f.mu.Lock()
	}
	f.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are pending. Use it to make
// sure a goroutine has registered its timer before calling Advance.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}

// Pending returns the number of registered waiters.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) addLocked(w *fakeWaiter) {
	f.seq++
	w.seq = f.seq
	f.pending = append(f.pending, w)
	f.changed.Broadcast()
}

func (f *Fake) removeLocked(w *fakeWaiter) bool {
	for i, p := range f.pending {
		if p == w {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

// popExpiredLocked removes and returns the earliest due waiter. Ties are
// broken by registration order.
func (f *Fake) popExpiredLocked() *fakeWaiter {
	best := -1
	for i, w := range f.pending {
		if w.at.After(f.now) {
			continue
		}
		if best < 0 || w.at.Before(f.pending[best].at) ||
			(w.at.Equal(f.pending[best].at) && w.seq < f.pending[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	w := f.pending[best]
	f.pending = append(f.pending[:best], f.pending[best+1:]...)
	return w
}
