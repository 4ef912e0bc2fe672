package process

import (
	"context"
	"regexp"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/troupe/internal/errs"
)

const maxWaitBuffer = 64 << 10

type stateWaiter struct {
	target State
	ch     chan State
}

type outputWaiter struct {
	re    *regexp.Regexp
	text  []byte
	match chan string
	stop  chan struct{}
}

// setStateLocked records a transition and wakes matching waiters. Waiters
// are also woken on termination.
func (m *Manager) setStateLocked(s State) {
	m.state = s
	kept := m.stateWaiters[:0]
	for _, w := range m.stateWaiters {
		if w.target == s || s == StateTerminated {
			w.ch <- s
			continue
		}
		kept = append(kept, w)
	}
	m.stateWaiters = kept

	if s == StateTerminated {
		for _, w := range m.outputWaiters {
			close(w.stop)
		}
		m.outputWaiters = nil
	}
}

func (m *Manager) feedOutputWaitersLocked(data []byte) {
	if len(m.outputWaiters) == 0 {
		return
	}
	kept := m.outputWaiters[:0]
	for _, w := range m.outputWaiters {
		w.text = append(w.text, ansi.Strip(string(data))...)
		if len(w.text) > maxWaitBuffer {
			w.text = w.text[len(w.text)-maxWaitBuffer:]
		}
		if found := w.re.Find(w.text); found != nil {
			w.match <- string(found)
			continue
		}
		kept = append(kept, w)
	}
	m.outputWaiters = kept
}

// WaitForState blocks until the process reaches target. It returns
// ErrTerminated if the process exits first and an error wrapping
// errs.ErrTimeout once timeout elapses.
func (m *Manager) WaitForState(ctx context.Context, target State, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	m.mu.Lock()
	if m.state == target {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateTerminated {
		m.mu.Unlock()
		return ErrTerminated
	}
	w := &stateWaiter{target: target, ch: make(chan State, 1)}
	m.stateWaiters = append(m.stateWaiters, w)
	m.mu.Unlock()

	select {
	case got := <-w.ch:
		if got == target {
			return nil
		}
		return ErrTerminated
	case <-ctx.Done():
		m.dropStateWaiter(w)
		return ctx.Err()
	case <-m.clock.After(timeout):
		m.dropStateWaiter(w)
		return errs.Timeoutf("%s: waiting for state %s", m.name, target)
	}
}

// WaitForOutput blocks until output produced after the call matches re and
// returns the matched text.
func (m *Manager) WaitForOutput(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return "", ErrTerminated
	}
	w := &outputWaiter{re: re, match: make(chan string, 1), stop: make(chan struct{})}
	m.outputWaiters = append(m.outputWaiters, w)
	m.mu.Unlock()

	select {
	case s := <-w.match:
		return s, nil
	case <-w.stop:
		return "", ErrTerminated
	case <-ctx.Done():
		m.dropOutputWaiter(w)
		return "", ctx.Err()
	case <-m.clock.After(timeout):
		m.dropOutputWaiter(w)
		return "", errs.Timeoutf("%s: waiting for output %q", m.name, re.String())
	}
}

func (m *Manager) dropStateWaiter(w *stateWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.stateWaiters {
		if x == w {
			m.stateWaiters = append(m.stateWaiters[:i], m.stateWaiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) dropOutputWaiter(w *outputWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.outputWaiters {
		if x == w {
			m.outputWaiters = append(m.outputWaiters[:i], m.outputWaiters[i+1:]...)
			return
		}
	}
}
