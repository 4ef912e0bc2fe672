// Package processtest provides an in-memory Spawner for exercising process
// managers and the code built on them without a pseudo-terminal.
package processtest

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/internal/pty"
)

// Responder is called, in order, with every chunk written to a handle.
// It typically answers by calling h.Emit.
type Responder func(h *Handle, input string)

// Spawner hands out Handles. Set the fields before the first Spawn.
type Spawner struct {
	// Greeting is emitted as soon as a handle starts, e.g. a prompt.
	Greeting string
	// Respond scripts replies to input. Nil means input is only recorded.
	Respond Responder
	// Err, if set, fails every Spawn.
	Err error

	mu      sync.Mutex
	handles []*Handle
	nextPID int
}

// Spawn implements process.Spawner.
func (s *Spawner) Spawn(c pty.Command) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.nextPID++
	h := newHandle(1000+s.nextPID, c, s.Respond)
	s.handles = append(s.handles, h)
	if s.Greeting != "" {
		greeting := s.Greeting
		h.enqueue(func() { h.Emit(greeting) })
	}
	return h, nil
}

// Handles returns every handle spawned so far.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Last returns the most recently spawned handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// Handle is a scripted process.
type Handle struct {
	Command pty.Command

	pid     int
	respond Responder
	outR    *io.PipeReader
	outW    *io.PipeWriter
	ops     chan func()
	partial string

	mu      sync.Mutex
	input   strings.Builder
	signals []os.Signal
	cols    int
	rows    int
	closes  int

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

func newHandle(pid int, c pty.Command, respond Responder) *Handle {
	r, w := io.Pipe()
	h := &Handle{
		Command: c,
		pid:     pid,
		respond: respond,
		outR:    r,
		outW:    w,
		ops:     make(chan func(), 64),
		exited:  make(chan struct{}),
		cols:    c.Cols,
		rows:    c.Rows,
	}
	go h.run()
	return h
}

func (h *Handle) run() {
	for {
		select {
		case op := <-h.ops:
			op()
		case <-h.exited:
			return
		}
	}
}

func (h *Handle) enqueue(op func()) {
	select {
	case h.ops <- op:
	case <-h.exited:
	}
}

// Emit writes s as process output. It blocks until the reader consumes it
// and is a no-op after Exit.
func (h *Handle) Emit(s string) {
	_, _ = io.WriteString(h.outW, s)
}

// Exit ends the process with code. Only the first call has an effect.
func (h *Handle) Exit(code int) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		_ = h.outW.Close()
		close(h.exited)
	})
}

// Input returns everything written to the process.
func (h *Handle) Input() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.input.String()
}

// Signals returns the signals delivered so far.
func (h *Handle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// Size returns the last terminal size.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

func (h *Handle) Read(p []byte) (int, error) { return h.outR.Read(p) }

func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.exited:
		return 0, errors.New("processtest: write to exited process")
	default:
	}
	h.mu.Lock()
	h.input.Write(p)
	h.mu.Unlock()
	if h.respond != nil {
		s := string(p)
		h.enqueue(func() { h.respond(h, s) })
	}
	return len(p), nil
}

func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return nil
}

// Signal records sig and exits the process with -1.
func (h *Handle) Signal(sig os.Signal) error {
	select {
	case <-h.exited:
		return os.ErrProcessDone
	default:
	}
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	h.Exit(-1)
	return nil
}

func (h *Handle) Wait() (int, error) {
	<-h.exited
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, nil
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	h.Exit(-1)
	return nil
}

// Closes returns how many times the terminal was closed.
func (h *Handle) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Echo is a Responder that behaves like a line-oriented shell: every
// complete line is echoed, followed by reply(line) and prompt. Input split
// across writes is reassembled.
func Echo(prompt string, reply func(line string) string) Responder {
	return func(h *Handle, input string) {
		h.partial += input
		for {
			i := strings.IndexByte(h.partial, '\n')
			if i < 0 {
				return
			}
			line := strings.TrimSuffix(h.partial[:i], "\r")
			h.partial = h.partial[i+1:]
			h.Emit(line + "\r\n" + reply(line) + "\r\n" + prompt)
		}
	}
}
