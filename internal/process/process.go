// Package process runs one interactive command on a pseudo-terminal and
// classifies its output into a small state machine.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/pty"
)

// State is the coarse classification of a process's recent output.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateWaiting      State = "waiting"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

const (
	// DefaultBufferSize caps the retained output.
	DefaultBufferSize = 1 << 20
	// DefaultWaitTimeout bounds WaitForState and WaitForOutput calls made
	// with a non-positive timeout.
	DefaultWaitTimeout = 30 * time.Second

	tailWindow   = 256
	drainTimeout = 500 * time.Millisecond
	readSize     = 4096
)

// ErrTerminated is returned by operations on a process that has exited.
var ErrTerminated = errors.New("process terminated")

// Config describes the command to run.
type Config struct {
	Name    string
	Command string
	Args    []string
	// Env is added to the inherited environment.
	Env        map[string]string
	Dir        string
	Cols       int
	Rows       int
	BufferSize int
}

// Handle is a started command as seen by the Manager.
type Handle interface {
	io.ReadWriter
	Resize(cols, rows int) error
	Signal(sig os.Signal) error
	Wait() (int, error)
	Pid() int
	Close() error
}

// Spawner starts commands.
type Spawner interface {
	Spawn(c pty.Command) (Handle, error)
}

// PTYSpawner starts commands on a real pseudo-terminal.
type PTYSpawner struct{}

// Spawn implements Spawner.
func (PTYSpawner) Spawn(c pty.Command) (Handle, error) {
	t, err := pty.Start(c)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Metrics are counters kept for the lifetime of a process.
type Metrics struct {
	BytesIn      int64
	BytesOut     int64
	Commands     int
	Errors       int
	StartedAt    time.Time
	LastActivity time.Time
	// ExitCode is meaningful once the state is terminated.
	ExitCode int
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner replaces the pseudo-terminal spawner.
func WithSpawner(s Spawner) Option { return func(m *Manager) { m.spawner = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithClock sets the clock used for timeouts.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithPatterns replaces the default output patterns.
func WithPatterns(p Patterns) Option { return func(m *Manager) { m.patterns = p } }

// Manager owns one running command.
type Manager struct {
	name     string
	cfg      Config
	spawner  Spawner
	log      *slog.Logger
	clock    clock.Clock
	patterns Patterns
	handle   Handle

	mu            sync.Mutex
	state         State
	buf           []byte
	metrics       Metrics
	stateWaiters  []*stateWaiter
	outputWaiters []*outputWaiter
	done          chan struct{}
	readerDone    chan struct{}

	closeOnce sync.Once
	closeErr  error

	pubMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// Spawn creates a Manager for cfg and starts it.
func Spawn(cfg Config, opts ...Option) (*Manager, error) {
	m := New(cfg, opts...)
	if err := m.Start(); err != nil {
		return nil, err
	}
	return m, nil
}

// New prepares a Manager without starting the command, so that callers can
// Subscribe before any output is produced.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		name:       cfg.Name,
		cfg:        cfg,
		spawner:    PTYSpawner{},
		clock:      clock.Real(),
		patterns:   DefaultPatterns(),
		state:      StateInitializing,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		subs:       make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.cfg.BufferSize <= 0 {
		m.cfg.BufferSize = DefaultBufferSize
	}
	return m
}

// Start runs the command and begins reading its output. Failure to start
// wraps errs.ErrSpawn. Start must be called once.
func (m *Manager) Start() error {
	if m.cfg.Command == "" {
		return fmt.Errorf("%w: %s: empty command", errs.ErrSpawn, m.name)
	}
	handle, err := m.spawner.Spawn(pty.Command{
		Path: m.cfg.Command,
		Args: m.cfg.Args,
		Env:  envList(m.cfg.Env),
		Dir:  m.cfg.Dir,
		Cols: m.cfg.Cols,
		Rows: m.cfg.Rows,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrSpawn, m.name, err)
	}
	m.handle = handle

	now := m.clock.Now()
	m.mu.Lock()
	m.metrics.StartedAt = now
	m.metrics.LastActivity = now
	m.mu.Unlock()
	m.log.Info("process started", "agent", m.name, "command", m.cfg.Command, "pid", handle.Pid())

	go m.readLoop()
	go m.waitLoop()
	return nil
}

// Name returns the configured name.
func (m *Manager) Name() string { return m.name }

// Pid returns the child's process id.
func (m *Manager) Pid() int { return m.handle.Pid() }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metrics returns a copy of the counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Output returns a copy of the retained output.
func (m *Manager) Output() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

// Done is closed once the process has terminated.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Write sends text to the process unchanged.
func (m *Manager) Write(text string) error {
	if m.State() == StateTerminated {
		return ErrTerminated
	}
	n, err := io.WriteString(m.handle, text)

	m.mu.Lock()
	m.metrics.BytesOut += int64(n)
	m.metrics.LastActivity = m.clock.Now()
	m.mu.Unlock()

	if err != nil {
		if m.State() == StateTerminated {
			return ErrTerminated
		}
		return fmt.Errorf("write to %s: %w", m.name, err)
	}
	return nil
}

// WriteCommand writes text followed by a newline if it lacks one.
func (m *Manager) WriteCommand(text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := m.Write(text); err != nil {
		return err
	}
	m.mu.Lock()
	m.metrics.Commands++
	m.mu.Unlock()
	return nil
}

// Resize changes the terminal size.
func (m *Manager) Resize(cols, rows int) error {
	if m.State() == StateTerminated {
		return ErrTerminated
	}
	return m.handle.Resize(cols, rows)
}

// Kill signals the process group. A nil sig sends SIGTERM. Killing a
// terminated process is a no-op.
func (m *Manager) Kill(sig os.Signal) error {
	if m.State() == StateTerminated {
		return nil
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if err := m.handle.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", m.name, err)
	}
	return nil
}

// Stop sends SIGTERM and waits for exit until ctx is done, then falls back
// to SIGKILL. The terminal is released either way.
func (m *Manager) Stop(ctx context.Context) error {
	defer m.release()

	if err := m.Kill(syscall.SIGTERM); err != nil {
		m.log.Warn("terminate failed", "agent", m.name, "err", err)
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
	}

	m.log.Warn("process ignored SIGTERM, killing", "agent", m.name)
	if err := m.Kill(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-m.clock.After(time.Second):
		return errs.Timeoutf("%s did not exit after SIGKILL", m.name)
	}
}

// release closes the terminal. Only the first call closes it.
func (m *Manager) release() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.handle.Close()
	})
	return m.closeErr
}

func (m *Manager) readLoop() {
	defer close(m.readerDone)
	buf := make([]byte, readSize)
	for {
		n, err := m.handle.Read(buf)
		if n > 0 {
			m.handleChunk(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) waitLoop() {
	code, err := m.handle.Wait()
	if err != nil {
		m.log.Warn("wait failed", "agent", m.name, "err", err)
	}

	// Let trailing output reach subscribers before the exit event.
	select {
	case <-m.readerDone:
	case <-m.clock.After(drainTimeout):
	}
	if err := m.release(); err != nil {
		m.log.Debug("close terminal", "agent", m.name, "err", err)
	}

	m.mu.Lock()
	from := m.state
	m.metrics.ExitCode = code
	m.metrics.LastActivity = m.clock.Now()
	m.setStateLocked(StateTerminated)
	m.mu.Unlock()

	m.log.Info("process exited", "agent", m.name, "exit_code", code)
	now := m.clock.Now()
	m.publish(Event{Kind: EventState, From: from, To: StateTerminated, Time: now})
	m.publish(Event{Kind: EventExit, ExitCode: code, Time: now})
	m.closeSubscriptions()
}

func (m *Manager) handleChunk(data []byte) {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.metrics.BytesIn += int64(len(data))
	m.metrics.LastActivity = now
	m.appendLocked(data)

	from := m.state
	to := m.classifyLocked(data)
	changed := to != "" && to != from
	if changed {
		if to == StateError {
			m.metrics.Errors++
		}
		m.setStateLocked(to)
	}
	m.feedOutputWaitersLocked(data)
	m.mu.Unlock()

	m.publish(Event{Kind: EventOutput, Data: data, Time: now})
	if changed {
		m.log.Debug("process state", "agent", m.name, "state", to)
		m.publish(Event{Kind: EventState, From: from, To: to, Time: now})
	}
}

func (m *Manager) appendLocked(data []byte) {
	m.buf = append(m.buf, data...)
	for len(m.buf) > m.cfg.BufferSize {
		m.buf = append([]byte(nil), m.buf[len(m.buf)/2:]...)
	}
}

// classifyLocked returns the state indicated by data, or "" when nothing
// matched and no transition applies.
func (m *Manager) classifyLocked(data []byte) State {
	chunk := ansi.Strip(string(data))
	tail := m.buf
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	window := ansi.Strip(string(tail))

	switch {
	case matchAny(m.patterns.Error, chunk, window):
		return StateError
	case matchAny(m.patterns.Ready, chunk, window):
		return StateReady
	case matchAny(m.patterns.Completion, chunk, window):
		return StateWaiting
	}
	if m.state == StateReady && strings.TrimSpace(chunk) != "" {
		return StateProcessing
	}
	return ""
}

func matchAny(res []*regexp.Regexp, texts ...string) bool {
	for _, re := range res {
		for _, text := range texts {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
