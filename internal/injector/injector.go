// Package injector delivers prompts to agents, one at a time per agent.
//
// InjectPrompt runs immediately and reports failures to the caller.
// QueueInjection schedules delivery through a priority queue that never
// runs two injections for the same agent at once; queued failures are
// retried before the returned Future is rejected.
package injector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/process"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultTypingSpeed   = 600
	DefaultMaxRetries    = 3
	DefaultYieldInterval = 100 * time.Millisecond

	clearLine = "\x15"
)

var (
	// ErrClosed rejects work submitted to, or pending in, a closed Injector.
	ErrClosed = errors.New("injector closed")
	// ErrBusy is returned by Reserve when the agent already has work in flight.
	ErrBusy = errors.New("agent busy")
)

// Target is the part of a process an injection needs.
type Target interface {
	Write(text string) error
	WaitForState(ctx context.Context, target process.State, timeout time.Duration) error
	Subscribe() *process.Subscription
}

// Options control a single injection. Start from DefaultOptions; zero
// Timeout and TypingSpeed fall back to the injector's defaults.
type Options struct {
	WaitForReady     bool
	Timeout          time.Duration
	ConfirmWithEnter bool
	// TypingSpeed is in characters per minute and only used when HumanLike.
	TypingSpeed     int
	HumanLike       bool
	ClearBefore     bool
	WaitForResponse bool
}

// DefaultOptions waits for the agent to be ready and presses enter.
func DefaultOptions() Options {
	return Options{
		WaitForReady:     true,
		Timeout:          DefaultTimeout,
		ConfirmWithEnter: true,
		TypingSpeed:      DefaultTypingSpeed,
	}
}

// Option configures an Injector.
type Option func(*Injector)

func WithClock(c clock.Clock) Option { return func(i *Injector) { i.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(i *Injector) { i.log = l } }

// WithRand sets the source of typing jitter.
func WithRand(r *rand.Rand) Option { return func(i *Injector) { i.rng = r } }

// WithMaxRetries sets how often a failed queued injection is retried.
func WithMaxRetries(n int) Option { return func(i *Injector) { i.maxRetries = n } }

// WithYieldInterval sets how long the queue waits after finding its head
// blocked behind an in-flight injection.
func WithYieldInterval(d time.Duration) Option { return func(i *Injector) { i.yield = d } }

// WithDefaultTimeout replaces DefaultTimeout for options without a timeout.
func WithDefaultTimeout(d time.Duration) Option { return func(i *Injector) { i.timeout = d } }

// WithTypingSpeed replaces DefaultTypingSpeed for options without a speed.
func WithTypingSpeed(cpm int) Option { return func(i *Injector) { i.typingSpeed = cpm } }

// Injector is safe for concurrent use.
type Injector struct {
	clock       clock.Clock
	log         *slog.Logger
	maxRetries  int
	yield       time.Duration
	timeout     time.Duration
	typingSpeed int

	rngMu sync.Mutex
	rng   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	targets  map[string]Target
	inflight map[string]int
	queue    itemHeap
	seq      uint64
	closed   bool
}

// New starts an Injector and its queue processor. Call Close to stop it.
func New(opts ...Option) *Injector {
	i := &Injector{
		clock:       clock.Real(),
		maxRetries:  DefaultMaxRetries,
		yield:       DefaultYieldInterval,
		timeout:     DefaultTimeout,
		typingSpeed: DefaultTypingSpeed,
		wake:        make(chan struct{}, 1),
		targets:     make(map[string]Target),
		inflight:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.log == nil {
		i.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if i.rng == nil {
		i.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	i.ctx, i.cancel = context.WithCancel(context.Background())

	i.wg.Add(1)
	go i.processQueue()
	return i
}

// RegisterAgent binds name to t, replacing any previous target.
func (i *Injector) RegisterAgent(name string, t Target) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.targets[name] = t
}

// UnregisterAgent removes name and rejects its queued injections.
func (i *Injector) UnregisterAgent(name string) {
	i.mu.Lock()
	delete(i.targets, name)
	removed := i.queue.removeAgent(name)
	i.mu.Unlock()

	for _, it := range removed {
		it.future.reject(errs.NotFoundf("agent %q unregistered", name))
	}
}

// Busy reports whether name has an injection in flight.
func (i *Injector) Busy(name string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inflight[name] > 0
}

// Reserve holds name as busy until the returned func is called, so queued
// injections wait for it. The holder may still call InjectPrompt. Calling
// the func more than once has no further effect.
func (i *Injector) Reserve(name string) (func(), error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, ErrClosed
	}
	if _, ok := i.targets[name]; !ok {
		return nil, errs.NotFoundf("agent %q", name)
	}
	if i.inflight[name] > 0 {
		return nil, ErrBusy
	}
	i.inflight[name]++

	var once sync.Once
	return func() { once.Do(func() { i.release(name) }) }, nil
}

// InjectPrompt delivers text to name now. When opts.WaitForResponse is set
// the agent's reply is returned.
func (i *Injector) InjectPrompt(ctx context.Context, name, text string, opts Options) (string, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return "", ErrClosed
	}
	t, ok := i.targets[name]
	if !ok {
		i.mu.Unlock()
		return "", errs.NotFoundf("agent %q", name)
	}
	i.inflight[name]++
	i.mu.Unlock()

	defer i.release(name)
	return i.deliver(ctx, name, t, text, i.normalize(opts))
}

// Close stops the queue, rejects pending items with ErrClosed and cancels
// queued injections in flight.
func (i *Injector) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	pending := i.queue.drain()
	i.mu.Unlock()

	i.cancel()
	for _, it := range pending {
		it.future.reject(ErrClosed)
	}
	i.wg.Wait()
}

func (i *Injector) release(name string) {
	i.mu.Lock()
	if i.inflight[name]--; i.inflight[name] <= 0 {
		delete(i.inflight, name)
	}
	i.mu.Unlock()
	i.notify()
}

func (i *Injector) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *Injector) normalize(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = i.timeout
	}
	if opts.TypingSpeed <= 0 {
		opts.TypingSpeed = i.typingSpeed
	}
	return opts
}

func (i *Injector) deliver(ctx context.Context, name string, t Target, text string, opts Options) (string, error) {
	if opts.WaitForReady {
		if err := t.WaitForState(ctx, process.StateReady, opts.Timeout); err != nil {
			return "", fmt.Errorf("agent %s not ready: %w", name, err)
		}
	}

	var sub *process.Subscription
	if opts.WaitForResponse {
		sub = t.Subscribe()
		defer sub.Close()
	}

	if opts.ClearBefore {
		if err := t.Write(clearLine); err != nil {
			return "", fmt.Errorf("clear input for %s: %w", name, err)
		}
	}

	payload := text
	if opts.ConfirmWithEnter && !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if err := i.write(ctx, t, payload, opts); err != nil {
		return "", fmt.Errorf("write to %s: %w", name, err)
	}
	i.log.Debug("prompt injected", "agent", name, "bytes", len(payload), "human_like", opts.HumanLike)

	if sub == nil {
		return "", nil
	}
	return i.awaitResponse(ctx, name, sub, text, opts.Timeout)
}

func (i *Injector) write(ctx context.Context, t Target, payload string, opts Options) error {
	if !opts.HumanLike {
		return t.Write(payload)
	}
	for _, r := range payload {
		if err := t.Write(string(r)); err != nil {
			return err
		}
		if err := clock.Sleep(ctx, i.clock, i.typingDelay(opts.TypingSpeed)); err != nil {
			return err
		}
	}
	return nil
}

func (i *Injector) awaitResponse(ctx context.Context, name string, sub *process.Subscription, prompt string, timeout time.Duration) (string, error) {
	deadline := i.clock.After(timeout)
	var raw strings.Builder
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return "", fmt.Errorf("agent %s: %w", name, process.ErrTerminated)
			}
			if ev.Kind != process.EventOutput {
				continue
			}
			raw.Write(ev.Data)
			if resp, done := ExtractResponse(raw.String(), prompt); done {
				return resp, nil
			}
		case <-deadline:
			return "", errs.Timeoutf("agent %s: no response after %s", name, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
