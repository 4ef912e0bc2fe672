package injector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/internal/process/processtest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubTarget records writes. When gate is set, the first write blocks
// until gate is closed.
type stubTarget struct {
	gate chan struct{}
	err  error

	mu        sync.Mutex
	writes    []string
	active    int
	maxActive int
	gated     bool
}

func (s *stubTarget) Write(text string) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	wait := s.gate != nil && !s.gated
	s.gated = true
	s.mu.Unlock()

	if wait {
		<-s.gate
	} else {
		time.Sleep(time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	s.writes = append(s.writes, text)
	return s.err
}

func (s *stubTarget) WaitForState(context.Context, process.State, time.Duration) error { return nil }

func (s *stubTarget) Subscribe() *process.Subscription { return nil }

func (s *stubTarget) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func newInjector(t *testing.T, opts ...Option) *Injector {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger()), WithYieldInterval(2 * time.Millisecond)}, opts...)
	i := New(opts...)
	t.Cleanup(i.Close)
	return i
}

func shellAgent(t *testing.T, greeting string) (*process.Manager, *processtest.Handle) {
	t.Helper()
	sp := &processtest.Spawner{
		Greeting: greeting,
		Respond: processtest.Echo("$ ", func(line string) string {
			return strings.TrimPrefix(strings.TrimPrefix(line, "\x15"), "echo ")
		}),
	}
	m, err := process.Spawn(process.Config{Name: "sh", Command: "/bin/sh"},
		process.WithSpawner(sp), process.WithLogger(testLogger()))
	require.NoError(t, err)
	h := sp.Last()
	t.Cleanup(func() { h.Exit(0) })
	return m, h
}

func TestExtractResponse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		prompt string
		want   string
		done   bool
	}{
		{"prompt line", "echo hi\r\nhi\r\n$ ", "echo hi", "hi", true},
		{"empty reply after echo", "cd /tmp\r\n$ ", "cd /tmp", "", true},
		{"end marker", "line one\nline two\n[END]\nmore", "q", "line one\nline two", true},
		{"alternate end marker", "answer<<<END>>>", "", "answer", true},
		{"blank line", "first paragraph\n\nsecond", "q", "first paragraph", true},
		{"trailing punctuation", "\x1b[1mThe answer is 42.\x1b[0m", "q", "The answer is 42.", true},
		{"incomplete", "still typing", "q", "", false},
		{"only echo", "explain\r\n", "explain", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, done := ExtractResponse(tt.raw, tt.prompt)
			assert.Equal(t, tt.done, done)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTypingDelayBounds(t *testing.T) {
	i := newInjector(t, WithRand(rand.New(rand.NewPCG(7, 11))))

	base := 100 * time.Millisecond // 600 characters per minute
	pauses := 0
	for range 2000 {
		d := i.typingDelay(600)
		require.GreaterOrEqual(t, d, time.Duration(float64(base)*0.7))
		require.LessOrEqual(t, d, time.Duration(float64(base)*1.3*3))
		if d > time.Duration(float64(base)*1.3) {
			pauses++
		}
	}
	assert.Greater(t, pauses, 40)
	assert.Less(t, pauses, 180)
}

func TestInjectPromptUnknownAgent(t *testing.T) {
	i := newInjector(t)
	_, err := i.InjectPrompt(context.Background(), "ghost", "hi", DefaultOptions())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestInjectPromptWaitsForResponse(t *testing.T) {
	i := newInjector(t)
	m, h := shellAgent(t, "$ ")
	i.RegisterAgent("sh", m)

	opts := DefaultOptions()
	opts.WaitForResponse = true
	opts.Timeout = 2 * time.Second
	resp, err := i.InjectPrompt(context.Background(), "sh", "echo hi", opts)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp)
	assert.Equal(t, "echo hi\n", h.Input())
	assert.False(t, i.Busy("sh"))
}

func TestInjectPromptWriteOptions(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Options)
		want  []string
	}{
		{"enter appended", func(*Options) {}, []string{"ls\n"}},
		{"no enter", func(o *Options) { o.ConfirmWithEnter = false }, []string{"ls"}},
		{"clear first", func(o *Options) { o.ClearBefore = true }, []string{"\x15", "ls\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newInjector(t)
			target := &stubTarget{}
			i.RegisterAgent("a", target)

			opts := DefaultOptions()
			tt.tweak(&opts)
			_, err := i.InjectPrompt(context.Background(), "a", "ls", opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, target.Writes())
		})
	}
}

func TestHumanLikeTypingUsesClock(t *testing.T) {
	c := clock.NewFake(time.Now())
	i := newInjector(t, WithClock(c))
	target := &stubTarget{}
	i.RegisterAgent("a", target)

	opts := DefaultOptions()
	opts.HumanLike = true

	done := make(chan error, 1)
	go func() {
		_, err := i.InjectPrompt(context.Background(), "a", "abc", opts)
		done <- err
	}()

	for range len("abc\n") {
		c.WaitForTimers(1)
		c.Advance(time.Second)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("typing did not finish")
	}
	assert.Equal(t, []string{"a", "b", "c", "\n"}, target.Writes())
}

func TestInjectPromptReadyTimeout(t *testing.T) {
	i := newInjector(t)
	m, _ := shellAgent(t, "")
	i.RegisterAgent("sh", m)

	opts := DefaultOptions()
	opts.Timeout = 30 * time.Millisecond
	_, err := i.InjectPrompt(context.Background(), "sh", "hello", opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestInjectPromptResponseTimeout(t *testing.T) {
	i := newInjector(t)
	sp := &processtest.Spawner{Greeting: "$ "}
	m, err := process.Spawn(process.Config{Name: "mute", Command: "/bin/mute"},
		process.WithSpawner(sp), process.WithLogger(testLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { sp.Last().Exit(0) })
	i.RegisterAgent("mute", m)

	opts := DefaultOptions()
	opts.WaitForResponse = true
	opts.Timeout = 50 * time.Millisecond
	_, err = i.InjectPrompt(context.Background(), "mute", "hello", opts)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
}

func TestQueuePriorityOrder(t *testing.T) {
	i := newInjector(t)
	target := &stubTarget{gate: make(chan struct{})}
	i.RegisterAgent("a", target)

	first := i.QueueInjection("a", "first", DefaultOptions(), 0)
	require.Eventually(t, func() bool { return i.Busy("a") }, time.Second, time.Millisecond)

	low := i.QueueInjection("a", "low", DefaultOptions(), 1)
	high := i.QueueInjection("a", "high", DefaultOptions(), 5)
	mid := i.QueueInjection("a", "mid", DefaultOptions(), 3)
	close(target.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, f := range []*Future{first, low, high, mid} {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"first\n", "high\n", "mid\n", "low\n"}, target.Writes())
	assert.Equal(t, 1, target.maxActive, "one injection per agent at a time")
	assert.Zero(t, i.Pending())
}

func TestQueueDoesNotStarveOtherAgents(t *testing.T) {
	i := newInjector(t)
	busy := &stubTarget{gate: make(chan struct{})}
	free := &stubTarget{}
	i.RegisterAgent("busy", busy)
	i.RegisterAgent("free", free)

	i.QueueInjection("busy", "one", DefaultOptions(), 10)
	require.Eventually(t, func() bool { return i.Busy("busy") }, time.Second, time.Millisecond)
	blocked := i.QueueInjection("busy", "two", DefaultOptions(), 10)
	other := i.QueueInjection("free", "hello", DefaultOptions(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := other.Wait(ctx)
	require.NoError(t, err)
	select {
	case <-blocked.Done():
		t.Fatal("blocked item ran while its agent was busy")
	default:
	}

	close(busy.gate)
	_, err = blocked.Wait(ctx)
	require.NoError(t, err)
}

func TestReserveHoldsQueue(t *testing.T) {
	i := newInjector(t)
	target := &stubTarget{}
	i.RegisterAgent("a", target)

	unreserve, err := i.Reserve("a")
	require.NoError(t, err)
	assert.True(t, i.Busy("a"))

	_, err = i.Reserve("a")
	assert.True(t, errors.Is(err, ErrBusy))
	_, err = i.Reserve("ghost")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	// The holder itself is not blocked by its reservation.
	_, err = i.InjectPrompt(context.Background(), "a", "mine", DefaultOptions())
	require.NoError(t, err)

	queued := i.QueueInjection("a", "queued", DefaultOptions(), 0)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-queued.Done():
		t.Fatal("queued injection ran during a reservation")
	default:
	}

	unreserve()
	unreserve()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = queued.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mine\n", "queued\n"}, target.Writes())
	require.Eventually(t, func() bool { return !i.Busy("a") }, time.Second, time.Millisecond)
}

func TestQueueRetriesThenRejects(t *testing.T) {
	i := newInjector(t, WithMaxRetries(3))
	boom := errors.New("boom")
	target := &stubTarget{err: boom}
	i.RegisterAgent("a", target)

	f := i.QueueInjection("a", "x", DefaultOptions(), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, target.Writes(), 4, "one attempt plus three retries")
}

func TestInjectPromptDoesNotRetry(t *testing.T) {
	i := newInjector(t)
	target := &stubTarget{err: errors.New("boom")}
	i.RegisterAgent("a", target)

	_, err := i.InjectPrompt(context.Background(), "a", "x", DefaultOptions())
	require.Error(t, err)
	assert.Len(t, target.Writes(), 1)
}

func TestUnregisterRejectsQueued(t *testing.T) {
	i := newInjector(t)
	target := &stubTarget{gate: make(chan struct{})}
	i.RegisterAgent("a", target)

	i.QueueInjection("a", "running", DefaultOptions(), 0)
	require.Eventually(t, func() bool { return i.Busy("a") }, time.Second, time.Millisecond)
	queued := i.QueueInjection("a", "queued", DefaultOptions(), 0)

	i.UnregisterAgent("a")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := queued.Wait(ctx)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	close(target.gate)

	f := i.QueueInjection("a", "late", DefaultOptions(), 0)
	_, err = f.Wait(ctx)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCloseRejectsPending(t *testing.T) {
	i := New(WithLogger(testLogger()), WithYieldInterval(2*time.Millisecond))
	target := &stubTarget{gate: make(chan struct{})}
	i.RegisterAgent("a", target)

	i.QueueInjection("a", "running", DefaultOptions(), 0)
	require.Eventually(t, func() bool { return i.Busy("a") }, time.Second, time.Millisecond)
	queued := i.QueueInjection("a", "queued", DefaultOptions(), 0)

	go func() {
		time.Sleep(5 * time.Millisecond)
		close(target.gate)
	}()
	i.Close()
	i.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := queued.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = i.QueueInjection("a", "after", DefaultOptions(), 0).Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = i.InjectPrompt(ctx, "a", "after", DefaultOptions())
	assert.ErrorIs(t, err, ErrClosed)
}
