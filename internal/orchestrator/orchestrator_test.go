package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/internal/process/processtest"
	"github.com/ShayCichocki/troupe/internal/pty"
	"github.com/ShayCichocki/troupe/internal/workflow"
	"github.com/ShayCichocki/troupe/pkg/models"
)

const (
	echoCommand = "/bin/echo-agent"
	muteCommand = "/bin/mute-agent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// routeSpawner picks a scripted spawner by command path.
type routeSpawner struct {
	echo *processtest.Spawner
	mute *processtest.Spawner
}

func newRouteSpawner() *routeSpawner {
	return &routeSpawner{
		echo: &processtest.Spawner{
			Greeting: "$ ",
			Respond: processtest.Echo("$ ", func(line string) string {
				return strings.TrimPrefix(line, "echo ")
			}),
		},
		mute: &processtest.Spawner{Greeting: "$ "},
	}
}

func (r *routeSpawner) Spawn(c pty.Command) (process.Handle, error) {
	if c.Path == muteCommand {
		return r.mute.Spawn(c)
	}
	return r.echo.Spawn(c)
}

func newTestOrchestrator(t *testing.T, sp process.Spawner, tweak func(*Config)) *Orchestrator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.SelectionWait = 2 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}
	o := New(
		WithConfig(cfg),
		WithLogger(testLogger()),
		WithSpawner(sp),
		WithDetectorOptions(detector.WithDebounce(0)),
	)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return o
}

func spawn(t *testing.T, o *Orchestrator, name, command string, caps ...string) {
	t.Helper()
	_, err := o.SpawnAgent(context.Background(), models.AgentConfig{
		Name:         name,
		Type:         models.AgentTypeShell,
		Command:      command,
		Capabilities: caps,
	})
	require.NoError(t, err)
}

// waitForEvent reads sub until an event of type typ arrives.
func waitForEvent(t *testing.T, sub *EventSubscription, typ EventType) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func registerWorkflow(t *testing.T, o *Orchestrator, wf *workflow.Workflow) {
	t.Helper()
	require.NoError(t, o.RegisterWorkflow(wf))
}

func TestSpawnAgent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(64)

	info, err := o.SpawnAgent(context.Background(), models.AgentConfig{
		Name:         "coder",
		Type:         models.AgentTypeShell,
		Command:      echoCommand,
		Capabilities: []string{"code"},
	})
	require.NoError(t, err)
	assert.Equal(t, "coder", info.Name)
	assert.Equal(t, models.AgentStatusIdle, info.Status)
	assert.Equal(t, []string{"code"}, info.Capabilities)

	ev := waitForEvent(t, sub, EventAgentSpawned)
	assert.Equal(t, "coder", ev.Agent)

	h := sp.echo.Last()
	require.NotNil(t, h)
	assert.Equal(t, 120, h.Command.Cols)
	assert.Equal(t, 40, h.Command.Rows)

	require.Eventually(t, func() bool {
		info, err := o.GetAgentInfo("coder")
		return err == nil && info.State == detector.StateReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSpawnAgentDuplicateLeavesRegistryUntouched(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "a", echoCommand)

	_, err := o.SpawnAgent(context.Background(), models.AgentConfig{Name: "a", Command: muteCommand})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDuplicateAgent))
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	agents := o.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "a", agents[0].Name)
	assert.Empty(t, sp.mute.Handles(), "no process may be started for a rejected spawn")
}

func TestSpawnAgentCapacity(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, func(c *Config) { c.MaxAgents = 1 })
	spawn(t, o, "a", echoCommand)

	_, err := o.SpawnAgent(context.Background(), models.AgentConfig{Name: "b", Command: echoCommand})
	assert.True(t, errors.Is(err, errs.ErrCapacity))
	assert.Len(t, sp.echo.Handles(), 1)
}

func TestSpawnAgentErrors(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)

	_, err := o.SpawnAgent(context.Background(), models.AgentConfig{})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	_, err = o.SpawnAgent(context.Background(), models.AgentConfig{Name: "x", Type: "unheard-of"})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))

	failing := newTestOrchestrator(t, &processtest.Spawner{Err: errors.New("no pty")}, nil)
	_, err = failing.SpawnAgent(context.Background(), models.AgentConfig{Name: "x", Command: echoCommand})
	assert.True(t, errors.Is(err, errs.ErrSpawn))
	assert.Empty(t, failing.ListAgents())
}

func TestTerminateAgentIsIdempotent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(64)
	spawn(t, o, "a", echoCommand)

	require.NoError(t, o.TerminateAgent("a"))
	require.NoError(t, o.TerminateAgent("a"))
	require.NoError(t, o.TerminateAgent("never-existed"))

	ev := waitForEvent(t, sub, EventAgentTerminated)
	assert.Equal(t, "a", ev.Agent)
	assert.Equal(t, models.AgentStatusOffline, ev.Status)
	assert.Empty(t, o.ListAgents())

	_, err := o.GetAgentInfo("a")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestAgentExitRemovesAgent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(64)
	spawn(t, o, "a", echoCommand)

	sp.echo.Last().Exit(3)

	ev := waitForEvent(t, sub, EventAgentTerminated)
	assert.Equal(t, 3, ev.ExitCode)
	assert.Empty(t, o.ListAgents())
}

func TestAgentErrorStatusAndRecovery(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(256)
	spawn(t, o, "a", echoCommand)
	h := sp.echo.Last()

	h.Emit("Error: disk full\r\n")
	ev := waitForEvent(t, sub, EventAgentError)
	assert.Equal(t, "a", ev.Agent)

	info, err := o.GetAgentInfo("a")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusError, info.Status)

	// Push the error out of the detector's trailing window, then show a prompt.
	h.Emit(strings.Repeat("x", 1100) + "\r\n$ ")
	require.Eventually(t, func() bool {
		info, err := o.GetAgentInfo("a")
		return err == nil && info.Status == models.AgentStatusIdle
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSelectionPrefersMatchingCapability(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "B", echoCommand)
	spawn(t, o, "A", echoCommand, "code")

	a, err := o.tryClaim(workflow.Step{ID: "s", Requirements: []string{"code"}}, "wf/s")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "A", a.name)

	info, err := o.GetAgentInfo("A")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusBusy, info.Status)
	assert.Equal(t, "wf/s", info.CurrentTask)

	// A is claimed, so only B is eligible now.
	b, err := o.tryClaim(workflow.Step{ID: "t", Requirements: []string{"code"}}, "wf/t")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "B", b.name)

	none, err := o.tryClaim(workflow.Step{ID: "u"}, "wf/u")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSelectionUnknownPinnedAgent(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	_, err := o.tryClaim(workflow.Step{ID: "s", Agent: "ghost"}, "wf/s")
	assert.True(t, errors.Is(err, errs.ErrUnknownAgent))
}

func TestScore(t *testing.T) {
	coder := models.AgentConfig{Name: "c", Capabilities: []string{"code", "review"}}
	plain := models.AgentConfig{Name: "p"}

	tests := []struct {
		name    string
		cfg     models.AgentConfig
		metrics models.AgentMetrics
		reqs    []string
		want    float64
	}{
		{"no history, no match", plain, models.AgentMetrics{}, []string{"code"}, 0.5},
		{"no history, one match", coder, models.AgentMetrics{}, []string{"code"}, 5.5},
		{"two matches", coder, models.AgentMetrics{}, []string{"code", "review"}, 10.5},
		{"perfect record", coder, models.AgentMetrics{TasksCompleted: 2}, []string{"code"}, 11},
		{"throughput", plain, models.AgentMetrics{TasksCompleted: 1, AvgResponseTime: 5 * time.Second}, nil, 2},
		{"half failed", plain, models.AgentMetrics{TasksCompleted: 1, TasksFailed: 1, AvgResponseTime: 10 * time.Second}, nil, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.cfg, tt.metrics, tt.reqs), 1e-9)
		})
	}
}

func TestExecuteSequentialWorkflow(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(256)
	spawn(t, o, "sh", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID: "greet",
		Steps: []workflow.Step{
			{ID: "first", Prompt: "echo alpha", OutputKey: "first"},
			{ID: "second", Prompt: "echo got {{first}}"},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "greet")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"first": "alpha", "second": "got alpha"}, results)
	assert.Equal(t, "echo alpha\necho got alpha\n", sp.echo.Last().Input())

	stored, ok := o.Results("greet")
	require.True(t, ok)
	assert.Equal(t, results, stored)

	var first string
	require.NoError(t, o.LoadInto("first", &first))
	assert.Equal(t, "alpha", first)

	waitForEvent(t, sub, EventWorkflowStarted)
	ev := waitForEvent(t, sub, EventStepStarted)
	assert.Equal(t, "sh", ev.Agent)
	waitForEvent(t, sub, EventWorkflowCompleted)

	info, err := o.GetAgentInfo("sh")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Metrics.TasksCompleted)
	assert.Empty(t, info.CurrentTask)
	assert.Equal(t, models.AgentStatusIdle, info.Status)
}

func TestSequentialStopDiscardsResults(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(256)
	spawn(t, o, "mute", muteCommand)
	spawn(t, o, "sh", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID:      "chain",
		OnError: workflow.OnErrorStop,
		Steps: []workflow.Step{
			{ID: "S1", Agent: "mute", Prompt: "hello", Timeout: workflow.Millis(30 * time.Millisecond)},
			{ID: "S2", Agent: "sh", Prompt: "echo later", DependsOn: []string{"S1"}},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "chain")
	require.Error(t, err)
	assert.Empty(t, results)
	assert.True(t, errors.Is(err, errs.ErrStepExecution))
	assert.True(t, errors.Is(err, errs.ErrTimeout))

	var stepErr *errs.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "S1", stepErr.StepID)

	assert.Empty(t, sp.echo.Last().Input(), "S2 must never run")
	_, ok := o.Results("chain")
	assert.False(t, ok)
	waitForEvent(t, sub, EventWorkflowFailed)

	info, err := o.GetAgentInfo("mute")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Metrics.TasksFailed)
	assert.Empty(t, info.CurrentTask)
}

func TestRegisterWorkflowKeepsOwnCopy(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "sh", echoCommand)

	wf := &workflow.Workflow{
		ID:    "copy",
		Steps: []workflow.Step{{ID: "only", Prompt: "echo original", Requirements: []string{"code"}}},
	}
	registerWorkflow(t, o, wf)
	assert.Empty(t, wf.OnError, "registration must not fill defaults into the caller's value")
	assert.Empty(t, wf.Steps[0].Name)

	wf.Steps[0].Prompt = "echo changed"
	wf.Steps[0].Requirements[0] = "nothing"

	results, err := o.ExecuteWorkflow(context.Background(), "copy")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"only": "original"}, results)
}

func TestContinuePolicyReturnsPartialResults(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(256)
	spawn(t, o, "mute", muteCommand)
	spawn(t, o, "sh", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID:      "mixed",
		OnError: workflow.OnErrorContinue,
		Steps: []workflow.Step{
			{ID: "bad", Agent: "mute", Prompt: "hello", Timeout: workflow.Millis(30 * time.Millisecond)},
			{ID: "good", Agent: "sh", Prompt: "echo fine"},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "mixed")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"good": "fine"}, results)

	ev := waitForEvent(t, sub, EventStepFailed)
	assert.Equal(t, "bad", ev.StepID)
	waitForEvent(t, sub, EventWorkflowPartial)
}

func TestContinuePolicyStillAbortsOnUnknownAgent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "sh", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID:      "pinned",
		OnError: workflow.OnErrorContinue,
		Steps: []workflow.Step{
			{ID: "s", Agent: "ghost", Prompt: "hi"},
			{ID: "t", Agent: "sh", Prompt: "echo never"},
		},
	})

	_, err := o.ExecuteWorkflow(context.Background(), "pinned")
	assert.True(t, errors.Is(err, errs.ErrUnknownAgent))
	assert.Empty(t, sp.echo.Last().Input())
}

func TestStepRetries(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "mute", muteCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID: "retry",
		Steps: []workflow.Step{{
			ID:           "ping",
			Agent:        "mute",
			Prompt:       "ping",
			Timeout:      workflow.Millis(20 * time.Millisecond),
			RetryOnError: true,
			MaxRetries:   2,
		}},
	})

	_, err := o.ExecuteWorkflow(context.Background(), "retry")
	var stepErr *errs.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 3, stepErr.Attempts)
	assert.Equal(t, "ping\nping\nping\n", sp.mute.Last().Input())

	info, err := o.GetAgentInfo("mute")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Metrics.TasksFailed)
}

func TestParallelWorkflowWithoutDependencies(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "a", echoCommand)
	spawn(t, o, "b", echoCommand)

	steps := []workflow.Step{
		{ID: "one", Prompt: "echo 1"},
		{ID: "two", Prompt: "echo 2"},
		{ID: "three", Prompt: "echo 3"},
		{ID: "four", Prompt: "echo 4"},
	}
	registerWorkflow(t, o, &workflow.Workflow{ID: "fan", Parallel: true, Steps: steps})

	results, err := o.ExecuteWorkflow(context.Background(), "fan")
	require.NoError(t, err)
	assert.Len(t, results, len(steps))
	assert.Equal(t, map[string]string{"one": "1", "two": "2", "three": "3", "four": "4"}, results)
}

func TestParallelWorkflowRunsWavesInOrder(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(512)
	spawn(t, o, "a", echoCommand)
	spawn(t, o, "b", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID:       "diamond",
		Parallel: true,
		Steps: []workflow.Step{
			{ID: "join", Prompt: "echo {{left}}+{{right}}", DependsOn: []string{"left", "right"}},
			{ID: "left", Prompt: "echo L", OutputKey: "left"},
			{ID: "right", Prompt: "echo R", OutputKey: "right"},
		},
	})

	results, err := o.ExecuteWorkflow(context.Background(), "diamond")
	require.NoError(t, err)
	assert.Equal(t, "L+R", results["join"])

	var order []string
	for len(order) < 3 {
		ev := waitForEvent(t, sub, EventStepCompleted)
		order = append(order, ev.StepID)
	}
	assert.Equal(t, "join", order[2])
}

func TestParallelWorkflowCycleInjectsNothing(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "a", echoCommand)

	registerWorkflow(t, o, &workflow.Workflow{
		ID:       "loop",
		Parallel: true,
		Steps: []workflow.Step{
			{ID: "free", Prompt: "echo free"},
			{ID: "x", Prompt: "echo x", DependsOn: []string{"y"}},
			{ID: "y", Prompt: "echo y", DependsOn: []string{"x"}},
		},
	})

	_, err := o.ExecuteWorkflow(context.Background(), "loop")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCycle))
	assert.Empty(t, sp.echo.Last().Input())
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	_, err := o.ExecuteWorkflow(context.Background(), "nope")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRegisterWorkflowValidates(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	err := o.RegisterWorkflow(&workflow.Workflow{ID: "empty"})
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
	assert.Empty(t, o.ListWorkflows())

	registerWorkflow(t, o, &workflow.Workflow{ID: "b", Steps: []workflow.Step{{ID: "s", Prompt: "p"}}})
	registerWorkflow(t, o, &workflow.Workflow{ID: "a", Steps: []workflow.Step{{ID: "s", Prompt: "p"}}})
	assert.Equal(t, []string{"a", "b"}, o.ListWorkflows())
}

func TestInjectToAgent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "sh", echoCommand)

	opts := injector.DefaultOptions()
	opts.WaitForResponse = true
	resp, err := o.InjectToAgent(context.Background(), "sh", "echo hi", opts, 5)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp)

	_, err = o.InjectToAgent(context.Background(), "ghost", "hi", opts, 0)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestQueuedInjectionWaitsForClaimedAgent(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	spawn(t, o, "sh", echoCommand)
	h := sp.echo.Last()

	a, err := o.tryClaim(workflow.Step{ID: "s"}, "wf/s")
	require.NoError(t, err)
	require.NotNil(t, a)

	type result struct {
		resp string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		opts := injector.DefaultOptions()
		opts.WaitForResponse = true
		resp, err := o.InjectToAgent(context.Background(), "sh", "echo queued", opts, 0)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("injection delivered while a step held the agent: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}
	assert.NotContains(t, h.Input(), "echo queued")

	a.release(true, time.Millisecond, time.Now())

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "queued", r.resp)
	case <-time.After(2 * time.Second):
		t.Fatal("queued injection not delivered after release")
	}

	require.Eventually(t, func() bool {
		again, err := o.tryClaim(workflow.Step{ID: "t"}, "wf/t")
		return err == nil && again != nil
	}, 2*time.Second, 5*time.Millisecond, "agent not claimable after the queued injection")
}

func TestDroppedEventsCountsSlowSubscribers(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	_ = o.Subscribe(1)
	assert.Zero(t, o.DroppedEvents())

	spawn(t, o, "sh", echoCommand)
	require.Eventually(t, func() bool {
		return o.DroppedEvents() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)

	values := map[string]any{
		"string": "hello",
		"number": 42.5,
		"bool":   true,
		"null":   nil,
		"array":  []any{1.0, "two", []any{3.0}},
		"object": map[string]any{"a": map[string]any{"b": []any{"c", map[string]any{"d": false}}}},
	}
	for key, v := range values {
		require.NoError(t, o.SaveToMemory(key, v))

		var got any
		require.NoError(t, o.LoadInto(key, &got))
		assert.Equal(t, v, got, key)
	}

	raw := json.RawMessage(`{"kept":"as is"}`)
	require.NoError(t, o.SaveToMemory("raw", raw))
	loaded, err := o.LoadFromMemory("raw")
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(loaded))

	assert.Error(t, o.SaveToMemory("bad", json.RawMessage(`{`)))
	_, err = o.LoadFromMemory("missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestExpandPrompt(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	require.NoError(t, o.SaveToMemory("name", "troupe"))
	require.NoError(t, o.SaveToMemory("count", 3))
	require.NoError(t, o.SaveToMemory("plan", map[string]any{
		"title": "ship it",
		"steps": []any{"build", "test"},
		"owner": map[string]any{"id": 7},
	}))
	require.NoError(t, o.SaveToMemory("ns:key", "namespaced"))

	tests := []struct {
		tmpl string
		want string
	}{
		{"hello {{name}}", "hello troupe"},
		{"{{ name }}!", "troupe!"},
		{"n={{count}}", "n=3"},
		{"{{plan.title}}", "ship it"},
		{"{{plan.steps.1}}", "test"},
		{"{{plan.owner}}", `{"id":7}`},
		{"{{plan.steps}}", `["build","test"]`},
		{"{{ns:key}}", "namespaced"},
		{"{{missing}} stays", "{{missing}} stays"},
		{"{{plan.nothing}}", "{{plan.nothing}}"},
		{"no placeholders", "no placeholders"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			assert.Equal(t, tt.want, o.ExpandPrompt(tt.tmpl))
		})
	}
}

type memoryStore struct {
	mu  sync.Mutex
	cps map[string]models.Checkpoint
}

func (s *memoryStore) SaveCheckpoint(_ context.Context, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cps == nil {
		s.cps = make(map[string]models.Checkpoint)
	}
	s.cps[cp.ID] = cp
	return nil
}

func (s *memoryStore) GetCheckpoint(_ context.Context, id string) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[id]
	if !ok {
		return models.Checkpoint{}, errs.NotFoundf("checkpoint %q", id)
	}
	return cp, nil
}

func TestCheckpointRestoreMerges(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(64)
	spawn(t, o, "sh", echoCommand)

	require.NoError(t, o.SaveToMemory("a", 1))
	require.NoError(t, o.SaveToMemory("b", map[string]any{"x": []any{"y"}}))

	cp, err := o.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^checkpoint_[0-9a-f]{8}$`, cp.ID)
	assert.Equal(t, map[string]models.AgentStatus{"sh": models.AgentStatusIdle}, cp.Agents)
	waitForEvent(t, sub, EventCheckpointCreated)

	_, err = o.LoadFromMemory("checkpoint:" + cp.ID)
	require.NoError(t, err)

	require.NoError(t, o.SaveToMemory("a", 2))
	require.NoError(t, o.SaveToMemory("c", "new"))

	require.NoError(t, o.RestoreFromCheckpoint(context.Background(), cp.ID))
	ev := waitForEvent(t, sub, EventCheckpointRestored)
	assert.Equal(t, cp.ID, ev.Key)

	var a int
	require.NoError(t, o.LoadInto("a", &a))
	assert.Equal(t, 1, a)
	var b map[string]any
	require.NoError(t, o.LoadInto("b", &b))
	assert.Equal(t, map[string]any{"x": []any{"y"}}, b)
	var c string
	require.NoError(t, o.LoadInto("c", &c))
	assert.Equal(t, "new", c)
}

func TestCheckpointSkipsEarlierCheckpoints(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	require.NoError(t, o.SaveToMemory("plan", "v1"))

	first, err := o.Checkpoint(context.Background())
	require.NoError(t, err)
	second, err := o.Checkpoint(context.Background())
	require.NoError(t, err)

	assert.Contains(t, second.Memory, "plan")
	assert.NotContains(t, second.Memory, "checkpoint:"+first.ID)
	assert.Len(t, second.Memory, len(first.Memory))

	// The earlier checkpoint is still restorable from shared memory.
	_, err = o.LoadFromMemory("checkpoint:" + first.ID)
	require.NoError(t, err)
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	o := newTestOrchestrator(t, newRouteSpawner(), nil)
	err := o.RestoreFromCheckpoint(context.Background(), "checkpoint_deadbeef")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestRestoreFallsBackToStore(t *testing.T) {
	store := &memoryStore{}
	cfg := DefaultConfig()
	first := New(WithConfig(cfg), WithLogger(testLogger()), WithSpawner(newRouteSpawner()), WithCheckpointStore(store))
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	require.NoError(t, first.SaveToMemory("k", "v"))
	cp, err := first.Checkpoint(context.Background())
	require.NoError(t, err)

	second := New(WithConfig(cfg), WithLogger(testLogger()), WithSpawner(newRouteSpawner()), WithCheckpointStore(store))
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	require.NoError(t, second.RestoreFromCheckpoint(context.Background(), cp.ID))
	var got string
	require.NoError(t, second.LoadInto("k", &got))
	assert.Equal(t, "v", got)
}

func TestShutdown(t *testing.T) {
	sp := newRouteSpawner()
	o := newTestOrchestrator(t, sp, nil)
	sub := o.Subscribe(256)
	spawn(t, o, "a", echoCommand)
	spawn(t, o, "b", muteCommand)

	require.NoError(t, o.Shutdown(context.Background()))
	require.NoError(t, o.Shutdown(context.Background()))

	var terminated int
	var sawShutdown bool
	for ev := range sub.Events() {
		switch ev.Type {
		case EventAgentTerminated:
			terminated++
		case EventShutdown:
			sawShutdown = true
		}
	}
	assert.Equal(t, 2, terminated)
	assert.True(t, sawShutdown)
	assert.Empty(t, o.ListAgents())

	_, err := o.SpawnAgent(context.Background(), models.AgentConfig{Name: "late", Command: echoCommand})
	assert.True(t, errors.Is(err, ErrShutdown))
}
