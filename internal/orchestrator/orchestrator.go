package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/internal/workflow"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// ErrShutdown is returned by operations on an orchestrator that has been shut down.
var ErrShutdown = errors.New("orchestrator shut down")

// Orchestrator coordinates agents, workflows and shared memory.
type Orchestrator struct {
	config       Config
	logger       *slog.Logger
	clock        clock.Clock
	spawner      process.Spawner
	injector     *injector.Injector
	ownsInjector bool
	store        CheckpointStore
	detectorOpts []detector.Option

	agents  *AgentRegistry
	events  *EventBus
	memory  *memory
	spawnMu sync.Mutex
	claimMu sync.Mutex

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	results   map[string]map[string]string
	active    map[string]int
	closed    bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) *Orchestrator {
	o := &orchestratorOptions{
		config:  DefaultConfig(),
		clock:   clock.Real(),
		spawner: process.PTYSpawner{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	orch := &Orchestrator{
		config:       o.config,
		logger:       o.logger,
		clock:        o.clock,
		spawner:      o.spawner,
		injector:     o.injector,
		store:        o.store,
		detectorOpts: o.detectorOpts,
		agents:       NewAgentRegistry(),
		events:       NewEventBus(o.logger),
		memory:       newMemory(),
		workflows:    make(map[string]*workflow.Workflow),
		results:      make(map[string]map[string]string),
		active:       make(map[string]int),
	}
	if orch.injector == nil {
		orch.injector = injector.New(
			injector.WithClock(o.clock),
			injector.WithLogger(o.logger),
			injector.WithTypingSpeed(o.config.TypingSpeed),
		)
		orch.ownsInjector = true
	}
	return orch
}

// Subscribe returns a new event subscription. A buffer of zero or less uses
// the configured event buffer.
func (o *Orchestrator) Subscribe(buffer int) *EventSubscription {
	if buffer <= 0 {
		buffer = o.config.EventBuffer
	}
	return o.events.Subscribe(buffer)
}

// DroppedEvents returns how many events were dropped for slow subscribers.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.events.DroppedCount()
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.clock.Now()
	}
	o.events.Emit(ev)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// SpawnAgent starts cfg's command and registers it as an agent. Capacity and
// name conflicts are reported before anything is started.
func (o *Orchestrator) SpawnAgent(ctx context.Context, cfg models.AgentConfig) (models.AgentInfo, error) {
	if cfg.Name == "" {
		return models.AgentInfo{}, fmt.Errorf("%w: agent name is required", errs.ErrConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return models.AgentInfo{}, err
	}

	o.spawnMu.Lock()
	defer o.spawnMu.Unlock()

	if o.isClosed() {
		return models.AgentInfo{}, ErrShutdown
	}
	if err := o.agents.checkSpawn(cfg.Name, o.config.MaxAgents); err != nil {
		return models.AgentInfo{}, err
	}

	command := cfg.Command
	if command == "" {
		command = cfg.Type.DefaultCommand(os.Getenv("SHELL"))
	}
	if command == "" {
		return models.AgentInfo{}, fmt.Errorf("%w: agent %q: unknown type %q and no command", errs.ErrConfiguration, cfg.Name, cfg.Type)
	}
	cfg.Command = command

	log := o.logger.With("agent", cfg.Name)
	detOpts := append([]detector.Option{
		detector.WithClock(o.clock),
		detector.WithLogger(log),
		detector.WithName(cfg.Name),
	}, o.detectorOpts...)
	det := detector.New(detOpts...)
	if o.config.PatternsFile != "" {
		if err := det.LoadPatternFile(o.config.PatternsFile); err != nil {
			det.Close()
			return models.AgentInfo{}, fmt.Errorf("%w: %v", errs.ErrConfiguration, err)
		}
	}

	proc := process.New(process.Config{
		Name:       cfg.Name,
		Command:    command,
		Args:       cfg.Args,
		Env:        cfg.Env,
		Dir:        cfg.Dir,
		Cols:       o.config.Cols,
		Rows:       o.config.Rows,
		BufferSize: o.config.BufferSize,
	}, process.WithSpawner(o.spawner), process.WithLogger(log), process.WithClock(o.clock))
	sub := proc.Subscribe()
	if err := proc.Start(); err != nil {
		sub.Close()
		det.Close()
		return models.AgentInfo{}, err
	}

	a := newAgent(cfg, proc, det, o.clock.Now())
	o.agents.Register(a)
	o.injector.RegisterAgent(cfg.Name, proc)

	go o.watchDetector(a)
	go o.pump(a, sub)

	log.Info("agent spawned", "type", cfg.Type, "command", command, "pid", proc.Pid())
	info := a.info(false)
	o.emit(Event{Type: EventAgentSpawned, Agent: cfg.Name, Status: info.Status})
	return info, nil
}

// pump feeds one agent's output to its detector until the process exits.
func (o *Orchestrator) pump(a *agent, sub *process.Subscription) {
	exitCode := -1
	for ev := range sub.Events() {
		switch ev.Kind {
		case process.EventOutput:
			a.touch(o.clock.Now())
			a.det.AnalyzeOutput(string(ev.Data))
			o.emit(Event{Type: EventAgentOutput, Agent: a.name, Output: string(ev.Data)})
		case process.EventExit:
			exitCode = ev.ExitCode
		}
	}
	if sub.Dropped() > 0 {
		o.logger.Warn("agent output events dropped", "agent", a.name, "dropped", sub.Dropped())
	}
	o.retire(a, exitCode)
}

// watchDetector turns committed detector transitions into agent status.
func (o *Orchestrator) watchDetector(a *agent) {
	for change := range a.det.Changes() {
		o.logger.Debug("agent state change", "agent", a.name, "state", change.To, "confidence", change.Detection.Confidence)
		switch change.To {
		case detector.StateError:
			if a.setErrored(true) {
				o.emit(Event{
					Type:    EventAgentError,
					Agent:   a.name,
					State:   change.To,
					Status:  models.AgentStatusError,
					Message: change.Detection.MatchedText,
				})
			}
		case detector.StateReady:
			a.setErrored(false)
		}
		o.emit(Event{
			Type:       EventAgentStateChange,
			Agent:      a.name,
			State:      change.To,
			Confidence: change.Detection.Confidence,
			Status:     a.info(o.injector.Busy(a.name)).Status,
			Timestamp:  change.Detection.Timestamp,
		})
	}
}

// retire removes an exited agent.
func (o *Orchestrator) retire(a *agent, exitCode int) {
	a.markOffline()
	a.det.Close()
	if o.agents.Unregister(a) {
		o.injector.UnregisterAgent(a.name)
	}
	o.logger.Info("agent terminated", "agent", a.name, "exit_code", exitCode)
	o.emit(Event{
		Type:     EventAgentTerminated,
		Agent:    a.name,
		Status:   models.AgentStatusOffline,
		ExitCode: exitCode,
	})
	close(a.exited)
}

// TerminateAgent stops the named agent and waits for it to leave the
// registry. Unknown names are ignored, so it is safe to call repeatedly.
func (o *Orchestrator) TerminateAgent(name string) error {
	a := o.agents.Get(name)
	if a == nil {
		return nil
	}
	return o.terminate(a)
}

func (o *Orchestrator) terminate(a *agent) error {
	var err error
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.config.StopTimeout)
		defer cancel()
		err = a.proc.Stop(ctx)
	})
	select {
	case <-a.exited:
	case <-o.clock.After(o.config.StopTimeout):
		return errs.Timeoutf("agent %s did not exit", a.name)
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		o.logger.Debug("stop agent", "agent", a.name, "err", err)
	}
	return nil
}

// InjectToAgent queues text for the named agent and waits for delivery.
// Higher priority items are delivered first.
func (o *Orchestrator) InjectToAgent(ctx context.Context, name, text string, opts injector.Options, priority int) (string, error) {
	if o.isClosed() {
		return "", ErrShutdown
	}
	if o.agents.Get(name) == nil {
		return "", errs.NotFoundf("agent %q", name)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.config.StepTimeout
	}
	return o.injector.QueueInjection(name, text, opts, priority).Wait(ctx)
}

// ListAgents returns every registered agent in spawn order.
func (o *Orchestrator) ListAgents() []models.AgentInfo {
	agents := o.agents.All()
	infos := make([]models.AgentInfo, 0, len(agents))
	for _, a := range agents {
		infos = append(infos, a.info(o.injector.Busy(a.name)))
	}
	return infos
}

// GetAgentInfo returns the named agent.
func (o *Orchestrator) GetAgentInfo(name string) (models.AgentInfo, error) {
	a := o.agents.Get(name)
	if a == nil {
		return models.AgentInfo{}, errs.NotFoundf("agent %q", name)
	}
	return a.info(o.injector.Busy(name)), nil
}

// RegisterWorkflow validates a copy of wf and makes it available to
// ExecuteWorkflow, so later changes to wf do not affect runs. Registering an
// id again replaces the earlier definition.
func (o *Orchestrator) RegisterWorkflow(wf *workflow.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: nil workflow", errs.ErrConfiguration)
	}
	wf = wf.Clone()
	if err := workflow.Validate(wf); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}
	if _, ok := o.workflows[wf.ID]; ok {
		o.logger.Info("workflow replaced", "workflow", wf.ID)
	}
	o.workflows[wf.ID] = wf
	return nil
}

// ListWorkflows returns the registered workflow ids, sorted.
func (o *Orchestrator) ListWorkflows() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.workflows))
	for id := range o.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Results returns a copy of the last successful or partial run's results.
func (o *Orchestrator) Results(id string) (map[string]string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.results[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out, true
}

// Shutdown terminates every agent, emits a shutdown event and closes the
// event bus. Only the first call does anything.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		// Wait for in-progress spawns so no agent is registered afterwards.
		o.spawnMu.Lock()
		o.spawnMu.Unlock()

		var g errgroup.Group
		for _, a := range o.agents.All() {
			g.Go(func() error { return o.terminate(a) })
		}
		err := g.Wait()
		if ctx.Err() != nil && err == nil {
			err = ctx.Err()
		}
		if o.ownsInjector {
			o.injector.Close()
		}

		o.logger.Info("orchestrator shut down")
		o.emit(Event{Type: EventShutdown})
		o.events.Close()
		o.shutdownErr = err
	})
	return o.shutdownErr
}
