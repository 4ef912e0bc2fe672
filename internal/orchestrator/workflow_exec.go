package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/workflow"
)

// run tracks one execution of a workflow.
type run struct {
	wf *workflow.Workflow

	mu      sync.Mutex
	results map[string]string
	failed  []string
}

func (r *run) succeed(stepID, response string) {
	r.mu.Lock()
	r.results[stepID] = response
	r.mu.Unlock()
}

func (r *run) fail(stepID string) {
	r.mu.Lock()
	r.failed = append(r.failed, stepID)
	r.mu.Unlock()
}

// ExecuteWorkflow runs the registered workflow and returns each successful
// step's response keyed by step id.
//
// Under the stop and retry policies the first failed step aborts the run
// and no results are returned. Under continue, failed steps are left out of
// the results. Configuration errors, such as an unknown pinned agent, and
// dependency cycles abort the run under every policy.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string) (map[string]string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	wf, ok := o.workflows[id]
	if !ok {
		o.mu.Unlock()
		return nil, errs.NotFoundf("workflow %q", id)
	}
	o.active[id]++
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.active[id]--; o.active[id] <= 0 {
			delete(o.active, id)
		}
		o.mu.Unlock()
	}()

	log := o.logger.With("workflow", id)
	log.Info("workflow started", "mode", wf.Mode(), "steps", len(wf.Steps), "on_error", wf.OnError)
	o.emit(Event{Type: EventWorkflowStarted, WorkflowID: id, Message: string(wf.Mode())})

	r := &run{wf: wf, results: make(map[string]string)}
	var err error
	if wf.Parallel {
		err = o.runParallel(ctx, r)
	} else {
		err = o.runSequential(ctx, r)
	}
	if err != nil {
		log.Error("workflow failed", "err", err)
		o.emit(Event{Type: EventWorkflowFailed, WorkflowID: id, Error: err})
		return nil, err
	}

	o.mu.Lock()
	o.results[id] = r.results
	o.mu.Unlock()

	if len(r.failed) > 0 {
		log.Warn("workflow finished with failures", "failed", r.failed, "succeeded", len(r.results))
		o.emit(Event{
			Type:       EventWorkflowPartial,
			WorkflowID: id,
			Message:    fmt.Sprintf("%d of %d steps failed", len(r.failed), len(wf.Steps)),
		})
	} else {
		log.Info("workflow completed", "steps", len(r.results))
		o.emit(Event{Type: EventWorkflowCompleted, WorkflowID: id})
	}

	out := make(map[string]string, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out, nil
}

// runSequential runs steps in declared order. Dependencies are ignored.
func (o *Orchestrator) runSequential(ctx context.Context, r *run) error {
	for _, step := range r.wf.Steps {
		if err := o.settle(ctx, r, step); err != nil {
			return err
		}
	}
	return nil
}

// runParallel plans waves up front so that a cycle is reported before any
// step runs, then runs each wave to completion before starting the next.
func (o *Orchestrator) runParallel(ctx context.Context, r *run) error {
	waves, err := r.wf.Graph().Waves()
	if err != nil {
		return fmt.Errorf("workflow %s: %w", r.wf.ID, err)
	}

	for n, wave := range waves {
		o.logger.Debug("starting wave", "workflow", r.wf.ID, "wave", n, "steps", wave)

		var g errgroup.Group
		for _, stepID := range wave {
			step, _ := r.wf.Step(stepID)
			g.Go(func() error {
				return o.settle(ctx, r, step)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// settle runs one step and applies the workflow's error policy. A non-nil
// return aborts the run.
func (o *Orchestrator) settle(ctx context.Context, r *run, step workflow.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := o.runStep(ctx, r.wf, step)
	if err == nil {
		r.succeed(step.ID, resp)
		return nil
	}

	r.fail(step.ID)
	o.emit(Event{Type: EventStepFailed, WorkflowID: r.wf.ID, StepID: step.ID, Error: err})
	if r.wf.OnError == workflow.OnErrorContinue && recoverable(err) {
		o.logger.Warn("step failed, continuing", "workflow", r.wf.ID, "step", step.ID, "err", err)
		return nil
	}
	return err
}

// recoverable reports whether a step error may be swallowed by the
// continue policy.
func recoverable(err error) bool {
	return !errors.Is(err, errs.ErrConfiguration) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// runStep runs every attempt of step and returns the agent's response.
func (o *Orchestrator) runStep(ctx context.Context, wf *workflow.Workflow, step workflow.Step) (string, error) {
	attempts := 1
	if step.RetryOnError {
		attempts += step.MaxRetries
	}

	var lastErr error
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := o.config.RetryBackoff * time.Duration(attempt-1)
			o.logger.Info("retrying step", "workflow", wf.ID, "step", step.ID, "attempt", attempt, "backoff", backoff)
			if err := clock.Sleep(ctx, o.clock, backoff); err != nil {
				lastErr = err
				attempt--
				break
			}
		}

		resp, err := o.attemptStep(ctx, wf, step)
		if err == nil {
			if step.OutputKey != "" {
				raw, _ := json.Marshal(resp)
				o.memory.set(step.OutputKey, raw)
				o.emit(Event{Type: EventMemorySaved, WorkflowID: wf.ID, StepID: step.ID, Key: step.OutputKey})
			}
			return resp, nil
		}
		lastErr = err
		o.logger.Warn("step attempt failed", "workflow", wf.ID, "step", step.ID, "attempt", attempt, "err", err)
		if !recoverable(err) {
			if errors.Is(err, errs.ErrConfiguration) {
				return "", err
			}
			break
		}
	}
	if attempt > attempts {
		attempt = attempts
	}
	return "", &errs.StepError{WorkflowID: wf.ID, StepID: step.ID, Attempts: attempt, Err: lastErr}
}

// attemptStep claims an agent, delivers the prompt and waits for the response.
func (o *Orchestrator) attemptStep(ctx context.Context, wf *workflow.Workflow, step workflow.Step) (string, error) {
	timeout := step.Timeout.Duration()
	if timeout <= 0 {
		timeout = o.config.StepTimeout
	}

	task := wf.ID + "/" + step.ID
	a, err := o.claimAgent(ctx, step, task, timeout)
	if err != nil {
		return "", err
	}

	prompt := o.memory.expand(step.Prompt)
	o.emit(Event{Type: EventStepStarted, WorkflowID: wf.ID, StepID: step.ID, Agent: a.name})

	opts := injector.DefaultOptions()
	opts.Timeout = timeout
	opts.WaitForResponse = true
	opts.HumanLike = o.config.HumanLike
	opts.TypingSpeed = o.config.TypingSpeed

	start := o.clock.Now()
	resp, err := o.injector.InjectPrompt(ctx, a.name, prompt, opts)
	a.release(err == nil, o.clock.Now().Sub(start), o.clock.Now())
	if err != nil {
		return "", fmt.Errorf("step %s on %s: %w", step.ID, a.name, err)
	}

	o.emit(Event{Type: EventStepCompleted, WorkflowID: wf.ID, StepID: step.ID, Agent: a.name, Output: resp})
	return resp, nil
}
