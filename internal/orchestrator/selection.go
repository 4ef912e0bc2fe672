package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/workflow"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// Score rates an agent for a step with the given requirements. The
// capability bonus is added first and then scaled by success rate and, once
// the agent has a measured response time, by throughput.
func Score(cfg models.AgentConfig, metrics models.AgentMetrics, requirements []string) float64 {
	score := 1.0
	for _, req := range requirements {
		if cfg.HasCapability(req) {
			score += 10
		}
	}
	score *= metrics.SuccessRate()
	if ms := metrics.AvgResponseTime.Milliseconds(); ms > 0 {
		score *= 10000 / float64(ms)
	}
	return score
}

// tryClaim picks and claims an agent for step. It returns nil without an
// error when no agent is currently eligible.
func (o *Orchestrator) tryClaim(step workflow.Step, task string) (*agent, error) {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()

	if step.Agent != "" {
		a := o.agents.Get(step.Agent)
		if a == nil {
			return nil, fmt.Errorf("%w: %q", errs.ErrUnknownAgent, step.Agent)
		}
		return o.reserve(a, task)
	}

	agents := o.agents.All()
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no agents registered", errs.ErrConfiguration)
	}

	var best *agent
	bestScore := -1.0
	for _, a := range agents {
		a.mu.Lock()
		idle := a.statusLocked(o.injector.Busy(a.name)) == models.AgentStatusIdle
		a.mu.Unlock()
		if !idle {
			continue
		}
		metrics, cfg := a.snapshot()
		if s := Score(cfg, metrics, step.Requirements); s > bestScore {
			best, bestScore = a, s
		}
	}
	if best == nil {
		return nil, nil
	}
	return o.reserve(best, task)
}

// reserve takes the injector reservation for a and then claims it, so that
// no queued injection reaches an agent a step holds.
func (o *Orchestrator) reserve(a *agent, task string) (*agent, error) {
	unreserve, err := o.injector.Reserve(a.name)
	switch {
	case errors.Is(err, injector.ErrBusy), errors.Is(err, errs.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if !a.claim(task, unreserve) {
		unreserve()
		return nil, nil
	}
	return a, nil
}

// claimAgent waits up to timeout for an agent to become available for step.
func (o *Orchestrator) claimAgent(ctx context.Context, step workflow.Step, task string, timeout time.Duration) (*agent, error) {
	deadline := o.clock.After(timeout)
	for {
		a, err := o.tryClaim(step, task)
		if err != nil || a != nil {
			return a, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if step.Agent != "" {
				return nil, errs.Timeoutf("agent %s not idle after %s", step.Agent, timeout)
			}
			return nil, errs.Timeoutf("no idle agent after %s", timeout)
		case <-o.clock.After(o.config.SelectionWait):
		}
	}
}
