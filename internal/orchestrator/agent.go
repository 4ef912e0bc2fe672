package orchestrator

import (
	"sync"
	"time"

	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// agent is the scheduling wrapper around one process and its detector.
type agent struct {
	name      string
	cfg       models.AgentConfig
	proc      *process.Manager
	det       *detector.Detector
	spawnedAt time.Time

	// exited is closed once the process has exited and the agent has been
	// removed from the registry.
	exited   chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	claimed     bool
	unreserve   func()
	errored     bool
	offline     bool
	currentTask string
	metrics     models.AgentMetrics
}

func newAgent(cfg models.AgentConfig, proc *process.Manager, det *detector.Detector, now time.Time) *agent {
	return &agent{
		name:      cfg.Name,
		cfg:       cfg,
		proc:      proc,
		det:       det,
		spawnedAt: now,
		exited:    make(chan struct{}),
		metrics:   models.AgentMetrics{LastActivity: now},
	}
}

// statusLocked derives the scheduling status. inFlight reports whether the
// injector has work running for this agent outside of a workflow step.
func (a *agent) statusLocked(inFlight bool) models.AgentStatus {
	switch {
	case a.offline:
		return models.AgentStatusOffline
	case a.errored:
		return models.AgentStatusError
	case a.claimed || inFlight:
		return models.AgentStatusBusy
	default:
		return models.AgentStatusIdle
	}
}

// claim marks the agent busy for task if it is idle. The caller already
// holds the injector reservation; unreserve gives it back on release.
func (a *agent) claim(task string, unreserve func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.statusLocked(false) != models.AgentStatusIdle {
		return false
	}
	a.claimed = true
	a.currentTask = task
	a.unreserve = unreserve
	return true
}

// release clears the current task, records the outcome of one attempt and
// lets queued injections through again.
func (a *agent) release(ok bool, elapsed time.Duration, now time.Time) {
	a.mu.Lock()
	unreserve := a.unreserve
	a.unreserve = nil
	a.claimed = false
	a.currentTask = ""
	a.metrics.LastActivity = now
	if ok {
		a.metrics.TasksCompleted++
		n := time.Duration(a.metrics.TasksCompleted)
		a.metrics.AvgResponseTime = (a.metrics.AvgResponseTime*(n-1) + elapsed) / n
	} else {
		a.metrics.TasksFailed++
	}
	a.mu.Unlock()

	if unreserve != nil {
		unreserve()
	}
}

func (a *agent) touch(now time.Time) {
	a.mu.Lock()
	a.metrics.LastActivity = now
	a.mu.Unlock()
}

// setErrored records a detector verdict and reports whether it changed anything.
func (a *agent) setErrored(v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offline || a.errored == v {
		return false
	}
	a.errored = v
	return true
}

func (a *agent) markOffline() {
	a.mu.Lock()
	a.offline = true
	a.mu.Unlock()
}

func (a *agent) snapshot() (models.AgentMetrics, models.AgentConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics, a.cfg
}

func (a *agent) info(inFlight bool) models.AgentInfo {
	a.mu.Lock()
	status := a.statusLocked(inFlight)
	task := a.currentTask
	metrics := a.metrics
	a.mu.Unlock()

	info := models.AgentInfo{
		Name:         a.name,
		Type:         a.cfg.Type,
		Capabilities: append([]string(nil), a.cfg.Capabilities...),
		Status:       status,
		State:        detector.StateUnknown,
		CurrentTask:  task,
		PID:          a.proc.Pid(),
		SpawnedAt:    a.spawnedAt,
		Metrics:      metrics,
	}
	if d, ok := a.det.Current(); ok {
		info.State = d.State
		info.Confidence = d.Confidence
	}
	return info
}
