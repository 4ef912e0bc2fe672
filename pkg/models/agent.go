package models

import "time"

// AgentStatus represents the scheduling status of an agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent can accept a step.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent has a step or injection in flight.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusError indicates the agent's output was classified as an error.
	AgentStatusError AgentStatus = "error"
	// AgentStatusOffline indicates the agent's process has exited.
	AgentStatusOffline AgentStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// AgentType names the CLI an agent wraps. Known types carry a default command.
type AgentType string

const (
	AgentTypeClaude AgentType = "claude"
	AgentTypeCodex  AgentType = "codex"
	AgentTypeGemini AgentType = "gemini"
	AgentTypeAider  AgentType = "aider"
	AgentTypeShell  AgentType = "shell"
)

// DefaultCommand returns the executable used when an agent config omits one.
// The shell type resolves against the given $SHELL value.
func (t AgentType) DefaultCommand(shell string) string {
	switch t {
	case AgentTypeClaude, AgentTypeCodex, AgentTypeGemini, AgentTypeAider:
		return string(t)
	case AgentTypeShell, "":
		if shell != "" {
			return shell
		}
		return "/bin/sh"
	default:
		return ""
	}
}

// AgentConfig describes an agent to spawn.
type AgentConfig struct {
	// Name is the unique agent name within an orchestrator.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Type is the kind of CLI being wrapped (claude, codex, shell, ...).
	Type AgentType `json:"type" yaml:"type" mapstructure:"type"`
	// Command is the executable to run. Empty means the type's default.
	Command string `json:"command,omitempty" yaml:"command,omitempty" mapstructure:"command"`
	// Args are passed to Command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	// Capabilities are matched against step requirements during selection.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" mapstructure:"capabilities"`
	// Env is added to the inherited environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	// Dir is the working directory. Empty means the current directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty" mapstructure:"dir"`
}

// HasCapability reports whether the config lists the given capability.
func (c AgentConfig) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// AgentMetrics holds scheduling statistics for an agent.
type AgentMetrics struct {
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	// AvgResponseTime is the running mean of successful step durations.
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastActivity    time.Time     `json:"last_activity"`
}

// SuccessRate returns completed/(completed+failed), or 0.5 with no history.
func (m AgentMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0.5
	}
	return float64(m.TasksCompleted) / float64(total)
}

// AgentInfo is a point-in-time view of an agent for callers outside the orchestrator.
type AgentInfo struct {
	Name         string       `json:"name"`
	Type         AgentType    `json:"type"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Status       AgentStatus  `json:"status"`
	State        string       `json:"state"`
	Confidence   float64      `json:"confidence"`
	CurrentTask  string       `json:"current_task,omitempty"`
	PID          int          `json:"pid,omitempty"`
	SpawnedAt    time.Time    `json:"spawned_at"`
	Metrics      AgentMetrics `json:"metrics"`
}
