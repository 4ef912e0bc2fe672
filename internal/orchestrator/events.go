package orchestrator

import (
	"time"

	"github.com/ShayCichocki/troupe/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventAgentSpawned indicates an agent process started and was registered.
	EventAgentSpawned EventType = "agent_spawned"
	// EventAgentOutput carries a chunk of raw agent output.
	EventAgentOutput EventType = "agent_output"
	// EventAgentStateChange indicates the agent's detector committed a new state.
	EventAgentStateChange EventType = "agent_state_change"
	// EventAgentError indicates the agent's output was classified as an error.
	EventAgentError EventType = "agent_error"
	// EventAgentTerminated indicates the agent's process exited.
	EventAgentTerminated EventType = "agent_terminated"
	// EventWorkflowStarted indicates a workflow run has begun.
	EventWorkflowStarted EventType = "workflow_started"
	// EventWorkflowCompleted indicates every step of a workflow succeeded.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowFailed indicates a workflow run was aborted.
	EventWorkflowFailed EventType = "workflow_failed"
	// EventWorkflowPartial indicates a continue-policy run finished with failed steps.
	EventWorkflowPartial EventType = "workflow_partial"
	// EventStepStarted indicates a step was assigned to an agent.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted indicates a step produced a response.
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed indicates a step exhausted its attempts.
	EventStepFailed EventType = "step_failed"
	// EventMemorySaved indicates a shared memory key was written.
	EventMemorySaved EventType = "memory_saved"
	// EventCheckpointCreated indicates a checkpoint was taken.
	EventCheckpointCreated EventType = "checkpoint_created"
	// EventCheckpointRestored indicates a checkpoint was merged back into memory.
	EventCheckpointRestored EventType = "checkpoint_restored"
	// EventShutdown is the last event emitted before the bus closes.
	EventShutdown EventType = "shutdown"
)

// Event represents an event emitted by the orchestrator.
// Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	// Agent is the name of the related agent, if applicable.
	Agent string
	// WorkflowID and StepID identify the related workflow step.
	WorkflowID string
	StepID     string
	// State and Confidence are set for state change events.
	State      string
	Confidence float64
	// Status is the agent's scheduling status after the event.
	Status models.AgentStatus
	// Output is the raw chunk for output events, or the response for step completions.
	Output string
	// Key is the memory key or checkpoint id.
	Key string
	// ExitCode is set for terminated events.
	ExitCode int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error     error
	Timestamp time.Time
}
