// Package errs defines the error taxonomy shared by the orchestration packages.
//
// Callers classify failures with errors.Is against the sentinels below. More
// specific errors wrap one of them, so errors.Is(err, ErrConfiguration) holds
// for a duplicate agent name as well as for a capacity overflow.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers invalid input: duplicate or unknown agents,
	// capacity limits, malformed workflows.
	ErrConfiguration = errors.New("configuration error")
	// ErrSpawn indicates the OS could not start an agent process.
	ErrSpawn = errors.New("spawn error")
	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("timeout")
	// ErrCycle indicates a workflow dependency graph cannot be resolved.
	ErrCycle = errors.New("unresolvable dependency graph")
	// ErrStepExecution indicates a workflow step failed after its retries.
	ErrStepExecution = errors.New("step execution failed")
	// ErrNotFound indicates an unknown workflow, checkpoint or agent.
	ErrNotFound = errors.New("not found")
	// ErrWorkflowPartial indicates a workflow finished under the continue
	// policy with some steps failed.
	ErrWorkflowPartial = errors.New("workflow finished with failed steps")
)

var (
	// ErrCapacity is returned when the agent registry is full.
	ErrCapacity = fmt.Errorf("%w: agent capacity reached", ErrConfiguration)
	// ErrDuplicateAgent is returned when an agent name is already registered.
	ErrDuplicateAgent = fmt.Errorf("%w: duplicate agent", ErrConfiguration)
	// ErrUnknownAgent is returned when a step pins an agent that does not exist.
	ErrUnknownAgent = fmt.Errorf("%w: unknown agent", ErrConfiguration)
)

// Timeoutf returns an error wrapping ErrTimeout with a formatted message.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// StepError reports a workflow step that exhausted its attempts.
type StepError struct {
	WorkflowID string
	StepID     string
	Attempts   int
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s step %s failed after %d attempt(s): %v",
		e.WorkflowID, e.StepID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrStepExecution and the underlying cause.
func (e *StepError) Unwrap() []error {
	return []error{ErrStepExecution, e.Err}
}
