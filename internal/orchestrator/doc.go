// Package orchestrator coordinates a team of PTY-backed agents.
//
// An Orchestrator owns the agent registry, the workflow registry, shared
// memory and the event bus. Each agent pairs a process.Manager with a
// detector.Detector; prompt delivery goes through a shared injector.Injector.
//
// Workflows run either sequentially (declared order) or in parallel waves
// planned from the step dependency graph. Step outputs can be written into
// shared memory and referenced by later prompts with {{key}} placeholders.
//
// Basic usage:
//
//	orch := orchestrator.New(orchestrator.WithLogger(logger))
//	defer orch.Shutdown(context.Background())
//
//	if _, err := orch.SpawnAgent(ctx, models.AgentConfig{Name: "coder", Type: models.AgentTypeClaude}); err != nil {
//	    return err
//	}
//	if err := orch.RegisterWorkflow(wf); err != nil {
//	    return err
//	}
//	results, err := orch.ExecuteWorkflow(ctx, wf.ID)
package orchestrator
