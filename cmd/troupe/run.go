package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/config"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/logging"
	"github.com/ShayCichocki/troupe/internal/orchestrator"
	"github.com/ShayCichocki/troupe/internal/workflow"
)

var (
	runTUI        bool
	runCheckpoint bool
	runRestore    string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Run a workflow against the configured agents",
	Long: `Run spawns every agent in the config file, executes the workflow and
prints the step results as JSON. The exit status is non-zero when the
workflow fails or finishes with failed steps.

Use --restore to merge an archived checkpoint into shared memory before the
first step, and --checkpoint to archive shared memory after the last one.
Both need state.db_path for checkpoints from earlier runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live dashboard")
	runCmd.Flags().BoolVar(&runCheckpoint, "checkpoint", false, "Take a checkpoint after the workflow finishes")
	runCmd.Flags().StringVar(&runRestore, "restore", "", "Restore shared memory from a checkpoint id before running")
}

func runWorkflow(cmd *cobra.Command, args []string) (retErr error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	wf, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}

	// Log output corrupts the dashboard.
	logger := logging.Discard()
	if !runTUI {
		if logger, err = newLogger(cfg); err != nil {
			return err
		}
	}

	env, err := newEnvironment(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(); err != nil && retErr == nil {
			retErr = err
		}
	}()

	if runTUI {
		return runWithTUI(ctx, env.orch, func(ctx context.Context) error {
			_, err := executeWorkflow(ctx, env.orch, cfg, wf, io.Discard)
			return err
		})
	}

	results, err := executeWorkflow(ctx, env.orch, cfg, wf, os.Stderr)
	if results != nil {
		if werr := writeResults(cmd.OutOrStdout(), results); werr != nil {
			return werr
		}
	}
	return err
}

// executeWorkflow spawns agents, optionally restores a checkpoint, runs wf
// and optionally checkpoints afterwards. Progress lines go to progress.
func executeWorkflow(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, wf *workflow.Workflow, progress io.Writer) (map[string]string, error) {
	if err := spawnAgents(ctx, orch, cfg.Agents, progress); err != nil {
		return nil, err
	}

	if runRestore != "" {
		if err := orch.RestoreFromCheckpoint(ctx, runRestore); err != nil {
			return nil, err
		}
		fmt.Fprintf(progress, "%s restored %s\n", color.GreenString("✓"), runRestore)
	}

	if err := orch.RegisterWorkflow(wf); err != nil {
		return nil, err
	}
	fmt.Fprintf(progress, "%s running %s (%d steps, %s)\n", color.CyanString("→"), wf.ID, len(wf.Steps), wf.Mode())

	results, runErr := orch.ExecuteWorkflow(ctx, wf.ID)
	if runErr == nil {
		runErr = checkComplete(wf, results)
	}
	switch {
	case runErr == nil:
		fmt.Fprintf(progress, "%s %s completed\n", color.GreenString("✓"), wf.ID)
	case errors.Is(runErr, errs.ErrWorkflowPartial):
		fmt.Fprintf(progress, "%s %v\n", color.YellowString("⚠"), runErr)
	default:
		fmt.Fprintf(progress, "%s %s failed: %v\n", color.RedString("✗"), wf.ID, runErr)
	}

	if runCheckpoint {
		cp, err := orch.Checkpoint(ctx)
		if err != nil {
			return results, errors.Join(runErr, err)
		}
		fmt.Fprintf(progress, "%s checkpoint %s\n", color.GreenString("✓"), cp.ID)
	}
	return results, runErr
}
