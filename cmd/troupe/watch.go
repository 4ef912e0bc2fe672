package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/orchestrator"
	"github.com/ShayCichocki/troupe/internal/workflow"
)

var watchDir string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run workflows as they appear in a directory",
	Long: `Watch spawns the configured agents, then runs every workflow file in the
workflows directory and again whenever a file is created or rewritten.
Results are printed as JSON, one object per run. Stop with Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Workflows directory (default: workflows.dir from config)")
}

func runWatch(cmd *cobra.Command, args []string) (retErr error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := watchDir
	if dir == "" {
		dir = cfg.Workflows.Dir
	}
	if dir == "" {
		return fmt.Errorf("no workflows directory; pass --dir or set workflows.dir")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
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

	if err := spawnAgents(ctx, env.orch, cfg.Agents, os.Stderr); err != nil {
		return err
	}

	var runs errgroup.Group
	out := newLockedWriter(cmd.OutOrStdout())
	handler := func(wf *workflow.Workflow, path string, err error) {
		if err != nil {
			printStatus("✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
			return
		}
		if err := env.orch.RegisterWorkflow(wf); err != nil {
			printStatus("✗", fmt.Sprintf("%s: %v", path, err), color.FgRed)
			return
		}
		runs.Go(func() error {
			runWatched(ctx, env.orch, wf, logger, out)
			return nil
		})
	}

	watcher, err := workflow.NewWatcher(dir, handler, logger)
	if err != nil {
		return err
	}
	printStatus("→", fmt.Sprintf("watching %s", dir), color.FgCyan)

	werr := watcher.Run(ctx)
	runs.Wait()
	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

// runWatched executes one loaded workflow and prints its outcome.
func runWatched(ctx context.Context, orch *orchestrator.Orchestrator, wf *workflow.Workflow, logger *slog.Logger, out *lockedWriter) {
	printStatus("→", fmt.Sprintf("running %s", wf.ID), color.FgCyan)
	results, err := orch.ExecuteWorkflow(ctx, wf.ID)
	if err == nil {
		err = checkComplete(wf, results)
	}
	switch {
	case err == nil:
		printStatus("✓", fmt.Sprintf("%s completed", wf.ID), color.FgGreen)
	case errors.Is(err, errs.ErrWorkflowPartial):
		printStatus("⚠", err.Error(), color.FgYellow)
	default:
		printStatus("✗", fmt.Sprintf("%s failed: %v", wf.ID, err), color.FgRed)
		return
	}
	if err := out.writeResults(wf.ID, results); err != nil {
		logger.Warn("write results failed", "workflow", wf.ID, "err", err)
	}
}
