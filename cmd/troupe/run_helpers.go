package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/troupe/internal/config"
	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/orchestrator"
	"github.com/ShayCichocki/troupe/internal/state"
	"github.com/ShayCichocki/troupe/internal/workflow"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// shutdownTimeout bounds the final Shutdown after a command finishes.
const shutdownTimeout = 15 * time.Second

// orchestratorConfig maps the file configuration onto orchestrator tunables.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.MaxAgents = cfg.Orchestrator.MaxAgents
	oc.StepTimeout = cfg.Orchestrator.StepTimeout
	oc.RetryBackoff = cfg.Orchestrator.RetryBackoff
	oc.EventBuffer = cfg.Orchestrator.EventBuffer
	oc.SelectionWait = cfg.Orchestrator.SelectionWait
	oc.Cols = cfg.Process.Cols
	oc.Rows = cfg.Process.Rows
	oc.BufferSize = cfg.Process.BufferSize
	oc.PatternsFile = cfg.Detector.PatternsFile
	oc.HumanLike = cfg.Injector.HumanLike
	oc.TypingSpeed = cfg.Injector.TypingSpeed
	return oc
}

// detectorOptions maps the detector section onto detector options.
func detectorOptions(cfg *config.Config, logger *slog.Logger) []detector.Option {
	return []detector.Option{
		detector.WithDebounce(cfg.Detector.Debounce),
		detector.WithHistorySize(cfg.Detector.HistorySize),
		detector.WithBufferSize(cfg.Detector.BufferSize),
		detector.WithLogger(logger),
	}
}

// injectorOptions maps the injector section onto injector options.
func injectorOptions(cfg *config.Config, logger *slog.Logger) []injector.Option {
	return []injector.Option{
		injector.WithLogger(logger),
		injector.WithDefaultTimeout(cfg.Injector.DefaultTimeout),
		injector.WithTypingSpeed(cfg.Injector.TypingSpeed),
		injector.WithMaxRetries(cfg.Injector.MaxRetries),
		injector.WithYieldInterval(cfg.Injector.YieldInterval),
	}
}

// environment is an orchestrator plus the resources it was built from.
type environment struct {
	orch   *orchestrator.Orchestrator
	inj    *injector.Injector
	store  *state.DB
	logger *slog.Logger
}

// newEnvironment builds the orchestrator. When state.db_path is set the
// checkpoint archive is opened and migrated.
func newEnvironment(cfg *config.Config, logger *slog.Logger) (*environment, error) {
	env := &environment{logger: logger}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(orchestratorConfig(cfg)),
		orchestrator.WithLogger(logger),
		orchestrator.WithDetectorOptions(detectorOptions(cfg, logger)...),
	}

	if cfg.State.DBPath != "" {
		db, err := openStore(cfg.State.DBPath)
		if err != nil {
			return nil, err
		}
		env.store = db
		opts = append(opts, orchestrator.WithCheckpointStore(db))
	}

	env.inj = injector.New(injectorOptions(cfg, logger)...)
	opts = append(opts, orchestrator.WithInjector(env.inj))

	env.orch = orchestrator.New(opts...)
	return env, nil
}

// close shuts the orchestrator down, then releases the injector and archive.
func (e *environment) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := e.orch.Shutdown(ctx)
	e.inj.Close()
	if e.store != nil {
		err = errors.Join(err, e.store.Close())
	}
	return err
}

// openStore opens and migrates the checkpoint archive.
func openStore(path string) (*state.DB, error) {
	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint archive: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint archive: %w", err)
	}
	return db, nil
}

// spawnAgents starts every configured agent. Already started agents are
// terminated by the caller's Shutdown when one fails.
func spawnAgents(ctx context.Context, orch *orchestrator.Orchestrator, agents []models.AgentConfig, out io.Writer) error {
	if len(agents) == 0 {
		return fmt.Errorf("no agents configured; add an agents list to the config file")
	}
	for _, a := range agents {
		info, err := orch.SpawnAgent(ctx, a)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", a.Name, err)
		}
		if out != nil {
			fmt.Fprintf(out, "%s spawned %s (%s, pid %d)\n", color.GreenString("✓"), info.Name, info.Type, info.PID)
		}
	}
	return nil
}

// checkComplete reports the steps of wf that have no result. Under the
// continue policy those are exactly the steps that failed.
func checkComplete(wf *workflow.Workflow, results map[string]string) error {
	var missing []string
	for _, s := range wf.Steps {
		if _, ok := results[s.ID]; !ok {
			missing = append(missing, s.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %d of %d steps failed (%s)", errs.ErrWorkflowPartial,
		wf.ID, len(missing), len(wf.Steps), strings.Join(missing, ", "))
}

// writeResults prints step results as indented JSON with sorted keys.
func writeResults(w io.Writer, results map[string]string) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// formatWaves renders the execution plan of a workflow.
func formatWaves(wf *workflow.Workflow) (string, error) {
	var b strings.Builder
	if wf.Mode() == workflow.ModeSequential {
		b.WriteString("sequential:\n")
		for i, s := range wf.Steps {
			fmt.Fprintf(&b, "  %d. %s%s\n", i+1, s.ID, pinned(s))
		}
		return b.String(), nil
	}

	waves, err := wf.Graph().Waves()
	if err != nil {
		return "", err
	}
	b.WriteString("parallel:\n")
	for i, wave := range waves {
		labels := make([]string, len(wave))
		for j, id := range wave {
			s, _ := wf.Step(id)
			labels[j] = id + pinned(s)
		}
		fmt.Fprintf(&b, "  wave %d: %s\n", i+1, strings.Join(labels, ", "))
	}
	return b.String(), nil
}

func pinned(s workflow.Step) string {
	if s.Agent == "" {
		return ""
	}
	return " @" + s.Agent
}
