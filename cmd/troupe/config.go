package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/config"
	"github.com/ShayCichocki/troupe/pkg/models"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Config prints the configuration troupe would use in this directory, after
merging the user config, any .troupe.yaml and TROUPE_* environment
variables. Agent environment values that look like credentials are masked.

Configuration is stored at ~/.config/troupe/config.yaml
Project-specific overrides can be placed in .troupe.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		displayAllConfig(cmd.OutOrStdout(), config.Redacted(cfg))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "user:    %s\n", config.GetUserConfigPath())
		project := config.GetProjectConfigPath()
		if project == "" {
			project = "(none)"
		}
		fmt.Fprintf(out, "project: %s\n", project)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the defaults and a shell agent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.GetUserConfigPath()
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		}

		cfg := config.Default()
		cfg.Agents = defaultAgents()
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		printStatus("✓", "wrote "+path, color.FgGreen)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "orchestrator.max_agents: %d\n", cfg.Orchestrator.MaxAgents)
	fmt.Fprintf(w, "orchestrator.step_timeout: %s\n", cfg.Orchestrator.StepTimeout)
	fmt.Fprintf(w, "orchestrator.retry_backoff: %s\n", cfg.Orchestrator.RetryBackoff)
	fmt.Fprintf(w, "orchestrator.event_buffer: %d\n", cfg.Orchestrator.EventBuffer)
	fmt.Fprintf(w, "orchestrator.selection_wait: %s\n", cfg.Orchestrator.SelectionWait)
	fmt.Fprintf(w, "detector.debounce: %s\n", cfg.Detector.Debounce)
	fmt.Fprintf(w, "detector.history_size: %d\n", cfg.Detector.HistorySize)
	fmt.Fprintf(w, "detector.buffer_size: %d\n", cfg.Detector.BufferSize)
	fmt.Fprintf(w, "detector.patterns_file: %s\n", orUnset(cfg.Detector.PatternsFile))
	fmt.Fprintf(w, "injector.default_timeout: %s\n", cfg.Injector.DefaultTimeout)
	fmt.Fprintf(w, "injector.typing_speed: %d\n", cfg.Injector.TypingSpeed)
	fmt.Fprintf(w, "injector.human_like: %t\n", cfg.Injector.HumanLike)
	fmt.Fprintf(w, "injector.max_retries: %d\n", cfg.Injector.MaxRetries)
	fmt.Fprintf(w, "injector.yield_interval: %s\n", cfg.Injector.YieldInterval)
	fmt.Fprintf(w, "process.cols: %d\n", cfg.Process.Cols)
	fmt.Fprintf(w, "process.rows: %d\n", cfg.Process.Rows)
	fmt.Fprintf(w, "process.buffer_size: %d\n", cfg.Process.BufferSize)
	fmt.Fprintf(w, "state.db_path: %s\n", orUnset(cfg.State.DBPath))
	fmt.Fprintf(w, "workflows.dir: %s\n", orUnset(cfg.Workflows.Dir))
	fmt.Fprintf(w, "log.level: %s\n", cfg.Log.Level)
	fmt.Fprintf(w, "log.format: %s\n", cfg.Log.Format)

	if len(cfg.Agents) == 0 {
		fmt.Fprintln(w, "agents: (none)")
		return
	}
	fmt.Fprintln(w, "agents:")
	for _, a := range cfg.Agents {
		command := a.Command
		if command == "" {
			command = a.Type.DefaultCommand(os.Getenv("SHELL"))
		}
		fmt.Fprintf(w, "  - %s (%s): %s\n", a.Name, a.Type, strings.TrimSpace(command+" "+strings.Join(a.Args, " ")))
		if len(a.Capabilities) > 0 {
			fmt.Fprintf(w, "    capabilities: %s\n", strings.Join(a.Capabilities, ", "))
		}
		keys := make([]string, 0, len(a.Env))
		for k := range a.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "    env %s=%s\n", k, a.Env[k])
		}
	}
}

// defaultAgents seeds a new config file with a login shell agent.
func defaultAgents() []models.AgentConfig {
	return []models.AgentConfig{{
		Name:         "shell",
		Type:         models.AgentTypeShell,
		Capabilities: []string{"shell"},
	}}
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
