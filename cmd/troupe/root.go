package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/troupe/internal/config"
	"github.com/ShayCichocki/troupe/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "troupe",
	Short: "Orchestrate coding-agent CLIs over pseudo-terminals",
	Long: `Troupe runs several interactive agent CLIs (claude, codex, gemini, aider or a
plain shell) inside pseudo-terminals, watches their output to tell when each
one is ready, busy or failing, and types prompts into them on behalf of
multi-step workflows.

Agents are declared in the config file. Workflows are JSON or YAML files:

  troupe run build.yaml           run a workflow against the configured agents
  troupe watch                    run every workflow dropped into workflows.dir
  troupe probe -- claude          watch the state detector classify one CLI
  troupe validate build.yaml      check a workflow and print its waves

Configuration is read from ~/.config/troupe/config.yaml, then .troupe.yaml in
the current directory or a parent, then TROUPE_* environment variables.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: XDG user config merged with .troupe.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the layered user and
// project configuration, and validates the result.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// newLogger builds the command logger on stderr.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(color.Output, "%s %s\n", c.Sprint(symbol), message)
}
