// Package config handles configuration loading and management for troupe.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/troupe/pkg/models"
)

const (
	// EnvPrefix prefixes every environment override, e.g. TROUPE_LOG_LEVEL.
	EnvPrefix = "TROUPE"
	// ProjectConfigName is looked up in the current directory and its parents.
	ProjectConfigName = ".troupe.yaml"
)

// Config holds all configuration for troupe.
type Config struct {
	Orchestrator OrchestratorConfig   `mapstructure:"orchestrator"`
	Detector     DetectorConfig       `mapstructure:"detector"`
	Injector     InjectorConfig       `mapstructure:"injector"`
	Process      ProcessConfig        `mapstructure:"process"`
	State        StateConfig          `mapstructure:"state"`
	Workflows    WorkflowsConfig      `mapstructure:"workflows"`
	Log          LogConfig            `mapstructure:"log"`
	Agents       []models.AgentConfig `mapstructure:"agents"`
}

// OrchestratorConfig holds scheduling settings.
type OrchestratorConfig struct {
	MaxAgents     int           `mapstructure:"max_agents"`
	StepTimeout   time.Duration `mapstructure:"step_timeout"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	EventBuffer   int           `mapstructure:"event_buffer"`
	SelectionWait time.Duration `mapstructure:"selection_wait"`
}

// DetectorConfig holds state detector settings.
type DetectorConfig struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	HistorySize int           `mapstructure:"history_size"`
	BufferSize  int           `mapstructure:"buffer_size"`
	// PatternsFile adds pattern sets to every agent's detector.
	PatternsFile string `mapstructure:"patterns_file"`
}

// InjectorConfig holds prompt delivery settings.
type InjectorConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// TypingSpeed is in characters per minute.
	TypingSpeed   int           `mapstructure:"typing_speed"`
	HumanLike     bool          `mapstructure:"human_like"`
	MaxRetries    int           `mapstructure:"max_retries"`
	YieldInterval time.Duration `mapstructure:"yield_interval"`
}

// ProcessConfig holds terminal settings for agent processes.
type ProcessConfig struct {
	Cols       int `mapstructure:"cols"`
	Rows       int `mapstructure:"rows"`
	BufferSize int `mapstructure:"buffer_size"`
}

// StateConfig holds checkpoint archive settings.
type StateConfig struct {
	// DBPath is the SQLite archive. Empty disables archiving.
	DBPath string `mapstructure:"db_path"`
}

// WorkflowsConfig holds workflow discovery settings.
type WorkflowsConfig struct {
	// Dir is watched by `troupe watch`.
	Dir string `mapstructure:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is auto, text or json.
	Format string `mapstructure:"format"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TROUPE_ORCHESTRATOR_MAX_AGENTS, ...)
// 2. Project config (.troupe.yaml in current directory or parent)
// 3. User config (~/.config/troupe/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in agent environments.
	for i := range cfg.Agents {
		for k, val := range cfg.Agents[i].Env {
			cfg.Agents[i].Env[k] = expandEnv(val)
		}
	}
	cfg.State.DBPath = expandEnv(cfg.State.DBPath)
	cfg.Workflows.Dir = expandEnv(cfg.Workflows.Dir)

	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("orchestrator.max_agents", cfg.Orchestrator.MaxAgents)
	v.Set("orchestrator.step_timeout", cfg.Orchestrator.StepTimeout.String())
	v.Set("orchestrator.retry_backoff", cfg.Orchestrator.RetryBackoff.String())
	v.Set("orchestrator.event_buffer", cfg.Orchestrator.EventBuffer)
	v.Set("orchestrator.selection_wait", cfg.Orchestrator.SelectionWait.String())
	v.Set("detector.debounce", cfg.Detector.Debounce.String())
	v.Set("detector.history_size", cfg.Detector.HistorySize)
	v.Set("detector.buffer_size", cfg.Detector.BufferSize)
	v.Set("detector.patterns_file", cfg.Detector.PatternsFile)
	v.Set("injector.default_timeout", cfg.Injector.DefaultTimeout.String())
	v.Set("injector.typing_speed", cfg.Injector.TypingSpeed)
	v.Set("injector.human_like", cfg.Injector.HumanLike)
	v.Set("injector.max_retries", cfg.Injector.MaxRetries)
	v.Set("injector.yield_interval", cfg.Injector.YieldInterval.String())
	v.Set("process.cols", cfg.Process.Cols)
	v.Set("process.rows", cfg.Process.Rows)
	v.Set("process.buffer_size", cfg.Process.BufferSize)
	v.Set("state.db_path", cfg.State.DBPath)
	v.Set("workflows.dir", cfg.Workflows.Dir)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)

	agents := make([]map[string]any, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		entry := map[string]any{"name": a.Name, "type": string(a.Type)}
		if a.Command != "" {
			entry["command"] = a.Command
		}
		if len(a.Args) > 0 {
			entry["args"] = a.Args
		}
		if len(a.Capabilities) > 0 {
			entry["capabilities"] = a.Capabilities
		}
		if len(a.Env) > 0 {
			entry["env"] = a.Env
		}
		if a.Dir != "" {
			entry["dir"] = a.Dir
		}
		agents = append(agents, entry)
	}
	v.Set("agents", agents)

	return v.WriteConfigAs(path)
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("orchestrator.max_agents", d.Orchestrator.MaxAgents)
	v.SetDefault("orchestrator.step_timeout", d.Orchestrator.StepTimeout.String())
	v.SetDefault("orchestrator.retry_backoff", d.Orchestrator.RetryBackoff.String())
	v.SetDefault("orchestrator.event_buffer", d.Orchestrator.EventBuffer)
	v.SetDefault("orchestrator.selection_wait", d.Orchestrator.SelectionWait.String())

	v.SetDefault("detector.debounce", d.Detector.Debounce.String())
	v.SetDefault("detector.history_size", d.Detector.HistorySize)
	v.SetDefault("detector.buffer_size", d.Detector.BufferSize)
	v.SetDefault("detector.patterns_file", "")

	v.SetDefault("injector.default_timeout", d.Injector.DefaultTimeout.String())
	v.SetDefault("injector.typing_speed", d.Injector.TypingSpeed)
	v.SetDefault("injector.human_like", false)
	v.SetDefault("injector.max_retries", d.Injector.MaxRetries)
	v.SetDefault("injector.yield_interval", d.Injector.YieldInterval.String())

	v.SetDefault("process.cols", d.Process.Cols)
	v.SetDefault("process.rows", d.Process.Rows)
	v.SetDefault("process.buffer_size", d.Process.BufferSize)

	v.SetDefault("state.db_path", "")
	v.SetDefault("workflows.dir", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// getUserConfigDir returns the XDG config directory for troupe.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "troupe")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "troupe")
	}
	return filepath.Join(home, ".config", "troupe")
}

// findProjectConfig searches for .troupe.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxAgents:     10,
			StepTimeout:   5 * time.Minute,
			RetryBackoff:  2 * time.Second,
			EventBuffer:   256,
			SelectionWait: 100 * time.Millisecond,
		},
		Detector: DetectorConfig{
			Debounce:    100 * time.Millisecond,
			HistorySize: 100,
			BufferSize:  10000,
		},
		Injector: InjectorConfig{
			DefaultTimeout: 30 * time.Second,
			TypingSpeed:    600,
			MaxRetries:     3,
			YieldInterval:  100 * time.Millisecond,
		},
		Process: ProcessConfig{
			Cols:       120,
			Rows:       40,
			BufferSize: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if c.Orchestrator.MaxAgents < 0 {
		add("orchestrator.max_agents must not be negative")
	}
	if c.Orchestrator.StepTimeout <= 0 {
		add("orchestrator.step_timeout must be positive")
	}
	if c.Orchestrator.RetryBackoff < 0 {
		add("orchestrator.retry_backoff must not be negative")
	}
	if c.Orchestrator.SelectionWait <= 0 {
		add("orchestrator.selection_wait must be positive")
	}
	if c.Detector.HistorySize <= 0 {
		add("detector.history_size must be positive")
	}
	if c.Detector.BufferSize <= 0 {
		add("detector.buffer_size must be positive")
	}
	if c.Injector.DefaultTimeout <= 0 {
		add("injector.default_timeout must be positive")
	}
	if c.Injector.TypingSpeed <= 0 {
		add("injector.typing_speed must be positive")
	}
	if c.Injector.MaxRetries < 0 {
		add("injector.max_retries must not be negative")
	}
	if c.Process.Cols <= 0 || c.Process.Rows <= 0 {
		add("process.cols and process.rows must be positive")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		add("log.level %q is not a valid level", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		add("log.format %q must be auto, text or json", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			add("agents[%d]: name is required", i)
			continue
		}
		if seen[a.Name] {
			add("agents[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Command == "" && a.Type.DefaultCommand("") == "" {
			add("agents[%d] %s: unknown type %q needs a command", i, a.Name, a.Type)
		}
	}

	return errors.Join(problems...)
}

// Agent returns the configured agent with the given name.
func (c *Config) Agent(name string) (models.AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return models.AgentConfig{}, false
}
