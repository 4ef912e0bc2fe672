package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/internal/detector"
	"github.com/ShayCichocki/troupe/internal/injector"
	"github.com/ShayCichocki/troupe/internal/process"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// Config holds the orchestrator's tunables.
type Config struct {
	// MaxAgents caps the registry. Zero or less means unlimited.
	MaxAgents int
	// StepTimeout applies to steps that do not set their own.
	StepTimeout time.Duration
	// RetryBackoff is multiplied by the retry number between step attempts.
	RetryBackoff time.Duration
	// EventBuffer is the channel capacity used by Subscribe(0).
	EventBuffer int
	// SelectionWait is the polling interval while waiting for an idle agent.
	SelectionWait time.Duration
	// StopTimeout bounds how long TerminateAgent waits for a process to exit.
	StopTimeout time.Duration

	// Cols, Rows and BufferSize are passed to every spawned process.
	Cols       int
	Rows       int
	BufferSize int

	// PatternsFile adds detector pattern sets to every agent.
	PatternsFile string

	// HumanLike and TypingSpeed shape prompts sent by workflow steps.
	HumanLike   bool
	TypingSpeed int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgents:     10,
		StepTimeout:   5 * time.Minute,
		RetryBackoff:  2 * time.Second,
		EventBuffer:   256,
		SelectionWait: 100 * time.Millisecond,
		StopTimeout:   5 * time.Second,
		Cols:          120,
		Rows:          40,
		BufferSize:    process.DefaultBufferSize,
		TypingSpeed:   injector.DefaultTypingSpeed,
	}
}

// CheckpointStore archives checkpoints outside of shared memory.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error)
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*orchestratorOptions)

// orchestratorOptions holds optional configuration for the Orchestrator.
type orchestratorOptions struct {
	config       Config
	logger       *slog.Logger
	clock        clock.Clock
	spawner      process.Spawner
	injector     *injector.Injector
	store        CheckpointStore
	detectorOpts []detector.Option
}

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) Option {
	return func(o *orchestratorOptions) {
		o.config = cfg
	}
}

// WithLogger sets the logger shared by the orchestrator and its agents.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) {
		o.logger = l
	}
}

// WithClock sets the clock used for timeouts, backoff and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *orchestratorOptions) {
		o.clock = c
	}
}

// WithSpawner sets how agent processes are started.
func WithSpawner(s process.Spawner) Option {
	return func(o *orchestratorOptions) {
		o.spawner = s
	}
}

// WithInjector supplies the injector. The caller keeps ownership and must
// close it; by default the orchestrator creates and closes its own.
func WithInjector(inj *injector.Injector) Option {
	return func(o *orchestratorOptions) {
		o.injector = inj
	}
}

// WithCheckpointStore archives every checkpoint to store.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(o *orchestratorOptions) {
		o.store = store
	}
}

// WithDetectorOptions adds options applied to every agent's detector.
func WithDetectorOptions(opts ...detector.Option) Option {
	return func(o *orchestratorOptions) {
		o.detectorOpts = append(o.detectorOpts, opts...)
	}
}
