package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/troupe/pkg/models"
)

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate(ctx context.Context) error
}

// CheckpointArchive stores checkpoints across orchestrator runs.
type CheckpointArchive interface {
	SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]CheckpointSummary, error)
	DeleteCheckpoint(ctx context.Context, id string) error
	PurgeCheckpoints(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error)
}

// Store is the full persistence surface used by the CLI.
type Store interface {
	io.Closer
	Migrator
	CheckpointArchive
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store             = (*DB)(nil)
	_ Migrator          = (*DB)(nil)
	_ CheckpointArchive = (*DB)(nil)
)
