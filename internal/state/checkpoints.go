package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/pkg/models"
)

// CheckpointSummary is a listing entry that omits the memory snapshot.
type CheckpointSummary struct {
	ID              string
	CreatedAt       time.Time
	Keys            int
	Agents          int
	ActiveWorkflows []string
}

// SaveCheckpoint archives cp, replacing any checkpoint with the same id.
func (db *DB) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("save checkpoint: empty id")
	}
	memory, err := json.Marshal(cp.Memory)
	if err != nil {
		return fmt.Errorf("encode checkpoint memory: %w", err)
	}
	workflows := cp.ActiveWorkflows
	if workflows == nil {
		workflows = []string{}
	}
	active, err := json.Marshal(workflows)
	if err != nil {
		return fmt.Errorf("encode active workflows: %w", err)
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_agents WHERE checkpoint_id = ?`, cp.ID); err != nil {
			return fmt.Errorf("clear checkpoint agents: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO checkpoints (id, created_at, memory, active_workflows)
			VALUES (?, ?, ?, ?)
		`, cp.ID, formatTime(cp.CreatedAt), string(memory), string(active))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		for name, status := range cp.Agents {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO checkpoint_agents (checkpoint_id, name, status) VALUES (?, ?, ?)
			`, cp.ID, name, string(status))
			if err != nil {
				return fmt.Errorf("insert checkpoint agent %s: %w", name, err)
			}
		}
		return nil
	})
}

// GetCheckpoint loads a checkpoint. Unknown ids return an error wrapping
// errs.ErrNotFound.
func (db *DB) GetCheckpoint(ctx context.Context, id string) (models.Checkpoint, error) {
	var createdAt, memory, active string
	row := db.QueryRow(ctx, `SELECT created_at, memory, active_workflows FROM checkpoints WHERE id = ?`, id)
	if err := row.Scan(&createdAt, &memory, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Checkpoint{}, errs.NotFoundf("checkpoint %q", id)
		}
		return models.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", id, err)
	}

	cp := models.Checkpoint{ID: id, Agents: make(map[string]models.AgentStatus)}
	var err error
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Checkpoint{}, fmt.Errorf("parse checkpoint time: %w", err)
	}
	if err := json.Unmarshal([]byte(memory), &cp.Memory); err != nil {
		return models.Checkpoint{}, fmt.Errorf("decode checkpoint memory: %w", err)
	}
	if err := json.Unmarshal([]byte(active), &cp.ActiveWorkflows); err != nil {
		return models.Checkpoint{}, fmt.Errorf("decode active workflows: %w", err)
	}

	rows, err := db.Query(ctx, `SELECT name, status FROM checkpoint_agents WHERE checkpoint_id = ?`, id)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("get checkpoint agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return models.Checkpoint{}, fmt.Errorf("scan checkpoint agent: %w", err)
		}
		cp.Agents[name] = models.AgentStatus(status)
	}
	return cp, rows.Err()
}

// ListCheckpoints returns archived checkpoints, newest first.
func (db *DB) ListCheckpoints(ctx context.Context) ([]CheckpointSummary, error) {
	rows, err := db.Query(ctx, `
		SELECT c.id, c.created_at, c.memory, c.active_workflows,
			(SELECT COUNT(*) FROM checkpoint_agents a WHERE a.checkpoint_id = c.id)
		FROM checkpoints c
		ORDER BY c.created_at DESC, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointSummary
	for rows.Next() {
		var (
			s                         CheckpointSummary
			createdAt, memory, active string
		)
		if err := rows.Scan(&s.ID, &createdAt, &memory, &active, &s.Agents); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse checkpoint time: %w", err)
		}
		var keys map[string]json.RawMessage
		if err := json.Unmarshal([]byte(memory), &keys); err != nil {
			return nil, fmt.Errorf("decode checkpoint memory: %w", err)
		}
		s.Keys = len(keys)
		if err := json.Unmarshal([]byte(active), &s.ActiveWorkflows); err != nil {
			return nil, fmt.Errorf("decode active workflows: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes a checkpoint. Unknown ids return an error
// wrapping errs.ErrNotFound.
func (db *DB) DeleteCheckpoint(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_agents WHERE checkpoint_id = ?`, id); err != nil {
			return fmt.Errorf("delete checkpoint agents: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			return errs.NotFoundf("checkpoint %q", id)
		}
		return nil
	})
}

// PurgeCheckpoints deletes checkpoints created before now minus olderThan.
// Returns the number of checkpoints deleted.
func (db *DB) PurgeCheckpoints(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(now.Add(-olderThan))
	var count int64
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM checkpoint_agents WHERE checkpoint_id IN
				(SELECT id FROM checkpoints WHERE created_at < ?)
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge checkpoint agents: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge checkpoints: %w", err)
		}
		count, err = res.RowsAffected()
		return err
	})
	return count, err
}
