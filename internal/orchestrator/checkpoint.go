package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/pkg/models"
)

const checkpointKeyPrefix = "checkpoint:"

func newCheckpointID() string {
	return "checkpoint_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Checkpoint snapshots agent statuses, shared memory and active workflows.
// The snapshot is stored back into shared memory under "checkpoint:<id>"
// and, when configured, archived to the checkpoint store. Earlier
// checkpoint entries are left out of the snapshot.
func (o *Orchestrator) Checkpoint(ctx context.Context) (models.Checkpoint, error) {
	cp := models.Checkpoint{
		ID:        newCheckpointID(),
		Agents:    make(map[string]models.AgentStatus),
		Memory:    o.memory.snapshot(checkpointKeyPrefix),
		CreatedAt: o.clock.Now(),
	}
	for _, info := range o.ListAgents() {
		cp.Agents[info.Name] = info.Status
	}

	o.mu.RLock()
	for id := range o.active {
		cp.ActiveWorkflows = append(cp.ActiveWorkflows, id)
	}
	o.mu.RUnlock()
	sort.Strings(cp.ActiveWorkflows)

	raw, err := json.Marshal(cp)
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	o.memory.set(checkpointKeyPrefix+cp.ID, raw)

	if o.store != nil {
		if err := o.store.SaveCheckpoint(ctx, cp); err != nil {
			return models.Checkpoint{}, fmt.Errorf("archive checkpoint %s: %w", cp.ID, err)
		}
	}

	o.logger.Info("checkpoint created", "checkpoint", cp.ID, "keys", len(cp.Memory))
	o.emit(Event{Type: EventCheckpointCreated, Key: cp.ID})
	return cp, nil
}

// RestoreFromCheckpoint merges the checkpoint's memory into the current
// memory. Keys written after the checkpoint are kept.
func (o *Orchestrator) RestoreFromCheckpoint(ctx context.Context, id string) error {
	cp, err := o.findCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	o.memory.merge(cp.Memory)

	o.logger.Info("checkpoint restored", "checkpoint", id, "keys", len(cp.Memory))
	o.emit(Event{Type: EventCheckpointRestored, Key: id})
	return nil
}

func (o *Orchestrator) findCheckpoint(ctx context.Context, id string) (models.Checkpoint, error) {
	if raw, ok := o.memory.get(checkpointKeyPrefix + id); ok {
		var cp models.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return models.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", id, err)
		}
		return cp, nil
	}
	if o.store == nil {
		return models.Checkpoint{}, errs.NotFoundf("checkpoint %q", id)
	}
	cp, err := o.store.GetCheckpoint(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return models.Checkpoint{}, err
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return cp, nil
}
