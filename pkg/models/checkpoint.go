package models

import (
	"encoding/json"
	"time"
)

// Checkpoint is a snapshot of orchestrator state that can be merged back later.
type Checkpoint struct {
	// ID is the generated checkpoint identifier (checkpoint_<hex>).
	ID string `json:"id"`
	// Agents maps agent name to its status at snapshot time.
	Agents map[string]AgentStatus `json:"agents"`
	// Memory is the full shared-memory map at snapshot time.
	Memory map[string]json.RawMessage `json:"memory"`
	// ActiveWorkflows lists workflow ids that were executing.
	ActiveWorkflows []string `json:"active_workflows"`
	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// Detection is a single classification of agent output.
type Detection struct {
	State       string    `json:"state"`
	Confidence  float64   `json:"confidence"`
	Pattern     string    `json:"pattern"`
	MatchedText string    `json:"matched_text"`
	Timestamp   time.Time `json:"timestamp"`
}
