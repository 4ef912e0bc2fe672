package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// lockedWriter serializes result objects from concurrent workflow runs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLockedWriter(w io.Writer) *lockedWriter {
	return &lockedWriter{w: w}
}

// writeResults prints one compact JSON line per run.
func (l *lockedWriter) writeResults(workflowID string, results map[string]string) error {
	data, err := json.Marshal(struct {
		Workflow string            `json:"workflow"`
		Results  map[string]string `json:"results"`
	}{workflowID, results})
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintln(l.w, string(data))
	return err
}
