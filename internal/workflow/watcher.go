package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
)

// Handler receives each loaded workflow, or the error that prevented
// loading it.
type Handler func(w *Workflow, path string, err error)

// Watcher loads workflow files from a directory and reloads them when they
// are created or rewritten.
type Watcher struct {
	dir     string
	handler Handler
	log     *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches dir. Call Run to start delivering workflows.
func NewWatcher(dir string, handler Handler, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, handler: handler, log: logger, watcher: fw}, nil
}

// Run delivers every workflow already in the directory, in name order, then
// follows changes until ctx is done. It closes the underlying watcher on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.load(filepath.Join(w.dir, name))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.load(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("workflow watcher error", "err", err)
		}
	}
}

func (w *Watcher) load(path string) {
	if _, ok := formatFor(path); !ok {
		return
	}
	wf, err := LoadFile(path)
	if err != nil {
		w.log.Warn("workflow rejected", "path", path, "err", err)
	} else {
		w.log.Info("workflow loaded", "workflow", wf.ID, "path", path)
	}
	w.handler(wf, path, err)
}
