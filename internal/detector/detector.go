// Package detector classifies free-form terminal output into semantic states
// using prioritised regular expressions.
//
// AnalyzeOutput schedules the winning detection to commit after a debounce
// delay. A newer detection arriving first replaces the pending one. Commits
// pass a confidence gate before they change the current state:
//
//   - a detection for the current state is ignored
//   - confidence >= 0.8 always switches
//   - confidence in [0.6, 0.8) switches only when the previous applied
//     transition was itself >= 0.8, or nothing has been applied yet
//   - anything below 0.6 is dropped
package detector

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/troupe/internal/clock"
	"github.com/ShayCichocki/troupe/pkg/models"
)

const (
	DefaultDebounce    = 100 * time.Millisecond
	DefaultHistorySize = 100
	DefaultBufferSize  = 10000

	tailSize      = 1000
	changesBuffer = 64

	highConfidence = 0.8
	minConfidence  = 0.6
)

// StateChange is delivered on Changes for every applied transition.
type StateChange struct {
	From      string
	To        string
	Detection models.Detection
}

// Statistics summarises the transition history.
type Statistics struct {
	Counts    map[string]int
	MeanDwell map[string]time.Duration
	Total     int
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock driving the debounce timer.
func WithClock(c clock.Clock) Option { return func(d *Detector) { d.clock = c } }

// WithDebounce sets the commit delay.
func WithDebounce(delay time.Duration) Option { return func(d *Detector) { d.debounce = delay } }

// WithHistorySize bounds the transition history.
func WithHistorySize(n int) Option { return func(d *Detector) { d.historySize = n } }

// WithBufferSize bounds the rolling output buffer, in bytes.
func WithBufferSize(n int) Option { return func(d *Detector) { d.bufferSize = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Detector) { d.log = l } }

// WithName labels log lines with an agent name.
func WithName(name string) Option { return func(d *Detector) { d.name = name } }

// Detector is safe for concurrent use.
type Detector struct {
	name        string
	clock       clock.Clock
	debounce    time.Duration
	historySize int
	bufferSize  int
	log         *slog.Logger

	mu      sync.Mutex
	sets    []PatternSet
	buffer  string
	state   string
	history []models.Detection
	pending *models.Detection
	timer   *clock.Timer
	changes chan StateChange
	dropped int
	closed  bool
}

// New returns a Detector seeded with the built-in pattern sets.
func New(opts ...Option) *Detector {
	d := &Detector{
		clock:       clock.Real(),
		debounce:    DefaultDebounce,
		historySize: DefaultHistorySize,
		bufferSize:  DefaultBufferSize,
		state:       StateUnknown,
		changes:     make(chan StateChange, changesBuffer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d.sets = DefaultPatternSets()
	d.sortLocked()
	return d
}

// AddPattern registers a pattern set, replacing any set with the same name.
func (d *Detector) AddPattern(name string, patterns []string, confidence float64, priority int) error {
	if name == "" {
		return fmt.Errorf("pattern set name is required")
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("pattern set %s: confidence %.2f outside [0,1]", name, confidence)
	}
	set := PatternSet{Name: name, Confidence: confidence, Priority: priority}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("pattern set %s: %w", name, err)
		}
		set.Patterns = append(set.Patterns, re)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(name)
	d.sets = append(d.sets, set)
	d.sortLocked()
	return nil
}

// RemovePattern drops the named set. It reports whether the set existed.
func (d *Detector) RemovePattern(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(name)
}

// PatternSets returns the registered sets in match order.
func (d *Detector) PatternSets() []PatternSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PatternSet(nil), d.sets...)
}

// AnalyzeOutput classifies text and schedules the result for commit. It
// returns the detection, if any.
func (d *Detector) AnalyzeOutput(text string) (models.Detection, bool) {
	clean := ansi.Strip(text)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return models.Detection{}, false
	}

	d.buffer += clean
	if len(d.buffer) > d.bufferSize {
		d.buffer = d.buffer[len(d.buffer)-d.bufferSize:]
	}
	tail := d.buffer
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}

	det, ok := d.matchLocked(clean, tail)
	if !ok {
		d.mu.Unlock()
		return models.Detection{}, false
	}
	d.pending = &det
	switch {
	case d.debounce <= 0:
		d.mu.Unlock()
		d.commit()
		return det, true
	case d.timer == nil:
		d.timer = d.clock.AfterFunc(d.debounce, d.commit)
	default:
		d.timer.Reset(d.debounce)
	}
	d.mu.Unlock()
	return det, true
}

// ClassifyOnce classifies text without touching the buffer or scheduling a
// commit.
func (d *Detector) ClassifyOnce(text string) (models.Detection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.matchLocked(ansi.Strip(text), "")
}

// Changes delivers applied transitions. It is closed by Close. Transitions
// are dropped, and counted, when the reader falls behind.
func (d *Detector) Changes() <-chan StateChange { return d.changes }

// State returns the current committed state.
func (d *Detector) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Current returns the most recent applied detection.
func (d *Detector) Current() (models.Detection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return models.Detection{}, false
	}
	return d.history[len(d.history)-1], true
}

// History returns the applied detections, oldest first.
func (d *Detector) History() []models.Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Detection(nil), d.history...)
}

// Dropped returns the number of transitions not delivered on Changes.
func (d *Detector) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Statistics derives per-state counts and mean dwell times from the history.
// The dwell of an entry is the time until the next entry, so the current
// state does not contribute a dwell.
func (d *Detector) Statistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Statistics{
		Counts:    make(map[string]int),
		MeanDwell: make(map[string]time.Duration),
		Total:     len(d.history),
	}
	totals := make(map[string]time.Duration)
	samples := make(map[string]int)
	for i, det := range d.history {
		stats.Counts[det.State]++
		if i+1 < len(d.history) {
			totals[det.State] += d.history[i+1].Timestamp.Sub(det.Timestamp)
			samples[det.State]++
		}
	}
	for state, total := range totals {
		stats.MeanDwell[state] = total / time.Duration(samples[state])
	}
	return stats
}

// Reset cancels any pending commit and forgets the buffer, state and
// history. Pattern sets are kept.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
	d.buffer = ""
	d.state = StateUnknown
	d.history = nil
}

// Close cancels any pending commit and closes Changes. It is safe to call
// more than once.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = nil
	close(d.changes)
}

func (d *Detector) commit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.pending == nil {
		return
	}
	det := *d.pending
	d.pending = nil

	if !d.admitLocked(det) {
		d.log.Debug("detection dropped", "agent", d.name, "state", det.State, "confidence", det.Confidence)
		return
	}

	from := d.state
	d.state = det.State
	d.history = append(d.history, det)
	if over := len(d.history) - d.historySize; d.historySize > 0 && over > 0 {
		d.history = append([]models.Detection(nil), d.history[over:]...)
	}
	d.log.Debug("state change", "agent", d.name, "from", from, "state", det.State, "confidence", det.Confidence)

	select {
	case d.changes <- StateChange{From: from, To: det.State, Detection: det}:
	default:
		d.dropped++
	}
}

func (d *Detector) admitLocked(det models.Detection) bool {
	if det.State == d.state {
		return false
	}
	if det.Confidence >= highConfidence {
		return true
	}
	if det.Confidence < minConfidence {
		return false
	}
	return len(d.history) == 0 || d.history[len(d.history)-1].Confidence >= highConfidence
}

func (d *Detector) matchLocked(text, tail string) (models.Detection, bool) {
	for _, set := range d.sets {
		for _, re := range set.Patterns {
			for _, candidate := range []string{text, tail} {
				if candidate == "" {
					continue
				}
				if loc := re.FindStringIndex(candidate); loc != nil {
					return models.Detection{
						State:       set.Name,
						Confidence:  set.Confidence,
						Pattern:     re.String(),
						MatchedText: candidate[loc[0]:loc[1]],
						Timestamp:   d.clock.Now(),
					}, true
				}
			}
		}
	}
	return models.Detection{}, false
}

func (d *Detector) removeLocked(name string) bool {
	for i, set := range d.sets {
		if set.Name == name {
			d.sets = append(d.sets[:i], d.sets[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Detector) sortLocked() {
	sort.SliceStable(d.sets, func(i, j int) bool {
		return d.sets[i].Priority > d.sets[j].Priority
	})
}
