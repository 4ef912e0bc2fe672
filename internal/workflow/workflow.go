// Package workflow defines declarative multi-step workflows and turns their
// JSON or YAML form into validated values.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/troupe/internal/errs"
	"github.com/ShayCichocki/troupe/internal/graph"
)

// ErrorPolicy decides what a failed step does to the rest of its workflow.
type ErrorPolicy string

const (
	// OnErrorStop aborts the workflow and discards partial results.
	OnErrorStop ErrorPolicy = "stop"
	// OnErrorContinue keeps going and returns whatever succeeded.
	OnErrorContinue ErrorPolicy = "continue"
	// OnErrorRetry is accepted for compatibility. It behaves like stop once
	// per-step retries are exhausted.
	OnErrorRetry ErrorPolicy = "retry"
)

// Mode is how a workflow's steps are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// Millis is a duration written as milliseconds or as a Go duration string.
type Millis time.Duration

// Duration converts m to a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

func (m Millis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(time.Duration(m).Milliseconds(), 10)), nil
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.set(raw)
}

func (m *Millis) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return m.set(raw)
}

func (m *Millis) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*m = 0
	case float64:
		*m = Millis(time.Duration(v * float64(time.Millisecond)))
	case int:
		*m = Millis(time.Duration(v) * time.Millisecond)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("timeout %q: %w", v, err)
		}
		*m = Millis(d)
	default:
		return fmt.Errorf("timeout: unsupported value %v", raw)
	}
	return nil
}

// Step is one prompt delivered to one agent.
type Step struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Agent pins the step to a named agent. Empty means select by score.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Prompt may contain {{key}} placeholders resolved from shared memory.
	Prompt       string   `json:"prompt" yaml:"prompt"`
	Requirements []string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Timeout      Millis   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	// OutputKey, when set, also stores the step's response in shared memory.
	OutputKey    string `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
	RetryOnError bool   `json:"retryOnError,omitempty" yaml:"retryOnError,omitempty"`
	MaxRetries   int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// Workflow is a set of steps with a scheduling mode and error policy.
type Workflow struct {
	ID       string      `json:"id" yaml:"id"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Steps    []Step      `json:"steps" yaml:"steps"`
	Parallel bool        `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	OnError  ErrorPolicy `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// Mode returns the scheduling mode.
func (w *Workflow) Mode() Mode {
	if w.Parallel {
		return ModeParallel
	}
	return ModeSequential
}

// Clone returns a deep copy of w.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Steps = make([]Step, len(w.Steps))
	for i, s := range w.Steps {
		s.Requirements = slices.Clone(s.Requirements)
		s.DependsOn = slices.Clone(s.DependsOn)
		c.Steps[i] = s
	}
	return &c
}

// Step returns the step with the given id.
func (w *Workflow) Step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Graph returns the step dependency graph. It is not validated, so cycles
// and unknown dependencies surface when waves are planned.
func (w *Workflow) Graph() *graph.DependencyGraph {
	g := graph.New()
	g.Add(w.nodes())
	return g
}

// CheckDependencies reports unknown dependencies and cycles among the steps.
// Only parallel workflows depend on it; sequential ones ignore dependsOn.
func CheckDependencies(w *Workflow) error {
	if err := graph.New().Build(w.nodes()); err != nil {
		return fmt.Errorf("workflow %s: %w", w.ID, err)
	}
	return nil
}

func (w *Workflow) nodes() []graph.Node {
	nodes := make([]graph.Node, len(w.Steps))
	for i, s := range w.Steps {
		nodes[i] = graph.Node{ID: s.ID, DependsOn: s.DependsOn}
	}
	return nodes
}

// Format is an encoding accepted by Parse.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Parse decodes and validates a workflow. Unknown fields are rejected.
// FormatAuto treats input starting with '{' as JSON and anything else as YAML.
func Parse(data []byte, format Format) (*Workflow, error) {
	if format == FormatAuto {
		format = FormatYAML
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			format = FormatJSON
		}
	}

	var w Workflow
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: decode workflow: %v", errs.ErrConfiguration, err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&w); err != nil {
			return nil, fmt.Errorf("%w: decode workflow: %v", errs.ErrConfiguration, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown workflow format %q", errs.ErrConfiguration, format)
	}

	if err := Validate(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadFile reads a workflow from a .json, .yaml or .yml file.
func LoadFile(path string) (*Workflow, error) {
	format, ok := formatFor(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unsupported extension", errs.ErrConfiguration, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func formatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

// Validate checks w and fills defaults: OnError becomes stop and empty step
// names take the step id. Dependency cycles are not checked here.
func Validate(w *Workflow) error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if w.ID == "" {
		add("id is required")
	}
	if len(w.Steps) == 0 {
		add("at least one step is required")
	}
	switch w.OnError {
	case "":
		w.OnError = OnErrorStop
	case OnErrorStop, OnErrorContinue, OnErrorRetry:
	default:
		add("onError %q must be stop, continue or retry", w.OnError)
	}

	seen := make(map[string]bool, len(w.Steps))
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			add("step %d: id is required", i)
			continue
		}
		if seen[s.ID] {
			add("step %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			s.Name = s.ID
		}
		if strings.TrimSpace(s.Prompt) == "" {
			add("step %s: prompt is required", s.ID)
		}
		if s.Timeout < 0 {
			add("step %s: timeout must not be negative", s.ID)
		}
		if s.MaxRetries < 0 {
			add("step %s: maxRetries must not be negative", s.ID)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: workflow %q: %w", errs.ErrConfiguration, w.ID, errors.Join(problems...))
	}
	return nil
}
