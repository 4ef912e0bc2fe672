package detector

import (
	"fmt"
	"os"
	"regexp"

	"go.yaml.in/yaml/v3"
)

// States produced by the built-in pattern sets.
const (
	StateUnknown    = "unknown"
	StateError      = "error"
	StateReady      = "ready"
	StateComplete   = "complete"
	StateProcessing = "processing"
	StateWaiting    = "waiting"
	StateStreaming  = "streaming"
)

// PatternSet maps a group of regular expressions to a state. Sets are tried
// by descending Priority; within a set, patterns are tried in order.
type PatternSet struct {
	Name       string
	Patterns   []*regexp.Regexp
	Confidence float64
	Priority   int
}

type builtin struct {
	name       string
	confidence float64
	priority   int
	patterns   []string
}

var builtins = []builtin{
	{StateError, 0.95, 110, []string{
		`(?i)\b(error|exception|fatal|panic)\b\s*[:!]`,
		`(?i)traceback \(most recent call last\)`,
		`(?i)command not found`,
		`(?i)permission denied`,
		`(?i)\bfailed to\b`,
	}},
	{StateReady, 0.9, 100, []string{
		`(?m)[$#%❯›>]\s*$`,
		`(?im)^\s*(human|user|you)\s*:\s*$`,
		`(?i)how can i help`,
		`(?i)(ready|waiting) for (input|instructions)`,
	}},
	{StateComplete, 0.85, 90, []string{
		`(?i)\b(done|completed|finished)[.!]?\s*$`,
		`(?i)\btask (is )?complete\b`,
		`✓|✔`,
	}},
	{StateProcessing, 0.7, 80, []string{
		`(?i)\b(thinking|processing|analy[sz]ing|working|loading|generating)\b`,
		`[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`,
	}},
	{StateWaiting, 0.75, 70, []string{
		`(?i)\(y/n\)|\[y/n\]|\(yes/no\)`,
		`(?i)press (enter|any key)`,
		`(?i)do you want to`,
		`(?i)continue\?\s*$`,
	}},
	{StateStreaming, 0.6, 60, []string{
		`(\S+\s+){20,}`,
	}},
}

// DefaultPatternSets returns fresh copies of the built-in sets.
func DefaultPatternSets() []PatternSet {
	sets := make([]PatternSet, 0, len(builtins))
	for _, b := range builtins {
		set := PatternSet{Name: b.name, Confidence: b.confidence, Priority: b.priority}
		for _, p := range b.patterns {
			set.Patterns = append(set.Patterns, regexp.MustCompile(p))
		}
		sets = append(sets, set)
	}
	return sets
}

// patternFile is the on-disk format accepted by LoadPatternFile.
type patternFile struct {
	Patterns []struct {
		Name       string   `yaml:"name"`
		Regexes    []string `yaml:"regexes"`
		Confidence float64  `yaml:"confidence"`
		Priority   int      `yaml:"priority"`
	} `yaml:"patterns"`
}

// LoadPatternFile adds (or replaces) the pattern sets listed in a YAML file.
func (d *Detector) LoadPatternFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, p := range file.Patterns {
		if err := d.AddPattern(p.Name, p.Regexes, p.Confidence, p.Priority); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
