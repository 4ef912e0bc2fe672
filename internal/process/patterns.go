package process

import "regexp"

// Patterns are the regular expressions used to classify output. Each set is
// tried against the newest chunk and against the tail of the retained output.
type Patterns struct {
	Error      []*regexp.Regexp
	Ready      []*regexp.Regexp
	Completion []*regexp.Regexp
}

// DefaultPatterns recognises common shell and AI CLI output.
func DefaultPatterns() Patterns {
	return Patterns{
		Error: []*regexp.Regexp{
			regexp.MustCompile(`(?im)^\s*(error|fatal|panic|exception)\b[:!]`),
			regexp.MustCompile(`(?i)traceback \(most recent call last\)`),
			regexp.MustCompile(`(?i)command not found`),
			regexp.MustCompile(`(?i)permission denied`),
		},
		Ready: []*regexp.Regexp{
			regexp.MustCompile(`(?m)[$#%❯›>]\s*$`),
			regexp.MustCompile(`(?im)^\s*(human|user|you)\s*:\s*$`),
			regexp.MustCompile(`(?i)(ready|waiting) for (input|instructions)`),
		},
		Completion: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(done|completed|finished)[.!]?\s*$`),
			regexp.MustCompile(`✓|✔`),
		},
	}
}
