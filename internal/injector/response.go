package injector

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	promptLine    = regexp.MustCompile(`(?m)^[^\n]*[$#%❯›>]\s*\z`)
	trailingPunct = regexp.MustCompile(`[.!?]["')\]]?\s*\z`)
	endMarkers    = []string{"[END]", "<<<END>>>", "---END---"}
)

// ExtractResponse decides whether raw output received after sending prompt
// holds a complete reply, and returns the reply text. The echoed prompt is
// dropped. A reply is complete at the first of: a fresh prompt line, an end
// marker, a blank line, or trailing sentence punctuation.
func ExtractResponse(raw, prompt string) (string, bool) {
	text := strings.ReplaceAll(ansi.Strip(raw), "\r", "")

	echoed := false
	if p := strings.TrimSpace(prompt); p != "" {
		if idx := strings.Index(text, p); idx >= 0 {
			text = text[idx+len(p):]
			echoed = true
		}
	}
	text = strings.TrimLeft(text, "\n")

	if loc := promptLine.FindStringIndex(text); loc != nil {
		if resp := strings.TrimSpace(text[:loc[0]]); resp != "" || echoed {
			return resp, true
		}
	}
	for _, marker := range endMarkers {
		if idx := strings.Index(text, marker); idx >= 0 {
			return strings.TrimSpace(text[:idx]), true
		}
	}
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		if resp := strings.TrimSpace(text[:idx]); resp != "" {
			return resp, true
		}
	}
	if trailingPunct.MatchString(text) {
		if resp := strings.TrimSpace(text); resp != "" {
			return resp, true
		}
	}
	return "", false
}
