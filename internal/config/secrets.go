package config

import (
	"strings"

	"github.com/ShayCichocki/troupe/pkg/models"
)

// secretMarkers flag environment variable names whose values are hidden
// when configuration is displayed.
var secretMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

// IsSecretName reports whether an environment variable name looks like it
// holds a credential, e.g. ANTHROPIC_API_KEY or GITHUB_TOKEN.
func IsSecretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range secretMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// MaskSecret returns a masked version of a secret for display.
// Shows the first 7 characters and last 4 characters of long values.
func MaskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}
	if len(value) <= 15 {
		return "***"
	}
	return value[:7] + "..." + value[len(value)-4:]
}

// Redacted returns a copy of cfg whose agent environment secrets are masked.
func Redacted(cfg *Config) *Config {
	out := *cfg
	out.Agents = make([]models.AgentConfig, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if len(a.Env) > 0 {
			env := make(map[string]string, len(a.Env))
			for k, v := range a.Env {
				if IsSecretName(k) {
					v = MaskSecret(v)
				}
				env[k] = v
			}
			a.Env = env
		}
		out.Agents[i] = a
	}
	return &out
}
