package orchestrator

import (
	"fmt"
	"sync"

	"github.com/ShayCichocki/troupe/internal/errs"
)

// AgentRegistry holds the live agents in registration order.
// It provides thread-safe storage and retrieval of agents by name.
type AgentRegistry struct {
	// agents maps agent names to agents.
	agents map[string]*agent
	// order is the registration order, used for listing and tie-breaking.
	order []string
	// mu protects all fields.
	mu sync.RWMutex
}

// NewAgentRegistry creates a new AgentRegistry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*agent),
	}
}

// checkSpawn reports whether an agent called name could be added without
// exceeding max. A max of zero or less means unlimited.
func (r *AgentRegistry) checkSpawn(name string, max int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("%w: %q", errs.ErrDuplicateAgent, name)
	}
	if max > 0 && len(r.agents) >= max {
		return fmt.Errorf("%w: %d agents", errs.ErrCapacity, max)
	}
	return nil
}

// Register adds an agent to the registry.
func (r *AgentRegistry) Register(a *agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[a.name]; !ok {
		r.order = append(r.order, a.name)
	}
	r.agents[a.name] = a
}

// Get retrieves an agent by name.
// Returns nil if the agent is not registered.
func (r *AgentRegistry) Get(name string) *agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// Unregister removes a, if it is still the agent registered under its name.
// It reports whether anything was removed.
func (r *AgentRegistry) Unregister(a *agent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agents[a.name] != a {
		return false
	}
	delete(r.agents, a.name)
	for i, n := range r.order {
		if n == a.name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns the registered agents in registration order.
func (r *AgentRegistry) All() []*agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*agent, 0, len(r.order))
	for _, n := range r.order {
		agents = append(agents, r.agents[n])
	}
	return agents
}

// Count returns the number of registered agents.
func (r *AgentRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
