// Package graph provides a dependency graph for workflow step scheduling.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/troupe/internal/errs"
)

// ErrCycleDetected indicates the steps cannot all be ordered, either because
// of a circular dependency or a dependency on a step that does not exist.
var ErrCycleDetected = fmt.Errorf("%w: circular dependency detected", errs.ErrCycle)

// Node is a step and the ids of the steps it depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// DependencyGraph is a directed graph of step dependencies. Edges point from
// a step to the steps that must finish before it.
type DependencyGraph struct {
	mu sync.RWMutex
	// order preserves declaration order so results are deterministic.
	order []string
	edges map[string][]string
}

// New creates an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{edges: make(map[string][]string)}
}

// Add registers nodes without validating them. Dependencies on unknown
// steps are kept and make the graph unresolvable.
func (g *DependencyGraph) Add(nodes []Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range nodes {
		if _, seen := g.edges[n.ID]; !seen {
			g.order = append(g.order, n.ID)
		}
		g.edges[n.ID] = append([]string(nil), n.DependsOn...)
	}
}

// Build adds nodes and rejects duplicates, unknown dependencies and cycles.
func (g *DependencyGraph) Build(nodes []Node) error {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.ID] {
			return fmt.Errorf("duplicate step %s", n.ID)
		}
		seen[n.ID] = true
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step %s depends on unknown step %s", errs.ErrCycle, n.ID, dep)
			}
		}
	}

	g.Add(nodes)
	if g.HasCycle() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle reports whether the graph contains a circular dependency, using
// depth-first search with colouring to find back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

func (g *DependencyGraph) hasCycleLocked() bool {
	const (
		white = iota
		grey
		black
	)
	colors := make(map[string]int, len(g.order))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = grey
		for _, dep := range g.edges[id] {
			if _, known := g.edges[dep]; !known {
				continue
			}
			switch colors[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// Waves groups steps by frontier expansion: each wave holds every step not
// yet scheduled whose dependencies all lie in earlier waves. When steps
// remain but none can be added the graph is unresolvable.
func (g *DependencyGraph) Waves() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	done := make(map[string]bool, len(g.order))
	var waves [][]string
	for len(done) < len(g.order) {
		var wave []string
		for _, id := range g.order {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range g.edges[id] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: unresolvable steps %v", ErrCycleDetected, g.remainingLocked(done))
		}
		for _, id := range wave {
			done[id] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

func (g *DependencyGraph) remainingLocked(done map[string]bool) []string {
	var rest []string
	for _, id := range g.order {
		if !done[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return rest
}
