// Package graph provides a dependency graph keyed by string IDs.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrCycleDetected indicates a circular dependency was found.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrUnknownNode indicates an edge points at a node that is not in the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode indicates a node was added twice.
	ErrDuplicateNode = errors.New("duplicate node")
)

// DependencyGraph is a directed graph where an edge a -> b means
// "a depends on b". It keeps a reverse index so dependents of a node can be
// found without scanning the whole graph.
type DependencyGraph struct {
	mu sync.RWMutex
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// dependents maps node ID to the IDs that depend on it.
	dependents map[string][]string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Add registers id with its dependencies. Every dependency must already be
// in the graph, so a new node cannot close a cycle and no search is run.
// Duplicate dependencies are collapsed.
func (g *DependencyGraph) Add(id string, deps []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	deps = dedupe(deps)
	for _, dep := range deps {
		if dep == id {
			return fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, id)
		}
		if _, exists := g.edges[dep]; !exists {
			return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, id, dep)
		}
	}

	g.edges[id] = deps
	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], id)
	}
	return nil
}

// Build replaces the graph with nodes, where nodes maps each ID to its
// dependencies. Edges may reference nodes in any order.
func (g *DependencyGraph) Build(nodes map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = make(map[string][]string, len(nodes))
	g.dependents = make(map[string][]string, len(nodes))

	// First pass: register all nodes.
	for id := range nodes {
		g.edges[id] = nil
	}
	// Second pass: edges, in sorted order so dependents lists are stable.
	for _, id := range sortedKeys(nodes) {
		deps := dedupe(nodes[id])
		for _, dep := range deps {
			if _, exists := g.edges[dep]; !exists {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownNode, id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		g.edges[id] = deps
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return fmt.Errorf("%w: %v", ErrCycleDetected, cycle)
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked() != nil
}

// FindCycle returns the IDs along one cycle, or nil.
func (g *DependencyGraph) FindCycle() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked()
}

// findCycleLocked runs a DFS with white/gray/black colouring and returns the
// first back edge's cycle. Assumes the lock is held.
func (g *DependencyGraph) findCycleLocked() []string {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(g.edges))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				for i := range stack {
					if stack[i] == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range sortedKeys(g.edges) {
		if colors[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopologicalSort returns node IDs with every dependency before its dependents.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.findCycleLocked() != nil {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.edges))
	result := make([]string, 0, len(g.edges))
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}
	for _, id := range sortedKeys(g.edges) {
		visit(id)
	}
	return result, nil
}

// Contains reports whether id is a node.
func (g *DependencyGraph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[id]
	return ok
}

// Size returns the number of nodes.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Dependencies returns the IDs id depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs that directly depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
