package engine

import (
	"fmt"
	"sort"
	"strings"
)

// depGraph is the dependency graph over a set of resource descriptors.
// It validates edges, detects cycles, and computes a deterministic
// topological order with level annotations for parallel execution.
type depGraph struct {
	// nodes maps resource IDs to their descriptors
	nodes map[string]ResourceDescriptor

	// dependents maps a resource ID to the IDs that depend on it
	dependents map[string][]string

	// inDegree tracks the number of unresolved dependencies per node
	inDegree map[string]int
}

// buildGraph indexes the descriptors and validates dependency targets.
func buildGraph(descriptors []ResourceDescriptor) (*depGraph, error) {
	g := &depGraph{
		nodes:      make(map[string]ResourceDescriptor, len(descriptors)),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}

	for _, d := range descriptors {
		if d.ID == "" {
			return nil, NewValidationError("resource descriptor has empty ID")
		}
		if _, exists := g.nodes[d.ID]; exists {
			return nil, NewValidationError(fmt.Sprintf("duplicate resource ID: %s", d.ID)).
				WithResource(d.ID)
		}
		g.nodes[d.ID] = d
		g.inDegree[d.ID] = 0
	}

	for _, d := range g.nodes {
		for _, dep := range d.DependsOn {
			if _, exists := g.nodes[dep]; !exists {
				return nil, NewValidationError(
					fmt.Sprintf("resource %s depends on unknown resource %s", d.ID, dep),
				).WithResource(d.ID)
			}
			g.dependents[dep] = append(g.dependents[dep], d.ID)
			g.inDegree[d.ID]++
		}
	}

	return g, nil
}

// detectCycle runs a depth-first search with recursion-stack marking and
// returns a cycle error naming the offending path, if any.
func (g *depGraph) detectCycle() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	// Iterate IDs in ascending order so the reported cycle is stable.
	ids := g.sortedIDs()

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range g.sortedDependents(id) {
			if onStack[next] {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(path[start:], next)
				return NewCycleError(strings.Join(cycle, " -> "))
			}
			if !visited[next] {
				if err := visit(next, path); err != nil {
					return err
				}
			}
		}

		onStack[id] = false
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder computes the topological order using Kahn's algorithm. The
// ready set is sorted ascending at every level, so identical inputs always
// produce an identical order. Returns the flat order and the level of each
// node.
func (g *depGraph) topoOrder() ([]string, map[string]int, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		inDegree[id] = deg
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	levels := make(map[string]int, len(g.nodes))

	level := 0
	for len(ready) > 0 {
		var next []string
		for _, id := range ready {
			order = append(order, id)
			levels[id] = level
			for _, dep := range g.dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
		level++
	}

	// Unreachable when detectCycle ran first; kept as a guard against
	// callers skipping it.
	if len(order) != len(g.nodes) {
		return nil, nil, NewCycleError("graph contains unprocessable nodes")
	}

	return order, levels, nil
}

// sortedIDs returns all node IDs ascending.
func (g *depGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sortedDependents returns the dependents of a node ascending.
func (g *depGraph) sortedDependents(id string) []string {
	deps := make([]string, len(g.dependents[id]))
	copy(deps, g.dependents[id])
	sort.Strings(deps)
	return deps
}
