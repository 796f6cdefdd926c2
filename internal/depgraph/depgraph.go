// Package depgraph builds the dependency DAG of declared resource kinds,
// rejects cycles at registration time, and produces the topological order
// used for cascading init and reversed for shutdown.
package depgraph

import (
	"fmt"
	"sort"
	"sync"

	"resourcelife/kind"
)

// CycleError reports one concrete cycle found in the dependency graph.
type CycleError struct {
	Cycle []kind.ResourceKind
}

func (e *CycleError) Error() string {
	s := ""
	for i, k := range e.Cycle {
		if i > 0 {
			s += " -> "
		}
		s += k.String()
	}
	return fmt.Sprintf("depgraph: circular dependency: %s", s)
}

// Graph is a concurrency-safe adjacency-list DAG keyed by ResourceKind.
type Graph struct {
	mu    sync.RWMutex
	edges map[kind.ResourceKind][]kind.ResourceKind
	nodes map[kind.ResourceKind]bool
}

// New constructs an empty Graph.
func New() *Graph {
	return &Graph{
		edges: make(map[kind.ResourceKind][]kind.ResourceKind),
		nodes: make(map[kind.ResourceKind]bool),
	}
}

// AddNode inserts k with no edges if it is not already present.
func (g *Graph) AddNode(k kind.ResourceKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[k] = true
	if _, ok := g.edges[k]; !ok {
		g.edges[k] = nil
	}
}

// AddDependency records that k depends on dep ("k -> dep" in cycle
// notation: dep must be Ready before k is created). It returns a
// *CycleError, leaving the graph unchanged, if the new edge would close a
// cycle.
func (g *Graph) AddDependency(k, dep kind.ResourceKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[k] = true
	g.nodes[dep] = true
	g.edges[k] = append(g.edges[k], dep)

	if cycle := g.findCycleLocked(); cycle != nil {
		// Roll back: the attempted edge must not persist past rejection.
		g.edges[k] = g.edges[k][:len(g.edges[k])-1]
		return &CycleError{Cycle: cycle}
	}
	return nil
}

// findCycleLocked returns one concrete cycle (as a path ending back at its
// start) if the graph currently contains one, else nil. Callers must hold
// g.mu.
func (g *Graph) findCycleLocked() []kind.ResourceKind {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[kind.ResourceKind]int, len(g.nodes))
	var path []kind.ResourceKind

	var visit func(n kind.ResourceKind) []kind.ResourceKind
	visit = func(n kind.ResourceKind) []kind.ResourceKind {
		color[n] = gray
		path = append(path, n)
		for _, dep := range g.edges[n] {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				// Found the back edge; build the cycle from its first
				// occurrence in path to here, plus the closing node.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cyc := append([]kind.ResourceKind{}, path[start:]...)
				cyc = append(cyc, dep)
				return cyc
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	// Deterministic iteration order keeps the reported cycle stable given
	// the same registration sequence.
	for _, n := range g.orderedNodesLocked() {
		if color[n] == white {
			if cyc := visit(n); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func (g *Graph) orderedNodesLocked() []kind.ResourceKind {
	out := make([]kind.ResourceKind, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UniqueKey() < out[j].UniqueKey() })
	return out
}

// TopologicalOrder returns kinds ordered so that every kind appears after
// all of its dependencies (dependency-first init order). It is recomputed
// on demand; callers should have already rejected cycles via AddDependency.
func (g *Graph) TopologicalOrder() []kind.ResourceKind {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[kind.ResourceKind]bool, len(g.nodes))
	var order []kind.ResourceKind

	var visit func(n kind.ResourceKind)
	visit = func(n kind.ResourceKind) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, dep := range g.edges[n] {
			visit(dep)
		}
		order = append(order, n)
	}

	for _, n := range g.orderedNodesLocked() {
		visit(n)
	}
	return order
}

// ShutdownOrder is TopologicalOrder reversed: dependents are torn down
// before their dependencies.
func (g *Graph) ShutdownOrder() []kind.ResourceKind {
	order := g.TopologicalOrder()
	reversed := make([]kind.ResourceKind, len(order))
	for i, k := range order {
		reversed[len(order)-1-i] = k
	}
	return reversed
}

// Dependencies returns the direct dependencies declared for k.
func (g *Graph) Dependencies(k kind.ResourceKind) []kind.ResourceKind {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]kind.ResourceKind, len(g.edges[k]))
	copy(out, g.edges[k])
	return out
}
