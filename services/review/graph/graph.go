// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds and queries the per-session file dependency graph.
//
// The graph is built once when a review session starts and frozen before
// any consumer sees it. Nodes are source files, edges are resolved local
// imports. External package imports and unresolvable specifiers never
// become edges; unresolvable *local* specifiers are retained separately so
// the mediator can still reason about them.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianReview/services/review/ast"
)

// EdgeKind classifies a dependency edge.
type EdgeKind string

const (
	// EdgeStatic is a static `import ... from` (or CommonJS require) edge.
	EdgeStatic EdgeKind = "static"

	// EdgeDynamic is a dynamic `import(...)` edge.
	EdgeDynamic EdgeKind = "dynamic"
)

// Edge is a resolved dependency between two files in the session's file set.
type Edge struct {
	// From is the importing file path.
	From string `json:"from"`

	// To is the imported file path, resolved against the known file set.
	To string `json:"to"`

	// Kind is the import form.
	Kind EdgeKind `json:"kind"`

	// Specifiers are the names bound by the import, if any.
	Specifiers []string `json:"specifiers,omitempty"`
}

// Stats summarizes graph shape for query responses.
type Stats struct {
	// NodeCount is the number of analyzed files.
	NodeCount int `json:"node_count"`

	// EdgeCount is the number of resolved local-import edges.
	EdgeCount int `json:"edge_count"`

	// CycleCount is the number of distinct import cycles.
	CycleCount int `json:"cycle_count"`
}

// Graph is the immutable-after-freeze dependency graph for one session.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. After Freeze() the graph is
//	read-only and safe for concurrent reads; the builder freezes it
//	before returning, so consumers only ever see the frozen form.
type Graph struct {
	workingDir string
	nodes      map[string]*ast.FileNode
	edges      []Edge
	reverse    map[string][]string
	unresolved map[string][]ast.Import
	frozen     bool
}

// NewGraph creates an empty graph rooted at workingDir.
func NewGraph(workingDir string) *Graph {
	return &Graph{
		workingDir: workingDir,
		nodes:      make(map[string]*ast.FileNode),
		reverse:    make(map[string][]string),
		unresolved: make(map[string][]ast.Import),
	}
}

// WorkingDir returns the directory the graph was built against.
func (g *Graph) WorkingDir() string { return g.workingDir }

// AddNode adds a file node. Returns an error after Freeze or on duplicates.
func (g *Graph) AddNode(node *ast.FileNode) error {
	if g.frozen {
		return fmt.Errorf("graph is frozen")
	}
	if node == nil {
		return fmt.Errorf("node must not be nil")
	}
	if _, ok := g.nodes[node.Path]; ok {
		return fmt.Errorf("duplicate node %q", node.Path)
	}
	g.nodes[node.Path] = node
	return nil
}

// AddEdge adds a forward edge and its matching reverse entry.
//
// Invariant: every forward edge (A -> B) has a reverse entry mapping B back
// to A. Both are written here and nowhere else.
func (g *Graph) AddEdge(e Edge) error {
	if g.frozen {
		return fmt.Errorf("graph is frozen")
	}
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("unknown from node %q", e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("unknown to node %q", e.To)
	}
	g.edges = append(g.edges, e)
	g.reverse[e.To] = append(g.reverse[e.To], e.From)
	return nil
}

// AddUnresolvedLocal records a local import that could not be resolved
// against the file set. It never becomes an edge.
func (g *Graph) AddUnresolvedLocal(from string, imp ast.Import) error {
	if g.frozen {
		return fmt.Errorf("graph is frozen")
	}
	g.unresolved[from] = append(g.unresolved[from], imp)
	return nil
}

// Freeze makes the graph immutable.
func (g *Graph) Freeze() { g.frozen = true }

// Frozen reports whether the graph has been frozen.
func (g *Graph) Frozen() bool { return g.frozen }

// Node returns the file node for path, or nil if the file is not in the
// graph. Absence is an expected condition, not an error.
func (g *Graph) Node(path string) *ast.FileNode {
	return g.nodes[path]
}

// Paths returns all node paths in sorted order.
func (g *Graph) Paths() []string {
	out := make([]string, 0, len(g.nodes))
	for p := range g.nodes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Edges returns all edges. Callers must not mutate the result.
func (g *Graph) Edges() []Edge { return g.edges }

// EdgesFrom returns the forward edges originating at path.
func (g *Graph) EdgesFrom(path string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.From == path {
			out = append(out, e)
		}
	}
	return out
}

// ReverseDeps returns the files that import path. Callers must not mutate
// the result.
func (g *Graph) ReverseDeps(path string) []string {
	return g.reverse[path]
}

// UnresolvedLocal returns the local imports of path that did not resolve.
func (g *Graph) UnresolvedLocal(path string) []ast.Import {
	return g.unresolved[path]
}

// ExportCount returns the number of exports of path, 0 for unknown files.
func (g *Graph) ExportCount(path string) int {
	node := g.nodes[path]
	if node == nil {
		return 0
	}
	return len(node.Exports)
}

// Stats returns node/edge/cycle counts. Cycle detection runs on demand.
func (g *Graph) Stats() Stats {
	return Stats{
		NodeCount:  len(g.nodes),
		EdgeCount:  len(g.edges),
		CycleCount: len(g.FindCycles()),
	}
}

// FindCycles returns every distinct import cycle in the graph.
//
// Description:
//
//	Depth-first search with an explicit recursion stack over the full edge
//	list. Each cycle is reported exactly once as the path of files forming
//	it, e.g. [a.ts, b.ts, c.ts] for a -> b -> c -> a. Rotations of the
//	same cycle are collapsed to a single canonical form.
//
// Outputs:
//
//	[][]string - The cycles, deterministic across calls on the same graph.
func (g *Graph) FindCycles() [][]string {
	adjacency := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	for from := range adjacency {
		sort.Strings(adjacency[from])
	}

	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string
	var cycles [][]string
	seen := make(map[string]bool)

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			if onStack[next] {
				cycle := extractCycle(stack, next)
				key := canonicalCycleKey(cycle)
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
				continue
			}
			if !visited[next] {
				dfs(next)
			}
		}

		stack = stack[:len(stack)-1]
		onStack[node] = false
	}

	for _, path := range g.Paths() {
		if !visited[path] {
			dfs(path)
		}
	}
	return cycles
}

// extractCycle copies the stack suffix beginning at the first occurrence
// of start.
func extractCycle(stack []string, start string) []string {
	for i, node := range stack {
		if node == start {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

// canonicalCycleKey rotates a cycle so its lexicographically smallest
// member comes first, producing a rotation-invariant identity.
func canonicalCycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	minIdx := 0
	for i, node := range cycle {
		if node < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	rotated = append(rotated, cycle[:minIdx]...)
	return strings.Join(rotated, " -> ")
}
