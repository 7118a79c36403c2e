// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mediator

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianReview/services/review/graph"
)

// DepthInfinite marks a file whose dependency depth could not be
// established within the search cap.
const DepthInfinite = -1

// RippleImpact describes one file reached by a ripple-effect query.
type RippleImpact struct {
	// Path is the affected file.
	Path string `json:"path"`

	// Depth is the reverse-dependency distance from the changed file, or
	// DepthInfinite when the search cap was exhausted first.
	Depth int `json:"depth"`

	// Impact is "direct" for depth 1, "indirect" otherwise.
	Impact string `json:"impact"`

	// Functions lists functions in this file that call the changed
	// function by name. Empty when no changed function was given.
	Functions []string `json:"functions,omitempty"`
}

// RippleResult is the response to a ripple-effect query.
type RippleResult struct {
	ChangedFile     string         `json:"changed_file"`
	ChangedFunction string         `json:"changed_function,omitempty"`
	AffectedFiles   []RippleImpact `json:"affected_files"`
}

// RippleEffect reports which files a change would reach through reverse
// dependencies.
//
// Description:
//
//	Walks reverse edges breadth-first from the changed file, bounded by
//	the configured ripple depth. When a changed function name is given,
//	each affected file also lists its functions whose call sets contain
//	that name; call detection is textual, so this is a candidate list,
//	not proof of reachability.
//
// Inputs:
//
//	sessionID - The session id.
//	changedFile - A path known to the session's graph.
//	changedFunction - Optional function name to narrow the impact.
//
// Outputs:
//
//	*RippleResult - Affected files ordered by depth, then path.
//	error - ErrStateNotFound, or an error for unknown files.
func (m *Mediator) RippleEffect(sessionID, changedFile, changedFunction string) (*RippleResult, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	resolved, known := resolveMention(changedFile, st.Graph)
	if !known {
		return nil, fmt.Errorf("file %q is not in the dependency graph", changedFile)
	}
	rippleQueries.Inc()

	result := &RippleResult{
		ChangedFile:     resolved,
		ChangedFunction: changedFunction,
	}

	for _, path := range reverseNeighborhood(st.Graph, resolved, m.cfg.RippleDepth) {
		depth := dependencyDepth(st.Graph, resolved, path, m.cfg.DepthSearchCap)
		impact := "indirect"
		if depth == 1 {
			impact = "direct"
		}

		ri := RippleImpact{Path: path, Depth: depth, Impact: impact}
		if changedFunction != "" {
			if node := st.Graph.Node(path); node != nil {
				for _, fn := range node.Functions {
					for _, call := range fn.Calls {
						if call == changedFunction {
							ri.Functions = append(ri.Functions, fn.Name)
							break
						}
					}
				}
			}
		}
		result.AffectedFiles = append(result.AffectedFiles, ri)
	}

	sort.Slice(result.AffectedFiles, func(i, j int) bool {
		a, b := result.AffectedFiles[i], result.AffectedFiles[j]
		if a.Depth != b.Depth {
			// Infinite depths sort last.
			if a.Depth == DepthInfinite {
				return false
			}
			if b.Depth == DepthInfinite {
				return true
			}
			return a.Depth < b.Depth
		}
		return a.Path < b.Path
	})
	return result, nil
}

// reverseNeighborhood returns every file reachable from start within
// maxHops reverse-dependency hops, excluding start, sorted by path.
func reverseNeighborhood(g *graph.Graph, start string, maxHops int) []string {
	visited := map[string]bool{start: true}
	frontier := []string{start}

	var out []string
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, file := range frontier {
			for _, dep := range g.ReverseDeps(file) {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				next = append(next, dep)
				out = append(out, dep)
			}
		}
		frontier = next
	}
	sort.Strings(out)
	return out
}

// dependencyDepth returns the shortest reverse-edge distance from start to
// target, or DepthInfinite if the search visits searchCap files without
// reaching it. The cap counts visited files, not hops: since each hop
// visits at least one new file, a cap of N never allows more than N hops,
// and it also bounds work on wide graphs where a hop limit alone would
// not.
func dependencyDepth(g *graph.Graph, start, target string, searchCap int) int {
	if start == target {
		return 0
	}
	visited := map[string]bool{start: true}
	frontier := []string{start}

	for depth := 1; len(frontier) > 0; depth++ {
		var next []string
		for _, file := range frontier {
			for _, dep := range g.ReverseDeps(file) {
				if visited[dep] {
					continue
				}
				if dep == target {
					return depth
				}
				visited[dep] = true
				if len(visited) > searchCap {
					return DepthInfinite
				}
				next = append(next, dep)
			}
		}
		frontier = next
	}
	return DepthInfinite
}
