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
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianReview/services/review/graph"
)

// Round output is untrusted free text, so file references are recovered by
// three independent textual patterns and merged per file:
//
//	src/a.ts:42          - colon-separated file:line
//	src/a.ts (line 42)   - prose form
//	`src/a.ts`           - backtick-quoted bare mention
var (
	sourceExtAlt = `(?:ts|tsx|js|jsx|mjs|cjs)`

	reFileColonLine = regexp.MustCompile(`([\w@./-]+\.` + sourceExtAlt + `):(\d+)`)
	reFileProseLine = regexp.MustCompile(`([\w@./-]+\.` + sourceExtAlt + `)\s*\(line\s+(\d+)\)`)
	reFileBacktick  = regexp.MustCompile("`" + `([\w@./ -]+\.` + sourceExtAlt + `)` + "`")
)

// extractMentions recovers the files referenced in output and resolves
// them against the graph's known paths.
//
// Description:
//
//	Each pattern contributes (path, line) pairs; pairs are merged per
//	resolved path, line sets deduplicated and sorted. Resolution tries an
//	exact node match first, then a unique suffix match (a mention of
//	"a.ts" resolves to "src/a.ts" when exactly one node ends with
//	"/a.ts"). Ambiguous or unknown mentions are kept as written with
//	Known=false so drift detection still sees them.
func extractMentions(output string, g *graph.Graph) []Mention {
	type rawMention struct {
		lines map[int]bool
	}
	raw := make(map[string]*rawMention)

	add := func(path string, line int) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		m, ok := raw[path]
		if !ok {
			m = &rawMention{lines: make(map[int]bool)}
			raw[path] = m
		}
		if line > 0 {
			m.lines[line] = true
		}
	}

	for _, m := range reFileColonLine.FindAllStringSubmatch(output, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line)
	}
	for _, m := range reFileProseLine.FindAllStringSubmatch(output, -1) {
		line, _ := strconv.Atoi(m[2])
		add(m[1], line)
	}
	for _, m := range reFileBacktick.FindAllStringSubmatch(output, -1) {
		add(m[1], 0)
	}

	// Merge mentions that resolve to the same known path.
	merged := make(map[string]*Mention)
	for path, rm := range raw {
		resolved, known := resolveMention(path, g)
		m, ok := merged[resolved]
		if !ok {
			m = &Mention{Path: resolved, Known: known}
			merged[resolved] = m
		}
		for line := range rm.lines {
			m.Lines = append(m.Lines, line)
		}
	}

	out := make([]Mention, 0, len(merged))
	for _, m := range merged {
		sort.Ints(m.Lines)
		m.Lines = dedupSortedInts(m.Lines)
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// resolveMention maps a mentioned path onto a graph node path.
func resolveMention(path string, g *graph.Graph) (string, bool) {
	if g.Node(path) != nil {
		return path, true
	}

	suffix := "/" + strings.TrimPrefix(path, "./")
	var match string
	for _, known := range g.Paths() {
		if strings.HasSuffix(known, suffix) || known == strings.TrimPrefix(path, "./") {
			if match != "" {
				// Ambiguous: keep the mention as written.
				return path, false
			}
			match = known
		}
	}
	if match != "" {
		return match, true
	}
	return path, false
}

// dedupSortedInts removes duplicates from an already-sorted slice.
func dedupSortedInts(in []int) []int {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
