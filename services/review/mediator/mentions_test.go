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
	"reflect"
	"testing"

	"github.com/AleutianAI/AleutianReview/services/review/ast"
	"github.com/AleutianAI/AleutianReview/services/review/graph"
)

// mentionGraph builds a frozen graph over the given paths with no edges.
func mentionGraph(t *testing.T, paths ...string) *graph.Graph {
	t.Helper()
	g := graph.NewGraph("/project")
	for _, p := range paths {
		if err := g.AddNode(&ast.FileNode{Path: p}); err != nil {
			t.Fatal(err)
		}
	}
	g.Freeze()
	return g
}

func TestExtractMentions(t *testing.T) {
	g := mentionGraph(t, "src/auth.ts", "src/db.ts", "src/util/db.ts")

	t.Run("colon line form", func(t *testing.T) {
		mentions := extractMentions("SQL injection at src/auth.ts:42 and src/auth.ts:57", g)
		if len(mentions) != 1 {
			t.Fatalf("expected 1 mention, got %v", mentions)
		}
		m := mentions[0]
		if m.Path != "src/auth.ts" || !m.Known {
			t.Errorf("unexpected mention: %+v", m)
		}
		if !reflect.DeepEqual(m.Lines, []int{42, 57}) {
			t.Errorf("expected lines [42 57], got %v", m.Lines)
		}
	})

	t.Run("prose line form", func(t *testing.T) {
		mentions := extractMentions("the bug in src/auth.ts (line 12) is real", g)
		if len(mentions) != 1 || !reflect.DeepEqual(mentions[0].Lines, []int{12}) {
			t.Fatalf("expected src/auth.ts line 12, got %v", mentions)
		}
	})

	t.Run("backtick form without line", func(t *testing.T) {
		mentions := extractMentions("see `src/auth.ts` for details", g)
		if len(mentions) != 1 || mentions[0].Path != "src/auth.ts" || len(mentions[0].Lines) != 0 {
			t.Fatalf("expected bare mention of src/auth.ts, got %v", mentions)
		}
	})

	t.Run("forms merge per file", func(t *testing.T) {
		mentions := extractMentions("src/auth.ts:10, also `src/auth.ts` and src/auth.ts (line 10)", g)
		if len(mentions) != 1 {
			t.Fatalf("expected 1 merged mention, got %v", mentions)
		}
		if !reflect.DeepEqual(mentions[0].Lines, []int{10}) {
			t.Errorf("expected deduplicated lines [10], got %v", mentions[0].Lines)
		}
	})

	t.Run("unique suffix resolves", func(t *testing.T) {
		mentions := extractMentions("auth.ts:5 has a problem", g)
		if len(mentions) != 1 || mentions[0].Path != "src/auth.ts" || !mentions[0].Known {
			t.Fatalf("expected suffix resolution to src/auth.ts, got %v", mentions)
		}
	})

	t.Run("ambiguous suffix stays unknown", func(t *testing.T) {
		mentions := extractMentions("check db.ts:9", g)
		if len(mentions) != 1 || mentions[0].Known {
			t.Fatalf("expected unknown mention for ambiguous db.ts, got %v", mentions)
		}
	})

	t.Run("unknown file stays unknown", func(t *testing.T) {
		mentions := extractMentions("see vendor/lib.ts:1", g)
		if len(mentions) != 1 || mentions[0].Known {
			t.Fatalf("expected unknown mention, got %v", mentions)
		}
	})

	t.Run("no mentions", func(t *testing.T) {
		if mentions := extractMentions("looks good to me", g); len(mentions) != 0 {
			t.Errorf("expected no mentions, got %v", mentions)
		}
	})
}
