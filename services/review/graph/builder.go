// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianReview/services/review/ast"
)

// resolutionSuffixes is the fixed candidate list tried, in order, when
// resolving a local import specifier against the known file set.
var resolutionSuffixes = []string{
	"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
	"/index.ts", "/index.tsx", "/index.js",
}

// FileError records a per-file failure during a build. Builds never fail
// wholesale on individual files.
type FileError struct {
	// FilePath is the file that failed.
	FilePath string

	// Err is the underlying error.
	Err error
}

// BuildStats summarizes a build.
type BuildStats struct {
	// FilesProcessed is the number of files that produced a node.
	FilesProcessed int `json:"files_processed"`

	// FilesSkipped is the number of files the analyzer declined
	// (wrong extension, unreadable, oversized).
	FilesSkipped int `json:"files_skipped"`

	// NodesCreated is the number of graph nodes.
	NodesCreated int `json:"nodes_created"`

	// EdgesCreated is the number of resolved edges.
	EdgesCreated int `json:"edges_created"`

	// DurationMilli is the wall-clock build time in milliseconds.
	DurationMilli int64 `json:"duration_milli"`
}

// BuildResult contains the graph plus any per-file errors and statistics.
type BuildResult struct {
	// Graph is the frozen dependency graph. Never nil.
	Graph *Graph

	// FileErrors lists files that could not be incorporated.
	FileErrors []FileError

	// Stats summarizes the build.
	Stats BuildStats
}

// BuilderOptions configures Builder behavior.
type BuilderOptions struct {
	// WorkingDir is the directory import specifiers resolve against.
	WorkingDir string

	// WorkerCount is the number of parallel analysis workers.
	// Default: runtime.NumCPU().
	WorkerCount int

	// Analyzer is the file analyzer. Defaults to ast.NewAnalyzer().
	Analyzer *ast.Analyzer

	// Logger is the diagnostic logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// BuilderOption is a functional option for configuring Builder.
type BuilderOption func(*BuilderOptions)

// WithWorkingDir sets the resolution root.
func WithWorkingDir(dir string) BuilderOption {
	return func(o *BuilderOptions) { o.WorkingDir = dir }
}

// WithWorkerCount sets the number of parallel analysis workers.
func WithWorkerCount(n int) BuilderOption {
	return func(o *BuilderOptions) { o.WorkerCount = n }
}

// WithAnalyzer sets the analyzer instance.
func WithAnalyzer(a *ast.Analyzer) BuilderOption {
	return func(o *BuilderOptions) { o.Analyzer = a }
}

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(o *BuilderOptions) { o.Logger = logger }
}

// Builder constructs dependency graphs from a session's file set.
//
// The builder is stateless and reusable; each Build() call operates on its
// own state.
//
// Thread Safety: Safe for concurrent use.
type Builder struct {
	options BuilderOptions
}

// NewBuilder creates a Builder with the given options.
//
// Example:
//
//	builder := graph.NewBuilder(
//	    graph.WithWorkingDir("/path/to/project"),
//	    graph.WithWorkerCount(4),
//	)
func NewBuilder(opts ...BuilderOption) *Builder {
	options := BuilderOptions{
		WorkerCount: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.WorkerCount <= 0 {
		options.WorkerCount = runtime.NumCPU()
	}
	if options.Analyzer == nil {
		options.Analyzer = ast.NewAnalyzer()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Builder{options: options}
}

// Build analyzes every file and assembles the frozen dependency graph.
//
// Description:
//
//	Phase 1 analyzes all files in parallel (bounded by WorkerCount) and
//	adds the resulting nodes. Phase 2 walks every node's imports: local
//	specifiers (starting with "." or "/") are resolved against the known
//	file set by trying a fixed suffix list; resolved imports become a
//	forward edge plus the matching reverse entry, unresolved local imports
//	are retained on the graph, external imports are dropped. Phase 3
//	freezes the graph. The build is resilient: files the analyzer declines
//	are counted as skipped, never failed.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	files - The session's target file paths.
//
// Outputs:
//
//	*BuildResult - The frozen graph, per-file errors and statistics.
//	error - Non-nil only when ctx is cancelled mid-build.
//
// Thread Safety: Safe for concurrent use.
func (b *Builder) Build(ctx context.Context, files []string) (*BuildResult, error) {
	ctx, span := startBuildSpan(ctx, len(files))
	defer span.End()

	start := time.Now()
	result := &BuildResult{Graph: NewGraph(b.options.WorkingDir)}

	// Phase 1: analyze in parallel, keeping result order deterministic.
	nodes := make([]*ast.FileNode, len(files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.options.WorkerCount)
	for i, file := range files {
		eg.Go(func() error {
			node, err := b.options.Analyzer.Analyze(egCtx, file)
			if err != nil {
				return err
			}
			nodes[i] = node
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		recordBuildMetrics(time.Since(start), result.Stats.NodesCreated, result.Stats.EdgesCreated, false)
		return result, err
	}

	known := make(map[string]bool, len(files))
	for i, node := range nodes {
		if node == nil {
			result.Stats.FilesSkipped++
			continue
		}
		if err := result.Graph.AddNode(node); err != nil {
			result.FileErrors = append(result.FileErrors, FileError{FilePath: files[i], Err: err})
			continue
		}
		known[node.Path] = true
		result.Stats.FilesProcessed++
		result.Stats.NodesCreated++
	}

	// Phase 2: resolve imports into edges.
	for _, node := range nodes {
		if node == nil || !known[node.Path] {
			continue
		}
		for _, imp := range node.Imports {
			if !isLocalImport(imp.Source) {
				continue // external package, dropped
			}
			target, ok := b.resolve(node.Path, imp.Source, known)
			if !ok {
				// Silently retained for mediator heuristics; not an edge.
				_ = result.Graph.AddUnresolvedLocal(node.Path, imp)
				continue
			}
			kind := EdgeStatic
			if imp.IsDynamic {
				kind = EdgeDynamic
			}
			if err := result.Graph.AddEdge(Edge{
				From:       node.Path,
				To:         target,
				Kind:       kind,
				Specifiers: imp.Specifiers,
			}); err != nil {
				result.FileErrors = append(result.FileErrors, FileError{FilePath: node.Path, Err: err})
				continue
			}
			result.Stats.EdgesCreated++
		}
	}

	// Phase 3: finalize.
	result.Graph.Freeze()
	result.Stats.DurationMilli = time.Since(start).Milliseconds()

	setBuildSpanResult(span, result.Stats.NodesCreated, result.Stats.EdgesCreated)
	recordBuildMetrics(time.Since(start), result.Stats.NodesCreated, result.Stats.EdgesCreated, true)
	b.options.Logger.Debug("graph build complete",
		"nodes", result.Stats.NodesCreated,
		"edges", result.Stats.EdgesCreated,
		"skipped", result.Stats.FilesSkipped,
		"duration_ms", result.Stats.DurationMilli)

	return result, nil
}

// isLocalImport reports whether a specifier refers to a same-project file.
func isLocalImport(source string) bool {
	return strings.HasPrefix(source, ".") || strings.HasPrefix(source, "/")
}

// resolve tries the fixed suffix candidate list against the known file set.
//
// Relative specifiers resolve against the importing file's directory;
// absolute specifiers resolve against the working directory.
func (b *Builder) resolve(fromPath, source string, known map[string]bool) (string, bool) {
	var base string
	if strings.HasPrefix(source, "/") {
		base = path.Join(b.options.WorkingDir, source)
	} else {
		base = path.Join(filepath.ToSlash(filepath.Dir(fromPath)), source)
	}

	for _, suffix := range resolutionSuffixes {
		candidate := base + suffix
		if known[candidate] {
			return candidate, true
		}
	}
	return "", false
}
