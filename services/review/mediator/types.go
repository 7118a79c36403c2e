// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mediator watches the adversarial review loop from the outside
// and injects advisory corrective signals ("interventions").
//
// The mediator owns per-session coverage state derived from the dependency
// graph: which files the reviewers have actually looked at, which
// high-importance files they keep ignoring, and which structural hazards
// (cycles, ripple effects) their findings touch. Every signal it emits is
// advisory; nothing here gates the loop.
package mediator

import (
	"time"

	"github.com/AleutianAI/AleutianReview/services/review/graph"
)

// InterventionType names one of the mediator's checks.
type InterventionType string

const (
	// InterventionMissedDependency flags an unreviewed dependency of a
	// mentioned file.
	InterventionMissedDependency InterventionType = "missed_dependency"

	// InterventionIncompleteCoverage flags critical files still
	// unreviewed, or a low overall coverage ratio in later rounds.
	InterventionIncompleteCoverage InterventionType = "incomplete_coverage"

	// InterventionSideEffect flags the blast radius of a CRITICAL/HIGH
	// issue through reverse dependencies.
	InterventionSideEffect InterventionType = "side_effect"

	// InterventionScopeDrift flags rounds that wander outside the
	// session's target directory.
	InterventionScopeDrift InterventionType = "scope_drift"

	// InterventionCircularDependency reports import cycles, once, on the
	// first round.
	InterventionCircularDependency InterventionType = "circular_dependency"

	// InterventionCriticalPathIgnored reports, once, the highest-
	// importance files no round has touched.
	InterventionCriticalPathIgnored InterventionType = "critical_path_ignored"

	// InterventionContextCorrection reports a critic disputing issues
	// raised by the immediately preceding verifier round.
	InterventionContextCorrection InterventionType = "context_correction"
)

// Severity ranks an intervention. HIGH and MEDIUM are used by the
// missed-dependency check; the remaining checks emit WARNING or INFO.
type Severity string

const (
	SeverityHigh    Severity = "HIGH"
	SeverityMedium  Severity = "MEDIUM"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Intervention is one structured advisory signal.
type Intervention struct {
	// Type names the originating check.
	Type InterventionType `json:"type"`

	// Severity ranks the signal.
	Severity Severity `json:"severity"`

	// Round is the round number the signal was emitted for.
	Round int `json:"round"`

	// Message is a human-readable summary for the agent loop.
	Message string `json:"message"`

	// Files lists the file paths the signal concerns, if any.
	Files []string `json:"files,omitempty"`

	// IssueIDs lists the issue ids the signal concerns, if any.
	IssueIDs []string `json:"issue_ids,omitempty"`

	// CreatedAt is the emission time (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// FileCoverage records what the reviewers have seen of one file.
type FileCoverage struct {
	// Path is the file path as known to the graph.
	Path string `json:"path"`

	// Lines are the distinct line numbers mentioned, sorted ascending.
	Lines []int `json:"lines,omitempty"`

	// Rounds are the round numbers that mentioned the file.
	Rounds []int `json:"rounds,omitempty"`
}

// Coverage is the per-session coverage record.
//
// Invariant: the verified set is monotonically non-decreasing except
// across a rollback, which resets mediator state wholesale.
type Coverage struct {
	// TotalFiles is the graph's node count.
	TotalFiles int `json:"total_files"`

	// Verified is the set of file paths some round has mentioned.
	Verified map[string]bool `json:"verified"`

	// Details holds per-file coverage detail, keyed by path.
	Details map[string]*FileCoverage `json:"details"`

	// UnverifiedCritical lists high-importance files no round has
	// mentioned yet, highest importance first.
	UnverifiedCritical []string `json:"unverified_critical"`
}

// Ratio returns verified/total, 0 for an empty graph.
func (c *Coverage) Ratio() float64 {
	if c.TotalFiles == 0 {
		return 0
	}
	return float64(len(c.Verified)) / float64(c.TotalFiles)
}

// CoverageSummary is the serializable coverage query response.
type CoverageSummary struct {
	TotalFiles         int      `json:"total_files"`
	VerifiedFiles      int      `json:"verified_files"`
	CoveragePercent    float64  `json:"coverage_percent"`
	UnverifiedCritical []string `json:"unverified_critical,omitempty"`
}

// State is the mediator's per-session record.
//
// The graph is shared with the session and treated as immutable; only the
// coverage annotations and intervention list mutate per round.
type State struct {
	SessionID string
	Graph     *graph.Graph
	TargetDir string

	Coverage      Coverage
	Interventions []Intervention

	// importance scores every file: 2 * reverse-dependency count + export
	// count. Computed once at Init.
	importance map[string]int

	// unresolvedFlagged tracks "from -> source" unresolved-import pairs
	// already reported. Unresolved imports can never become verified, so
	// each is flagged at most once per session.
	unresolvedFlagged map[string]bool

	// cycleChecked and criticalPathNotified make their checks one-shot.
	cycleChecked         bool
	criticalPathNotified bool
}

// Mention is one file reference extracted from round output, with any line
// numbers that accompanied it.
type Mention struct {
	// Path is the file path resolved against the graph's known files
	// where possible, otherwise as written.
	Path string

	// Lines are the distinct mentioned line numbers, sorted ascending.
	Lines []int

	// Known is true when Path matches a graph node.
	Known bool
}
