// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import "fmt"

// ConvergenceResult reports whether the adversarial loop should stop and
// why.
type ConvergenceResult struct {
	// Converged is true when all three conditions hold: zero unresolved
	// CRITICAL issues, enough trailing quiet rounds, and enough total
	// rounds.
	Converged bool `json:"converged"`

	// Reason is a short human-readable explanation of the decision.
	Reason string `json:"reason"`

	// UnresolvedCritical is the count of CRITICAL issues not yet RESOLVED.
	UnresolvedCritical int `json:"unresolved_critical"`

	// QuietRounds is the trailing run of rounds that raised no new issues.
	QuietRounds int `json:"quiet_rounds"`

	// TotalRounds is the session's current round count.
	TotalRounds int `json:"total_rounds"`

	// CategoryCoverage maps each of the five issue categories to the
	// number of issues raised in it across all rounds so far.
	CategoryCoverage map[IssueCategory]int `json:"category_coverage"`
}

// CheckConvergence evaluates whether the session's review loop should stop.
//
// Description:
//
//	Converged iff: zero unresolved CRITICAL issues, at least the
//	configured number of consecutive trailing rounds produced no new
//	issues (default 2), and at least the configured minimum rounds have
//	occurred (default 2). Regardless of the verdict, the result reports
//	coverage of the five issue categories so far.
//
// Outputs:
//
//	*ConvergenceResult - Never nil on success.
//	error - ErrSessionNotFound for unknown ids.
func (s *Store) CheckConvergence(id string) (*ConvergenceResult, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	result := &ConvergenceResult{
		TotalRounds:      sess.CurrentRound,
		CategoryCoverage: make(map[IssueCategory]int, 5),
	}
	for _, cat := range AllCategories() {
		result.CategoryCoverage[cat] = 0
	}
	for _, issue := range sess.Issues {
		result.CategoryCoverage[issue.Category]++
	}

	result.UnresolvedCritical = sess.UnresolvedBySeverity(SeverityCritical)
	result.QuietRounds = trailingQuietRounds(sess.Rounds)

	minRounds := s.cfg.MinRoundsForConvergence
	quietNeeded := s.cfg.QuietRoundsForConvergence

	switch {
	case sess.CurrentRound < minRounds:
		result.Reason = fmt.Sprintf("only %d of %d minimum rounds", sess.CurrentRound, minRounds)
	case result.UnresolvedCritical > 0:
		result.Reason = fmt.Sprintf("%d unresolved CRITICAL issue(s)", result.UnresolvedCritical)
	case result.QuietRounds < quietNeeded:
		result.Reason = fmt.Sprintf("%d of %d quiet rounds", result.QuietRounds, quietNeeded)
	default:
		result.Converged = true
		result.Reason = "no unresolved criticals and review activity has settled"
	}

	return result, nil
}

// trailingQuietRounds counts the consecutive rounds at the end of the
// sequence that raised no new issues.
func trailingQuietRounds(rounds []Round) int {
	quiet := 0
	for i := len(rounds) - 1; i >= 0; i-- {
		if len(rounds[i].IssuesRaised) > 0 {
			break
		}
		quiet++
	}
	return quiet
}
