// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package roles

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// ErrStateNotFound is returned for session ids the enforcer does not know.
var ErrStateNotFound = errors.New("role enforcer state not found")

// ComplianceResult is the per-round validation outcome.
type ComplianceResult struct {
	// Role is the role the round was submitted as.
	Role session.Role `json:"role"`

	// Round is the 1-based round number validated.
	Round int `json:"round"`

	// Compliant is true when the round has no ERROR violations and its
	// score meets the configured minimum.
	Compliant bool `json:"compliant"`

	// Score is 100 minus weighted violation penalties, clamped to [0, 100].
	Score int `json:"score"`

	Violations []Violation `json:"violations,omitempty"`

	// Verdicts holds the critic's per-issue verdicts, empty for verifier
	// rounds.
	Verdicts map[string]Verdict `json:"verdicts,omitempty"`
}

// SessionStats summarizes compliance across a session's validated rounds.
type SessionStats struct {
	RoundsValidated int     `json:"rounds_validated"`
	CompliantRounds int     `json:"compliant_rounds"`
	AverageScore    float64 `json:"average_score"`
	ErrorCount      int     `json:"error_count"`
	WarningCount    int     `json:"warning_count"`
}

// enforcerState tracks one session's expected-role cursor and history.
type enforcerState struct {
	expected session.Role
	history  []ComplianceResult
}

// Enforcer validates round outputs against role rules and tracks
// alternation per session.
//
// Thread Safety:
//
//	The state map is guarded for cross-session access. Per-session calls
//	must be serialized by the caller, matching the engine-wide contract.
type Enforcer struct {
	mu     sync.RWMutex
	states map[string]*enforcerState
	cfg    config.Roles
	logger *slog.Logger
}

// NewEnforcer creates an Enforcer.
//
// Inputs:
//
//	cfg - Role validation configuration.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*Enforcer - The configured enforcer.
//	error - Non-nil if logger is nil.
func NewEnforcer(cfg config.Roles, logger *slog.Logger) (*Enforcer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Enforcer{
		states: make(map[string]*enforcerState),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// state returns the session's state, creating it on first use. A fresh
// session always expects the verifier to open.
func (e *Enforcer) state(sessionID string) *enforcerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[sessionID]
	if !ok {
		st = &enforcerState{expected: session.RoleVerifier}
		e.states[sessionID] = st
	}
	return st
}

// Validate judges one round's output against its role's rules.
//
// Description:
//
//	Checks alternation first: submitting out of turn is an ERROR unless
//	role switching is allowed. Then runs the role's rule set and scores
//	the round. Validate mutates nothing; callers that accept the round
//	commit the outcome with Record, and callers that reject it (strict
//	mode) simply drop the result, leaving history and the expected-role
//	cursor untouched so the in-turn role can still submit.
//
// Inputs:
//
//	sess - The session as it stands before this round is appended.
//	role - The role the round is submitted as.
//	output - The round's free-text output. Untrusted.
//	newIssues - Issues newly raised this round.
//
// Outputs:
//
//	*ComplianceResult - The validation outcome. Never nil on success.
//	error - Non-nil only for invalid inputs.
func (e *Enforcer) Validate(sess *session.Session, role session.Role, output string, newIssues []session.Issue) (*ComplianceResult, error) {
	if sess == nil {
		return nil, fmt.Errorf("session must not be nil")
	}
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	st := e.state(sess.ID)
	roundNum := sess.CurrentRound + 1

	var violations []Violation
	if e.cfg.RequireAlternation && role != st.expected && !e.cfg.AllowRoleSwitch {
		violations = append(violations, Violation{
			Rule:     "session.role_alternation",
			Severity: ViolationError,
			Message:  fmt.Sprintf("expected %s for round %d, got %s", st.expected, roundNum, role),
		})
	}

	rc := &ruleContext{
		sess:   sess,
		output: output,
		lower:  strings.ToLower(output),
		role:   role,
		raised: newIssues,
	}

	var verdicts map[string]Verdict
	switch role {
	case session.RoleVerifier:
		violations = append(violations, verifierRules(rc)...)
	case session.RoleCritic:
		verdicts = extractVerdicts(output)
		rc.verdict = verdicts
		violations = append(violations, criticRules(rc, e.cfg.VerdictUniformityThreshold)...)
	}

	errorCount, warningCount := 0, 0
	for _, v := range violations {
		if v.Severity == ViolationError {
			errorCount++
		} else {
			warningCount++
		}
	}

	score := 100 - e.cfg.ErrorWeight*errorCount - e.cfg.WarningWeight*warningCount
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	result := &ComplianceResult{
		Role:       role,
		Round:      roundNum,
		Compliant:  errorCount == 0 && score >= e.cfg.MinComplianceScore,
		Score:      score,
		Violations: violations,
		Verdicts:   verdicts,
	}

	if !result.Compliant {
		e.logger.Debug("non-compliant round",
			"session_id", sess.ID,
			"round", roundNum,
			"role", role,
			"score", score,
			"errors", errorCount)
	}
	return result, nil
}

// Record commits a validation outcome for an accepted round: appends it to
// the session's history and advances the expected-role cursor. The cursor
// advances for every recorded round, compliant or not, so a sloppy
// accepted round does not wedge the loop.
func (e *Enforcer) Record(sessionID string, result *ComplianceResult) {
	st := e.state(sessionID)
	st.history = append(st.history, *result)
	st.expected = result.Role.Other()

	complianceScores.WithLabelValues(string(result.Role)).Observe(float64(result.Score))
}

// Expected returns the role the session's next round must come from.
func (e *Enforcer) Expected(sessionID string) session.Role {
	return e.state(sessionID).expected
}

// Stats aggregates compliance across the session's validated rounds.
func (e *Enforcer) Stats(sessionID string) (*SessionStats, error) {
	e.mu.RLock()
	st, ok := e.states[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, sessionID)
	}

	stats := &SessionStats{RoundsValidated: len(st.history)}
	totalScore := 0
	for _, r := range st.history {
		if r.Compliant {
			stats.CompliantRounds++
		}
		totalScore += r.Score
		for _, v := range r.Violations {
			if v.Severity == ViolationError {
				stats.ErrorCount++
			} else {
				stats.WarningCount++
			}
		}
	}
	if len(st.history) > 0 {
		stats.AverageScore = float64(totalScore) / float64(len(st.history))
	}
	return stats, nil
}

// History returns the session's per-round compliance results in order.
func (e *Enforcer) History(sessionID string) ([]ComplianceResult, error) {
	e.mu.RLock()
	st, ok := e.states[sessionID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, sessionID)
	}
	return append([]ComplianceResult(nil), st.history...), nil
}

// Rewind truncates compliance history to rounds at or before the session's
// current round and re-derives the expected role from the surviving round
// sequence. Used after a rollback.
func (e *Enforcer) Rewind(sessionID string, sess *session.Session) {
	st := e.state(sessionID)

	kept := st.history[:0]
	for _, r := range st.history {
		if r.Round <= sess.CurrentRound {
			kept = append(kept, r)
		}
	}
	st.history = kept

	if len(sess.Rounds) == 0 {
		st.expected = session.RoleVerifier
	} else {
		st.expected = sess.Rounds[len(sess.Rounds)-1].Role.Other()
	}
}

// Remove tears down the session's enforcer state. Removing an unknown id
// is a no-op.
func (e *Enforcer) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, sessionID)
}
