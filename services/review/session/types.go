// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns the verification-session lifecycle: sessions,
// rounds, issues, checkpoints, rollback and convergence evaluation.
package session

import "time"

// Role identifies which side of the adversarial loop produced a round.
type Role string

const (
	// RoleVerifier raises issues against the target code.
	RoleVerifier Role = "verifier"

	// RoleCritic challenges or confirms the verifier's issues.
	RoleCritic Role = "critic"
)

// Valid reports whether the role is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleVerifier || r == RoleCritic
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleVerifier {
		return RoleCritic
	}
	return RoleVerifier
}

// IssueCategory classifies a finding.
type IssueCategory string

const (
	CategorySecurity        IssueCategory = "SECURITY"
	CategoryCorrectness     IssueCategory = "CORRECTNESS"
	CategoryReliability     IssueCategory = "RELIABILITY"
	CategoryMaintainability IssueCategory = "MAINTAINABILITY"
	CategoryPerformance     IssueCategory = "PERFORMANCE"
)

// AllCategories lists the five categories in canonical order.
func AllCategories() []IssueCategory {
	return []IssueCategory{
		CategorySecurity,
		CategoryCorrectness,
		CategoryReliability,
		CategoryMaintainability,
		CategoryPerformance,
	}
}

// IssueSeverity ranks a finding.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "CRITICAL"
	SeverityHigh     IssueSeverity = "HIGH"
	SeverityMedium   IssueSeverity = "MEDIUM"
	SeverityLow      IssueSeverity = "LOW"
)

// IssueStatus tracks the lifecycle of a finding.
//
// RAISED -> CHALLENGED or RESOLVED. ResolvedInRound is set only on the
// transition to RESOLVED.
type IssueStatus string

const (
	StatusRaised     IssueStatus = "RAISED"
	StatusChallenged IssueStatus = "CHALLENGED"
	StatusResolved   IssueStatus = "RESOLVED"
)

// SessionStatus tracks the lifecycle of a session.
type SessionStatus string

const (
	SessionCreated    SessionStatus = "created"
	SessionInProgress SessionStatus = "in_progress"
	SessionConverged  SessionStatus = "converged"
	SessionRolledBack SessionStatus = "rolled_back"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Issue is a tracked finding, unique per session by ID.
type Issue struct {
	ID              string        `json:"id"`
	Category        IssueCategory `json:"category"`
	Severity        IssueSeverity `json:"severity"`
	Summary         string        `json:"summary"`
	Location        string        `json:"location"`
	Description     string        `json:"description,omitempty"`
	Evidence        string        `json:"evidence,omitempty"`
	RaisedBy        Role          `json:"raised_by"`
	RaisedInRound   int           `json:"raised_in_round"`
	Status          IssueStatus   `json:"status"`
	ResolvedInRound int           `json:"resolved_in_round,omitempty"`
}

// Round is a single verifier or critic turn. Immutable once appended.
type Round struct {
	// Number is 1-based and strictly increasing by exactly 1.
	Number int `json:"number"`

	Role Role `json:"role"`

	// InputSummary describes what the agent was asked this round.
	InputSummary string `json:"input_summary,omitempty"`

	// Output is the agent's free-text round output. Untrusted,
	// unstructured input.
	Output string `json:"output"`

	// IssuesRaised and IssuesResolved hold issue ids touched this round.
	IssuesRaised   []string `json:"issues_raised,omitempty"`
	IssuesResolved []string `json:"issues_resolved,omitempty"`

	// ContextExpanded indicates the round discovered new files.
	ContextExpanded bool `json:"context_expanded,omitempty"`

	// NewFiles lists files newly discovered this round.
	NewFiles []string `json:"new_files,omitempty"`
}

// Checkpoint is a deep snapshot of session state tagged with the round it
// was taken at. Used only for rollback.
type Checkpoint struct {
	RoundNumber int       `json:"round_number"`
	CreatedAt   time.Time `json:"created_at"`
	Snapshot    *Session  `json:"snapshot"`
}

// Session is one bounded verification engagement over a target path.
//
// Ownership: the Store owns the Session for its lifetime. Callers must
// serialize access per session id (see package documentation).
type Session struct {
	ID           string        `json:"id"`
	TargetPath   string        `json:"target_path"`
	Requirements string        `json:"requirements,omitempty"`
	MaxRounds    int           `json:"max_rounds"`
	CurrentRound int           `json:"current_round"`
	Status       SessionStatus `json:"status"`

	// Context maps each known file path to the discovery layer it entered
	// the session at (0 for the initial target set).
	Context map[string]int `json:"context,omitempty"`

	// Rounds is the ordered round sequence.
	Rounds []Round `json:"rounds,omitempty"`

	// Issues is keyed by issue id.
	Issues map[string]*Issue `json:"issues,omitempty"`

	// Checkpoints is ordered by round number.
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnresolvedBySeverity counts issues of the given severity not yet RESOLVED.
func (s *Session) UnresolvedBySeverity(sev IssueSeverity) int {
	count := 0
	for _, issue := range s.Issues {
		if issue.Severity == sev && issue.Status != StatusResolved {
			count++
		}
	}
	return count
}

// RoundByNumber returns the round with the given number, or nil.
func (s *Session) RoundByNumber(n int) *Round {
	for i := range s.Rounds {
		if s.Rounds[i].Number == n {
			return &s.Rounds[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the session. Checkpoints are not carried
// into the copy: a snapshot of a snapshot has no consumer, and dropping
// them keeps checkpoint payloads flat.
func (s *Session) Clone() *Session {
	out := &Session{
		ID:           s.ID,
		TargetPath:   s.TargetPath,
		Requirements: s.Requirements,
		MaxRounds:    s.MaxRounds,
		CurrentRound: s.CurrentRound,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.Context != nil {
		out.Context = make(map[string]int, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	if s.Rounds != nil {
		out.Rounds = make([]Round, len(s.Rounds))
		for i, r := range s.Rounds {
			out.Rounds[i] = cloneRound(r)
		}
	}
	if s.Issues != nil {
		out.Issues = make(map[string]*Issue, len(s.Issues))
		for id, issue := range s.Issues {
			copied := *issue
			out.Issues[id] = &copied
		}
	}
	return out
}

func cloneRound(r Round) Round {
	out := r
	out.IssuesRaised = append([]string(nil), r.IssuesRaised...)
	out.IssuesResolved = append([]string(nil), r.IssuesResolved...)
	out.NewFiles = append([]string(nil), r.NewFiles...)
	return out
}
