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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/graph"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// mediatorTracerName is the OTel tracer name for mediator operations.
const mediatorTracerName = "review.mediator"

// ErrStateNotFound is returned for session ids the mediator does not know.
var ErrStateNotFound = errors.New("mediator state not found")

// Mediator owns per-session coverage state and runs the intervention
// checks.
//
// Thread Safety:
//
//	The state map is guarded for cross-session access. Per-session calls
//	must be serialized by the caller, matching the engine-wide contract.
type Mediator struct {
	mu     sync.RWMutex
	states map[string]*State
	cfg    config.Mediator
	logger *slog.Logger
}

// NewMediator creates a Mediator.
//
// Inputs:
//
//	cfg - The mediator threshold configuration.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*Mediator - The configured mediator.
//	error - Non-nil if logger is nil.
func NewMediator(cfg config.Mediator, logger *slog.Logger) (*Mediator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Mediator{
		states: make(map[string]*State),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Init registers a session with its frozen dependency graph and seeds the
// unverified-critical list.
//
// Description:
//
//	Importance per file = 2 * reverse-dependency count + export count.
//	Files scoring at or above maxImportance / ImportanceDivisor are seeded
//	as unverified-critical: the files the review most needs to reach.
//
// Inputs:
//
//	sessionID - The session id. Must not be empty.
//	g - The frozen dependency graph. Must not be nil.
//	targetDir - The session's target directory, for drift detection.
//
// Outputs:
//
//	*State - The initialized state.
//	error - Non-nil for invalid inputs or a duplicate session id.
func (m *Mediator) Init(sessionID string, g *graph.Graph, targetDir string) (*State, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	if g == nil {
		return nil, fmt.Errorf("graph must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[sessionID]; ok {
		return nil, fmt.Errorf("mediator state already exists for session %q", sessionID)
	}

	importance := make(map[string]int)
	maxImportance := 0
	for _, path := range g.Paths() {
		score := 2*len(g.ReverseDeps(path)) + g.ExportCount(path)
		importance[path] = score
		if score > maxImportance {
			maxImportance = score
		}
	}

	st := newState(sessionID, g, targetDir, importance, maxImportance, m.cfg.ImportanceDivisor)
	m.states[sessionID] = st

	m.logger.Debug("mediator initialized",
		"session_id", sessionID,
		"files", st.Coverage.TotalFiles,
		"critical", len(st.Coverage.UnverifiedCritical))
	return st, nil
}

// newState builds a fresh per-session state with an empty coverage record
// and the critical list seeded from importance scores.
func newState(sessionID string, g *graph.Graph, targetDir string, importance map[string]int, maxImportance, divisor int) *State {
	var critical []string
	if maxImportance > 0 {
		threshold := maxImportance / divisor
		for _, path := range g.Paths() {
			if importance[path] >= threshold {
				critical = append(critical, path)
			}
		}
		sortByImportance(critical, importance)
	}

	return &State{
		SessionID: sessionID,
		Graph:     g,
		TargetDir: targetDir,
		Coverage: Coverage{
			TotalFiles:         len(g.Paths()),
			Verified:           make(map[string]bool),
			Details:            make(map[string]*FileCoverage),
			UnverifiedCritical: critical,
		},
		importance:        importance,
		unresolvedFlagged: make(map[string]bool),
	}
}

// Reset discards the session's coverage and intervention state, keeping
// the graph and importance scores. After a rollback coverage must reflect
// only the surviving rounds; callers follow up with ReplayCoverage.
func (m *Mediator) Reset(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrStateNotFound, sessionID)
	}

	maxImportance := 0
	for _, score := range st.importance {
		if score > maxImportance {
			maxImportance = score
		}
	}
	m.states[sessionID] = newState(sessionID, st.Graph, st.TargetDir, st.importance, maxImportance, m.cfg.ImportanceDivisor)
	return nil
}

// ReplayCoverage re-derives coverage from the given rounds without running
// any checks or emitting interventions.
func (m *Mediator) ReplayCoverage(sessionID string, rounds []session.Round) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}
	for _, round := range rounds {
		mentions := extractMentions(round.Output, st.Graph)
		m.updateCoverage(st, mentions, round.Number)
	}
	return nil
}

// state returns the session's state or ErrStateNotFound.
func (m *Mediator) state(sessionID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, sessionID)
	}
	return st, nil
}

// AnalyzeRound extracts mentions from a round's output, updates coverage
// and runs every intervention check.
//
// Description:
//
//	Runs, in order: mention extraction, coverage update, missed
//	dependencies, incomplete coverage, side effects, scope drift,
//	circular dependencies (round 1, once), critical-path-ignored (once),
//	and context correction (critic rounds). Emitted interventions are
//	appended to the session's running list and returned.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	sess - The session. The analyzed round is sess.CurrentRound + 1
//	       because analysis runs before the round is appended.
//	output - The round's free-text output. Untrusted.
//	role - The submitting role.
//	newIssues - Issues newly raised this round.
//
// Outputs:
//
//	[]Intervention - The interventions emitted for this round. May be
//	                 empty, never an error: the mediator is advisory.
//	error - ErrStateNotFound for unknown sessions.
func (m *Mediator) AnalyzeRound(ctx context.Context, sess *session.Session, output string, role session.Role, newIssues []session.Issue) ([]Intervention, error) {
	st, err := m.state(sess.ID)
	if err != nil {
		return nil, err
	}

	roundNum := sess.CurrentRound + 1
	_, span := otel.Tracer(mediatorTracerName).Start(ctx, "mediator.analyze_round",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.Int("session.round", roundNum),
			attribute.String("session.role", string(role)),
		))
	defer span.End()

	mentions := extractMentions(output, st.Graph)
	m.updateCoverage(st, mentions, roundNum)

	var emitted []Intervention
	emit := func(iv Intervention) {
		iv.Round = roundNum
		iv.CreatedAt = time.Now().UTC()
		emitted = append(emitted, iv)
	}

	m.checkMissedDependencies(st, mentions, newIssues, emit)
	m.checkIncompleteCoverage(st, roundNum, emit)
	m.checkSideEffects(st, newIssues, emit)
	m.checkScopeDrift(st, mentions, emit)
	m.checkCircularDependencies(st, roundNum, emit)
	m.checkCriticalPathIgnored(st, emit)
	if role == session.RoleCritic {
		m.checkContextCorrection(st, sess, output, emit)
	}

	st.Interventions = append(st.Interventions, emitted...)
	for _, iv := range emitted {
		interventionsEmitted.WithLabelValues(string(iv.Type), string(iv.Severity)).Inc()
	}
	span.SetAttributes(attribute.Int("mediator.interventions", len(emitted)))

	if len(emitted) > 0 {
		m.logger.Debug("interventions emitted",
			"session_id", sess.ID, "round", roundNum, "count", len(emitted))
	}
	return emitted, nil
}

// updateCoverage marks mentioned files verified, merges line sets and
// removes them from the unverified-critical list.
func (m *Mediator) updateCoverage(st *State, mentions []Mention, roundNum int) {
	for _, mention := range mentions {
		if !mention.Known {
			continue
		}
		st.Coverage.Verified[mention.Path] = true

		detail, ok := st.Coverage.Details[mention.Path]
		if !ok {
			detail = &FileCoverage{Path: mention.Path}
			st.Coverage.Details[mention.Path] = detail
		}
		detail.Lines = mergeSortedInts(detail.Lines, mention.Lines)
		if len(detail.Rounds) == 0 || detail.Rounds[len(detail.Rounds)-1] != roundNum {
			detail.Rounds = append(detail.Rounds, roundNum)
		}

		st.Coverage.UnverifiedCritical = removeString(st.Coverage.UnverifiedCritical, mention.Path)
	}
}

// Interventions returns every intervention emitted so far for the session.
func (m *Mediator) Interventions(sessionID string) ([]Intervention, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	return append([]Intervention(nil), st.Interventions...), nil
}

// CoverageSummary returns the serializable coverage snapshot.
func (m *Mediator) CoverageSummary(sessionID string) (*CoverageSummary, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	return &CoverageSummary{
		TotalFiles:         st.Coverage.TotalFiles,
		VerifiedFiles:      len(st.Coverage.Verified),
		CoveragePercent:    st.Coverage.Ratio() * 100,
		UnverifiedCritical: append([]string(nil), st.Coverage.UnverifiedCritical...),
	}, nil
}

// GraphStats returns the session graph's node/edge/cycle counts.
func (m *Mediator) GraphStats(sessionID string) (*graph.Stats, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	stats := st.Graph.Stats()
	return &stats, nil
}

// Remove tears down the session's mediator state. Removing an unknown id
// is a no-op.
func (m *Mediator) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
}

// sortByImportance orders paths by descending importance, ties broken by
// path for determinism.
func sortByImportance(paths []string, importance map[string]int) {
	sort.Slice(paths, func(i, j int) bool {
		if importance[paths[i]] != importance[paths[j]] {
			return importance[paths[i]] > importance[paths[j]]
		}
		return paths[i] < paths[j]
	})
}

// mergeSortedInts merges two sorted slices, deduplicated.
func mergeSortedInts(a, b []int) []int {
	merged := append(append([]int(nil), a...), b...)
	sort.Ints(merged)
	return dedupSortedInts(merged)
}

// removeString removes the first occurrence of v, preserving order.
func removeString(in []string, v string) []string {
	for i, s := range in {
		if s == v {
			return append(in[:i], in[i+1:]...)
		}
	}
	return in
}
