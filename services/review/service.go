// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package review is the verification-session engine: an adversarial
// verifier/critic review loop over a target codebase, supervised by a
// mediator that watches coverage and structure from the dependency graph.
//
// The Service is the single entry point. It owns the orchestration rules
// (round acceptance, checkpointing, convergence, rollback) and delegates
// the mechanics to the session, mediator and roles packages.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/graph"
	"github.com/AleutianAI/AleutianReview/services/review/mediator"
	"github.com/AleutianAI/AleutianReview/services/review/roles"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// serviceTracerName is the OTel tracer name for service operations.
const serviceTracerName = "review.service"

// ErrSessionFinished is returned when a round is submitted to a session in
// a terminal status.
var ErrSessionFinished = errors.New("session is in a terminal status")

// ErrRoundLimit is returned when a round is submitted to a session that
// already reached its round limit.
var ErrRoundLimit = errors.New("session round limit reached")

// StartSessionRequest opens a new verification session.
type StartSessionRequest struct {
	// TargetPath is the directory under review.
	TargetPath string `json:"target_path" validate:"required"`

	// Requirements is the free-text requirements context, if any.
	Requirements string `json:"requirements,omitempty"`

	// MaxRounds bounds the adversarial loop.
	MaxRounds int `json:"max_rounds" validate:"required,gt=0,lte=1000"`

	// Files is the initial file set the dependency graph is built from.
	Files []string `json:"files" validate:"required,min=1,dive,required"`
}

// StartSessionResponse describes a freshly created session.
type StartSessionResponse struct {
	SessionID string                `json:"session_id"`
	Status    session.SessionStatus `json:"status"`

	// ExpectedRole is the role the first round must come from.
	ExpectedRole session.Role `json:"expected_role"`

	GraphStats graph.Stats       `json:"graph_stats"`
	BuildStats graph.BuildStats  `json:"build_stats"`
	FileErrors []graph.FileError `json:"file_errors,omitempty"`
}

// IssueInput is a finding submitted with a round.
type IssueInput struct {
	ID          string                `json:"id" validate:"required"`
	Category    session.IssueCategory `json:"category" validate:"required,oneof=SECURITY CORRECTNESS RELIABILITY MAINTAINABILITY PERFORMANCE"`
	Severity    session.IssueSeverity `json:"severity" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Summary     string                `json:"summary" validate:"required"`
	Location    string                `json:"location,omitempty"`
	Description string                `json:"description,omitempty"`
	Evidence    string                `json:"evidence,omitempty"`
}

// SubmitRoundRequest submits one verifier or critic turn.
type SubmitRoundRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid4"`

	Role session.Role `json:"role" validate:"required,oneof=verifier critic"`

	// Output is the round's free-text output. Untrusted.
	Output string `json:"output" validate:"required"`

	InputSummary string `json:"input_summary,omitempty"`

	// NewIssues are findings raised this round.
	NewIssues []IssueInput `json:"new_issues,omitempty" validate:"dive"`

	// ResolvedIssueIDs are issues this round resolves.
	ResolvedIssueIDs []string `json:"resolved_issue_ids,omitempty"`

	// NewFiles are files the round discovered beyond the initial set.
	NewFiles []string `json:"new_files,omitempty"`
}

// SubmitRoundResponse is the outcome of one round submission.
type SubmitRoundResponse struct {
	// Accepted is false when strict mode rejected a non-compliant round;
	// nothing was appended in that case.
	Accepted bool `json:"accepted"`

	// RoundNumber is the appended round's number, 0 when rejected.
	RoundNumber int `json:"round_number"`

	SessionStatus session.SessionStatus `json:"session_status"`

	// ExpectedRole is the role the next round must come from.
	ExpectedRole session.Role `json:"expected_role"`

	Compliance    *roles.ComplianceResult    `json:"compliance"`
	Interventions []mediator.Intervention    `json:"interventions,omitempty"`
	Convergence   *session.ConvergenceResult `json:"convergence,omitempty"`

	// CheckpointCreated is true when this round hit the checkpoint
	// interval.
	CheckpointCreated bool `json:"checkpoint_created"`
}

// SessionSnapshot is the full queryable state of one session.
type SessionSnapshot struct {
	Session     *session.Session           `json:"session"`
	Coverage    *mediator.CoverageSummary  `json:"coverage"`
	GraphStats  *graph.Stats               `json:"graph_stats"`
	Convergence *session.ConvergenceResult `json:"convergence"`
	Compliance  *roles.SessionStats        `json:"compliance"`
}

// Service orchestrates the verification loop end to end.
//
// Thread Safety:
//
//	Cross-session calls are safe. Calls against one session id must be
//	serialized by the caller; the loop is turn-based by construction, so
//	a well-behaved driver never submits concurrently for one session.
type Service struct {
	*Registry
	validate *validator.Validate
}

// NewService creates the engine from one configuration.
//
// Inputs:
//
//	cfg - The engine configuration (see config.Load).
//	logger - Logger for diagnostic output. Must not be nil.
//	opts - Optional registry behavior (archive).
//
// Outputs:
//
//	*Service - The configured engine.
//	error - Non-nil when a subsystem rejects its configuration.
//
// Example:
//
//	cfg, _ := config.Load(".")
//	svc, err := review.NewService(cfg, slog.Default())
func NewService(cfg config.Config, logger *slog.Logger, opts ...RegistryOption) (*Service, error) {
	registry, err := NewRegistry(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{
		Registry: registry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// StartSession creates a session and builds its dependency graph.
//
// Description:
//
//	The graph is built once per session from the submitted file set and
//	is immutable afterwards. Build resilience carries through: files the
//	analyzer declines are reported in FileErrors/BuildStats, they never
//	fail the session.
func (s *Service) StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}

	ctx, span := otel.Tracer(serviceTracerName).Start(ctx, "review.start_session",
		trace.WithAttributes(
			attribute.String("review.target", req.TargetPath),
			attribute.Int("review.files", len(req.Files)),
		))
	defer span.End()

	sess, err := s.store.Create(req.TargetPath, req.Requirements, req.MaxRounds)
	if err != nil {
		return nil, err
	}

	builder := graph.NewBuilder(
		graph.WithWorkingDir(req.TargetPath),
		graph.WithBuilderLogger(s.logger),
	)
	build, err := builder.Build(ctx, req.Files)
	if err != nil {
		s.store.Delete(sess.ID)
		return nil, fmt.Errorf("building dependency graph: %w", err)
	}

	if _, err := s.mediator.Init(sess.ID, build.Graph, req.TargetPath); err != nil {
		s.store.Delete(sess.ID)
		return nil, fmt.Errorf("initializing mediator: %w", err)
	}

	// Layer 0: the initial target set.
	for _, path := range build.Graph.Paths() {
		sess.Context[path] = 0
	}

	span.SetAttributes(attribute.String("session.id", sess.ID))
	s.logger.Info("session started",
		"session_id", sess.ID,
		"target", req.TargetPath,
		"nodes", build.Stats.NodesCreated,
		"edges", build.Stats.EdgesCreated)

	return &StartSessionResponse{
		SessionID:    sess.ID,
		Status:       sess.Status,
		ExpectedRole: s.enforcer.Expected(sess.ID),
		GraphStats:   build.Graph.Stats(),
		BuildStats:   build.Stats,
		FileErrors:   build.FileErrors,
	}, nil
}

// SubmitRound runs one full turn of the loop.
//
// Description:
//
//	Order of operations: role compliance validation, mediator analysis,
//	issue bookkeeping (new issues, critic verdicts, resolutions), round
//	append, periodic checkpoint, convergence evaluation. In strict mode a
//	non-compliant round is rejected before any state changes; otherwise
//	compliance is advisory and the round proceeds.
//
// Outputs:
//
//	*SubmitRoundResponse - Never nil on success, including rejections.
//	error - Validation errors, session.ErrSessionNotFound,
//	        ErrSessionFinished or ErrRoundLimit.
func (s *Service) SubmitRound(ctx context.Context, req SubmitRoundRequest) (*SubmitRoundResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid round request: %w", err)
	}

	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case session.SessionConverged, session.SessionCompleted, session.SessionFailed:
		return nil, fmt.Errorf("%w: %s", ErrSessionFinished, sess.Status)
	}
	if sess.CurrentRound >= sess.MaxRounds {
		return nil, fmt.Errorf("%w (%d rounds)", ErrRoundLimit, sess.MaxRounds)
	}

	ctx, span := otel.Tracer(serviceTracerName).Start(ctx, "review.submit_round",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("session.role", string(req.Role)),
			attribute.Int("session.round", sess.CurrentRound+1),
		))
	defer span.End()

	roundNum := sess.CurrentRound + 1
	newIssues := make([]session.Issue, 0, len(req.NewIssues))
	for _, in := range req.NewIssues {
		newIssues = append(newIssues, session.Issue{
			ID:            in.ID,
			Category:      in.Category,
			Severity:      in.Severity,
			Summary:       in.Summary,
			Location:      in.Location,
			Description:   in.Description,
			Evidence:      in.Evidence,
			RaisedBy:      req.Role,
			RaisedInRound: roundNum,
			Status:        session.StatusRaised,
		})
	}

	compliance, err := s.enforcer.Validate(sess, req.Role, req.Output, newIssues)
	if err != nil {
		return nil, fmt.Errorf("validating round: %w", err)
	}
	if s.cfg.Roles.StrictMode && !compliance.Compliant {
		span.SetAttributes(attribute.Bool("review.rejected", true))
		s.logger.Warn("round rejected in strict mode",
			"session_id", sess.ID, "round", roundNum, "score", compliance.Score)
		return &SubmitRoundResponse{
			Accepted:      false,
			SessionStatus: sess.Status,
			ExpectedRole:  s.enforcer.Expected(sess.ID),
			Compliance:    compliance,
		}, nil
	}
	s.enforcer.Record(sess.ID, compliance)

	interventions, err := s.mediator.AnalyzeRound(ctx, sess, req.Output, req.Role, newIssues)
	if err != nil {
		return nil, fmt.Errorf("mediator analysis: %w", err)
	}

	for _, issue := range newIssues {
		if err := s.store.UpsertIssue(sess.ID, issue); err != nil {
			return nil, fmt.Errorf("recording issue %s: %w", issue.ID, err)
		}
	}
	s.applyVerdicts(sess, compliance.Verdicts)
	for _, id := range req.ResolvedIssueIDs {
		if issue, ok := sess.Issues[id]; ok && issue.Status != session.StatusResolved {
			issue.Status = session.StatusResolved
			issue.ResolvedInRound = roundNum
		}
	}

	raisedIDs := make([]string, 0, len(newIssues))
	for _, issue := range newIssues {
		raisedIDs = append(raisedIDs, issue.ID)
	}
	round, err := s.store.AddRound(sess.ID, session.Round{
		Role:            req.Role,
		InputSummary:    req.InputSummary,
		Output:          req.Output,
		IssuesRaised:    raisedIDs,
		IssuesResolved:  append([]string(nil), req.ResolvedIssueIDs...),
		ContextExpanded: len(req.NewFiles) > 0,
		NewFiles:        append([]string(nil), req.NewFiles...),
	})
	if err != nil {
		return nil, fmt.Errorf("appending round: %w", err)
	}
	for _, file := range req.NewFiles {
		if _, ok := sess.Context[file]; !ok {
			sess.Context[file] = round.Number
		}
	}

	if sess.Status == session.SessionCreated || sess.Status == session.SessionRolledBack {
		if err := s.store.UpdateStatus(sess.ID, session.SessionInProgress); err != nil {
			return nil, err
		}
	}

	checkpointed := false
	if interval := s.cfg.Session.CheckpointInterval; interval > 0 && round.Number%interval == 0 {
		if _, err := s.store.CreateCheckpoint(sess.ID); err != nil {
			return nil, fmt.Errorf("creating checkpoint: %w", err)
		}
		checkpointed = true
	}

	convergence, err := s.store.CheckConvergence(sess.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case convergence.Converged:
		if err := s.store.UpdateStatus(sess.ID, session.SessionConverged); err != nil {
			return nil, err
		}
	case round.Number >= sess.MaxRounds:
		if err := s.store.UpdateStatus(sess.ID, session.SessionCompleted); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(
		attribute.Int("review.interventions", len(interventions)),
		attribute.Bool("review.converged", convergence.Converged),
	)
	return &SubmitRoundResponse{
		Accepted:          true,
		RoundNumber:       round.Number,
		SessionStatus:     sess.Status,
		ExpectedRole:      s.enforcer.Expected(sess.ID),
		Compliance:        compliance,
		Interventions:     interventions,
		Convergence:       convergence,
		CheckpointCreated: checkpointed,
	}, nil
}

// applyVerdicts moves issues the critic judged INVALID or PARTIAL to
// CHALLENGED. VALID leaves the issue standing for the verifier to resolve.
func (s *Service) applyVerdicts(sess *session.Session, verdicts map[string]roles.Verdict) {
	for id, v := range verdicts {
		if v != roles.VerdictInvalid && v != roles.VerdictPartial {
			continue
		}
		if issue, ok := sess.Issues[id]; ok && issue.Status == session.StatusRaised {
			issue.Status = session.StatusChallenged
		}
	}
}

// Rollback restores the session to the nearest checkpoint at or before the
// target round and rebuilds derived state to match.
//
// Description:
//
//	The mediator's coverage is reset and replayed from the surviving
//	rounds so it reflects exactly what the restored session has seen; the
//	enforcer's history and expected-role cursor are rewound the same way.
//	Interventions emitted for discarded rounds are discarded with them.
func (s *Service) Rollback(ctx context.Context, sessionID string, targetRound int) (*session.Session, error) {
	_, span := otel.Tracer(serviceTracerName).Start(ctx, "review.rollback",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("review.target_round", targetRound),
		))
	defer span.End()

	restored, err := s.store.RollbackToRound(sessionID, targetRound)
	if err != nil {
		return nil, err
	}

	if err := s.mediator.Reset(sessionID); err != nil {
		return nil, fmt.Errorf("resetting mediator state: %w", err)
	}
	if err := s.mediator.ReplayCoverage(sessionID, restored.Rounds); err != nil {
		return nil, fmt.Errorf("replaying coverage: %w", err)
	}
	s.enforcer.Rewind(sessionID, restored)

	span.SetAttributes(attribute.Int("review.restored_round", restored.CurrentRound))
	return restored, nil
}

// GetSession assembles the session's full queryable state.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	coverage, err := s.mediator.CoverageSummary(sessionID)
	if err != nil {
		return nil, err
	}
	stats, err := s.mediator.GraphStats(sessionID)
	if err != nil {
		return nil, err
	}
	convergence, err := s.store.CheckConvergence(sessionID)
	if err != nil {
		return nil, err
	}

	snapshot := &SessionSnapshot{
		Session:     sess,
		Coverage:    coverage,
		GraphStats:  stats,
		Convergence: convergence,
	}
	if compliance, err := s.enforcer.Stats(sessionID); err == nil {
		snapshot.Compliance = compliance
	}
	return snapshot, nil
}

// Interventions returns every intervention emitted for the session so far.
func (s *Service) Interventions(sessionID string) ([]mediator.Intervention, error) {
	return s.mediator.Interventions(sessionID)
}

// RippleEffect reports which files a change to changedFile (optionally
// narrowed to changedFunction) would reach through reverse dependencies.
func (s *Service) RippleEffect(sessionID, changedFile, changedFunction string) (*mediator.RippleResult, error) {
	return s.mediator.RippleEffect(sessionID, changedFile, changedFunction)
}
