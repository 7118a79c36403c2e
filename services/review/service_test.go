// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package review

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/mediator"
	"github.com/AleutianAI/AleutianReview/services/review/roles"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

func hasViolation(violations []roles.Violation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cfg config.Config, opts ...RegistryOption) *Service {
	t.Helper()
	svc, err := NewService(cfg, testLogger(), opts...)
	require.NoError(t, err)
	return svc
}

// writeTarget lays out a two-file project: a.ts imports b.ts.
func writeTarget(t *testing.T) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))

	aPath := filepath.Join(src, "a.ts")
	bPath := filepath.Join(src, "b.ts")
	require.NoError(t, os.WriteFile(aPath,
		[]byte("import { helper } from './b';\nexport function main() { helper(); }\n"), 0o644))
	require.NoError(t, os.WriteFile(bPath,
		[]byte("export function helper() {}\n"), 0o644))
	return dir, []string{aPath, bPath}
}

func startSession(t *testing.T, svc *Service) string {
	t.Helper()
	dir, files := writeTarget(t)
	resp, err := svc.StartSession(context.Background(), StartSessionRequest{
		TargetPath: dir,
		MaxRounds:  10,
		Files:      files,
	})
	require.NoError(t, err)
	return resp.SessionID
}

func TestService_StartSession(t *testing.T) {
	svc := newTestService(t, config.Defaults())
	dir, files := writeTarget(t)

	resp, err := svc.StartSession(context.Background(), StartSessionRequest{
		TargetPath:   dir,
		Requirements: "no injection bugs",
		MaxRounds:    10,
		Files:        files,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, session.SessionCreated, resp.Status)
	assert.Equal(t, session.RoleVerifier, resp.ExpectedRole)
	assert.Equal(t, 2, resp.GraphStats.NodeCount)
	assert.Equal(t, 1, resp.GraphStats.EdgeCount)
	assert.Equal(t, 0, resp.GraphStats.CycleCount)

	t.Run("invalid request", func(t *testing.T) {
		_, err := svc.StartSession(context.Background(), StartSessionRequest{MaxRounds: 10})
		assert.Error(t, err)
	})
}

func TestService_ReviewLoop(t *testing.T) {
	svc := newTestService(t, config.Defaults())
	id := startSession(t, svc)
	ctx := context.Background()

	// Round 1: verifier reviews only a.ts and raises a HIGH issue.
	r1, err := svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id,
		Role:      session.RoleVerifier,
		Output:    "SEC-001 at a.ts:2: helper() output reaches the sink unescaped. Evidence: observed in the trace.",
		NewIssues: []IssueInput{{
			ID:       "SEC-001",
			Category: session.CategorySecurity,
			Severity: session.SeverityHigh,
			Summary:  "unescaped sink",
			Location: "a.ts:2",
			Evidence: "observed in the trace",
		}},
	})
	require.NoError(t, err)

	assert.True(t, r1.Accepted)
	assert.Equal(t, 1, r1.RoundNumber)
	assert.Equal(t, session.RoleCritic, r1.ExpectedRole)
	assert.Equal(t, session.SessionInProgress, r1.SessionStatus)
	assert.True(t, r1.Compliance.Compliant, "violations: %v", r1.Compliance.Violations)
	assert.False(t, r1.Convergence.Converged)

	// The unreviewed dependency b.ts must surface as an intervention.
	foundMissed := false
	for _, iv := range r1.Interventions {
		if iv.Type == mediator.InterventionMissedDependency {
			foundMissed = true
		}
	}
	assert.True(t, foundMissed, "interventions: %v", r1.Interventions)

	// Round 2: critic judges the issue INVALID with reasoning.
	r2, err := svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id,
		Role:      session.RoleCritic,
		Output:    "SEC-001: INVALID because the sink escapes its input upstream; checked b.ts:1 as well.",
	})
	require.NoError(t, err)
	assert.True(t, r2.Compliance.Compliant, "violations: %v", r2.Compliance.Violations)

	snapshot, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusChallenged, snapshot.Session.Issues["SEC-001"].Status)
	assert.Equal(t, 2, snapshot.Coverage.VerifiedFiles)

	// Round 3: verifier has nothing further; two quiet rounds now exist and
	// no CRITICAL issues are open, so the loop converges. The checkpoint
	// interval (3) also lands here.
	r3, err := svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id,
		Role:      session.RoleVerifier,
		Output:    "Re-checked a.ts:2 and b.ts:1, nothing further to raise.",
	})
	require.NoError(t, err)
	assert.True(t, r3.CheckpointCreated)
	assert.True(t, r3.Convergence.Converged, "reason: %s", r3.Convergence.Reason)
	assert.Equal(t, session.SessionConverged, r3.SessionStatus)

	// A converged session accepts no further rounds.
	_, err = svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id, Role: session.RoleCritic, Output: "one more",
	})
	assert.ErrorIs(t, err, ErrSessionFinished)
}

func TestService_SubmitRound_Validation(t *testing.T) {
	svc := newTestService(t, config.Defaults())
	ctx := context.Background()

	t.Run("malformed session id", func(t *testing.T) {
		_, err := svc.SubmitRound(ctx, SubmitRoundRequest{
			SessionID: "not-a-uuid", Role: session.RoleVerifier, Output: "x",
		})
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		id := startSession(t, svc)
		_, err := svc.SubmitRound(ctx, SubmitRoundRequest{
			SessionID: id, Role: "referee", Output: "x",
		})
		assert.Error(t, err)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := svc.SubmitRound(ctx, SubmitRoundRequest{
			SessionID: "123e4567-e89b-42d3-a456-426614174000",
			Role:      session.RoleVerifier,
			Output:    "x",
		})
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})
}

func TestService_StrictMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Roles.StrictMode = true
	svc := newTestService(t, cfg)
	id := startSession(t, svc)

	// Critic submitting first is out of turn: strict mode rejects the round
	// before any state changes.
	resp, err := svc.SubmitRound(context.Background(), SubmitRoundRequest{
		SessionID: id, Role: session.RoleCritic, Output: "premature judgement",
	})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, 0, resp.RoundNumber)
	assert.Equal(t, session.RoleVerifier, resp.ExpectedRole)

	snapshot, err := svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Session.Rounds)
	assert.Equal(t, 0, snapshot.Compliance.RoundsValidated)

	// The rejection left the turn with the verifier, who can still submit.
	resp, err = svc.SubmitRound(context.Background(), SubmitRoundRequest{
		SessionID: id, Role: session.RoleVerifier,
		Output: "SEC-001 at a.ts:2, evidence observed in the trace.",
		NewIssues: []IssueInput{{
			ID: "SEC-001", Category: session.CategorySecurity,
			Severity: session.SeverityHigh, Summary: "unescaped sink",
			Location: "a.ts:2", Evidence: "trace",
		}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, resp.RoundNumber)
	assert.Equal(t, session.RoleCritic, resp.ExpectedRole)

	snapshot, err = svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, snapshot.Session.Rounds, 1)
	assert.Equal(t, 1, snapshot.Compliance.RoundsValidated)
}

func TestService_Rollback(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session.CheckpointInterval = 2
	svc := newTestService(t, cfg)
	id := startSession(t, svc)
	ctx := context.Background()

	submit := func(role session.Role, output string, issues ...IssueInput) *SubmitRoundResponse {
		t.Helper()
		resp, err := svc.SubmitRound(ctx, SubmitRoundRequest{
			SessionID: id, Role: role, Output: output, NewIssues: issues,
		})
		require.NoError(t, err)
		require.True(t, resp.Accepted)
		return resp
	}

	submit(session.RoleVerifier,
		"SEC-001 at a.ts:2, evidence observed in the snippet.",
		IssueInput{
			ID: "SEC-001", Category: session.CategorySecurity,
			Severity: session.SeverityCritical, Summary: "injection",
			Location: "a.ts:2", Evidence: "snippet",
		})
	r2 := submit(session.RoleCritic, "SEC-001: VALID because the trace is reproducible.")
	require.True(t, r2.CheckpointCreated)

	submit(session.RoleVerifier,
		"PERF-002 at b.ts:1, evidence: observed slow path.",
		IssueInput{
			ID: "PERF-002", Category: session.CategoryPerformance,
			Severity: session.SeverityLow, Summary: "slow helper",
			Location: "b.ts:1", Evidence: "profile",
		})

	restored, err := svc.Rollback(ctx, id, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, restored.CurrentRound)
	assert.Equal(t, session.SessionRolledBack, restored.Status)
	assert.Contains(t, restored.Issues, "SEC-001")
	assert.NotContains(t, restored.Issues, "PERF-002")

	// Derived state follows the restored session: the enforcer expects the
	// verifier again, coverage reflects only the surviving rounds.
	snapshot, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Len(t, snapshot.Session.Rounds, 2)

	next, err := svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id, Role: session.RoleVerifier, Output: "resuming at a.ts:2",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, next.RoundNumber)
	assert.False(t, hasViolation(next.Compliance.Violations, "session.role_alternation"),
		"expected verifier to be in turn after rollback")

	t.Run("no checkpoint before target", func(t *testing.T) {
		_, err := svc.Rollback(ctx, id, 1)
		assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
	})
}

func TestRegistry_DestroyWithArchive(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	cfg.Session.ArchiveOnDestroy = true
	svc := newTestService(t, cfg, WithArchiveDB(db))
	id := startSession(t, svc)
	ctx := context.Background()

	_, err = svc.SubmitRound(ctx, SubmitRoundRequest{
		SessionID: id, Role: session.RoleVerifier, Output: "looked at a.ts:1",
	})
	require.NoError(t, err)

	meta, err := svc.Destroy(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, id, meta.SessionID)

	// Gone from the live store, recoverable from the archive.
	_, err = svc.GetSession(ctx, id)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	archived, _, err := svc.Archive().Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, archived.Rounds, 1)

	t.Run("destroy unknown session", func(t *testing.T) {
		_, err := svc.Destroy(ctx, "123e4567-e89b-42d3-a456-426614174000")
		assert.ErrorIs(t, err, session.ErrSessionNotFound)
	})
}

func TestService_RippleEffect(t *testing.T) {
	svc := newTestService(t, config.Defaults())
	id := startSession(t, svc)

	result, err := svc.RippleEffect(id, "b.ts", "helper")
	require.NoError(t, err)
	require.Len(t, result.AffectedFiles, 1)

	impact := result.AffectedFiles[0]
	assert.Equal(t, 1, impact.Depth)
	assert.Equal(t, "direct", impact.Impact)
	assert.Equal(t, []string{"main"}, impact.Functions)
}
