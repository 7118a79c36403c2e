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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(config.Defaults().Roles, testLogger())
	require.NoError(t, err)
	return e
}

func emptySession(id string) *session.Session {
	return &session.Session{
		ID:     id,
		Issues: make(map[string]*session.Issue),
	}
}

func hasRule(violations []Violation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func TestEnforcer_ExpectedRoleAlternates(t *testing.T) {
	e := newTestEnforcer(t)
	sess := emptySession("s1")

	// A fresh session expects the verifier to open.
	assert.Equal(t, session.RoleVerifier, e.Expected("s1"))

	goodIssue := []session.Issue{{
		ID: "SEC-001", Category: session.CategorySecurity,
		Severity: session.SeverityHigh, Summary: "x", Evidence: "observed trace",
	}}
	result, err := e.Validate(sess, session.RoleVerifier,
		"Raised SEC-001 at src/a.ts:10 with evidence: observed trace.", goodIssue)
	require.NoError(t, err)
	assert.False(t, hasRule(result.Violations, "session.role_alternation"))

	// Validate alone leaves the cursor where it was; Record advances it.
	assert.Equal(t, session.RoleVerifier, e.Expected("s1"))
	e.Record("s1", result)
	assert.Equal(t, session.RoleCritic, e.Expected("s1"))

	t.Run("out-of-turn submission is an error", func(t *testing.T) {
		sess.CurrentRound = 1
		result, err := e.Validate(sess, session.RoleVerifier, "more findings", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "session.role_alternation"))
		assert.False(t, result.Compliant)
		// Recording the accepted round still advances the cursor so the
		// loop cannot wedge.
		e.Record("s1", result)
		assert.Equal(t, session.RoleCritic, e.Expected("s1"))
	})
}

func TestEnforcer_VerifierRules(t *testing.T) {
	e := newTestEnforcer(t)

	t.Run("issue without evidence is an error", func(t *testing.T) {
		sess := emptySession("s-ev")
		issues := []session.Issue{{
			ID: "SEC-001", Category: session.CategorySecurity,
			Severity: session.SeverityHigh, Summary: "injection",
		}}
		result, err := e.Validate(sess, session.RoleVerifier, "SEC-001 at src/a.ts:10 looks bad.", issues)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "verifier.evidence_required"))
		assert.False(t, result.Compliant)
	})

	t.Run("re-raising a challenged issue is an error", func(t *testing.T) {
		sess := emptySession("s-re")
		sess.Issues["SEC-001"] = &session.Issue{ID: "SEC-001", Status: session.StatusChallenged}

		issues := []session.Issue{{
			ID: "SEC-001", Category: session.CategorySecurity,
			Severity: session.SeverityHigh, Summary: "again", Evidence: "trace",
		}}
		result, err := e.Validate(sess, session.RoleVerifier, "SEC-001 at src/a.ts:10, evidence attached.", issues)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "verifier.no_reraise_challenged"))
	})

	t.Run("critic phrasing is a warning", func(t *testing.T) {
		sess := emptySession("s-ph")
		result, err := e.Validate(sess, session.RoleVerifier, "Verdict: the earlier issue is a false positive.", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "verifier.no_critic_language"))
	})

	t.Run("clean verifier round is compliant", func(t *testing.T) {
		sess := emptySession("s-ok")
		issues := []session.Issue{{
			ID: "COR-002", Category: session.CategoryCorrectness,
			Severity: session.SeverityMedium, Summary: "off by one", Evidence: "loop bound",
		}}
		result, err := e.Validate(sess, session.RoleVerifier,
			"COR-002 at src/b.ts:33: loop bound is off by one, evidence in the snippet.", issues)
		require.NoError(t, err)
		assert.True(t, result.Compliant)
		assert.Equal(t, 100, result.Score)
	})
}

func TestEnforcer_CriticRules(t *testing.T) {
	// Sessions here open with a verifier round raising the given issue ids,
	// so the critic is in turn and has a round to answer.
	openWithVerifier := func(t *testing.T, e *Enforcer, sess *session.Session, raised ...string) {
		t.Helper()
		result, err := e.Validate(sess, session.RoleVerifier, "opening at src/a.ts:1", nil)
		require.NoError(t, err)
		e.Record(sess.ID, result)
		for _, id := range raised {
			sess.Issues[id] = &session.Issue{ID: id, Status: session.StatusRaised}
		}
		sess.Rounds = append(sess.Rounds, session.Round{
			Number: 1, Role: session.RoleVerifier,
			IssuesRaised: append([]string(nil), raised...),
		})
		sess.CurrentRound = 1
	}

	t.Run("unaddressed issue is an error", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-un")
		openWithVerifier(t, e, sess, "SEC-001", "COR-002")

		result, err := e.Validate(sess, session.RoleCritic, "SEC-001: VALID because the trace shows it.", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "critic.all_issues_addressed"))
	})

	t.Run("critic raising issues is an error", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-new")
		openWithVerifier(t, e, sess)

		newIssues := []session.Issue{{ID: "PERF-003", Summary: "slow"}}
		result, err := e.Validate(sess, session.RoleCritic, "PERF-003 found too.", newIssues)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "critic.no_new_issues"))
	})

	t.Run("invalid verdict without reasoning is a warning", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-inv")
		openWithVerifier(t, e, sess, "SEC-001")

		result, err := e.Validate(sess, session.RoleCritic, "SEC-001: INVALID.", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "critic.invalid_needs_reasoning"))
	})

	t.Run("uniform verdicts are a warning", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-uni")
		openWithVerifier(t, e, sess, "CHK-1", "CHK-2", "CHK-3")

		result, err := e.Validate(sess, session.RoleCritic,
			"CHK-1: VALID. CHK-2: VALID. CHK-3: VALID. All confirmed by the evidence.", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "critic.verdict_distribution"))
	})

	t.Run("mixed verdicts with reasoning are compliant", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-mix")
		openWithVerifier(t, e, sess, "CHK-1", "CHK-2")

		result, err := e.Validate(sess, session.RoleCritic,
			"CHK-1: VALID because the trace is reproducible. CHK-2: INVALID since the input is sanitized upstream.", nil)
		require.NoError(t, err)
		assert.True(t, result.Compliant, "violations: %v", result.Violations)
		assert.Equal(t, VerdictValid, result.Verdicts["CHK-1"])
		assert.Equal(t, VerdictInvalid, result.Verdicts["CHK-2"])
	})

	t.Run("only the previous verifier round's issues need answering", func(t *testing.T) {
		e := newTestEnforcer(t)
		sess := emptySession("s-scope")
		// SEC-001 was judged VALID in an earlier exchange and stays RAISED
		// for the verifier to resolve; PERF-002 is the fresh finding.
		sess.Issues["SEC-001"] = &session.Issue{ID: "SEC-001", Status: session.StatusRaised}
		sess.Issues["PERF-002"] = &session.Issue{ID: "PERF-002", Status: session.StatusRaised}
		sess.Rounds = []session.Round{
			{Number: 1, Role: session.RoleVerifier, IssuesRaised: []string{"SEC-001"}},
			{Number: 2, Role: session.RoleCritic},
			{Number: 3, Role: session.RoleVerifier, IssuesRaised: []string{"PERF-002"}},
		}
		sess.CurrentRound = 3
		e.Record("s-scope", &ComplianceResult{Role: session.RoleVerifier, Round: 3})

		result, err := e.Validate(sess, session.RoleCritic,
			"PERF-002: INVALID because the loop allocates nothing on the hot path.", nil)
		require.NoError(t, err)
		assert.False(t, hasRule(result.Violations, "critic.all_issues_addressed"),
			"violations: %v", result.Violations)
		assert.True(t, result.Compliant, "violations: %v", result.Violations)

		// Ignoring the fresh finding is still an error.
		result, err = e.Validate(sess, session.RoleCritic, "nothing worth judging here", nil)
		require.NoError(t, err)
		assert.True(t, hasRule(result.Violations, "critic.all_issues_addressed"))
	})
}

func TestEnforcer_ScoreBounds(t *testing.T) {
	e := newTestEnforcer(t)
	sess := emptySession("s-score")
	// Critic out of turn and raising issues of its own: the score must
	// stay within [0, 100] no matter how many penalties stack up.
	for _, id := range []string{"SEC-1", "COR-1", "REL-1"} {
		sess.Issues[id] = &session.Issue{ID: id, Status: session.StatusRaised}
	}
	var raised []session.Issue
	for _, id := range []string{"NEW-1", "NEW-2", "NEW-3", "NEW-4", "NEW-5"} {
		raised = append(raised, session.Issue{ID: id, Summary: "x"})
	}

	result, err := e.Validate(sess, session.RoleCritic, "bad round", raised)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Score, 0)
	assert.LessOrEqual(t, result.Score, 100)
	assert.False(t, result.Compliant)
}

func TestEnforcer_StatsAndHistory(t *testing.T) {
	e := newTestEnforcer(t)
	sess := emptySession("s-stats")

	r1, err := e.Validate(sess, session.RoleVerifier, "opening at src/a.ts:1", nil)
	require.NoError(t, err)
	e.Record("s-stats", r1)
	sess.CurrentRound = 1
	r2, err := e.Validate(sess, session.RoleCritic, "nothing raised yet, no open issues to judge", nil)
	require.NoError(t, err)
	e.Record("s-stats", r2)

	stats, err := e.Stats("s-stats")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RoundsValidated)
	assert.Positive(t, stats.AverageScore)

	history, err := e.History("s-stats")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Round)
	assert.Equal(t, 2, history[1].Round)

	t.Run("unrecorded validation leaves no history", func(t *testing.T) {
		sess.CurrentRound = 2
		_, err := e.Validate(sess, session.RoleVerifier, "rejected draft at src/a.ts:2", nil)
		require.NoError(t, err)

		stats, err := e.Stats("s-stats")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.RoundsValidated)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := e.Stats("nope")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})
}

func TestEnforcer_Rewind(t *testing.T) {
	e := newTestEnforcer(t)
	sess := emptySession("s-rw")

	r1, err := e.Validate(sess, session.RoleVerifier, "round one at src/a.ts:1", nil)
	require.NoError(t, err)
	e.Record("s-rw", r1)
	sess.CurrentRound = 1
	r2, err := e.Validate(sess, session.RoleCritic, "round two, nothing open", nil)
	require.NoError(t, err)
	e.Record("s-rw", r2)
	sess.CurrentRound = 2
	r3, err := e.Validate(sess, session.RoleVerifier, "round three at src/a.ts:2", nil)
	require.NoError(t, err)
	e.Record("s-rw", r3)

	// Roll the session back to after round 1.
	restored := emptySession("s-rw")
	restored.CurrentRound = 1
	restored.Rounds = []session.Round{{Number: 1, Role: session.RoleVerifier}}
	e.Rewind("s-rw", restored)

	history, err := e.History("s-rw")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, session.RoleCritic, e.Expected("s-rw"))
}
