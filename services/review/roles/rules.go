// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package roles validates that each round's output stays in character for
// the role that produced it, and scores compliance per round.
package roles

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// ViolationSeverity ranks a compliance finding.
type ViolationSeverity string

const (
	ViolationError   ViolationSeverity = "ERROR"
	ViolationWarning ViolationSeverity = "WARNING"
)

// Violation is one rule breach found in a round's output.
type Violation struct {
	// Rule is the stable rule identifier.
	Rule string `json:"rule"`

	Severity ViolationSeverity `json:"severity"`

	// Message explains the breach in human terms.
	Message string `json:"message"`

	// IssueIDs lists implicated issue ids, if any.
	IssueIDs []string `json:"issue_ids,omitempty"`
}

// Verdict is a critic's judgement of one issue.
type Verdict string

const (
	VerdictValid   Verdict = "VALID"
	VerdictInvalid Verdict = "INVALID"
	VerdictPartial Verdict = "PARTIAL"
)

// Textual markers for role-shaped output. Round output is untrusted free
// text, so all detection here is pattern-based and deliberately lenient.
var (
	// reIssueID matches structured issue ids like "ISSUE-003" or "SEC-12".
	reIssueID = regexp.MustCompile(`\b[A-Z]{2,}-\d{1,4}\b`)

	// reFileLine matches "path/to/file.ts:42" style locations.
	reFileLine = regexp.MustCompile(`[\w@./-]+\.(?:ts|tsx|js|jsx|mjs|cjs):\d+`)

	// reVerdict matches a verdict marker next to an issue id, in either
	// order: "ISSUE-001: VALID" or "VALID: ISSUE-001".
	reVerdict = regexp.MustCompile(`(?:([A-Z]{2,}-\d{1,4})\s*[:\-]?\s*(VALID|INVALID|PARTIAL)\b)|(?:\b(VALID|INVALID|PARTIAL)\s*[:\-]?\s*([A-Z]{2,}-\d{1,4}))`)

	// reSeverityWord matches an explicit severity classification.
	reSeverityWord = regexp.MustCompile(`\b(CRITICAL|HIGH|MEDIUM|LOW)\b`)

	criticPhrases = []string{
		"i challenge", "this issue is invalid", "verdict:", "false positive",
		"i dispute", "rejecting this finding",
	}

	verifierPhrases = []string{
		"i found a new issue", "new issue:", "raising issue",
		"i am raising", "additional finding",
	}

	reasoningKeywords = []string{
		"because", "since", "the evidence", "reasoning", "however",
		"reproduc", "confirmed by",
	}

	evidenceKeywords = []string{
		"evidence", "snippet", "observed", "trace", "reproduc", "```",
	}
)

// ruleContext carries everything a rule needs to judge one round.
type ruleContext struct {
	sess    *session.Session
	output  string
	lower   string
	role    session.Role
	raised  []session.Issue
	verdict map[string]Verdict
}

// extractVerdicts pulls per-issue verdicts out of critic output.
func extractVerdicts(output string) map[string]Verdict {
	out := make(map[string]Verdict)
	for _, m := range reVerdict.FindAllStringSubmatch(output, -1) {
		if m[1] != "" {
			out[m[1]] = Verdict(m[2])
		} else {
			out[m[4]] = Verdict(m[3])
		}
	}
	return out
}

// verifierRules judges a verifier round.
func verifierRules(rc *ruleContext) []Violation {
	var out []Violation

	for _, issue := range rc.raised {
		if issue.Evidence == "" && !containsAny(rc.lower, evidenceKeywords) {
			out = append(out, Violation{
				Rule:     "verifier.evidence_required",
				Severity: ViolationError,
				Message:  fmt.Sprintf("issue %s was raised without supporting evidence", issue.ID),
				IssueIDs: []string{issue.ID},
			})
		}
		if issue.Severity == "" && !reSeverityWord.MatchString(rc.output) {
			out = append(out, Violation{
				Rule:     "verifier.severity_classified",
				Severity: ViolationWarning,
				Message:  fmt.Sprintf("issue %s carries no severity classification", issue.ID),
				IssueIDs: []string{issue.ID},
			})
		}
		if issue.Category == "" {
			out = append(out, Violation{
				Rule:     "verifier.category_named",
				Severity: ViolationWarning,
				Message:  fmt.Sprintf("issue %s names no category", issue.ID),
				IssueIDs: []string{issue.ID},
			})
		}
	}

	// Re-raising an issue the critic already challenged restarts a settled
	// argument.
	var reraised []string
	for _, issue := range rc.raised {
		if existing, ok := rc.sess.Issues[issue.ID]; ok && existing.Status == session.StatusChallenged {
			reraised = append(reraised, issue.ID)
		}
	}
	if len(reraised) > 0 {
		out = append(out, Violation{
			Rule:     "verifier.no_reraise_challenged",
			Severity: ViolationError,
			Message:  "re-raised issue(s) already challenged: " + strings.Join(reraised, ", "),
			IssueIDs: reraised,
		})
	}

	if containsAny(rc.lower, criticPhrases) {
		out = append(out, Violation{
			Rule:     "verifier.no_critic_language",
			Severity: ViolationWarning,
			Message:  "verifier output uses critic phrasing (verdicts or challenges)",
		})
	}

	if len(rc.raised) > 0 {
		if !reIssueID.MatchString(rc.output) {
			out = append(out, Violation{
				Rule:     "verifier.issue_id_format",
				Severity: ViolationWarning,
				Message:  "output references no structured issue ids",
			})
		}
		if !reFileLine.MatchString(rc.output) {
			out = append(out, Violation{
				Rule:     "verifier.location_required",
				Severity: ViolationWarning,
				Message:  "output pins no issue to a file:line location",
			})
		}
	}

	return out
}

// criticRules judges a critic round. uniformityThreshold is the verdict
// share above which the round looks like a rubber stamp.
func criticRules(rc *ruleContext, uniformityThreshold float64) []Violation {
	var out []Violation

	// Every issue raised in the immediately preceding verifier round needs
	// a verdict or at least a mention. Older open issues belong to the
	// verifier: a VALID verdict leaves them RAISED on purpose, and the
	// critic is not required to re-litigate them every round.
	var unaddressed []string
	for _, id := range previousVerifierIssues(rc.sess) {
		issue, ok := rc.sess.Issues[id]
		if !ok || issue.Status != session.StatusRaised {
			continue
		}
		if _, ok := rc.verdict[id]; !ok && !strings.Contains(rc.lower, strings.ToLower(id)) {
			unaddressed = append(unaddressed, id)
		}
	}
	if len(unaddressed) > 0 {
		out = append(out, Violation{
			Rule:     "critic.all_issues_addressed",
			Severity: ViolationError,
			Message:  "open issue(s) not addressed: " + strings.Join(unaddressed, ", "),
			IssueIDs: unaddressed,
		})
	}

	if len(rc.raised) > 0 {
		ids := make([]string, 0, len(rc.raised))
		for _, issue := range rc.raised {
			ids = append(ids, issue.ID)
		}
		out = append(out, Violation{
			Rule:     "critic.no_new_issues",
			Severity: ViolationError,
			Message:  "critic raised new issue(s): " + strings.Join(ids, ", "),
			IssueIDs: ids,
		})
	}

	hasReasoning := containsAny(rc.lower, reasoningKeywords)
	var unreasoned []string
	for id, v := range rc.verdict {
		if (v == VerdictInvalid || v == VerdictPartial) && !hasReasoning {
			unreasoned = append(unreasoned, id)
		}
	}
	if len(unreasoned) > 0 {
		out = append(out, Violation{
			Rule:     "critic.invalid_needs_reasoning",
			Severity: ViolationWarning,
			Message:  "INVALID/PARTIAL verdict(s) given without reasoning: " + strings.Join(unreasoned, ", "),
			IssueIDs: unreasoned,
		})
	}

	if len(rc.verdict) >= 2 {
		counts := make(map[Verdict]int)
		for _, v := range rc.verdict {
			counts[v]++
		}
		for v, n := range counts {
			if float64(n)/float64(len(rc.verdict)) > uniformityThreshold {
				out = append(out, Violation{
					Rule:     "critic.verdict_distribution",
					Severity: ViolationWarning,
					Message:  fmt.Sprintf("%d of %d verdicts are %s; judgement looks undiscriminating", n, len(rc.verdict), v),
				})
			}
		}
	}

	if countAny(rc.lower, verifierPhrases) > 1 {
		out = append(out, Violation{
			Rule:     "critic.no_verifier_phrasing",
			Severity: ViolationWarning,
			Message:  "critic output repeatedly uses verifier phrasing",
		})
	}

	if len(rc.verdict) == 0 && anyRaisedIssues(rc.sess) {
		out = append(out, Violation{
			Rule:     "critic.verdict_required",
			Severity: ViolationWarning,
			Message:  "output contains no VALID/INVALID/PARTIAL verdicts",
		})
	}

	return out
}

// previousVerifierIssues returns the issue ids raised by the session's most
// recent round, when that round was a verifier round. Empty otherwise.
func previousVerifierIssues(sess *session.Session) []string {
	if len(sess.Rounds) == 0 {
		return nil
	}
	prev := sess.Rounds[len(sess.Rounds)-1]
	if prev.Role != session.RoleVerifier {
		return nil
	}
	return prev.IssuesRaised
}

// anyRaisedIssues reports whether any issue is still in RAISED status.
func anyRaisedIssues(sess *session.Session) bool {
	for _, issue := range sess.Issues {
		if issue.Status == session.StatusRaised {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func countAny(haystack string, needles []string) int {
	total := 0
	for _, n := range needles {
		total += strings.Count(haystack, n)
	}
	return total
}
