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
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// correctionKeywords are critic phrasings that signal a dispute of an
// earlier finding.
var correctionKeywords = []string{
	"incorrect", "wrong", "false positive", "actually", "mistaken",
	"not accurate", "misread", "does not exist", "no such",
}

// reIssueLocationFile pulls the file part out of an issue location string
// shaped like "src/a.ts:42".
var reIssueLocationFile = regexp.MustCompile(`^([^:\s]+?):\d+`)

// checkMissedDependencies flags dependencies of mentioned files that no
// round has reviewed yet, including local imports that did not resolve
// against the submitted file set.
//
// Severity ladder per dependency: HIGH when a newly raised issue's
// location or specifiers textually correlate with the import, MEDIUM when
// the dependency's importance exceeds the configured threshold, otherwise
// the finding is omitted as noise. Unresolved imports carry no importance
// score and can never be reviewed, so they are MEDIUM by default and
// reported once per session.
func (m *Mediator) checkMissedDependencies(st *State, mentions []Mention, newIssues []session.Issue, emit func(Intervention)) {
	mentioned := make(map[string]bool, len(mentions))
	for _, mn := range mentions {
		mentioned[mn.Path] = true
	}

	for _, mn := range mentions {
		if !mn.Known {
			continue
		}
		for _, edge := range st.Graph.EdgesFrom(mn.Path) {
			dep := edge.To
			if mentioned[dep] || st.Coverage.Verified[dep] {
				continue
			}

			severity := Severity("")
			var issueIDs []string
			for _, issue := range newIssues {
				if issueCorrelatesWithImport(issue, dep, edge.Specifiers) {
					severity = SeverityHigh
					issueIDs = append(issueIDs, issue.ID)
				}
			}
			if severity == "" {
				if st.importance[dep] > m.cfg.MissedDepImportanceThreshold {
					severity = SeverityMedium
				} else {
					continue
				}
			}

			emit(Intervention{
				Type:     InterventionMissedDependency,
				Severity: severity,
				Message: fmt.Sprintf("%s depends on %s, which no round has reviewed yet",
					mn.Path, dep),
				Files:    []string{dep},
				IssueIDs: issueIDs,
			})
		}

		for _, imp := range st.Graph.UnresolvedLocal(mn.Path) {
			key := mn.Path + " -> " + imp.Source
			if st.unresolvedFlagged[key] {
				continue
			}
			st.unresolvedFlagged[key] = true

			severity := SeverityMedium
			var issueIDs []string
			for _, issue := range newIssues {
				if issueCorrelatesWithImport(issue, imp.Source, imp.Specifiers) {
					severity = SeverityHigh
					issueIDs = append(issueIDs, issue.ID)
				}
			}

			emit(Intervention{
				Type:     InterventionMissedDependency,
				Severity: severity,
				Message: fmt.Sprintf("%s imports %s, which is outside the reviewed file set",
					mn.Path, imp.Source),
				Files:    []string{imp.Source},
				IssueIDs: issueIDs,
			})
		}
	}
}

// issueCorrelatesWithImport reports whether a new issue's location or text
// plausibly concerns the dependency.
func issueCorrelatesWithImport(issue session.Issue, dep string, specifiers []string) bool {
	base := strings.TrimSuffix(path.Base(dep), path.Ext(dep))
	haystack := strings.ToLower(issue.Location + " " + issue.Summary + " " + issue.Description)

	if base != "" && containsToken(haystack, strings.ToLower(base)) {
		return true
	}
	for _, spec := range specifiers {
		if spec != "" && containsToken(haystack, strings.ToLower(spec)) {
			return true
		}
	}
	return false
}

// containsToken reports whether needle occurs in haystack bounded by
// non-identifier characters on both sides, so a short basename like "b"
// does not match inside "bug".
func containsToken(haystack, needle string) bool {
	for from := 0; ; {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(needle)
		if (start == 0 || !isIdentByte(haystack[start-1])) &&
			(end == len(haystack) || !isIdentByte(haystack[end])) {
			return true
		}
		from = start + 1
	}
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// checkIncompleteCoverage nags about unreviewed critical files from the
// configured round onward, switching to an overall-ratio INFO in later
// rounds.
func (m *Mediator) checkIncompleteCoverage(st *State, roundNum int, emit func(Intervention)) {
	if roundNum >= m.cfg.CoverageInfoRound && st.Coverage.Ratio() < m.cfg.CoverageRatio {
		emit(Intervention{
			Type:     InterventionIncompleteCoverage,
			Severity: SeverityInfo,
			Message: fmt.Sprintf("overall coverage is %.0f%% after %d rounds; below the %.0f%% floor",
				st.Coverage.Ratio()*100, roundNum, m.cfg.CoverageRatio*100),
		})
		return
	}

	if roundNum < m.cfg.CoverageWarningRound || len(st.Coverage.UnverifiedCritical) == 0 {
		return
	}

	limit := m.cfg.CoverageListLimit
	listed := st.Coverage.UnverifiedCritical
	if len(listed) > limit {
		listed = listed[:limit]
	}
	var parts []string
	for _, file := range listed {
		parts = append(parts, fmt.Sprintf("%s (imported by %d files)",
			file, len(st.Graph.ReverseDeps(file))))
	}
	emit(Intervention{
		Type:     InterventionIncompleteCoverage,
		Severity: SeverityWarning,
		Message:  "critical files still unreviewed: " + strings.Join(parts, ", "),
		Files:    append([]string(nil), listed...),
	})
}

// checkSideEffects computes the reverse-dependency blast radius of each
// CRITICAL/HIGH issue raised this round.
func (m *Mediator) checkSideEffects(st *State, newIssues []session.Issue, emit func(Intervention)) {
	for _, issue := range newIssues {
		if issue.Severity != session.SeverityCritical && issue.Severity != session.SeverityHigh {
			continue
		}
		file := issueFile(issue, st)
		if file == "" {
			continue
		}

		affected := reverseNeighborhood(st.Graph, file, m.cfg.SideEffectHops)
		if len(affected) == 0 {
			continue
		}

		severity := SeverityInfo
		if len(affected) > m.cfg.SideEffectWarningFanout {
			severity = SeverityWarning
		}
		emit(Intervention{
			Type:     InterventionSideEffect,
			Severity: severity,
			Message: fmt.Sprintf("issue %s in %s may ripple into %d dependent file(s)",
				issue.ID, file, len(affected)),
			Files:    affected,
			IssueIDs: []string{issue.ID},
		})
	}
}

// issueFile resolves an issue's location to a graph node path.
func issueFile(issue session.Issue, st *State) string {
	loc := strings.TrimSpace(issue.Location)
	if loc == "" {
		return ""
	}
	if m := reIssueLocationFile.FindStringSubmatch(loc); m != nil {
		loc = m[1]
	}
	resolved, known := resolveMention(loc, st.Graph)
	if !known {
		return ""
	}
	return resolved
}

// checkScopeDrift flags rounds where review attention has wandered outside
// the session's target directory.
func (m *Mediator) checkScopeDrift(st *State, mentions []Mention, emit func(Intervention)) {
	if len(mentions) < m.cfg.DriftMinMentions || st.TargetDir == "" {
		return
	}

	prefix := strings.TrimSuffix(st.TargetDir, "/") + "/"
	var outside []string
	for _, mn := range mentions {
		if mn.Path != st.TargetDir && !strings.HasPrefix(mn.Path, prefix) {
			outside = append(outside, mn.Path)
		}
	}
	if float64(len(outside))/float64(len(mentions)) <= m.cfg.DriftRatio {
		return
	}

	emit(Intervention{
		Type:     InterventionScopeDrift,
		Severity: SeverityWarning,
		Message: fmt.Sprintf("%d of %d mentioned files are outside %s",
			len(outside), len(mentions), st.TargetDir),
		Files: outside,
	})
}

// checkCircularDependencies reports import cycles on round 1 only; the
// graph is immutable, so later rounds cannot change the answer.
func (m *Mediator) checkCircularDependencies(st *State, roundNum int, emit func(Intervention)) {
	if roundNum != 1 || st.cycleChecked {
		return
	}
	st.cycleChecked = true

	cycles := st.Graph.FindCycles()
	if len(cycles) == 0 {
		return
	}

	severity := SeverityInfo
	if len(cycles) > m.cfg.CycleWarningCount {
		severity = SeverityWarning
	}

	listed := cycles
	if len(listed) > m.cfg.CycleListLimit {
		listed = listed[:m.cfg.CycleListLimit]
	}
	var parts []string
	fileSet := make(map[string]bool)
	for _, cycle := range listed {
		parts = append(parts, strings.Join(cycle, " -> "))
		for _, f := range cycle {
			fileSet[f] = true
		}
	}
	files := make([]string, 0, len(fileSet))
	for f := range fileSet {
		files = append(files, f)
	}
	sortByImportance(files, st.importance)

	emit(Intervention{
		Type:     InterventionCircularDependency,
		Severity: severity,
		Message: fmt.Sprintf("%d import cycle(s) detected: %s",
			len(cycles), strings.Join(parts, "; ")),
		Files: files,
	})
}

// checkCriticalPathIgnored reports, once per session, the highest-
// importance files no round has touched.
func (m *Mediator) checkCriticalPathIgnored(st *State, emit func(Intervention)) {
	if st.criticalPathNotified {
		return
	}

	var ignored []string
	for _, file := range st.Graph.Paths() {
		if !st.Coverage.Verified[file] {
			ignored = append(ignored, file)
		}
	}
	if len(ignored) == 0 {
		return
	}
	sortByImportance(ignored, st.importance)
	if len(ignored) > m.cfg.CriticalPathLimit {
		ignored = ignored[:m.cfg.CriticalPathLimit]
	}

	st.criticalPathNotified = true
	emit(Intervention{
		Type:     InterventionCriticalPathIgnored,
		Severity: SeverityInfo,
		Message: fmt.Sprintf("highest-importance files not yet reviewed: %s",
			strings.Join(ignored, ", ")),
		Files: ignored,
	})
}

// checkContextCorrection detects a critic disputing issues raised by the
// immediately preceding verifier round.
func (m *Mediator) checkContextCorrection(st *State, sess *session.Session, output string, emit func(Intervention)) {
	lower := strings.ToLower(output)
	found := false
	for _, kw := range correctionKeywords {
		if strings.Contains(lower, kw) {
			found = true
			break
		}
	}
	if !found || len(sess.Rounds) == 0 {
		return
	}

	prev := sess.Rounds[len(sess.Rounds)-1]
	if prev.Role != session.RoleVerifier {
		return
	}

	var disputed []string
	for _, issueID := range prev.IssuesRaised {
		referenced := strings.Contains(lower, strings.ToLower(issueID))
		if !referenced {
			if issue, ok := sess.Issues[issueID]; ok && issue.Summary != "" {
				referenced = strings.Contains(lower, strings.ToLower(issue.Summary))
			}
		}
		if referenced {
			disputed = append(disputed, issueID)
		}
	}
	if len(disputed) == 0 {
		return
	}

	emit(Intervention{
		Type:     InterventionContextCorrection,
		Severity: SeverityInfo,
		Message: fmt.Sprintf("critic disputes issue(s) from round %d: %s",
			prev.Number, strings.Join(disputed, ", ")),
		IssueIDs: disputed,
	})
}
