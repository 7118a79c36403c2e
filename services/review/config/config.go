// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the tunable heuristic thresholds of the review
// engine.
//
// Every fuzzy signal in the mediator and the role enforcer (verdict
// uniformity, scope drift, coverage nagging, importance scoring) is an
// approximation. The thresholds ship with the values the product was tuned
// with, but they are configuration, not constants: overrides load from
// review.config.yaml in the working directory, and a missing file is not an
// error (zero-config works out of the box).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the override file looked up in the working directory.
const ConfigFileName = "review.config.yaml"

// Mediator holds the mediator's intervention thresholds.
type Mediator struct {
	// ImportanceDivisor seeds the unverified-critical list: files with
	// importance >= maxImportance/ImportanceDivisor are critical.
	ImportanceDivisor int `yaml:"importance_divisor"`

	// MissedDepImportanceThreshold is the importance a dependency must
	// exceed for an uncorrelated missed-dependency finding to be emitted
	// at MEDIUM (below it the finding is omitted).
	MissedDepImportanceThreshold int `yaml:"missed_dep_importance_threshold"`

	// CoverageWarningRound is the first round the incomplete-coverage
	// warning may fire.
	CoverageWarningRound int `yaml:"coverage_warning_round"`

	// CoverageInfoRound is the first round the low-coverage-ratio info
	// may fire.
	CoverageInfoRound int `yaml:"coverage_info_round"`

	// CoverageRatio is the overall coverage ratio below which the
	// low-coverage info fires.
	CoverageRatio float64 `yaml:"coverage_ratio"`

	// CoverageListLimit caps the files named in a coverage intervention.
	CoverageListLimit int `yaml:"coverage_list_limit"`

	// SideEffectHops is the reverse-dependency radius of the side-effect
	// check.
	SideEffectHops int `yaml:"side_effect_hops"`

	// SideEffectWarningFanout is the affected-file count above which a
	// side-effect finding escalates from INFO to WARNING.
	SideEffectWarningFanout int `yaml:"side_effect_warning_fanout"`

	// DriftRatio is the fraction of mentioned files outside the target
	// directory above which scope drift fires.
	DriftRatio float64 `yaml:"drift_ratio"`

	// DriftMinMentions is the minimum number of mentioned files before
	// scope drift is considered at all.
	DriftMinMentions int `yaml:"drift_min_mentions"`

	// CycleWarningCount is the cycle count above which the circular-
	// dependency finding escalates from INFO to WARNING.
	CycleWarningCount int `yaml:"cycle_warning_count"`

	// CycleListLimit caps the cycles named in the finding.
	CycleListLimit int `yaml:"cycle_list_limit"`

	// CriticalPathLimit is the number of highest-importance unvisited
	// files named by the critical-path-ignored check.
	CriticalPathLimit int `yaml:"critical_path_limit"`

	// RippleDepth bounds the ripple-effect reverse BFS.
	RippleDepth int `yaml:"ripple_depth"`

	// DepthSearchCap bounds the secondary depth BFS by visited-file
	// count, a stricter bound than a pure hop limit: a search that
	// touches this many files gives up and reports the infinite-depth
	// marker. An unreachable target yields the same marker.
	DepthSearchCap int `yaml:"depth_search_cap"`
}

// Roles holds the role-enforcement configuration.
type Roles struct {
	// StrictMode rejects non-compliant rounds outright instead of
	// accepting them with advisory violations.
	StrictMode bool `yaml:"strict_mode"`

	// MinComplianceScore is the score floor for a round to be compliant.
	MinComplianceScore int `yaml:"min_compliance_score"`

	// AllowRoleSwitch reserves mid-session role reassignment.
	AllowRoleSwitch bool `yaml:"allow_role_switch"`

	// RequireAlternation enforces strict verifier/critic alternation.
	RequireAlternation bool `yaml:"require_alternation"`

	// ErrorWeight and WarningWeight are the per-finding score deductions.
	ErrorWeight   int `yaml:"error_weight"`
	WarningWeight int `yaml:"warning_weight"`

	// VerdictUniformityThreshold is the fraction of identical verdicts
	// above which the critic's verdict distribution is flagged.
	VerdictUniformityThreshold float64 `yaml:"verdict_uniformity_threshold"`
}

// Session holds session-store configuration.
type Session struct {
	// CheckpointInterval is the round period for automatic checkpoints.
	CheckpointInterval int `yaml:"checkpoint_interval"`

	// QuietRoundsForConvergence is the number of trailing rounds without
	// new issues required for convergence.
	QuietRoundsForConvergence int `yaml:"quiet_rounds_for_convergence"`

	// MinRoundsForConvergence is the minimum round count before the loop
	// may converge.
	MinRoundsForConvergence int `yaml:"min_rounds_for_convergence"`

	// MaxSessions caps live sessions; 0 means unlimited. When the cap is
	// reached, new sessions are refused rather than old ones evicted.
	MaxSessions int `yaml:"max_sessions"`

	// ArchiveOnDestroy persists sessions to the archive when destroyed.
	ArchiveOnDestroy bool `yaml:"archive_on_destroy"`
}

// Config is the engine-wide configuration.
type Config struct {
	Mediator Mediator `yaml:"mediator"`
	Roles    Roles    `yaml:"roles"`
	Session  Session  `yaml:"session"`
}

// Defaults returns the shipped configuration.
//
// The threshold values mirror the product tuning; they have no documented
// derivation, so treat changes as product decisions, not corrections.
func Defaults() Config {
	return Config{
		Mediator: Mediator{
			ImportanceDivisor:            2,
			MissedDepImportanceThreshold: 1,
			CoverageWarningRound:         3,
			CoverageInfoRound:            5,
			CoverageRatio:                0.5,
			CoverageListLimit:            5,
			SideEffectHops:               2,
			SideEffectWarningFanout:      5,
			DriftRatio:                   0.5,
			DriftMinMentions:             4,
			CycleWarningCount:            2,
			CycleListLimit:               3,
			CriticalPathLimit:            5,
			RippleDepth:                  3,
			DepthSearchCap:               100,
		},
		Roles: Roles{
			StrictMode:                 false,
			MinComplianceScore:         60,
			AllowRoleSwitch:            false,
			RequireAlternation:         true,
			ErrorWeight:                20,
			WarningWeight:              5,
			VerdictUniformityThreshold: 0.9,
		},
		Session: Session{
			CheckpointInterval:        3,
			QuietRoundsForConvergence: 2,
			MinRoundsForConvergence:   2,
			MaxSessions:               0,
			ArchiveOnDestroy:          false,
		},
	}
}

// Load reads review.config.yaml from dir and overlays it on Defaults().
//
// Description:
//
//	A missing file returns Defaults() with no error. Only a file that
//	exists but cannot be parsed is an error.
//
// Inputs:
//
//	dir - Directory to look in. May be empty (returns defaults).
//
// Outputs:
//
//	Config - The effective configuration.
//	error - Non-nil only for unreadable or invalid YAML.
//
// Thread Safety: Safe for concurrent use (stateless function).
func Load(dir string) (Config, error) {
	cfg := Defaults()
	if dir == "" {
		return cfg, nil
	}

	configPath := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", ConfigFileName, err)
	}
	return cfg, nil
}
