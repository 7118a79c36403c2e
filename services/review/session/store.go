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

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReview/services/review/config"
)

// Sentinel errors for absent state. Callers branch on these with
// errors.Is; they are expected conditions, never panics.
var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCheckpointNotFound is returned when rollback finds no checkpoint
	// at or before the target round.
	ErrCheckpointNotFound = errors.New("no checkpoint at or before target round")

	// ErrSessionLimit is returned when the configured session cap is hit.
	// New sessions are refused rather than old ones evicted.
	ErrSessionLimit = errors.New("session limit reached")
)

// Store owns all live sessions, keyed by session id.
//
// Thread Safety:
//
//	The internal map is guarded for cross-session access, but multi-step
//	mutations of a single session (round append, issue upsert, rollback)
//	are NOT internally serialized. Callers must serialize access per
//	session id - one worker per session, or an external lock keyed by id.
//	This matches the engine-wide concurrency contract.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      config.Session
	logger   *slog.Logger
}

// NewStore creates a Store.
//
// Inputs:
//
//	cfg - Session configuration (checkpoint interval, caps, convergence).
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*Store - The configured store.
//	error - Non-nil if logger is nil.
func NewStore(cfg config.Session, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Store{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Create creates a session in status "created" with a fresh uuid.
func (s *Store) Create(targetPath, requirements string, maxRounds int) (*Session, error) {
	if targetPath == "" {
		return nil, fmt.Errorf("target path must not be empty")
	}
	if maxRounds <= 0 {
		return nil, fmt.Errorf("max rounds must be positive, got %d", maxRounds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxSessions > 0 && len(s.sessions) >= s.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d live)", ErrSessionLimit, len(s.sessions))
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		TargetPath:   targetPath,
		Requirements: requirements,
		MaxRounds:    maxRounds,
		Status:       SessionCreated,
		Context:      make(map[string]int),
		Issues:       make(map[string]*Issue),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.sessions[sess.ID] = sess
	sessionsCreated.Inc()

	s.logger.Debug("session created",
		"session_id", sess.ID, "target", targetPath, "max_rounds", maxRounds)
	return sess, nil
}

// Get returns the session or ErrSessionNotFound.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// UpdateStatus sets the session status.
func (s *Store) UpdateStatus(id string, status SessionStatus) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// AddRound assigns the next round number, appends the round and increments
// the session's current round.
//
// Invariant: round numbers increase by exactly 1 per successful append,
// starting at 1. The passed round's Number field is ignored.
func (s *Store) AddRound(id string, round Round) (*Round, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !round.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", round.Role)
	}

	round.Number = sess.CurrentRound + 1
	sess.Rounds = append(sess.Rounds, round)
	sess.CurrentRound = round.Number
	sess.UpdatedAt = time.Now().UTC()
	roundsAppended.WithLabelValues(string(round.Role)).Inc()

	return &sess.Rounds[len(sess.Rounds)-1], nil
}

// UpsertIssue inserts the issue or updates the existing record by id.
//
// On update, immutable provenance fields (RaisedBy, RaisedInRound) are
// preserved from the original record.
func (s *Store) UpsertIssue(id string, issue Issue) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if issue.ID == "" {
		return fmt.Errorf("issue id must not be empty")
	}

	if existing, ok := sess.Issues[issue.ID]; ok {
		issue.RaisedBy = existing.RaisedBy
		issue.RaisedInRound = existing.RaisedInRound
	}
	if issue.Status == "" {
		issue.Status = StatusRaised
	}
	copied := issue
	sess.Issues[issue.ID] = &copied
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateCheckpoint deep-copies the session state, tagged with the current
// round.
func (s *Store) CreateCheckpoint(id string) (*Checkpoint, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	cp := Checkpoint{
		RoundNumber: sess.CurrentRound,
		CreatedAt:   time.Now().UTC(),
		Snapshot:    sess.Clone(),
	}
	sess.Checkpoints = append(sess.Checkpoints, cp)

	s.logger.Debug("checkpoint created",
		"session_id", id, "round", cp.RoundNumber)
	return &sess.Checkpoints[len(sess.Checkpoints)-1], nil
}

// RollbackToRound restores the nearest checkpoint at or before the target
// round, discarding every round, issue and checkpoint introduced after it.
// Irreversible.
//
// Outputs:
//
//	*Session - The restored session.
//	error - ErrCheckpointNotFound when no checkpoint qualifies,
//	        ErrSessionNotFound for unknown ids.
func (s *Store) RollbackToRound(id string, targetRound int) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	best := -1
	for i, cp := range sess.Checkpoints {
		if cp.RoundNumber <= targetRound {
			if best < 0 || cp.RoundNumber > sess.Checkpoints[best].RoundNumber {
				best = i
			}
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: round %d", ErrCheckpointNotFound, targetRound)
	}

	cp := sess.Checkpoints[best]
	restored := cp.Snapshot.Clone()
	restored.Status = SessionRolledBack
	restored.UpdatedAt = time.Now().UTC()

	// Checkpoints up to and including the restored one survive; everything
	// newer is discarded with the rounds and issues it tagged.
	restored.Checkpoints = append([]Checkpoint(nil), sess.Checkpoints[:best+1]...)

	s.mu.Lock()
	s.sessions[id] = restored
	s.mu.Unlock()
	rollbacksTotal.Inc()

	s.logger.Info("session rolled back",
		"session_id", id, "target_round", targetRound,
		"restored_round", cp.RoundNumber)
	return restored, nil
}

// Delete removes the session. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}
