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
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianReview/services/review/config"
	"github.com/AleutianAI/AleutianReview/services/review/mediator"
	"github.com/AleutianAI/AleutianReview/services/review/roles"
	"github.com/AleutianAI/AleutianReview/services/review/session"
)

// Registry is the composition root for the per-session subsystems: the
// session store, the mediator and the role enforcer, plus the optional
// archive.
//
// A session id is valid across all three subsystems or none; Destroy is
// the only teardown path and removes it from all of them.
type Registry struct {
	cfg      config.Config
	store    *session.Store
	mediator *mediator.Mediator
	enforcer *roles.Enforcer
	archive  *session.Archive
	logger   *slog.Logger
}

// RegistryOption configures optional Registry behavior.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	archiveDB *badger.DB
}

// WithArchiveDB enables the session archive over an opened BadgerDB
// instance. The caller owns opening and closing the database.
func WithArchiveDB(db *badger.DB) RegistryOption {
	return func(o *registryOptions) { o.archiveDB = db }
}

// NewRegistry creates the per-session subsystems from one configuration.
//
// Inputs:
//
//	cfg - The engine configuration.
//	logger - Logger for diagnostic output. Must not be nil.
//	opts - Optional behavior (archive).
//
// Outputs:
//
//	*Registry - The composed registry.
//	error - Non-nil if logger is nil or a subsystem rejects its config.
func NewRegistry(cfg config.Config, logger *slog.Logger, opts ...RegistryOption) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	var options registryOptions
	for _, opt := range opts {
		opt(&options)
	}

	store, err := session.NewStore(cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}
	med, err := mediator.NewMediator(cfg.Mediator, logger)
	if err != nil {
		return nil, fmt.Errorf("creating mediator: %w", err)
	}
	enf, err := roles.NewEnforcer(cfg.Roles, logger)
	if err != nil {
		return nil, fmt.Errorf("creating role enforcer: %w", err)
	}

	var archive *session.Archive
	if options.archiveDB != nil {
		archive, err = session.NewArchive(options.archiveDB, logger)
		if err != nil {
			return nil, fmt.Errorf("creating archive: %w", err)
		}
	}

	return &Registry{
		cfg:      cfg,
		store:    store,
		mediator: med,
		enforcer: enf,
		archive:  archive,
		logger:   logger,
	}, nil
}

// Store exposes the session store for direct queries.
func (r *Registry) Store() *session.Store { return r.store }

// Mediator exposes the mediator for direct queries.
func (r *Registry) Mediator() *mediator.Mediator { return r.mediator }

// Enforcer exposes the role enforcer for direct queries.
func (r *Registry) Enforcer() *roles.Enforcer { return r.enforcer }

// Archive exposes the archive, or nil when not configured.
func (r *Registry) Archive() *session.Archive { return r.archive }

// Destroy tears a session down across every subsystem.
//
// Description:
//
//	When archiving is configured and enabled, the session is persisted
//	before anything is deleted; an archive failure aborts the destroy so
//	no state is lost. Teardown itself is all-or-nothing across the store,
//	the mediator and the enforcer.
//
// Inputs:
//
//	ctx - Context for the archive write. Must not be nil.
//	sessionID - The session to destroy.
//
// Outputs:
//
//	*session.ArchiveMetadata - The archive record, nil when not archived.
//	error - session.ErrSessionNotFound for unknown ids, or an archive
//	        failure (session left intact).
func (r *Registry) Destroy(ctx context.Context, sessionID string) (*session.ArchiveMetadata, error) {
	sess, err := r.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	var meta *session.ArchiveMetadata
	if r.archive != nil && r.cfg.Session.ArchiveOnDestroy {
		meta, err = r.archive.Save(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("archiving session before destroy: %w", err)
		}
	}

	r.store.Delete(sessionID)
	r.mediator.Remove(sessionID)
	r.enforcer.Remove(sessionID)

	r.logger.Info("session destroyed",
		"session_id", sessionID, "archived", meta != nil)
	return meta, nil
}
