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
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB key prefixes for archived sessions.
const (
	keyPrefixArchive = "review:sess:"
	keySuffixData    = ":data"
	keySuffixMeta    = ":meta"
	keySuffixLatest  = ":latest"

	// archiveSchemaVersion guards payload compatibility across releases.
	archiveSchemaVersion = "1"
)

// ArchiveMetadata describes an archived session without its payload.
type ArchiveMetadata struct {
	// SessionID is the archived session's id.
	SessionID string `json:"session_id"`

	// TargetPath is the session's review target.
	TargetPath string `json:"target_path"`

	// TargetHash is SHA256(TargetPath)[:16] for key grouping.
	TargetHash string `json:"target_hash"`

	// Status is the session status at archive time.
	Status SessionStatus `json:"status"`

	// RoundCount and IssueCount summarize the archived state.
	RoundCount int `json:"round_count"`
	IssueCount int `json:"issue_count"`

	// ArchivedAtMilli is when the session was archived (Unix ms UTC).
	ArchivedAtMilli int64 `json:"archived_at_milli"`

	// SchemaVersion is the payload schema version.
	SchemaVersion string `json:"schema_version"`

	// CompressedSize is the gzip payload size in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// ContentHash is the SHA256 hash of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// Archive persists ended sessions to BadgerDB.
//
// Description:
//
//	Stores sessions as gzip-compressed JSON with a metadata record per
//	session and a "latest" pointer per target path, so post-mortem tooling
//	can pull the most recent engagement for a target without scanning.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type Archive struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewArchive creates an Archive over an opened BadgerDB instance.
//
// Inputs:
//
//	db - An opened BadgerDB instance. Must not be nil. The caller owns
//	     opening and closing it.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*Archive - The configured archive.
//	error - Non-nil if db or logger is nil.
func NewArchive(db *badger.DB, logger *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Archive{db: db, logger: logger}, nil
}

// Save persists a session snapshot.
//
// Key Schema:
//
//	review:sess:{sessionID}:data       -> gzip(JSON(Session))
//	review:sess:{sessionID}:meta       -> JSON(ArchiveMetadata)
//	review:sess:{targetHash}:latest    -> sessionID
func (a *Archive) Save(ctx context.Context, sess *Session) (*ArchiveMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if sess == nil {
		return nil, fmt.Errorf("session must not be nil")
	}

	payload, err := json.Marshal(sess.Clone())
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing session: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	data := compressed.Bytes()

	meta := &ArchiveMetadata{
		SessionID:       sess.ID,
		TargetPath:      sess.TargetPath,
		TargetHash:      hashString(sess.TargetPath)[:16],
		Status:          sess.Status,
		RoundCount:      len(sess.Rounds),
		IssueCount:      len(sess.Issues),
		ArchivedAtMilli: time.Now().UTC().UnixMilli(),
		SchemaVersion:   archiveSchemaVersion,
		CompressedSize:  int64(len(data)),
		ContentHash:     hashBytes(data),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefixArchive+sess.ID+keySuffixData), data); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
		if err := txn.Set([]byte(keyPrefixArchive+sess.ID+keySuffixMeta), metaJSON); err != nil {
			return fmt.Errorf("writing metadata: %w", err)
		}
		if err := txn.Set([]byte(keyPrefixArchive+meta.TargetHash+keySuffixLatest), []byte(sess.ID)); err != nil {
			return fmt.Errorf("writing latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving session archive: %w", err)
	}

	a.logger.Debug("session archived",
		"session_id", sess.ID,
		"target", sess.TargetPath,
		"compressed_bytes", meta.CompressedSize)
	return meta, nil
}

// Load returns an archived session and its metadata.
//
// Outputs:
//
//	*Session, *ArchiveMetadata - The restored session and its record.
//	error - Wraps badger.ErrKeyNotFound for unknown ids.
func (a *Archive) Load(ctx context.Context, sessionID string) (*Session, *ArchiveMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if sessionID == "" {
		return nil, nil, fmt.Errorf("session id must not be empty")
	}

	var data, metaJSON []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixArchive + sessionID + keySuffixData))
		if err != nil {
			return fmt.Errorf("reading data: %w", err)
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying data: %w", err)
		}
		item, err = txn.Get([]byte(keyPrefixArchive + sessionID + keySuffixMeta))
		if err != nil {
			return fmt.Errorf("reading metadata: %w", err)
		}
		if metaJSON, err = item.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading session %q: %w", sessionID, err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("opening gzip reader: %w", err)
	}
	payload, err := io.ReadAll(gr)
	if cerr := gr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	var meta ArchiveMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &sess, &meta, nil
}

// LoadLatest returns the most recently archived session for a target path.
func (a *Archive) LoadLatest(ctx context.Context, targetPath string) (*Session, *ArchiveMetadata, error) {
	targetHash := hashString(targetPath)[:16]

	var sessionID string
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefixArchive + targetHash + keySuffixLatest))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		sessionID = string(val)
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, fmt.Errorf("no archived session for target %q: %w", targetPath, err)
		}
		return nil, nil, fmt.Errorf("reading latest pointer: %w", err)
	}
	return a.Load(ctx, sessionID)
}

// List returns archive metadata records, newest first, up to limit
// (0 = no limit).
func (a *Archive) List(ctx context.Context, limit int) ([]*ArchiveMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	var metas []*ArchiveMetadata
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixArchive)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copying metadata %q: %w", key, err)
			}
			var meta ArchiveMetadata
			if err := json.Unmarshal(val, &meta); err != nil {
				a.logger.Warn("skipping corrupt archive metadata", "key", key, "error", err)
				continue
			}
			metas = append(metas, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ArchivedAtMilli > metas[j].ArchivedAtMilli
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

// Delete removes an archived session's data and metadata. The latest
// pointer is left to age out: a dangling pointer surfaces as NotFound on
// the next LoadLatest, which callers already handle.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if sessionID == "" {
		return fmt.Errorf("session id must not be empty")
	}

	err := a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(keyPrefixArchive + sessionID + keySuffixData)); err != nil {
			return fmt.Errorf("deleting data: %w", err)
		}
		if err := txn.Delete([]byte(keyPrefixArchive + sessionID + keySuffixMeta)); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting session %q: %w", sessionID, err)
	}
	return nil
}

// hashString returns the hex SHA256 of s.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// hashBytes returns the hex SHA256 of data.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
