// Copyright 2024 BranchOrigin Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the durable store of branch copy points.
//
// A store is a single SQLite file holding one serialized index per repository
// identity. Loaded indexes are kept in memory; Update only marks a repository
// dirty and Force writes every dirty index in one transaction.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"branchorigin/internal/common"
	"branchorigin/internal/index"
	"branchorigin/internal/util"
)

// lockRetryDelay is how often Force polls for the cross-process flush lock.
const lockRetryDelay = 20 * time.Millisecond

// Store maps repository identities to their index.
//
// Not thread-safe: callers serialize access.
type Store struct {
	path  string
	db    *sql.DB
	bunDB *BunDB
	lock  *flock.Flock

	loaded  map[string]*index.Index
	dirty   map[string]bool
	deleted map[string]bool
	closed  bool
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first so journal_mode=WAL waits for locks instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

// Open opens the store at path, creating it if it does not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	_, statErr := os.Stat(path)
	create := os.IsNotExist(statErr)

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	bunDB := NewBunDB(db)
	if create {
		if err := execStatements(db, storeSchema); err != nil {
			db.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		if err := initSchemaInfo(context.Background(), bunDB); err != nil {
			db.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
	}
	storeType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if storeType != StoreType {
		db.Close()
		return nil, fmt.Errorf("%w: %s (type %q)", common.ErrWrongType, path, storeType)
	}

	log.Debugf("[Store] opened %s (created=%t)", path, create)
	return &Store{
		path:    path,
		db:      db,
		bunDB:   bunDB,
		lock:    flock.New(path + ".lock"),
		loaded:  make(map[string]*index.Index),
		dirty:   make(map[string]bool),
		deleted: make(map[string]bool),
	}, nil
}

// load returns the cached index of repoID, reading it from disk on first use.
// The result is the live instance, or nil if none is stored.
func (s *Store) load(ctx context.Context, repoID string) (*index.Index, error) {
	if s.closed {
		return nil, common.ErrStoreClosed
	}
	if idx, ok := s.loaded[repoID]; ok {
		return idx, nil
	}
	if s.deleted[repoID] {
		return nil, nil
	}

	model, err := s.bunDB.GetBranchIndex(ctx, repoID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index for %s: %w", repoID, err)
	}
	idx, err := index.Decode(model.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode index for %s: %w", repoID, err)
	}
	s.loaded[repoID] = idx
	return idx, nil
}

// View calls fn with the cached index of repoID, or nil if none is stored.
// fn must not modify or retain the index.
func (s *Store) View(ctx context.Context, repoID string, fn func(*index.Index)) error {
	idx, err := s.load(ctx, repoID)
	if err != nil {
		return err
	}
	fn(idx)
	return nil
}

// Update calls fn with the index of repoID, creating an empty one if none is
// stored, and marks it dirty. The change is durable after Force.
func (s *Store) Update(ctx context.Context, repoID string, fn func(*index.Index)) error {
	idx, err := s.load(ctx, repoID)
	if err != nil {
		return err
	}
	if idx == nil {
		idx = index.New()
		s.loaded[repoID] = idx
	}
	fn(idx)
	s.dirty[repoID] = true
	delete(s.deleted, repoID)
	return nil
}

// Discard drops unflushed changes to repoID. The next read loads it from disk.
func (s *Store) Discard(repoID string) {
	if s.closed {
		return
	}
	delete(s.loaded, repoID)
	delete(s.dirty, repoID)
	delete(s.deleted, repoID)
}

// Delete drops the index of repoID. The change is durable after Force.
func (s *Store) Delete(ctx context.Context, repoID string) error {
	if s.closed {
		return common.ErrStoreClosed
	}
	delete(s.loaded, repoID)
	delete(s.dirty, repoID)
	s.deleted[repoID] = true
	return nil
}

// Repositories returns every repository identity with a stored index.
func (s *Store) Repositories(ctx context.Context) ([]string, error) {
	if s.closed {
		return nil, common.ErrStoreClosed
	}
	ids, err := s.bunDB.ListRepoIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	set := make(map[string]bool, len(ids)+len(s.dirty))
	for _, id := range ids {
		set[id] = true
	}
	for id := range s.dirty {
		set[id] = true
	}
	for id := range s.deleted {
		delete(set, id)
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Force writes all pending changes to disk.
func (s *Store) Force(ctx context.Context) error {
	if s.closed {
		return common.ErrStoreClosed
	}
	if len(s.dirty) == 0 && len(s.deleted) == 0 {
		return nil
	}

	models := make([]BranchIndexModel, 0, len(s.dirty))
	for repoID := range s.dirty {
		idx := s.loaded[repoID]
		data, err := idx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode index for %s: %w", repoID, err)
		}
		models = append(models, BranchIndexModel{RepoID: repoID, Data: data, Entries: int64(idx.Len())})
	}
	deleted := make([]string, 0, len(s.deleted))
	for repoID := range s.deleted {
		deleted = append(deleted, repoID)
	}

	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire store lock: %s", s.lock.Path())
	}
	defer s.lock.Unlock()

	err = util.RetryLocked(ctx, func() error {
		return s.bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := s.bunDB.UpsertBranchIndexesWith(tx, ctx, models); err != nil {
				return err
			}
			for _, repoID := range deleted {
				if err := s.bunDB.DeleteBranchIndexWith(tx, ctx, repoID); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to flush store: %w", err)
	}

	log.Debugf("[Store] Force: wrote %d indexes, deleted %d", len(models), len(deleted))
	s.dirty = make(map[string]bool)
	s.deleted = make(map[string]bool)
	return nil
}

// Close flushes pending changes and closes the database.
// The store cannot be used afterwards.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	ferr := s.Force(context.Background())
	s.closed = true
	s.loaded = nil
	if err := s.db.Close(); err != nil {
		return err
	}
	return ferr
}
