// Copyright 2025 Claris FUSE Authors
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

// Package storage implements the versioned storage engine over an
// embedded SQLite database: paths, versions, metadata and content blobs,
// with content hashing and optional deduplication.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
)

// Options configures a store at creation time. Dedup and Compress are
// persisted in the config table and fixed for the lifetime of the file.
type Options struct {
	Dedup    bool
	Compress bool
}

// Store is a claris-fuse database: the sole persistent artifact, living
// at the root of the source directory. A single writer is enforced with
// a file lock; read-only opens skip the lock.
type Store struct {
	path     string
	db       *sql.DB
	bun      *bun.DB
	lock     *flock.Flock
	dedup    bool
	compress bool
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
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout MUST be set first — all subsequent PRAGMAs (especially
	// journal_mode=WAL which needs exclusive access) will wait for locks
	// instead of failing immediately with "database is locked".
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", DefaultBusyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// WAL mode: concurrent readers during writes, reduced lock contention.
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}

	// synchronous=NORMAL: WAL mode with NORMAL sync is safe against process
	// crashes (only vulnerable to OS crash / power loss).
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Larger cache for history queries (8MB).
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}

	return nil
}

// Create creates a new claris-fuse database at the root of sourceDir.
// Returns common.ErrExists when the directory is already initialized.
func Create(sourceDir string, opts Options) (*Store, error) {
	dbPath := filepath.Join(sourceDir, DBFileName)
	if _, err := os.Stat(dbPath); err == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrExists, dbPath)
	}

	db, err := sql.Open("libsql", BuildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, err
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		path:     dbPath,
		db:       db,
		bun:      bun.NewDB(db, sqlitedialect.New()),
		dedup:    opts.Dedup,
		compress: opts.Compress,
	}

	ctx := context.Background()
	if err := s.SetConfigValue(ctx, "dedup", boolString(opts.Dedup)); err != nil {
		s.Close()
		os.Remove(dbPath)
		return nil, err
	}
	if err := s.SetConfigValue(ctx, "compress", boolString(opts.Compress)); err != nil {
		s.Close()
		os.Remove(dbPath)
		return nil, err
	}

	return s, nil
}

// Open opens an existing database. When readOnly is false a file lock is
// taken so that at most one writing mount exists; a held lock fails with
// common.ErrExists. A failed integrity check fails with common.ErrCorrupted.
func Open(sourceDir string, readOnly bool) (*Store, error) {
	dbPath := filepath.Join(sourceDir, DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", common.ErrNotFound, dbPath)
	}

	var lock *flock.Flock
	if !readOnly {
		lock = flock.New(filepath.Join(sourceDir, LockFileName))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire writer lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: another process holds the writer lock", common.ErrExists)
		}
	}

	db, err := sql.Open("libsql", BuildDSN(dbPath))
	if err != nil {
		unlock(lock)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := applyPragmas(db); err != nil {
		db.Close()
		unlock(lock)
		return nil, err
	}

	if err := checkIntegrity(db); err != nil {
		db.Close()
		unlock(lock)
		return nil, err
	}

	if !readOnly {
		if err := applyMigrations(db); err != nil {
			db.Close()
			unlock(lock)
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	s := &Store{
		path: dbPath,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
		lock: lock,
	}

	ctx := context.Background()
	s.dedup = s.configBool(ctx, "dedup", true)
	s.compress = s.configBool(ctx, "compress", true)

	return s, nil
}

// checkIntegrity runs a quick integrity check; any reported problem maps
// to common.ErrCorrupted.
func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check(1)").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check failed: %v", common.ErrCorrupted, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", common.ErrCorrupted, result)
	}
	return nil
}

// applyMigrations applies pending schema steps idempotently, recording
// each applied version in __migrations.
func applyMigrations(db *sql.DB) error {
	if err := execStatements(db, migrationsTableSchema); err != nil {
		return err
	}

	var current sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM __migrations").Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		if err := execStatements(db, m.script); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := db.Exec("INSERT INTO __migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UnixNano()); err != nil {
			return err
		}
		log.Debugf("[storage] applied migration %d", m.version)
	}
	return nil
}

// Close checkpoints the WAL, closes the connection, removes the WAL
// sidecar files, and releases the writer lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// PRAGMA wal_checkpoint returns rows, so Query() not Exec().
	rows, err := s.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("[storage] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}

	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil

	os.Remove(s.path + "-wal")
	os.Remove(s.path + "-shm")

	unlock(s.lock)
	return nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		lock.Unlock()
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DedupEnabled reports whether content rows are keyed by hash.
func (s *Store) DedupEnabled() bool {
	return s.dedup
}

// CompressEnabled reports whether content blobs are zstd frames.
func (s *Store) CompressEnabled() bool {
	return s.compress
}

func (s *Store) configBool(ctx context.Context, key string, fallback bool) bool {
	v, err := s.GetConfigValue(ctx, key)
	if err != nil || v == "" {
		return fallback
	}
	return v == "true"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// classifyError maps a driver error onto the store's sentinel kinds so
// callers can select a recovery policy with errors.Is.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%w: %v", common.ErrStorageFull, err)
	case strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "not a database"):
		return fmt.Errorf("%w: %v", common.ErrCorrupted, err)
	case strings.Contains(msg, "disk I/O error") || strings.Contains(msg, "i/o error"):
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	case err == sql.ErrNoRows:
		return common.ErrNotFound
	default:
		return err
	}
}
