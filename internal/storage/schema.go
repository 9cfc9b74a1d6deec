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

package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// DBFileName is the single persistent artifact, created at the root of
// the source directory.
const DBFileName = "claris-fuse.db"

// LockFileName guards the database against a second writing mount.
const LockFileName = "claris-fuse.db.lock"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Entity kinds stored in paths.entity_type.
const (
	EntityFile      = "file"
	EntityDirectory = "directory"
	EntitySymlink   = "symlink"
)

// BuildDSN builds the SQLite DSN. libsql ignores DSN-based pragma
// parameters, so the journal mode here is advisory; applyPragmas sets
// everything explicitly after open.
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, DefaultBusyTimeout)
}

// migration is one idempotent schema step. Applied versions are recorded
// in the __migrations table; steps already recorded are skipped at open.
type migration struct {
	version int
	script  string
}

var migrations = []migration{
	{1, migrationV1},
}

// migrationV1 creates the full schema: paths, metadata, versions,
// contents, and the rebuildable full-text index over descriptions.
// Timestamps throughout are signed 64-bit epoch nanoseconds.
const migrationV1 = `
CREATE TABLE IF NOT EXISTS paths (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL CHECK (entity_type IN ('file', 'directory', 'symlink')),
    created_at INTEGER NOT NULL,
    last_modified INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_paths_path ON paths(path);

-- Zero-or-one row per path: POSIX metadata, updated in place.
CREATE TABLE IF NOT EXISTS metadata (
    path_id INTEGER PRIMARY KEY,
    mode INTEGER NOT NULL,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    atime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    ctime INTEGER NOT NULL,
    FOREIGN KEY (path_id) REFERENCES paths(id)
);

-- Append-only version log. operation_type is the lowercase opcode kind.
CREATE TABLE IF NOT EXISTS versions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path_id INTEGER NOT NULL,
    operation_type TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT,
    description TEXT,
    FOREIGN KEY (file_path_id) REFERENCES paths(id)
);

CREATE INDEX IF NOT EXISTS idx_versions_path_time ON versions(file_path_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_versions_hash ON versions(content_hash);

-- Content blobs. key is the content hash (dedup mode) or "v<version id>".
CREATE TABLE IF NOT EXISTS contents (
    key TEXT PRIMARY KEY,
    data BLOB NOT NULL
);

-- Store-level settings persisted at init (dedup, compression, session).
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Derived, rebuildable full-text index over version descriptions.
-- rowid is the version id.
CREATE VIRTUAL TABLE IF NOT EXISTS versions_fts USING fts5(description);
`

const migrationsTableSchema = `
CREATE TABLE IF NOT EXISTS __migrations (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	lines := strings.Split(script, "\n")
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}
