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

import "github.com/uptrace/bun"

// Bun ORM models for the claris-fuse database tables.

// PathModel represents the paths table: one row per known path inside the
// mounted tree. Rows are never deleted; a delete opcode soft-retires the
// path by appending a version.
type PathModel struct {
	bun.BaseModel `bun:"table:paths"`

	ID           int64  `bun:"id,pk,autoincrement"`
	Path         string `bun:"path,notnull,unique"`
	EntityType   string `bun:"entity_type,notnull"`
	CreatedAt    int64  `bun:"created_at,notnull"`    // epoch nanoseconds
	LastModified int64  `bun:"last_modified,notnull"` // epoch nanoseconds
}

// MetadataModel represents the metadata table: zero-or-one row per path,
// updated in place on metadata-only operations.
type MetadataModel struct {
	bun.BaseModel `bun:"table:metadata"`

	PathID int64 `bun:"path_id,pk"`
	Mode   int64 `bun:"mode,notnull"`
	UID    int64 `bun:"uid,notnull"`
	GID    int64 `bun:"gid,notnull"`
	Atime  int64 `bun:"atime,notnull"`
	Mtime  int64 `bun:"mtime,notnull"`
	Ctime  int64 `bun:"ctime,notnull"`
}

// VersionModel represents the versions table: one immutable row per
// observed mutation.
type VersionModel struct {
	bun.BaseModel `bun:"table:versions"`

	ID            int64  `bun:"id,pk,autoincrement"`
	FilePathID    int64  `bun:"file_path_id,notnull"`
	OperationType string `bun:"operation_type,notnull"`
	Timestamp     int64  `bun:"timestamp,notnull"` // epoch nanoseconds
	Size          int64  `bun:"size,notnull"`
	ContentHash   string `bun:"content_hash,nullzero"`
	Description   string `bun:"description,nullzero"`
}

// ContentModel represents the contents table. key is either the content
// hash (dedup mode) or "v<version id>" (per-version mode); data is a zstd
// frame when compression is enabled.
type ContentModel struct {
	bun.BaseModel `bun:"table:contents"`

	Key  string `bun:"key,pk"`
	Data []byte `bun:"data,notnull"`
}

// ConfigModel represents the config table holding store-level settings
// fixed at init (dedup mode, compression, session id).
type ConfigModel struct {
	bun.BaseModel `bun:"table:config"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// MigrationModel represents the __migrations table tracking the schema
// version.
type MigrationModel struct {
	bun.BaseModel `bun:"table:__migrations"`

	Version   int64 `bun:"version,pk"`
	AppliedAt int64 `bun:"applied_at,notnull"`
}
