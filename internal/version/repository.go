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

// Package version exposes the higher-level operations over the storage
// engine: record, history, read, restore and search. Services depend on
// the repository capability sets defined here, never on a concrete
// backend.
package version

import (
	"context"
	"os"
)

// FileVersion is the projection of one committed version returned by
// queries.
type FileVersion struct {
	ID          int64
	PathID      int64
	Path        string
	Op          string
	Timestamp   int64 // epoch nanoseconds
	Size        int64
	ContentHash string
	Description string
}

// HasBody reports whether the version carries a content payload.
func (v *FileVersion) HasBody() bool {
	return v.ContentHash != ""
}

// Query bounds and filters history and search listings.
type Query struct {
	Limit     int
	Offset    int
	Since     int64 // epoch ns, 0 = unbounded
	Until     int64
	Ops       []string
	Ascending bool // default newest first
}

// Meta is the post-operation POSIX metadata attached to a record.
type Meta struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// Record is one mutation ready to be committed as a version.
type Record struct {
	Path        string
	EntityType  string
	Op          string
	Timestamp   int64
	Payload     []byte
	ContentHash string
	Description string
	RenameTo    string
	Meta        *Meta
}

// Repository is the version capability set. A delete-like record
// soft-retires its path: the row is kept and the delete version appended.
type Repository interface {
	// RecordVersion commits one version atomically and returns its id.
	RecordVersion(ctx context.Context, rec *Record) (int64, error)

	// History lists versions for a path. Unknown paths return
	// common.ErrNotFound.
	History(ctx context.Context, path string, q Query) ([]FileVersion, error)

	// ReadVersion returns a version and its payload bytes. Versions
	// without a body return an empty payload.
	ReadVersion(ctx context.Context, versionID int64) (*FileVersion, []byte, error)

	// Search consults the full-text index over descriptions.
	Search(ctx context.Context, text string, q Query) ([]FileVersion, error)

	// LastRecorded returns the newest version timestamp for a path, or
	// common.ErrNotFound when the path has no versions.
	LastRecorded(ctx context.Context, path string) (int64, error)

	// PathMeta returns the last recorded POSIX metadata for a path, or
	// common.ErrNotFound when none was ever recorded.
	PathMeta(ctx context.Context, path string) (*Meta, error)

	// Probe verifies the backend is writable.
	Probe(ctx context.Context) error
}

// FileSystemRepository is the read-only capability set over the host
// directory backing the mount.
type FileSystemRepository interface {
	// Stat returns file info for a path relative to the source root.
	Stat(path string) (os.FileInfo, error)

	// ReadBytes returns the full contents of a file.
	ReadBytes(path string) ([]byte, error)

	// Traverse walks the tree rooted at root (empty string for the
	// source root), calling fn for every entry.
	Traverse(root string, fn func(path string, info os.FileInfo) error) error
}
