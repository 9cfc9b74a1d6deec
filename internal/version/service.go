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

package version

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
)

// RestoreMode selects how a restore interacts with the host FS.
type RestoreMode string

const (
	// RestoreDryRun validates the request without touching the host FS
	// or recording anything.
	RestoreDryRun RestoreMode = "dry_run"
	// RestoreForce applies the restore unconditionally.
	RestoreForce RestoreMode = "force"
	// RestorePromptHandledExternally applies the restore; any
	// confirmation already happened in the caller.
	RestorePromptHandledExternally RestoreMode = "prompt_handled_externally"
)

// PathFilter decides whether a relative path participates in versioning.
type PathFilter func(relPath string, isDir bool) bool

// Service implements the version operations consumed by the recorder and
// by queries. It is polymorphic over the repository capability sets;
// tests substitute in-memory implementations.
type Service struct {
	repo      Repository
	files     FileSystemRepository
	hostWrite WriteFunc
	filter    PathFilter
}

// NewService builds a service. files and hostWrite may be nil for
// query-only use (history/search tooling); filter may be nil to version
// everything.
func NewService(repo Repository, files FileSystemRepository, hostWrite WriteFunc, filter PathFilter) *Service {
	return &Service{repo: repo, files: files, hostWrite: hostWrite, filter: filter}
}

// Record maps an opcode to a version and commits it. Exactly one version
// is committed per opcode, or an error is returned.
func (s *Service) Record(ctx context.Context, op opcode.Opcode) (int64, error) {
	if op.Kind == opcode.KindDropped {
		return 0, fmt.Errorf("%w: dropped notice is not recordable", common.ErrInvalidArgument)
	}

	rec := &Record{
		Path:       op.Path,
		EntityType: entityTypeFor(op),
		Op:         op.Kind.String(),
		Timestamp:  op.Timestamp,
		RenameTo:   op.NewPath,
	}

	if op.Kind.CarriesPayload() && len(op.Bytes) > 0 {
		rec.Payload = op.Bytes
		rec.ContentHash = storage.HashContent(op.Bytes)
	}

	switch op.Kind {
	case opcode.KindSymlink:
		rec.Description = fmt.Sprintf("symlink -> %s", op.Target)
	case opcode.KindLink:
		rec.Description = fmt.Sprintf("hard link of %s", op.Target)
	case opcode.KindTruncate:
		rec.Description = fmt.Sprintf("truncated to %d bytes", op.FinalSize)
	}

	if hasMeta(op.Kind) {
		rec.Meta = &Meta{
			Mode:  op.Mode,
			UID:   op.UID,
			GID:   op.GID,
			Atime: op.Atime,
			Mtime: op.Mtime,
			Ctime: op.Ctime,
		}
	}

	return s.repo.RecordVersion(ctx, rec)
}

// Probe verifies the backing repository is writable.
func (s *Service) Probe(ctx context.Context) error {
	return s.repo.Probe(ctx)
}

// History lists the versions of a path, newest first by default.
func (s *Service) History(ctx context.Context, path string, q Query) ([]FileVersion, error) {
	return s.repo.History(ctx, common.NormalizePath(path), q)
}

// ReadVersion returns the payload of a version. The second return is
// false for operations with no body (rename, delete, metadata changes).
func (s *Service) ReadVersion(ctx context.Context, versionID int64) ([]byte, bool, error) {
	v, data, err := s.repo.ReadVersion(ctx, versionID)
	if err != nil {
		return nil, false, err
	}
	if !v.HasBody() {
		return nil, false, nil
	}
	return data, true, nil
}

// Search consults the full-text index over version descriptions.
func (s *Service) Search(ctx context.Context, text string, q Query) ([]FileVersion, error) {
	return s.repo.Search(ctx, text, q)
}

// Restore writes the payload of versionID back to path through the host
// FS and records a new Write version with identical bytes. History is
// never mutated. Returns the new version's id (zero for a dry run).
func (s *Service) Restore(ctx context.Context, path string, versionID int64, mode RestoreMode) (int64, error) {
	if common.EscapesRoot(path) {
		return 0, fmt.Errorf("%w: path %q escapes the source root", common.ErrInvalidArgument, path)
	}
	path = common.NormalizePath(path)

	v, data, err := s.repo.ReadVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}
	if v.Path != path {
		return 0, fmt.Errorf("%w: version %d belongs to %q, not %q",
			common.ErrInvalidArgument, versionID, v.Path, path)
	}
	if !v.HasBody() {
		return 0, fmt.Errorf("%w: version %d (%s) has no content to restore",
			common.ErrInvalidArgument, versionID, v.Op)
	}

	if mode == RestoreDryRun {
		log.Infof("[version] dry run: would restore %s to version %d (%d bytes)", path, versionID, len(data))
		return 0, nil
	}

	if s.hostWrite == nil {
		return 0, fmt.Errorf("%w: service has no host writer", common.ErrInvalidArgument)
	}
	if err := s.hostWrite(path, data, s.restoreMode(ctx, path)); err != nil {
		return 0, fmt.Errorf("host write failed: %w", err)
	}

	op := opcode.New(opcode.KindWrite, path)
	op.Bytes = data
	op.FinalSize = int64(len(data))
	newID, err := s.recordRestore(ctx, op, versionID)
	if err != nil {
		return 0, err
	}
	log.Infof("[version] restored %s to version %d as version %d", path, versionID, newID)
	return newID, nil
}

// restoreMode picks the permission bits for a restore write-back: the
// path's last recorded mode when the metadata table has one, 0644
// otherwise.
func (s *Service) restoreMode(ctx context.Context, path string) os.FileMode {
	meta, err := s.repo.PathMeta(ctx, path)
	if err != nil || meta.Mode == 0 {
		return 0o644
	}
	return os.FileMode(meta.Mode & 0o777)
}

func (s *Service) recordRestore(ctx context.Context, op opcode.Opcode, fromVersion int64) (int64, error) {
	rec := &Record{
		Path:        op.Path,
		EntityType:  storage.EntityFile,
		Op:          op.Kind.String(),
		Timestamp:   op.Timestamp,
		Payload:     op.Bytes,
		ContentHash: storage.HashContent(op.Bytes),
		Description: fmt.Sprintf("restored from version %d", fromVersion),
	}
	return s.repo.RecordVersion(ctx, rec)
}

// Reconcile scans the source tree for files modified after their last
// recorded version (changes made while unmounted) and synthesizes Write
// versions for them. Returns the number of versions recorded.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.files == nil {
		return 0, nil
	}

	recorded := 0
	err := s.files.Traverse("", func(path string, info os.FileInfo) error {
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel := common.NormalizePath(path)
		if s.filter != nil && !s.filter(rel, false) {
			return nil
		}

		last, err := s.repo.LastRecorded(ctx, rel)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		mtime := info.ModTime().UnixNano()
		if err == nil && mtime <= last {
			return nil
		}

		data, err := s.files.ReadBytes(path)
		if err != nil {
			return err
		}

		rec := &Record{
			Path:        rel,
			EntityType:  storage.EntityFile,
			Op:          opcode.KindWrite.String(),
			Timestamp:   time.Now().UnixNano(),
			Payload:     data,
			Description: "reconciled after mount",
			Meta: &Meta{
				Mode:  uint32(info.Mode().Perm()),
				Atime: mtime,
				Mtime: mtime,
				Ctime: mtime,
			},
		}
		if len(data) > 0 {
			rec.ContentHash = storage.HashContent(data)
		}
		if _, err := s.repo.RecordVersion(ctx, rec); err != nil {
			return err
		}
		recorded++
		return nil
	})
	if err != nil {
		return recorded, err
	}
	if recorded > 0 {
		log.Infof("[version] reconciled %d file(s) changed while unmounted", recorded)
	}
	return recorded, nil
}

func entityTypeFor(op opcode.Opcode) string {
	switch op.Kind {
	case opcode.KindMkdir, opcode.KindRmdir:
		return storage.EntityDirectory
	case opcode.KindSymlink:
		return storage.EntitySymlink
	default:
		return storage.EntityFile
	}
}

// hasMeta reports whether the opcode kind carries post-op metadata worth
// writing through to the metadata table.
func hasMeta(k opcode.Kind) bool {
	switch k {
	case opcode.KindCreate, opcode.KindMkdir, opcode.KindWrite, opcode.KindTruncate,
		opcode.KindChmod, opcode.KindChown, opcode.KindUtimens:
		return true
	}
	return false
}
