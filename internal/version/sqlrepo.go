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

	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
)

// SQLRepository is the database-backed Repository. The factory in the
// mount path constructs it; tests substitute MemoryRepository.
type SQLRepository struct {
	store *storage.Store

	// renameNewPath selects the configured rename semantics: the
	// destination gets a fresh path row instead of retitling in place.
	renameNewPath bool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository wraps a store. renameNewPath selects the rename
// semantics configured for this mount.
func NewSQLRepository(store *storage.Store, renameNewPath bool) *SQLRepository {
	return &SQLRepository{store: store, renameNewPath: renameNewPath}
}

func (r *SQLRepository) RecordVersion(ctx context.Context, rec *Record) (int64, error) {
	sr := &storage.VersionRecord{
		Path:          rec.Path,
		EntityType:    rec.EntityType,
		OperationType: rec.Op,
		Timestamp:     rec.Timestamp,
		Payload:       rec.Payload,
		ContentHash:   rec.ContentHash,
		Description:   rec.Description,
		RenameTo:      rec.RenameTo,
		RenameNewPath: r.renameNewPath,
	}
	if rec.Meta != nil {
		sr.Meta = &storage.MetaUpdate{
			Mode:  rec.Meta.Mode,
			UID:   rec.Meta.UID,
			GID:   rec.Meta.GID,
			Atime: rec.Meta.Atime,
			Mtime: rec.Meta.Mtime,
			Ctime: rec.Meta.Ctime,
		}
	}
	return r.store.RecordVersion(ctx, sr)
}

func (r *SQLRepository) History(ctx context.Context, path string, q Query) ([]FileVersion, error) {
	p, err := r.store.GetPath(ctx, path)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.ListVersions(ctx, p.ID, toStorageQuery(q))
	if err != nil {
		return nil, err
	}

	out := make([]FileVersion, 0, len(rows))
	for _, row := range rows {
		out = append(out, toFileVersion(&row, p.Path))
	}
	return out, nil
}

func (r *SQLRepository) ReadVersion(ctx context.Context, versionID int64) (*FileVersion, []byte, error) {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	p, err := r.store.GetPathByID(ctx, v.FilePathID)
	if err != nil {
		return nil, nil, err
	}
	fv := toFileVersion(v, p.Path)

	data, err := r.store.ReadContent(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	return &fv, data, nil
}

func (r *SQLRepository) Search(ctx context.Context, text string, q Query) ([]FileVersion, error) {
	rows, err := r.store.SearchVersions(ctx, text, toStorageQuery(q))
	if err != nil {
		return nil, err
	}

	// Resolve path strings; queries typically touch few distinct paths.
	paths := make(map[int64]string)
	out := make([]FileVersion, 0, len(rows))
	for _, row := range rows {
		name, ok := paths[row.FilePathID]
		if !ok {
			p, err := r.store.GetPathByID(ctx, row.FilePathID)
			if err != nil {
				return nil, err
			}
			name = p.Path
			paths[row.FilePathID] = name
		}
		out = append(out, toFileVersion(&row, name))
	}
	return out, nil
}

func (r *SQLRepository) LastRecorded(ctx context.Context, path string) (int64, error) {
	p, err := r.store.GetPath(ctx, path)
	if err != nil {
		return 0, err
	}
	v, err := r.store.LastVersionForPath(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	return v.Timestamp, nil
}

func (r *SQLRepository) PathMeta(ctx context.Context, path string) (*Meta, error) {
	p, err := r.store.GetPath(ctx, path)
	if err != nil {
		return nil, err
	}
	m, err := r.store.GetMetadata(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &Meta{
		Mode:  uint32(m.Mode),
		UID:   uint32(m.UID),
		GID:   uint32(m.GID),
		Atime: m.Atime,
		Mtime: m.Mtime,
		Ctime: m.Ctime,
	}, nil
}

func (r *SQLRepository) Probe(ctx context.Context) error {
	return r.store.Probe(ctx)
}

func toStorageQuery(q Query) storage.Query {
	return storage.Query{
		Limit:     q.Limit,
		Offset:    q.Offset,
		Since:     q.Since,
		Until:     q.Until,
		Ops:       q.Ops,
		Ascending: q.Ascending,
	}
}

func toFileVersion(v *storage.VersionModel, path string) FileVersion {
	return FileVersion{
		ID:          v.ID,
		PathID:      v.FilePathID,
		Path:        path,
		Op:          v.OperationType,
		Timestamp:   v.Timestamp,
		Size:        v.Size,
		ContentHash: v.ContentHash,
		Description: v.Description,
	}
}
