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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
)

type memPath struct {
	id         int64
	path       string
	entityType string
}

// MemoryRepository is an in-memory Repository used by tests and as the
// reference for the SQL-backed implementation's semantics.
type MemoryRepository struct {
	mu            sync.Mutex
	paths         map[int64]*memPath
	versions      []FileVersion
	contents      map[int64][]byte
	meta          map[int64]Meta
	nextPathID    int64
	nextVersionID int64

	// RenameNewPath mirrors the SQL repository's configuration knob.
	RenameNewPath bool

	// ProbeErr, when set, is returned by Probe; tests use it to simulate
	// a full disk.
	ProbeErr error
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		paths:    make(map[int64]*memPath),
		contents: make(map[int64][]byte),
		meta:     make(map[int64]Meta),
	}
}

func (m *MemoryRepository) findPath(path string) *memPath {
	for _, p := range m.paths {
		if p.path == path {
			return p
		}
	}
	return nil
}

func (m *MemoryRepository) RecordVersion(ctx context.Context, rec *Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind, _ := opcode.KindFromString(rec.Op)

	p := m.findPath(rec.Path)
	if p == nil {
		m.nextPathID++
		entity := rec.EntityType
		if entity == "" {
			entity = "file"
		}
		p = &memPath{id: m.nextPathID, path: rec.Path, entityType: entity}
		m.paths[p.id] = p
	} else if kind.IsCreate() && rec.EntityType != "" && p.entityType != rec.EntityType {
		return 0, fmt.Errorf("%w: path %q is a %s, not a %s",
			common.ErrExists, rec.Path, p.entityType, rec.EntityType)
	}

	desc := rec.Description
	if rec.Op == "rename" && rec.RenameTo != "" {
		if desc == "" {
			desc = fmt.Sprintf("renamed to %s (from path id %d)", rec.RenameTo, p.id)
		}
		if m.RenameNewPath {
			if m.findPath(rec.RenameTo) == nil {
				m.nextPathID++
				m.paths[m.nextPathID] = &memPath{
					id:         m.nextPathID,
					path:       rec.RenameTo,
					entityType: p.entityType,
				}
			}
		} else {
			if stale := m.findPath(rec.RenameTo); stale != nil && stale.id != p.id {
				stale.path = fmt.Sprintf("%s#retired-%d", stale.path, stale.id)
			}
			p.path = rec.RenameTo
		}
	}

	m.nextVersionID++
	v := FileVersion{
		ID:          m.nextVersionID,
		PathID:      p.id,
		Path:        p.path,
		Op:          rec.Op,
		Timestamp:   rec.Timestamp,
		Size:        int64(len(rec.Payload)),
		ContentHash: rec.ContentHash,
		Description: desc,
	}
	m.versions = append(m.versions, v)
	if len(rec.Payload) > 0 {
		buf := make([]byte, len(rec.Payload))
		copy(buf, rec.Payload)
		m.contents[v.ID] = buf
	}
	if rec.Meta != nil {
		m.meta[p.id] = *rec.Meta
	}
	return v.ID, nil
}

func (m *MemoryRepository) PathMeta(ctx context.Context, path string) (*Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPath(path)
	if p == nil {
		return nil, common.ErrNotFound
	}
	meta, ok := m.meta[p.id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &meta, nil
}

func (m *MemoryRepository) History(ctx context.Context, path string, q Query) ([]FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPath(path)
	if p == nil {
		return nil, common.ErrNotFound
	}

	var out []FileVersion
	for _, v := range m.versions {
		if v.PathID != p.id {
			continue
		}
		if q.Since > 0 && v.Timestamp < q.Since {
			continue
		}
		if q.Until > 0 && v.Timestamp > q.Until {
			continue
		}
		if len(q.Ops) > 0 && !containsString(q.Ops, v.Op) {
			continue
		}
		v.Path = p.path
		out = append(out, v)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			if q.Ascending {
				return out[i].Timestamp < out[j].Timestamp
			}
			return out[i].Timestamp > out[j].Timestamp
		}
		if q.Ascending {
			return out[i].ID < out[j].ID
		}
		return out[i].ID > out[j].ID
	})

	return paginate(out, q), nil
}

func (m *MemoryRepository) ReadVersion(ctx context.Context, versionID int64) (*FileVersion, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.versions {
		if v.ID != versionID {
			continue
		}
		if p, ok := m.paths[v.PathID]; ok {
			v.Path = p.path
		}
		// Copied on the way out for the same reason RecordVersion copies
		// on the way in: callers must not alias the stored payload.
		var data []byte
		if stored, ok := m.contents[versionID]; ok {
			data = make([]byte, len(stored))
			copy(data, stored)
		}
		return &v, data, nil
	}
	return nil, nil, common.ErrNotFound
}

func (m *MemoryRepository) Search(ctx context.Context, text string, q Query) ([]FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []FileVersion
	for _, v := range m.versions {
		if v.Description == "" || !strings.Contains(strings.ToLower(v.Description), strings.ToLower(text)) {
			continue
		}
		if p, ok := m.paths[v.PathID]; ok {
			v.Path = p.path
		}
		out = append(out, v)
	}
	return paginate(out, q), nil
}

func (m *MemoryRepository) LastRecorded(ctx context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.findPath(path)
	if p == nil {
		return 0, common.ErrNotFound
	}
	var last int64 = -1
	for _, v := range m.versions {
		if v.PathID == p.id && v.Timestamp > last {
			last = v.Timestamp
		}
	}
	if last < 0 {
		return 0, common.ErrNotFound
	}
	return last, nil
}

func (m *MemoryRepository) Probe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ProbeErr
}

// Versions returns a snapshot of all committed versions, oldest first.
// Test helper.
func (m *MemoryRepository) Versions() []FileVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileVersion, len(m.versions))
	copy(out, m.versions)
	return out
}

func paginate(vs []FileVersion, q Query) []FileVersion {
	if q.Offset > 0 {
		if q.Offset >= len(vs) {
			return nil
		}
		vs = vs[q.Offset:]
	}
	if q.Limit > 0 && len(vs) > q.Limit {
		vs = vs[:q.Limit]
	}
	return vs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
