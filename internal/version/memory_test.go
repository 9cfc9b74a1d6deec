package version

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
)

// The in-memory repository mirrors the SQL repository's semantics; these
// tests pin the shared contract.

func memRecord(path, op string) *Record {
	return &Record{
		Path:      path,
		Op:        op,
		Timestamp: time.Now().UnixNano(),
	}
}

func TestMemoryKindConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryRepository()

	mk := memRecord("thing", "mkdir")
	mk.EntityType = "directory"
	_, err := m.RecordVersion(ctx, mk)
	require.NoError(t, err)

	create := memRecord("thing", "create")
	create.EntityType = "file"
	_, err = m.RecordVersion(ctx, create)
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestMemoryRenameModes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("same-path keeps one history", func(t *testing.T) {
		t.Parallel()
		m := NewMemoryRepository()

		_, err := m.RecordVersion(ctx, memRecord("old.txt", "create"))
		require.NoError(t, err)

		ren := memRecord("old.txt", "rename")
		ren.RenameTo = "new.txt"
		_, err = m.RecordVersion(ctx, ren)
		require.NoError(t, err)

		vs, err := m.History(ctx, "new.txt", Query{Ascending: true})
		require.NoError(t, err)
		assert.Len(t, vs, 2, "history follows the rename")

		_, err = m.History(ctx, "old.txt", Query{})
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("same-path retires an overwritten destination", func(t *testing.T) {
		t.Parallel()
		m := NewMemoryRepository()

		_, err := m.RecordVersion(ctx, memRecord("a.txt", "create"))
		require.NoError(t, err)
		_, err = m.RecordVersion(ctx, memRecord("b.txt", "create"))
		require.NoError(t, err)

		ren := memRecord("a.txt", "rename")
		ren.RenameTo = "b.txt"
		_, err = m.RecordVersion(ctx, ren)
		require.NoError(t, err)

		vs, err := m.History(ctx, "b.txt", Query{Ascending: true})
		require.NoError(t, err)
		assert.Len(t, vs, 2, "destination history is the renamed file's")

		_, err = m.History(ctx, "b.txt#retired-2", Query{})
		assert.NoError(t, err, "overwritten file's history survives retired")
	})

	t.Run("new-path keeps both rows", func(t *testing.T) {
		t.Parallel()
		m := NewMemoryRepository()
		m.RenameNewPath = true

		_, err := m.RecordVersion(ctx, memRecord("old.txt", "create"))
		require.NoError(t, err)

		ren := memRecord("old.txt", "rename")
		ren.RenameTo = "new.txt"
		_, err = m.RecordVersion(ctx, ren)
		require.NoError(t, err)

		_, err = m.History(ctx, "old.txt", Query{})
		assert.NoError(t, err)
		_, err = m.History(ctx, "new.txt", Query{})
		assert.NoError(t, err)
	})
}

func TestMemoryLastRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryRepository()

	_, err := m.LastRecorded(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	rec := memRecord("f.txt", "write")
	_, err = m.RecordVersion(ctx, rec)
	require.NoError(t, err)

	last, err := m.LastRecorded(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.Timestamp, last)
}

func TestMemoryPagination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryRepository()
	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		rec := memRecord("f.txt", "write")
		rec.Timestamp = base + int64(i)
		_, err := m.RecordVersion(ctx, rec)
		require.NoError(t, err)
	}

	vs, err := m.History(ctx, "f.txt", Query{Ascending: true, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, base+1, vs[0].Timestamp)
	assert.Equal(t, base+2, vs[1].Timestamp)
}

func TestMemoryPathMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryRepository()

	_, err := m.PathMeta(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	rec := memRecord("f.txt", "write")
	_, err = m.RecordVersion(ctx, rec)
	require.NoError(t, err)

	_, err = m.PathMeta(ctx, "f.txt")
	assert.ErrorIs(t, err, common.ErrNotFound, "no metadata was ever recorded")

	rec = memRecord("f.txt", "chmod")
	rec.Meta = &Meta{Mode: 0o600, UID: 1000}
	_, err = m.RecordVersion(ctx, rec)
	require.NoError(t, err)

	meta, err := m.PathMeta(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), meta.Mode)
	assert.Equal(t, uint32(1000), meta.UID)
}

func TestMemoryReadVersionCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMemoryRepository()
	rec := memRecord("f.txt", "write")
	rec.Payload = []byte("original")
	rec.ContentHash = "h"
	id, err := m.RecordVersion(ctx, rec)
	require.NoError(t, err)

	_, data, err := m.ReadVersion(ctx, id)
	require.NoError(t, err)
	data[0] = 'X'

	_, again, err := m.ReadVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again, "callers must not alias the stored payload")
}
