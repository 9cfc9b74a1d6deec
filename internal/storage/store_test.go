package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
)

// testStore creates a store in a temp directory with the given options.
func testStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()
	dir := t.TempDir()

	s, err := Create(dir, opts)
	require.NoError(t, err, "failed to create store")
	t.Cleanup(func() { s.Close() })

	return s, dir
}

// writeRecord builds a minimal write record with payload and hash.
func writeRecord(path string, payload []byte) *VersionRecord {
	rec := &VersionRecord{
		Path:          path,
		EntityType:    EntityFile,
		OperationType: "write",
		Timestamp:     time.Now().UnixNano(),
		Payload:       payload,
	}
	if len(payload) > 0 {
		rec.ContentHash = HashContent(payload)
	}
	return rec
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("creates database file", func(t *testing.T) {
		t.Parallel()
		s, dir := testStore(t, Options{Dedup: true, Compress: true})

		_, err := os.Stat(filepath.Join(dir, DBFileName))
		assert.NoError(t, err, "database file should exist")
		assert.Equal(t, filepath.Join(dir, DBFileName), s.Path())
	})

	t.Run("fails when already initialized", func(t *testing.T) {
		t.Parallel()
		_, dir := testStore(t, Options{})

		_, err := Create(dir, Options{})
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("persists content flags", func(t *testing.T) {
		t.Parallel()
		s, dir := testStore(t, Options{Dedup: false, Compress: false})
		require.NoError(t, s.Close())

		reopened, err := Open(dir, false)
		require.NoError(t, err)
		defer reopened.Close()

		assert.False(t, reopened.DedupEnabled())
		assert.False(t, reopened.CompressEnabled())
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("missing database", func(t *testing.T) {
		t.Parallel()
		_, err := Open(t.TempDir(), false)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("writer lock excludes a second writer", func(t *testing.T) {
		t.Parallel()
		s, dir := testStore(t, Options{})
		require.NoError(t, s.Close())

		first, err := Open(dir, false)
		require.NoError(t, err)
		defer first.Close()

		_, err = Open(dir, false)
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("read-only open skips the lock", func(t *testing.T) {
		t.Parallel()
		s, dir := testStore(t, Options{})
		require.NoError(t, s.Close())

		writer, err := Open(dir, false)
		require.NoError(t, err)
		defer writer.Close()

		reader, err := Open(dir, true)
		require.NoError(t, err)
		assert.NoError(t, reader.Close())
	})

	t.Run("close removes wal sidecars", func(t *testing.T) {
		t.Parallel()
		s, dir := testStore(t, Options{})
		_, err := s.RecordVersion(context.Background(), writeRecord("f.txt", []byte("x")))
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = os.Stat(filepath.Join(dir, DBFileName+"-wal"))
		assert.True(t, os.IsNotExist(err), "-wal should be removed")
		_, err = os.Stat(filepath.Join(dir, DBFileName+"-shm"))
		assert.True(t, os.IsNotExist(err), "-shm should be removed")
	})
}

func TestRecordVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates path, version, metadata and content", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{Dedup: true, Compress: true})

		payload := []byte("hello, claris")
		rec := writeRecord("docs/readme.md", payload)
		rec.Meta = &MetaUpdate{Mode: 0o644, UID: 1000, GID: 1000, Mtime: rec.Timestamp}

		id, err := s.RecordVersion(ctx, rec)
		require.NoError(t, err)
		assert.Positive(t, id)

		p, err := s.GetPath(ctx, "docs/readme.md")
		require.NoError(t, err)
		assert.Equal(t, EntityFile, p.EntityType)
		assert.Equal(t, rec.Timestamp, p.LastModified)

		v, err := s.GetVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, p.ID, v.FilePathID)
		assert.Equal(t, "write", v.OperationType)
		assert.Equal(t, int64(len(payload)), v.Size)
		assert.Equal(t, HashContent(payload), v.ContentHash)

		m, err := s.GetMetadata(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0o644), m.Mode)
		assert.Equal(t, int64(1000), m.UID)

		data, err := s.ReadContent(ctx, v)
		require.NoError(t, err)
		assert.Equal(t, payload, data, "compressed payload must round-trip")
	})

	t.Run("dedup shares one content row", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{Dedup: true})

		payload := []byte("same bytes")
		_, err := s.RecordVersion(ctx, writeRecord("a.txt", payload))
		require.NoError(t, err)
		_, err = s.RecordVersion(ctx, writeRecord("b.txt", payload))
		require.NoError(t, err)

		count, err := s.bun.NewSelect().Model((*ContentModel)(nil)).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "identical payloads share a single row")
	})

	t.Run("without dedup each version owns a row", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{Dedup: false})

		payload := []byte("same bytes")
		id1, err := s.RecordVersion(ctx, writeRecord("a.txt", payload))
		require.NoError(t, err)
		id2, err := s.RecordVersion(ctx, writeRecord("b.txt", payload))
		require.NoError(t, err)

		count, err := s.bun.NewSelect().Model((*ContentModel)(nil)).Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		for _, id := range []int64{id1, id2} {
			v, err := s.GetVersion(ctx, id)
			require.NoError(t, err)
			data, err := s.ReadContent(ctx, v)
			require.NoError(t, err)
			assert.Equal(t, payload, data)
		}
	})

	t.Run("entity kind is immutable once created", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{})

		mk := &VersionRecord{
			Path:          "thing",
			EntityType:    EntityDirectory,
			OperationType: "mkdir",
			Timestamp:     time.Now().UnixNano(),
		}
		_, err := s.RecordVersion(ctx, mk)
		require.NoError(t, err)

		create := &VersionRecord{
			Path:          "thing",
			EntityType:    EntityFile,
			OperationType: "create",
			Timestamp:     time.Now().UnixNano(),
		}
		_, err = s.RecordVersion(ctx, create)
		assert.ErrorIs(t, err, common.ErrExists)
	})

	t.Run("delete keeps the path row", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{})

		_, err := s.RecordVersion(ctx, writeRecord("gone.txt", []byte("x")))
		require.NoError(t, err)

		del := &VersionRecord{
			Path:          "gone.txt",
			EntityType:    EntityFile,
			OperationType: "unlink",
			Timestamp:     time.Now().UnixNano(),
		}
		_, err = s.RecordVersion(ctx, del)
		require.NoError(t, err)

		p, err := s.GetPath(ctx, "gone.txt")
		require.NoError(t, err, "deletes soft-retire, history stays queryable")

		versions, err := s.ListVersions(ctx, p.ID, Query{Ascending: true})
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, "write", versions[0].OperationType)
		assert.Equal(t, "unlink", versions[1].OperationType)
	})
}

func TestRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	renameRecord := func(from, to string) *VersionRecord {
		return &VersionRecord{
			Path:          from,
			EntityType:    EntityFile,
			OperationType: "rename",
			Timestamp:     time.Now().UnixNano(),
			RenameTo:      to,
		}
	}

	t.Run("same-path mode retitles the row in place", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{})

		_, err := s.RecordVersion(ctx, writeRecord("old.txt", []byte("v1")))
		require.NoError(t, err)
		src, err := s.GetPath(ctx, "old.txt")
		require.NoError(t, err)

		id, err := s.RecordVersion(ctx, renameRecord("old.txt", "new.txt"))
		require.NoError(t, err)

		moved, err := s.GetPath(ctx, "new.txt")
		require.NoError(t, err)
		assert.Equal(t, src.ID, moved.ID, "history follows the file across the rename")

		_, err = s.GetPath(ctx, "old.txt")
		assert.ErrorIs(t, err, common.ErrNotFound)

		v, err := s.GetVersion(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, v.Description, "renamed to new.txt")
	})

	t.Run("same-path mode retires a stale destination row", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{})

		_, err := s.RecordVersion(ctx, writeRecord("a.txt", []byte("a")))
		require.NoError(t, err)
		_, err = s.RecordVersion(ctx, writeRecord("b.txt", []byte("b")))
		require.NoError(t, err)
		stale, err := s.GetPath(ctx, "b.txt")
		require.NoError(t, err)

		_, err = s.RecordVersion(ctx, renameRecord("a.txt", "b.txt"))
		require.NoError(t, err)

		// The overwritten file's history survives under a retired name.
		retired, err := s.GetPathByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Contains(t, retired.Path, "#retired-")

		current, err := s.GetPath(ctx, "b.txt")
		require.NoError(t, err)
		assert.NotEqual(t, stale.ID, current.ID)
	})

	t.Run("new-path mode keeps both rows", func(t *testing.T) {
		t.Parallel()
		s, _ := testStore(t, Options{})

		_, err := s.RecordVersion(ctx, writeRecord("old.txt", []byte("v1")))
		require.NoError(t, err)

		rec := renameRecord("old.txt", "new.txt")
		rec.RenameNewPath = true
		_, err = s.RecordVersion(ctx, rec)
		require.NoError(t, err)

		_, err = s.GetPath(ctx, "old.txt")
		assert.NoError(t, err, "source row keeps its path string")
		_, err = s.GetPath(ctx, "new.txt")
		assert.NoError(t, err, "destination gets a fresh row")
	})
}

func TestListVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := testStore(t, Options{})

	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		rec := writeRecord("f.txt", []byte{byte('a' + i)})
		rec.Timestamp = base + int64(i)
		_, err := s.RecordVersion(ctx, rec)
		require.NoError(t, err)
	}

	p, err := s.GetPath(ctx, "f.txt")
	require.NoError(t, err)

	t.Run("newest first by default", func(t *testing.T) {
		t.Parallel()
		versions, err := s.ListVersions(ctx, p.ID, Query{})
		require.NoError(t, err)
		require.Len(t, versions, 5)
		assert.Equal(t, base+4, versions[0].Timestamp)
		assert.Equal(t, base, versions[4].Timestamp)
	})

	t.Run("ascending with limit and offset", func(t *testing.T) {
		t.Parallel()
		versions, err := s.ListVersions(ctx, p.ID, Query{Ascending: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, base+1, versions[0].Timestamp)
		assert.Equal(t, base+2, versions[1].Timestamp)
	})

	t.Run("time window", func(t *testing.T) {
		t.Parallel()
		versions, err := s.ListVersions(ctx, p.ID, Query{Since: base + 2, Until: base + 3})
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})

	t.Run("operation filter", func(t *testing.T) {
		t.Parallel()
		versions, err := s.ListVersions(ctx, p.ID, Query{Ops: []string{"unlink"}})
		require.NoError(t, err)
		assert.Empty(t, versions)
	})

	t.Run("last version", func(t *testing.T) {
		t.Parallel()
		v, err := s.LastVersionForPath(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, base+4, v.Timestamp)
	})
}

func TestReadContentCorruption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := testStore(t, Options{Dedup: true})

	id, err := s.RecordVersion(ctx, writeRecord("f.txt", []byte("payload")))
	require.NoError(t, err)

	// Tamper with the recorded size; the payload no longer matches.
	_, err = s.bun.NewUpdate().
		Model((*VersionModel)(nil)).
		Set("size = ?", 999).
		Where("id = ?", id).
		Exec(ctx)
	require.NoError(t, err)

	v, err := s.GetVersion(ctx, id)
	require.NoError(t, err)
	_, err = s.ReadContent(ctx, v)
	assert.ErrorIs(t, err, common.ErrCorrupted)
}

func TestSearchVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := testStore(t, Options{})

	rec := writeRecord("a.txt", []byte("x"))
	rec.Description = "restored from version 7"
	_, err := s.RecordVersion(ctx, rec)
	require.NoError(t, err)

	rec = writeRecord("b.txt", []byte("y"))
	rec.Description = "reconciled after mount"
	_, err = s.RecordVersion(ctx, rec)
	require.NoError(t, err)

	t.Run("matches by description token", func(t *testing.T) {
		matches, err := s.SearchVersions(ctx, "restored", Query{})
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "restored from version 7", matches[0].Description)
	})

	t.Run("no matches", func(t *testing.T) {
		matches, err := s.SearchVersions(ctx, "nonexistent", Query{})
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("rebuild repopulates the index", func(t *testing.T) {
		require.NoError(t, s.RebuildSearchIndex(ctx))
		matches, err := s.SearchVersions(ctx, "reconciled", Query{})
		require.NoError(t, err)
		assert.Len(t, matches, 1)
	})
}

func TestProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := testStore(t, Options{})
	require.NoError(t, s.Probe(ctx))

	v, err := s.GetConfigValue(ctx, "last_probe")
	require.NoError(t, err)
	assert.NotEmpty(t, v)
}

func TestMigrationsIdempotent(t *testing.T) {
	t.Parallel()

	s, dir := testStore(t, Options{})
	_, err := s.RecordVersion(context.Background(), writeRecord("f.txt", []byte("x")))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening re-runs applyMigrations; already-applied steps are skipped
	// and data survives.
	reopened, err := Open(dir, false)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.GetPath(context.Background(), "f.txt")
	require.NoError(t, err)
	assert.NotZero(t, p.ID)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"disk full", errors.New("database or disk is full"), common.ErrStorageFull},
		{"malformed", errors.New("database disk image is malformed"), common.ErrCorrupted},
		{"disk io", errors.New("disk I/O error"), common.ErrIO},
		{"no rows", sql.ErrNoRows, common.ErrNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, classifyError(tt.in), tt.want)
		})
	}

	t.Run("nil passes through", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, classifyError(nil))
	})

	t.Run("unknown errors keep their identity", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("something else")
		assert.ErrorIs(t, classifyError(sentinel), sentinel)
	})
}
