package version

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/storage"
)

// testSQLService wires a service over a real database and the host
// directory it lives in.
func testSQLService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.Create(dir, storage.Options{Dedup: true, Compress: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// Keep the store's own artifacts out of reconciliation scans, as the
	// mount path's filter does.
	filter := func(relPath string, isDir bool) bool {
		return !strings.HasPrefix(relPath, storage.DBFileName)
	}

	fs := osfs.New(dir)
	svc := NewService(NewSQLRepository(store, false), NewBillyFS(fs), HostWriter(fs), filter)
	return svc, dir
}

func TestSQLRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, _ := testSQLService(t)

	op := opcode.New(opcode.KindWrite, "notes.txt")
	op.Bytes = []byte("first draft")
	op.Mode = 0o644
	id, err := svc.Record(ctx, op)
	require.NoError(t, err)

	t.Run("history", func(t *testing.T) {
		vs, err := svc.History(ctx, "notes.txt", Query{})
		require.NoError(t, err)
		require.Len(t, vs, 1)
		assert.Equal(t, id, vs[0].ID)
		assert.Equal(t, "notes.txt", vs[0].Path)
		assert.Equal(t, int64(len("first draft")), vs[0].Size)
	})

	t.Run("read version", func(t *testing.T) {
		data, ok, err := svc.ReadVersion(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("first draft"), data)
	})

	t.Run("last recorded", func(t *testing.T) {
		last, err := svc.repo.LastRecorded(ctx, "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, op.Timestamp, last)
	})
}

func TestSQLRestoreWritesHostFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, dir := testSQLService(t)

	op := opcode.New(opcode.KindWrite, "doc.txt")
	op.Bytes = []byte("good state")
	id, err := svc.Record(ctx, op)
	require.NoError(t, err)

	op = opcode.New(opcode.KindWrite, "doc.txt")
	op.Bytes = []byte("bad state")
	_, err = svc.Record(ctx, op)
	require.NoError(t, err)

	newID, err := svc.Restore(ctx, "doc.txt", id, RestoreForce)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("good state"), data)

	restored, ok, err := svc.ReadVersion(ctx, newID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("good state"), restored)

	vs, err := svc.History(ctx, "doc.txt", Query{Ascending: true})
	require.NoError(t, err)
	require.Len(t, vs, 3, "restore appends, history is immutable")
	assert.Contains(t, vs[2].Description, "restored from version")
}

func TestSQLSearchFindsDescriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, _ := testSQLService(t)

	create := opcode.New(opcode.KindCreate, "a.txt")
	_, err := svc.Record(ctx, create)
	require.NoError(t, err)

	ren := opcode.New(opcode.KindRename, "a.txt")
	ren.NewPath = "b.txt"
	_, err = svc.Record(ctx, ren)
	require.NoError(t, err)

	matches, err := svc.Search(ctx, "renamed", Query{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "rename", matches[0].Op)
	assert.Equal(t, "b.txt", matches[0].Path, "search reports the current path string")
}

func TestSQLReconcileAfterOfflineEdit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, dir := testSQLService(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "offline.txt"), []byte("edited offline"), 0o644))

	n, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	vs, err := svc.History(ctx, "offline.txt", Query{})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "reconciled after mount", vs[0].Description)

	// A second pass is a no-op; nothing changed since.
	n, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLHistoryUnknownPath(t *testing.T) {
	t.Parallel()

	svc, _ := testSQLService(t)
	_, err := svc.History(context.Background(), "never-seen.txt", Query{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLPathMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, _ := testSQLService(t)

	_, err := svc.repo.PathMeta(ctx, "missing.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	op := opcode.New(opcode.KindWrite, "notes.txt")
	op.Bytes = []byte("body")
	op.Mode = syscall.S_IFREG | 0o640
	op.UID = 1000
	_, err = svc.Record(ctx, op)
	require.NoError(t, err)

	meta, err := svc.repo.PathMeta(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFREG|0o640), meta.Mode)
	assert.Equal(t, uint32(1000), meta.UID)
}

func TestSQLRestoreKeepsRecordedMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	svc, dir := testSQLService(t)

	op := opcode.New(opcode.KindWrite, "script.sh")
	op.Bytes = []byte("#!/bin/sh\n")
	op.Mode = syscall.S_IFREG | 0o755
	id, err := svc.Record(ctx, op)
	require.NoError(t, err)

	_, err = svc.Restore(ctx, "script.sh", id, RestoreForce)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "script.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
