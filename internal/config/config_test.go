package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 1024, cfg.Queue.MaxOpcodes)
	assert.Equal(t, int64(64<<20), cfg.Queue.MaxBytes)
	assert.Equal(t, 50, cfg.Queue.SendTimeoutMS)
	assert.Equal(t, RenameSamePath, cfg.Rename)
	assert.Equal(t, CaptureCoalesce, cfg.Capture)
	assert.Equal(t, 5000, cfg.DrainGraceMS)
	assert.True(t, cfg.DedupEnabled())
	assert.True(t, cfg.CompressEnabled())
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("full document", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, `
queue:
  max_opcodes: 16
  max_bytes: 1048576
  send_timeout_ms: 10
storage:
  dedup: false
  compress: false
rename: new-path
capture: stream
drain_grace_ms: 1000
`)
		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.Queue.MaxOpcodes)
		assert.Equal(t, int64(1<<20), cfg.Queue.MaxBytes)
		assert.Equal(t, 10, cfg.Queue.SendTimeoutMS)
		assert.Equal(t, RenameNewPath, cfg.Rename)
		assert.Equal(t, CaptureStream, cfg.Capture)
		assert.Equal(t, 1000, cfg.DrainGraceMS)
		assert.False(t, cfg.DedupEnabled())
		assert.False(t, cfg.CompressEnabled())
	})

	t.Run("omitted fields keep defaults", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "rename: new-path\n")

		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, RenameNewPath, cfg.Rename)
		assert.Equal(t, 1024, cfg.Queue.MaxOpcodes)
		assert.Equal(t, CaptureCoalesce, cfg.Capture)
		assert.True(t, cfg.DedupEnabled())
	})

	t.Run("invalid rename mode", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "rename: sideways\n")

		_, err := Load(dir)
		assert.ErrorContains(t, err, "invalid rename mode")
	})

	t.Run("invalid capture mode", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "capture: batch\n")

		_, err := Load(dir)
		assert.ErrorContains(t, err, "invalid capture mode")
	})

	t.Run("negative queue limit", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "queue:\n  max_opcodes: -1\n")

		_, err := Load(dir)
		assert.ErrorContains(t, err, "non-negative")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "queue: [not a mapping\n")

		_, err := Load(dir)
		assert.ErrorContains(t, err, "failed to parse")
	})
}
