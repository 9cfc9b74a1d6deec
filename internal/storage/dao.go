package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/fluid-notion-systems/claris-fuse/internal/common"
	"github.com/fluid-notion-systems/claris-fuse/internal/opcode"
	"github.com/fluid-notion-systems/claris-fuse/internal/util"
)

// Query bounds and filters a version listing.
type Query struct {
	Limit  int
	Offset int

	// Since/Until bound the commit timestamp (epoch ns); zero means
	// unbounded.
	Since int64
	Until int64

	// Ops filters by operation_type; empty means all.
	Ops []string

	// Ascending lists oldest first. Default is newest first.
	Ascending bool
}

// MetaUpdate is the post-operation POSIX metadata written through to the
// metadata table.
type MetaUpdate struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Atime int64
	Mtime int64
	Ctime int64
}

// VersionRecord is everything needed to commit one version in a single
// transaction: upsert-path, optional content, insert-version, metadata.
type VersionRecord struct {
	Path          string
	EntityType    string
	OperationType string
	Timestamp     int64 // epoch nanoseconds

	// Payload is the content carried by the operation; nil or empty
	// means no content row and no hash.
	Payload []byte

	// ContentHash is the hex digest of Payload, computed by the caller.
	ContentHash string

	Description string

	// RenameTo is the destination path for rename operations.
	RenameTo string

	// RenameNewPath, when true, gives the rename destination a fresh
	// path row instead of retitling the source row in place.
	RenameNewPath bool

	Meta *MetaUpdate
}

// --- Config ---

// GetConfigValue retrieves a config value by key.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var cfg ConfigModel
	err := s.bun.NewSelect().
		Model(&cfg).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// SetConfigValue sets a config value (upserts).
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.bun.NewInsert().
		Model(&ConfigModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// Probe verifies the database is writable. The recorder uses it to decide
// when to resume after a StorageFull stall.
func (s *Store) Probe(ctx context.Context) error {
	return classifyError(s.SetConfigValue(ctx, "last_probe", fmt.Sprintf("%d", timestampNow())))
}

// --- Paths ---

// GetPath retrieves a path row by its canonical relative path.
func (s *Store) GetPath(ctx context.Context, path string) (*PathModel, error) {
	return s.getPathWith(s.bun, ctx, path)
}

func (s *Store) getPathWith(idb bun.IDB, ctx context.Context, path string) (*PathModel, error) {
	var p PathModel
	err := idb.NewSelect().
		Model(&p).
		Where("path = ?", path).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &p, nil
}

// GetPathByID retrieves a path row by identifier.
func (s *Store) GetPathByID(ctx context.Context, id int64) (*PathModel, error) {
	var p PathModel
	err := s.bun.NewSelect().
		Model(&p).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &p, nil
}

func (s *Store) insertPathWith(idb bun.IDB, ctx context.Context, p *PathModel) error {
	// RETURNING because libsql doesn't support LastInsertId.
	_, err := idb.NewInsert().
		Model(p).
		Returning("id").
		Exec(ctx)
	return classifyError(err)
}

// --- Versions ---

// GetVersion retrieves one version row.
func (s *Store) GetVersion(ctx context.Context, id int64) (*VersionModel, error) {
	var v VersionModel
	err := s.bun.NewSelect().
		Model(&v).
		Where("id = ?", id).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &v, nil
}

// ListVersions returns the version rows for a path, newest first unless
// q.Ascending. Ties on timestamp break by id, the commit order.
func (s *Store) ListVersions(ctx context.Context, pathID int64, q Query) ([]VersionModel, error) {
	var versions []VersionModel
	sel := s.bun.NewSelect().
		Model(&versions).
		Where("file_path_id = ?", pathID)

	sel = applyQuery(sel, q)

	if err := sel.Scan(ctx); err != nil {
		return nil, classifyError(err)
	}
	return versions, nil
}

func applyQuery(sel *bun.SelectQuery, q Query) *bun.SelectQuery {
	if q.Since > 0 {
		sel = sel.Where("timestamp >= ?", q.Since)
	}
	if q.Until > 0 {
		sel = sel.Where("timestamp <= ?", q.Until)
	}
	if len(q.Ops) > 0 {
		sel = sel.Where("operation_type IN (?)", bun.In(q.Ops))
	}
	if q.Ascending {
		sel = sel.Order("timestamp ASC", "id ASC")
	} else {
		sel = sel.Order("timestamp DESC", "id DESC")
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}
	if q.Offset > 0 {
		sel = sel.Offset(q.Offset)
	}
	return sel
}

// LastVersionForPath returns the newest version row for a path, or
// common.ErrNotFound when the path has no versions yet.
func (s *Store) LastVersionForPath(ctx context.Context, pathID int64) (*VersionModel, error) {
	var v VersionModel
	err := s.bun.NewSelect().
		Model(&v).
		Where("file_path_id = ?", pathID).
		Order("timestamp DESC", "id DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &v, nil
}

// --- Metadata ---

// GetMetadata retrieves the metadata row for a path, or common.ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, pathID int64) (*MetadataModel, error) {
	var m MetadataModel
	err := s.bun.NewSelect().
		Model(&m).
		Where("path_id = ?", pathID).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &m, nil
}

func (s *Store) upsertMetadataWith(idb bun.IDB, ctx context.Context, m *MetadataModel) error {
	_, err := idb.NewInsert().
		Model(m).
		On("CONFLICT (path_id) DO UPDATE").
		Set("mode = EXCLUDED.mode").
		Set("uid = EXCLUDED.uid").
		Set("gid = EXCLUDED.gid").
		Set("atime = EXCLUDED.atime").
		Set("mtime = EXCLUDED.mtime").
		Set("ctime = EXCLUDED.ctime").
		Exec(ctx)
	return classifyError(err)
}

// --- Content ---

// ReadContent returns the decoded payload for a version, or nil when the
// version carries no content.
func (s *Store) ReadContent(ctx context.Context, v *VersionModel) ([]byte, error) {
	if v.ContentHash == "" {
		return nil, nil
	}
	key := v.ContentHash
	if !s.dedup {
		key = versionContentKey(v.ID)
	}

	var c ContentModel
	err := s.bun.NewSelect().
		Model(&c).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: content row missing for version %d", common.ErrCorrupted, v.ID)
	}
	if err != nil {
		return nil, classifyError(err)
	}

	data := c.Data
	if s.compress {
		out, err := decompressBlob(data)
		if err != nil {
			return nil, fmt.Errorf("%w: version %d: %v", common.ErrCorrupted, v.ID, err)
		}
		data = out
	}
	if int64(len(data)) != v.Size {
		return nil, fmt.Errorf("%w: version %d payload is %d bytes, recorded size %d",
			common.ErrCorrupted, v.ID, len(data), v.Size)
	}
	return data, nil
}

func versionContentKey(versionID int64) string {
	return fmt.Sprintf("v%d", versionID)
}

func timestampNow() int64 {
	return time.Now().UnixNano()
}

// --- Record ---

// RecordVersion commits one version in a single transaction:
// upsert-path, optional content upsert, insert-version, metadata update.
// Transient lock errors are retried; any step failing rolls the whole
// transaction back.
func (s *Store) RecordVersion(ctx context.Context, rec *VersionRecord) (int64, error) {
	return util.RetryWithResult(ctx,
		func() (int64, error) {
			return s.recordVersionTx(ctx, rec)
		},
		util.DatabaseRetryOptions(ctx)...)
}

func (s *Store) recordVersionTx(ctx context.Context, rec *VersionRecord) (int64, error) {
	var versionID int64
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		kind, _ := opcode.KindFromString(rec.OperationType)

		p, err := s.getPathWith(tx, ctx, rec.Path)
		switch {
		case err == nil:
			// Kind is immutable once created: a create-like op with a
			// different kind on an existing row is a conflict.
			if kind.IsCreate() && rec.EntityType != "" && p.EntityType != rec.EntityType {
				return fmt.Errorf("%w: path %q is a %s, not a %s",
					common.ErrExists, rec.Path, p.EntityType, rec.EntityType)
			}
		case err == common.ErrNotFound:
			p = &PathModel{
				Path:         rec.Path,
				EntityType:   rec.EntityType,
				CreatedAt:    rec.Timestamp,
				LastModified: rec.Timestamp,
			}
			if p.EntityType == "" {
				p.EntityType = EntityFile
			}
			if err := s.insertPathWith(tx, ctx, p); err != nil {
				return err
			}
		default:
			return err
		}

		if rec.OperationType == "rename" && rec.RenameTo != "" {
			if err := s.applyRenameWith(tx, ctx, p, rec); err != nil {
				return err
			}
		}

		desc := rec.Description
		if rec.OperationType == "rename" && desc == "" {
			// Rename versions store the prior path identifier.
			desc = fmt.Sprintf("renamed to %s (from path id %d)", rec.RenameTo, p.ID)
		}

		v := &VersionModel{
			FilePathID:    p.ID,
			OperationType: rec.OperationType,
			Timestamp:     rec.Timestamp,
			Size:          int64(len(rec.Payload)),
			ContentHash:   rec.ContentHash,
			Description:   desc,
		}
		if _, err := tx.NewInsert().Model(v).Returning("id").Exec(ctx); err != nil {
			return classifyError(err)
		}
		versionID = v.ID

		if len(rec.Payload) > 0 && rec.ContentHash != "" {
			if err := s.insertContentWith(tx, ctx, v, rec.Payload); err != nil {
				return err
			}
		}

		if rec.Meta != nil {
			m := &MetadataModel{
				PathID: p.ID,
				Mode:   int64(rec.Meta.Mode),
				UID:    int64(rec.Meta.UID),
				GID:    int64(rec.Meta.GID),
				Atime:  rec.Meta.Atime,
				Mtime:  rec.Meta.Mtime,
				Ctime:  rec.Meta.Ctime,
			}
			if err := s.upsertMetadataWith(tx, ctx, m); err != nil {
				return err
			}
		}

		if _, err := tx.NewUpdate().
			Model((*PathModel)(nil)).
			Set("last_modified = ?", rec.Timestamp).
			Where("id = ?", p.ID).
			Exec(ctx); err != nil {
			return classifyError(err)
		}

		if desc != "" {
			if _, err := tx.NewRaw(`INSERT INTO versions_fts (rowid, description) VALUES (?, ?)`,
				v.ID, desc).Exec(ctx); err != nil {
				return classifyError(err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	return versionID, nil
}

// applyRenameWith retitles the path rows for a rename version. In
// same-path mode the source row takes the destination string; a stale row
// already holding that string is retitled out of the way (rows are never
// deleted). In new-path mode the destination gets a fresh row and the
// source row keeps its string.
func (s *Store) applyRenameWith(tx bun.Tx, ctx context.Context, src *PathModel, rec *VersionRecord) error {
	if rec.RenameNewPath {
		_, err := s.getPathWith(tx, ctx, rec.RenameTo)
		if err == common.ErrNotFound {
			dst := &PathModel{
				Path:         rec.RenameTo,
				EntityType:   src.EntityType,
				CreatedAt:    rec.Timestamp,
				LastModified: rec.Timestamp,
			}
			return s.insertPathWith(tx, ctx, dst)
		}
		return err
	}

	stale, err := s.getPathWith(tx, ctx, rec.RenameTo)
	if err != nil && err != common.ErrNotFound {
		return err
	}
	if err == nil && stale.ID != src.ID {
		retired := fmt.Sprintf("%s#retired-%d", stale.Path, stale.ID)
		if _, err := tx.NewUpdate().
			Model((*PathModel)(nil)).
			Set("path = ?", retired).
			Where("id = ?", stale.ID).
			Exec(ctx); err != nil {
			return classifyError(err)
		}
	}

	if _, err := tx.NewUpdate().
		Model((*PathModel)(nil)).
		Set("path = ?", rec.RenameTo).
		Where("id = ?", src.ID).
		Exec(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

func (s *Store) insertContentWith(tx bun.Tx, ctx context.Context, v *VersionModel, payload []byte) error {
	data := payload
	if s.compress {
		data = compressBlob(payload)
	}

	if s.dedup {
		// Identical payloads share one row.
		_, err := tx.NewInsert().
			Model(&ContentModel{Key: v.ContentHash, Data: data}).
			On("CONFLICT (key) DO NOTHING").
			Exec(ctx)
		return classifyError(err)
	}

	_, err := tx.NewInsert().
		Model(&ContentModel{Key: versionContentKey(v.ID), Data: data}).
		Exec(ctx)
	return classifyError(err)
}

// --- Search ---

// SearchVersions consults the full-text index over descriptions.
func (s *Store) SearchVersions(ctx context.Context, text string, q Query) ([]VersionModel, error) {
	order := "v.timestamp DESC, v.id DESC"
	if q.Ascending {
		order = "v.timestamp ASC, v.id ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var versions []VersionModel
	err := s.bun.NewRaw(`
		SELECT v.id, v.file_path_id, v.operation_type, v.timestamp, v.size, v.content_hash, v.description
		FROM versions v
		JOIN versions_fts ON versions_fts.rowid = v.id
		WHERE versions_fts MATCH ?
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`,
		text, limit, q.Offset).Scan(ctx, &versions)
	if err != nil {
		return nil, classifyError(err)
	}
	return versions, nil
}

// RebuildSearchIndex drops and repopulates the full-text index from the
// versions table. The index is derived state and always rebuildable.
func (s *Store) RebuildSearchIndex(ctx context.Context) error {
	if _, err := s.bun.NewRaw(`DELETE FROM versions_fts`).Exec(ctx); err != nil {
		return classifyError(err)
	}
	_, err := s.bun.NewRaw(`
		INSERT INTO versions_fts (rowid, description)
		SELECT id, description FROM versions WHERE description IS NOT NULL`).Exec(ctx)
	return classifyError(err)
}
