// Copyright 2025 MDCFS Authors
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

// Package subfs provides sub-filesystem backends for the metadata cache:
// a sqlite-backed store (bun over libsql) and an in-memory store.
package subfs

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
	"mdcfs/internal/util"
)

const sqliteSchemaVersion = "1"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inodes (
		ino INTEGER PRIMARY KEY AUTOINCREMENT,
		kind INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		uid INTEGER NOT NULL DEFAULT 0,
		gid INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0,
		atime INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		ctime INTEGER NOT NULL,
		nlink INTEGER NOT NULL DEFAULT 1,
		target TEXT NOT NULL DEFAULT '',
		data BLOB
	)`,
	`CREATE TABLE IF NOT EXISTS dentries (
		parent_ino INTEGER NOT NULL,
		name TEXT NOT NULL,
		ino INTEGER NOT NULL,
		PRIMARY KEY (parent_ino, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dentries_ino ON dentries(ino)`,
	`CREATE TABLE IF NOT EXISTS quotas (
		kind INTEGER NOT NULL,
		qid INTEGER NOT NULL,
		bytes_hard INTEGER NOT NULL DEFAULT 0,
		bytes_soft INTEGER NOT NULL DEFAULT 0,
		bytes_used INTEGER NOT NULL DEFAULT 0,
		files_hard INTEGER NOT NULL DEFAULT 0,
		files_soft INTEGER NOT NULL DEFAULT 0,
		files_used INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (kind, qid)
	)`,
}

// SqliteFS is a sub-filesystem stored in a sqlite database, suitable for
// exports that must survive daemon restarts.
type SqliteFS struct {
	db       *bun.DB
	sqlDB    *sql.DB
	path     string
	rootIno  int64
	verifier [8]byte

	up fsal.Upcalls
}

var _ fsal.Export = (*SqliteFS)(nil)
var _ fsal.UpcallSetter = (*SqliteFS)(nil)

// execPragma runs a PRAGMA via Query because libsql returns rows for
// PRAGMA statements; the rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening. libsql ignores
// DSN-based _pragma=value parameters, so everything is explicit, and
// busy_timeout goes first so journal_mode conversion waits for locks
// instead of failing.
func applyPragmas(db *sql.DB) error {
	if err := execPragma(db, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// OpenSqliteFS opens (creating if needed) a sqlite-backed sub-filesystem
// at path.
func OpenSqliteFS(ctx context.Context, path string) (*SqliteFS, error) {
	sqlDB, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	// Execute schema statements individually for libsql compatibility.
	for _, stmt := range sqliteSchema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	fs := &SqliteFS{
		db:    bun.NewDB(sqlDB, sqlitedialect.New()),
		sqlDB: sqlDB,
		path:  path,
	}
	if err := fs.initMeta(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return fs, nil
}

// initMeta seeds schema version, root inode, and write verifier on first
// open, and loads them afterwards.
func (fs *SqliteFS) initMeta(ctx context.Context) error {
	rootVal, err := fs.getMeta(ctx, "root_ino")
	if err != nil {
		return err
	}
	if rootVal == "" {
		now := time.Now().UnixNano()
		root := &InodeModel{
			Kind:  int64(fsal.KindDirectory),
			Mode:  0755,
			Nlink: 2,
			Atime: now,
			Mtime: now,
			Ctime: now,
		}
		if _, err := fs.db.NewInsert().Model(root).Returning("ino").Exec(ctx); err != nil {
			return fmt.Errorf("failed to create root inode: %w", err)
		}
		if err := fs.setMeta(ctx, "schema_version", sqliteSchemaVersion); err != nil {
			return err
		}
		if err := fs.setMeta(ctx, "root_ino", strconv.FormatInt(root.Ino, 10)); err != nil {
			return err
		}
		if err := fs.setMeta(ctx, "verifier", uuid.NewString()); err != nil {
			return err
		}
		fs.rootIno = root.Ino
	} else {
		fs.rootIno, err = strconv.ParseInt(rootVal, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt root_ino: %w", err)
		}
	}
	verifier, err := fs.getMeta(ctx, "verifier")
	if err != nil {
		return err
	}
	copy(fs.verifier[:], verifier)
	return nil
}

func (fs *SqliteFS) getMeta(ctx context.Context, key string) (string, error) {
	var m MetaModel
	err := fs.db.NewSelect().Model(&m).Where("key = ?", key).Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

func (fs *SqliteFS) setMeta(ctx context.Context, key, value string) error {
	_, err := fs.db.NewInsert().
		Model(&MetaModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// Close closes the underlying database.
func (fs *SqliteFS) Close() error {
	return fs.db.Close()
}

// SetUpcalls implements fsal.UpcallSetter. SqliteFS has no external
// change source of its own, but the channel is kept so administrative
// tooling can force invalidations.
func (fs *SqliteFS) SetUpcalls(up fsal.Upcalls) {
	fs.up = up
}

func handleToIno(h fsal.Handle) (int64, error) {
	ino, err := strconv.ParseInt(string(h), 10, 64)
	if err != nil {
		return 0, common.ErrInvalidHandle
	}
	return ino, nil
}

func inoToHandle(ino int64) fsal.Handle {
	return fsal.Handle(strconv.FormatInt(ino, 10))
}

func (m *InodeModel) attributes() *fsal.Attributes {
	return &fsal.Attributes{
		FileID: uint64(m.Ino),
		Kind:   fsal.ObjectKind(m.Kind),
		Mode:   uint32(m.Mode),
		Nlink:  uint32(m.Nlink),
		UID:    uint32(m.UID),
		GID:    uint32(m.GID),
		Size:   uint64(m.Size),
		Atime:  time.Unix(0, m.Atime),
		Mtime:  time.Unix(0, m.Mtime),
		Ctime:  time.Unix(0, m.Ctime),
	}
}

func (fs *SqliteFS) getInode(ctx context.Context, ino int64) (*InodeModel, error) {
	var m InodeModel
	err := fs.db.NewSelect().Model(&m).Where("ino = ?", ino).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (fs *SqliteFS) getDirInode(ctx context.Context, h fsal.Handle) (*InodeModel, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return nil, err
	}
	m, err := fs.getInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if fsal.ObjectKind(m.Kind) != fsal.KindDirectory {
		return nil, common.ErrNotDir
	}
	return m, nil
}

// Root implements fsal.ObjectOps.
func (fs *SqliteFS) Root(ctx context.Context) (fsal.Handle, *fsal.Attributes, error) {
	m, err := fs.getInode(ctx, fs.rootIno)
	if err != nil {
		return "", nil, err
	}
	return inoToHandle(fs.rootIno), m.attributes(), nil
}

// Lookup implements fsal.ObjectOps.
func (fs *SqliteFS) Lookup(ctx context.Context, dir fsal.Handle, name string) (fsal.Handle, *fsal.Attributes, error) {
	d, err := fs.getDirInode(ctx, dir)
	if err != nil {
		return "", nil, err
	}
	var dent DentryModel
	err = fs.db.NewSelect().Model(&dent).
		Where("parent_ino = ? AND name = ?", d.Ino, name).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil, common.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	m, err := fs.getInode(ctx, dent.Ino)
	if err != nil {
		return "", nil, err
	}
	return inoToHandle(m.Ino), m.attributes(), nil
}

func (fs *SqliteFS) createIn(ctx context.Context, dir fsal.Handle, name string, kind fsal.ObjectKind, mode uint32, target string) (fsal.Handle, *fsal.Attributes, error) {
	d, err := fs.getDirInode(ctx, dir)
	if err != nil {
		return "", nil, err
	}

	// Retry transient "database is locked" errors; daemon and tooling
	// can hold the file open at the same time (WAL contention).
	created, err := util.RetryDatabaseResult(ctx, func() (*InodeModel, error) {
		var m *InodeModel
		err := fs.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			exists, err := tx.NewSelect().Model((*DentryModel)(nil)).
				Where("parent_ino = ? AND name = ?", d.Ino, name).
				Exists(ctx)
			if err != nil {
				return err
			}
			if exists {
				return common.ErrExists
			}
			now := time.Now().UnixNano()
			m = &InodeModel{
				Kind:   int64(kind),
				Mode:   int64(mode),
				Nlink:  1,
				Atime:  now,
				Mtime:  now,
				Ctime:  now,
				Target: target,
			}
			if kind == fsal.KindDirectory {
				m.Nlink = 2
			}
			if _, err := tx.NewInsert().Model(m).Returning("ino").Exec(ctx); err != nil {
				return err
			}
			dent := &DentryModel{ParentIno: d.Ino, Name: name, Ino: m.Ino}
			if _, err := tx.NewInsert().Model(dent).Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewUpdate().Model((*InodeModel)(nil)).
				Set("mtime = ?", now).
				Where("ino = ?", d.Ino).
				Exec(ctx); err != nil {
				return err
			}
			return nil
		})
		return m, err
	})
	if err != nil {
		return "", nil, err
	}
	return inoToHandle(created.Ino), created.attributes(), nil
}

// Create implements fsal.ObjectOps.
func (fs *SqliteFS) Create(ctx context.Context, dir fsal.Handle, name string, mode uint32) (fsal.Handle, *fsal.Attributes, error) {
	return fs.createIn(ctx, dir, name, fsal.KindRegular, mode, "")
}

// Mkdir implements fsal.ObjectOps.
func (fs *SqliteFS) Mkdir(ctx context.Context, dir fsal.Handle, name string, mode uint32) (fsal.Handle, *fsal.Attributes, error) {
	return fs.createIn(ctx, dir, name, fsal.KindDirectory, mode, "")
}

// Symlink implements fsal.ObjectOps.
func (fs *SqliteFS) Symlink(ctx context.Context, dir fsal.Handle, name, target string) (fsal.Handle, *fsal.Attributes, error) {
	return fs.createIn(ctx, dir, name, fsal.KindSymlink, 0777, target)
}

// Readlink implements fsal.ObjectOps.
func (fs *SqliteFS) Readlink(ctx context.Context, h fsal.Handle) (string, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return "", err
	}
	m, err := fs.getInode(ctx, ino)
	if err != nil {
		return "", err
	}
	if fsal.ObjectKind(m.Kind) != fsal.KindSymlink {
		return "", common.ErrInvalidHandle
	}
	return m.Target, nil
}

// Getattr implements fsal.ObjectOps.
func (fs *SqliteFS) Getattr(ctx context.Context, h fsal.Handle) (*fsal.Attributes, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return nil, err
	}
	m, err := fs.getInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	return m.attributes(), nil
}

// Setattr implements fsal.ObjectOps.
func (fs *SqliteFS) Setattr(ctx context.Context, h fsal.Handle, set fsal.SetAttrs) (*fsal.Attributes, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return nil, err
	}
	err = util.RetryDatabase(ctx, func() error {
		q := fs.db.NewUpdate().Model((*InodeModel)(nil)).Where("ino = ?", ino)
		if set.Mode != nil {
			q = q.Set("mode = ?", int64(*set.Mode))
		}
		if set.UID != nil {
			q = q.Set("uid = ?", int64(*set.UID))
		}
		if set.GID != nil {
			q = q.Set("gid = ?", int64(*set.GID))
		}
		if set.Size != nil {
			q = q.Set("size = ?", int64(*set.Size)).
				Set("data = substr(coalesce(data, x''), 1, ?)", int64(*set.Size))
		}
		if set.Atime != nil {
			q = q.Set("atime = ?", set.Atime.UnixNano())
		}
		if set.Mtime != nil {
			q = q.Set("mtime = ?", set.Mtime.UnixNano())
		}
		q = q.Set("ctime = ?", time.Now().UnixNano())
		res, err := q.Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return common.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m, err := fs.getInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	return m.attributes(), nil
}

// ReadDir implements fsal.ObjectOps. Entries are delivered in name order.
func (fs *SqliteFS) ReadDir(ctx context.Context, dir fsal.Handle, fn fsal.ReadDirFunc) error {
	d, err := fs.getDirInode(ctx, dir)
	if err != nil {
		return err
	}
	var dents []DentryModel
	err = fs.db.NewSelect().Model(&dents).
		Where("parent_ino = ?", d.Ino).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return err
	}
	for _, dent := range dents {
		m, err := fs.getInode(ctx, dent.Ino)
		if err != nil {
			// Dangling dentry; skip rather than fail the listing.
			log.WithField("name", dent.Name).Warn("dentry without inode")
			continue
		}
		if !fn(dent.Name, inoToHandle(m.Ino), m.attributes()) {
			break
		}
	}
	return nil
}

// Unlink implements fsal.ObjectOps.
func (fs *SqliteFS) Unlink(ctx context.Context, dir fsal.Handle, name string) error {
	d, err := fs.getDirInode(ctx, dir)
	if err != nil {
		return err
	}
	return util.RetryDatabase(ctx, func() error {
		return fs.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var dent DentryModel
			err := tx.NewSelect().Model(&dent).
				Where("parent_ino = ? AND name = ?", d.Ino, name).
				Scan(ctx)
			if err == sql.ErrNoRows {
				return common.ErrNotFound
			}
			if err != nil {
				return err
			}
			children, err := tx.NewSelect().Model((*DentryModel)(nil)).
				Where("parent_ino = ?", dent.Ino).
				Exists(ctx)
			if err != nil {
				return err
			}
			if children {
				return common.ErrNotEmpty
			}
			if _, err := tx.NewDelete().Model((*DentryModel)(nil)).
				Where("parent_ino = ? AND name = ?", d.Ino, name).
				Exec(ctx); err != nil {
				return err
			}
			// Drop the inode when its last name is gone.
			remaining, err := tx.NewSelect().Model((*DentryModel)(nil)).
				Where("ino = ?", dent.Ino).
				Exists(ctx)
			if err != nil {
				return err
			}
			if !remaining {
				if _, err := tx.NewDelete().Model((*InodeModel)(nil)).
					Where("ino = ?", dent.Ino).
					Exec(ctx); err != nil {
					return err
				}
			}
			_, err = tx.NewUpdate().Model((*InodeModel)(nil)).
				Set("mtime = ?", time.Now().UnixNano()).
				Where("ino = ?", d.Ino).
				Exec(ctx)
			return err
		})
	})
}

// Rename implements fsal.ObjectOps.
func (fs *SqliteFS) Rename(ctx context.Context, oldDir fsal.Handle, oldName string, newDir fsal.Handle, newName string) error {
	od, err := fs.getDirInode(ctx, oldDir)
	if err != nil {
		return err
	}
	nd, err := fs.getDirInode(ctx, newDir)
	if err != nil {
		return err
	}
	return util.RetryDatabase(ctx, func() error {
		return fs.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var dent DentryModel
			err := tx.NewSelect().Model(&dent).
				Where("parent_ino = ? AND name = ?", od.Ino, oldName).
				Scan(ctx)
			if err == sql.ErrNoRows {
				return common.ErrNotFound
			}
			if err != nil {
				return err
			}
			// Overwrite semantics: drop any existing target dentry.
			if _, err := tx.NewDelete().Model((*DentryModel)(nil)).
				Where("parent_ino = ? AND name = ?", nd.Ino, newName).
				Exec(ctx); err != nil {
				return err
			}
			if _, err := tx.NewDelete().Model((*DentryModel)(nil)).
				Where("parent_ino = ? AND name = ?", od.Ino, oldName).
				Exec(ctx); err != nil {
				return err
			}
			moved := &DentryModel{ParentIno: nd.Ino, Name: newName, Ino: dent.Ino}
			if _, err := tx.NewInsert().Model(moved).Exec(ctx); err != nil {
				return err
			}
			now := time.Now().UnixNano()
			_, err = tx.NewUpdate().Model((*InodeModel)(nil)).
				Set("mtime = ?", now).
				Where("ino IN (?, ?)", od.Ino, nd.Ino).
				Exec(ctx)
			return err
		})
	})
}

// Read implements fsal.ObjectOps.
func (fs *SqliteFS) Read(ctx context.Context, h fsal.Handle, p []byte, off uint64) (int, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return 0, err
	}
	m, err := fs.getInode(ctx, ino)
	if err != nil {
		return 0, err
	}
	if off >= uint64(len(m.Data)) {
		return 0, nil
	}
	return copy(p, m.Data[off:]), nil
}

// Write implements fsal.ObjectOps. Read-modify-write of the data blob;
// fine for a metadata-oriented store, not a streaming data path.
func (fs *SqliteFS) Write(ctx context.Context, h fsal.Handle, p []byte, off uint64) (int, error) {
	ino, err := handleToIno(h)
	if err != nil {
		return 0, err
	}
	var n int
	err = util.RetryDatabase(ctx, func() error {
		return fs.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			var m InodeModel
			err := tx.NewSelect().Model(&m).Where("ino = ?", ino).Scan(ctx)
			if err == sql.ErrNoRows {
				return common.ErrNotFound
			}
			if err != nil {
				return err
			}
			if end := off + uint64(len(p)); end > uint64(len(m.Data)) {
				m.Data = append(m.Data, make([]byte, end-uint64(len(m.Data)))...)
			}
			n = copy(m.Data[off:], p)
			_, err = tx.NewUpdate().Model((*InodeModel)(nil)).
				Set("data = ?", m.Data).
				Set("size = ?", int64(len(m.Data))).
				Set("mtime = ?", time.Now().UnixNano()).
				Where("ino = ?", ino).
				Exec(ctx)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Truncate implements fsal.ObjectOps.
func (fs *SqliteFS) Truncate(ctx context.Context, h fsal.Handle, size uint64) error {
	s := size
	_, err := fs.Setattr(ctx, h, fsal.SetAttrs{Size: &s})
	return err
}

// Release implements fsal.ObjectOps. The store keeps no per-handle
// state, so this is a no-op acknowledgment.
func (fs *SqliteFS) Release(ctx context.Context, h fsal.Handle) error {
	return nil
}

// DynamicInfo implements fsal.ExportOps.
func (fs *SqliteFS) DynamicInfo(ctx context.Context) (*fsal.DynamicInfo, error) {
	var count int
	var bytes sql.NullInt64
	err := fs.db.NewRaw(`SELECT COUNT(*), SUM(size) FROM inodes`).Scan(ctx, &count, &bytes)
	if err != nil {
		return nil, err
	}
	const capacity = 1 << 42
	used := uint64(bytes.Int64)
	return &fsal.DynamicInfo{
		TotalBytes: capacity,
		FreeBytes:  capacity - used,
		AvailBytes: capacity - used,
		TotalFiles: 1 << 24,
		FreeFiles:  1<<24 - uint64(count),
		AvailFiles: 1<<24 - uint64(count),
	}, nil
}

// Limits implements fsal.ExportOps.
func (fs *SqliteFS) Limits() fsal.Limits {
	return fsal.Limits{
		MaxFileSize: 1 << 31, // blob-backed content
		MaxRead:     1 << 20,
		MaxWrite:    1 << 20,
		MaxLink:     255,
		MaxNameLen:  255,
		MaxPathLen:  4096,
		Umask:       0,
	}
}

// Supports implements fsal.ExportOps.
func (fs *SqliteFS) Supports(c fsal.Capability) bool {
	switch c {
	case fsal.CapSymlinks, fsal.CapQuota:
		return true
	default:
		return false
	}
}

// LeaseTime implements fsal.ExportOps.
func (fs *SqliteFS) LeaseTime() time.Duration {
	return 90 * time.Second
}

// CheckQuota implements fsal.ExportOps. Quotas are advisory records; the
// store does not enforce them on writes.
func (fs *SqliteFS) CheckQuota(ctx context.Context, path string, kind fsal.QuotaKind) error {
	return nil
}

// GetQuota implements fsal.ExportOps.
func (fs *SqliteFS) GetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32) (*fsal.Quota, error) {
	var m QuotaModel
	err := fs.db.NewSelect().Model(&m).
		Where("kind = ? AND qid = ?", int64(kind), int64(id)).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &fsal.Quota{
		Kind:      kind,
		ID:        id,
		BytesHard: uint64(m.BytesHard),
		BytesSoft: uint64(m.BytesSoft),
		BytesUsed: uint64(m.BytesUsed),
		FilesHard: uint64(m.FilesHard),
		FilesSoft: uint64(m.FilesSoft),
		FilesUsed: uint64(m.FilesUsed),
	}, nil
}

// SetQuota implements fsal.ExportOps.
func (fs *SqliteFS) SetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32, q *fsal.Quota) (*fsal.Quota, error) {
	m := &QuotaModel{
		Kind:      int64(kind),
		QID:       int64(id),
		BytesHard: int64(q.BytesHard),
		BytesSoft: int64(q.BytesSoft),
		BytesUsed: int64(q.BytesUsed),
		FilesHard: int64(q.FilesHard),
		FilesSoft: int64(q.FilesSoft),
		FilesUsed: int64(q.FilesUsed),
	}
	_, err := fs.db.NewInsert().Model(m).
		On("CONFLICT (kind, qid) DO UPDATE").
		Set("bytes_hard = EXCLUDED.bytes_hard").
		Set("bytes_soft = EXCLUDED.bytes_soft").
		Set("bytes_used = EXCLUDED.bytes_used").
		Set("files_hard = EXCLUDED.files_hard").
		Set("files_soft = EXCLUDED.files_soft").
		Set("files_used = EXCLUDED.files_used").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return fs.GetQuota(ctx, path, kind, id)
}

// ExtractHandle implements fsal.ExportOps.
func (fs *SqliteFS) ExtractHandle(wire []byte) (fsal.Handle, error) {
	if _, err := strconv.ParseInt(string(wire), 10, 64); err != nil {
		return "", common.ErrInvalidHandle
	}
	return fsal.Handle(wire), nil
}

// WriteVerifier implements fsal.ExportOps.
func (fs *SqliteFS) WriteVerifier() [8]byte {
	return fs.verifier
}

// Unexport implements fsal.ExportOps. A WAL checkpoint flushes pending
// state before the cache starts draining associations.
func (fs *SqliteFS) Unexport(ctx context.Context) error {
	return execPragma(fs.sqlDB, "PRAGMA wal_checkpoint(TRUNCATE)")
}

// ReleaseExport implements fsal.ExportOps.
func (fs *SqliteFS) ReleaseExport(ctx context.Context) error {
	return fs.Close()
}
