package subfs

import "github.com/uptrace/bun"

// MetaModel is a key/value row for export-level bookkeeping (schema
// version, root ino, write verifier).
type MetaModel struct {
	bun.BaseModel `bun:"table:meta"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// InodeModel is one filesystem object.
type InodeModel struct {
	bun.BaseModel `bun:"table:inodes"`

	Ino    int64  `bun:"ino,pk,autoincrement"`
	Kind   int64  `bun:"kind,notnull"`
	Mode   int64  `bun:"mode,notnull"`
	UID    int64  `bun:"uid,notnull"`
	GID    int64  `bun:"gid,notnull"`
	Size   int64  `bun:"size,notnull"`
	Atime  int64  `bun:"atime,notnull"` // Unix nanos
	Mtime  int64  `bun:"mtime,notnull"` // Unix nanos
	Ctime  int64  `bun:"ctime,notnull"` // Unix nanos
	Nlink  int64  `bun:"nlink,notnull"`
	Target string `bun:"target"` // symlink target
	Data   []byte `bun:"data"`   // regular file content
}

// DentryModel is one (parent, name) -> inode edge.
type DentryModel struct {
	bun.BaseModel `bun:"table:dentries"`

	ParentIno int64  `bun:"parent_ino,pk"`
	Name      string `bun:"name,pk"`
	Ino       int64  `bun:"ino,notnull"`
}

// QuotaModel is one user or group quota row.
type QuotaModel struct {
	bun.BaseModel `bun:"table:quotas"`

	Kind      int64 `bun:"kind,pk"`
	QID       int64 `bun:"qid,pk"`
	BytesHard int64 `bun:"bytes_hard,notnull"`
	BytesSoft int64 `bun:"bytes_soft,notnull"`
	BytesUsed int64 `bun:"bytes_used,notnull"`
	FilesHard int64 `bun:"files_hard,notnull"`
	FilesSoft int64 `bun:"files_soft,notnull"`
	FilesUsed int64 `bun:"files_used,notnull"`
}
