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

package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	nfsfile "github.com/willscott/go-nfs/file"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
	"mdcfs/internal/mdcache"
)

// BillyAdapter exposes one cached export as a Billy filesystem for the
// NFS frontend. Billy's API is path-based; every operation resolves its
// path through the cache and releases the entries it referenced before
// returning (open files keep theirs until Close).
type BillyAdapter struct {
	cache  *mdcache.Cache
	export *mdcache.Export
	filter *NameFilter
	uid    uint32 // cached os.Getuid(), avoids a syscall per FileInfo.Sys()
	gid    uint32
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)

// NewBillyAdapter creates a Billy adapter over a cached export.
func NewBillyAdapter(cache *mdcache.Cache, export *mdcache.Export, filter *NameFilter) *BillyAdapter {
	return &BillyAdapter{
		cache:  cache,
		export: export,
		filter: filter,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
	}
}

// mapErr translates cache sentinels into os errors the NFS layer
// understands.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrStale):
		return os.ErrNotExist
	case errors.Is(err, common.ErrExists):
		return os.ErrExist
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrInvalidHandle):
		return os.ErrInvalid
	default:
		return err
	}
}

// resolve returns a referenced entry for a path, honoring the hide
// filter. Callers release the entry.
func (b *BillyAdapter) resolve(ctx context.Context, p string) (*mdcache.Entry, error) {
	e, err := b.cache.LookupPath(ctx, b.export, p)
	if err != nil {
		return nil, mapErr(err)
	}
	if b.filter.Hidden(p, e.IsDir()) {
		b.cache.Release(e)
		return nil, os.ErrNotExist
	}
	return e, nil
}

// resolveParent returns the referenced parent directory of p and the
// final path element.
func (b *BillyAdapter) resolveParent(ctx context.Context, p string) (*mdcache.Entry, string, error) {
	dir, base := path.Split(path.Clean("/" + p))
	if base == "" {
		return nil, "", os.ErrInvalid
	}
	parent, err := b.resolve(ctx, dir)
	if err != nil {
		return nil, "", err
	}
	return parent, base, nil
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	ctx := context.Background()
	if b.filter.Hidden(filename, false) {
		return nil, os.ErrNotExist
	}

	e, err := b.resolve(ctx, filename)
	if errors.Is(err, os.ErrNotExist) && flag&os.O_CREATE != 0 {
		parent, base, perr := b.resolveParent(ctx, filename)
		if perr != nil {
			return nil, perr
		}
		e, err = b.cache.Create(ctx, b.export, parent, base, uint32(perm.Perm()))
		b.cache.Release(parent)
		err = mapErr(err)
	}
	if err != nil {
		return nil, err
	}
	if e.IsDir() {
		b.cache.Release(e)
		return nil, os.ErrInvalid
	}
	if flag&os.O_TRUNC != 0 {
		if terr := b.cache.Truncate(ctx, b.export, e, 0); terr != nil {
			b.cache.Release(e)
			return nil, mapErr(terr)
		}
	}
	return &BillyFile{adapter: b, entry: e, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	ctx := context.Background()
	e, err := b.resolve(ctx, filename)
	if err != nil {
		return nil, err
	}
	defer b.cache.Release(e)

	attrs, err := b.cache.Getattr(ctx, b.export, e)
	if err != nil {
		return nil, mapErr(err)
	}
	return &BillyFileInfo{name: path.Base(path.Clean("/" + filename)), attrs: attrs, adapter: b}, nil
}

// Lstat is identical to Stat: symlinks are first-class objects here and
// path resolution never follows them.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	ctx := context.Background()
	oldParent, oldName, err := b.resolveParent(ctx, oldpath)
	if err != nil {
		return err
	}
	defer b.cache.Release(oldParent)
	newParent, newName, err := b.resolveParent(ctx, newpath)
	if err != nil {
		return err
	}
	defer b.cache.Release(newParent)
	return mapErr(b.cache.Rename(ctx, b.export, oldParent, oldName, newParent, newName))
}

func (b *BillyAdapter) Remove(filename string) error {
	ctx := context.Background()
	parent, base, err := b.resolveParent(ctx, filename)
	if err != nil {
		return err
	}
	defer b.cache.Release(parent)
	return mapErr(b.cache.Unlink(ctx, b.export, parent, base))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	ctx := context.Background()
	e, err := b.resolve(ctx, dirname)
	if err != nil {
		return nil, err
	}
	defer b.cache.Release(e)

	entries, _, err := b.cache.ReadDir(ctx, b.export, e, 0, 0)
	if err != nil {
		return nil, mapErr(err)
	}
	prefix := path.Clean("/" + dirname)
	var result []os.FileInfo
	for _, de := range entries {
		if b.filter.Hidden(path.Join(prefix, de.Name), de.Attrs.IsDir()) {
			continue
		}
		result = append(result, &BillyFileInfo{name: de.Name, attrs: de.Attrs, adapter: b})
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	ctx := context.Background()
	cur, err := b.cache.Root(ctx, b.export)
	if err != nil {
		return mapErr(err)
	}
	for _, seg := range splitPath(filename) {
		next, err := b.cache.Lookup(ctx, b.export, cur, seg)
		if errors.Is(err, common.ErrNotFound) {
			next, err = b.cache.Mkdir(ctx, b.export, cur, seg, uint32(perm.Perm()))
			if errors.Is(err, common.ErrExists) {
				// Raced another creator; adopt whatever won.
				next, err = b.cache.Lookup(ctx, b.export, cur, seg)
			}
		}
		b.cache.Release(cur)
		if err != nil {
			return mapErr(err)
		}
		cur = next
	}
	isDir := cur.IsDir()
	b.cache.Release(cur)
	if !isDir {
		return os.ErrExist
	}
	return nil
}

func splitPath(p string) []string {
	var segs []string
	for _, seg := range strings.Split(path.Clean("/"+p), "/") {
		if seg != "" && seg != "." {
			segs = append(segs, seg)
		}
	}
	return segs
}

func (b *BillyAdapter) Symlink(target, link string) error {
	ctx := context.Background()
	parent, base, err := b.resolveParent(ctx, link)
	if err != nil {
		return err
	}
	defer b.cache.Release(parent)
	e, err := b.cache.Symlink(ctx, b.export, parent, base, target)
	if err != nil {
		return mapErr(err)
	}
	b.cache.Release(e)
	return nil
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	ctx := context.Background()
	e, err := b.resolve(ctx, link)
	if err != nil {
		return "", err
	}
	defer b.cache.Release(e)
	target, err := b.cache.Readlink(ctx, b.export, e)
	return target, mapErr(err)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface

func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	ctx := context.Background()
	e, err := b.resolve(ctx, name)
	if err != nil {
		return err
	}
	defer b.cache.Release(e)
	m := uint32(mode.Perm())
	_, err = b.cache.Setattr(ctx, b.export, e, fsal.SetAttrs{Mode: &m})
	return mapErr(err)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	ctx := context.Background()
	e, err := b.resolve(ctx, name)
	if err != nil {
		return err
	}
	defer b.cache.Release(e)
	_, err = b.cache.Setattr(ctx, b.export, e, fsal.SetAttrs{Atime: &atime, Mtime: &mtime})
	return mapErr(err)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error  { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is an open file backed by a referenced cache entry. The
// reference is held from open to Close.
type BillyFile struct {
	adapter *BillyAdapter
	entry   *mdcache.Entry
	name    string
	offset  int64
	closed  bool
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.cache.Write(context.Background(), f.adapter.export, f.entry, p, uint64(f.offset))
	if err == nil {
		f.offset += int64(n)
	}
	return n, mapErr(err)
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.adapter.cache.Read(context.Background(), f.adapter.export, f.entry, p, uint64(f.offset))
	if err == nil {
		if n == 0 {
			return 0, io.EOF
		}
		f.offset += int64(n)
	}
	return n, mapErr(err)
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.adapter.cache.Read(context.Background(), f.adapter.export, f.entry, p, uint64(off))
	if err == nil && n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, mapErr(err)
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attrs, err := f.adapter.cache.Getattr(context.Background(), f.adapter.export, f.entry)
		if err != nil {
			return 0, mapErr(err)
		}
		f.offset = int64(attrs.Size) + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	f.adapter.cache.Release(f.entry)
	return nil
}

func (f *BillyFile) Lock() error   { return nil }
func (f *BillyFile) Unlock() error { return nil }

func (f *BillyFile) Truncate(size int64) error {
	return mapErr(f.adapter.cache.Truncate(context.Background(), f.adapter.export, f.entry, uint64(size)))
}

// BillyFileInfo adapts cached attributes to os.FileInfo.
type BillyFileInfo struct {
	name    string
	attrs   fsal.Attributes
	adapter *BillyAdapter
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	return int64(fi.attrs.Size)
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.attrs.Mode & 0777)
	switch fi.attrs.Kind {
	case fsal.KindDirectory:
		mode |= os.ModeDir
	case fsal.KindSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fi *BillyFileInfo) ModTime() time.Time {
	return fi.attrs.Mtime
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.attrs.IsDir()
}

func (fi *BillyFileInfo) Sys() interface{} {
	// go-nfs only recognizes file.FileInfo here; anything else loses
	// the stable file id.
	return &nfsfile.FileInfo{
		Nlink:  fi.attrs.Nlink,
		UID:    fi.adapter.uid,
		GID:    fi.adapter.gid,
		Fileid: fi.attrs.FileID,
	}
}
