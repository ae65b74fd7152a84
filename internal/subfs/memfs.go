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

package subfs

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
)

// MemFS is an in-memory sub-filesystem. It backs `backend: memory`
// exports and is the workhorse backend for cache tests.
type MemFS struct {
	mu       sync.RWMutex
	objects  map[fsal.Handle]*memObject
	root     fsal.Handle
	nextID   uint64
	verifier [8]byte
	quotas   map[quotaKey]*fsal.Quota

	up fsal.Upcalls

	unexported bool
	released   bool

	// releases counts backend Release calls per handle, for tests that
	// assert the cleanup queue releases each handle exactly once.
	releases map[fsal.Handle]int
}

type memObject struct {
	attrs    fsal.Attributes
	children map[string]fsal.Handle // directories only
	data     []byte                 // regular files only
	target   string                 // symlinks only
}

type quotaKey struct {
	kind fsal.QuotaKind
	id   uint32
}

var _ fsal.Export = (*MemFS)(nil)
var _ fsal.UpcallSetter = (*MemFS)(nil)

// NewMemFS creates an empty in-memory filesystem with a root directory.
func NewMemFS() *MemFS {
	fs := &MemFS{
		objects:  make(map[fsal.Handle]*memObject),
		quotas:   make(map[quotaKey]*fsal.Quota),
		releases: make(map[fsal.Handle]int),
	}
	copy(fs.verifier[:], uuid.New().NodeID())
	root := fs.newObject(fsal.KindDirectory, 0755)
	fs.root = root
	return fs
}

// newObject allocates an object and returns its handle. Caller holds the
// lock, or is the constructor.
func (fs *MemFS) newObject(kind fsal.ObjectKind, mode uint32) fsal.Handle {
	fs.nextID++
	h := fsal.Handle(strconv.FormatUint(fs.nextID, 10))
	now := time.Now()
	o := &memObject{
		attrs: fsal.Attributes{
			FileID: fs.nextID,
			Kind:   kind,
			Mode:   mode,
			Nlink:  1,
			Atime:  now,
			Mtime:  now,
			Ctime:  now,
		},
	}
	if kind == fsal.KindDirectory {
		o.children = make(map[string]fsal.Handle)
		o.attrs.Nlink = 2
	}
	fs.objects[h] = o
	return h
}

// SetUpcalls wires the cache's invalidation channel.
func (fs *MemFS) SetUpcalls(up fsal.Upcalls) {
	fs.mu.Lock()
	fs.up = up
	fs.mu.Unlock()
}

// InvalidateBehindCache mutates the filesystem as an external change
// would and notifies the cache through the upcall channel. Test hook.
func (fs *MemFS) InvalidateBehindCache(dir fsal.Handle, name string) {
	fs.mu.Lock()
	up := fs.up
	if o, ok := fs.objects[dir]; ok && o.children != nil {
		delete(o.children, name)
	}
	fs.mu.Unlock()
	if up != nil {
		up.InvalidateDirent(dir, name)
	}
}

// ReleaseCount returns how many times Release was called for a handle.
func (fs *MemFS) ReleaseCount(h fsal.Handle) int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.releases[h]
}

// Unexported reports whether Unexport has run.
func (fs *MemFS) Unexported() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.unexported
}

// Released reports whether ReleaseExport has run.
func (fs *MemFS) Released() bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.released
}

func (fs *MemFS) get(h fsal.Handle) (*memObject, error) {
	o, ok := fs.objects[h]
	if !ok {
		return nil, common.ErrNotFound
	}
	return o, nil
}

func (fs *MemFS) getDir(h fsal.Handle) (*memObject, error) {
	o, err := fs.get(h)
	if err != nil {
		return nil, err
	}
	if o.attrs.Kind != fsal.KindDirectory {
		return nil, common.ErrNotDir
	}
	return o, nil
}

// Root implements fsal.ObjectOps.
func (fs *MemFS) Root(ctx context.Context) (fsal.Handle, *fsal.Attributes, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	o := fs.objects[fs.root]
	attrs := o.attrs
	return fs.root, &attrs, nil
}

// Lookup implements fsal.ObjectOps.
func (fs *MemFS) Lookup(ctx context.Context, dir fsal.Handle, name string) (fsal.Handle, *fsal.Attributes, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	d, err := fs.getDir(dir)
	if err != nil {
		return "", nil, err
	}
	h, ok := d.children[name]
	if !ok {
		return "", nil, common.ErrNotFound
	}
	o := fs.objects[h]
	attrs := o.attrs
	return h, &attrs, nil
}

func (fs *MemFS) createIn(dir fsal.Handle, name string, kind fsal.ObjectKind, mode uint32) (fsal.Handle, *fsal.Attributes, error) {
	d, err := fs.getDir(dir)
	if err != nil {
		return "", nil, err
	}
	if _, ok := d.children[name]; ok {
		return "", nil, common.ErrExists
	}
	h := fs.newObject(kind, mode)
	d.children[name] = h
	d.attrs.Mtime = time.Now()
	attrs := fs.objects[h].attrs
	return h, &attrs, nil
}

// Create implements fsal.ObjectOps.
func (fs *MemFS) Create(ctx context.Context, dir fsal.Handle, name string, mode uint32) (fsal.Handle, *fsal.Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.createIn(dir, name, fsal.KindRegular, mode)
}

// Mkdir implements fsal.ObjectOps.
func (fs *MemFS) Mkdir(ctx context.Context, dir fsal.Handle, name string, mode uint32) (fsal.Handle, *fsal.Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.createIn(dir, name, fsal.KindDirectory, mode)
}

// Symlink implements fsal.ObjectOps.
func (fs *MemFS) Symlink(ctx context.Context, dir fsal.Handle, name, target string) (fsal.Handle, *fsal.Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, attrs, err := fs.createIn(dir, name, fsal.KindSymlink, 0777)
	if err != nil {
		return "", nil, err
	}
	fs.objects[h].target = target
	return h, attrs, nil
}

// Readlink implements fsal.ObjectOps.
func (fs *MemFS) Readlink(ctx context.Context, h fsal.Handle) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	o, err := fs.get(h)
	if err != nil {
		return "", err
	}
	if o.attrs.Kind != fsal.KindSymlink {
		return "", common.ErrInvalidHandle
	}
	return o.target, nil
}

// Getattr implements fsal.ObjectOps.
func (fs *MemFS) Getattr(ctx context.Context, h fsal.Handle) (*fsal.Attributes, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	o, err := fs.get(h)
	if err != nil {
		return nil, err
	}
	attrs := o.attrs
	return &attrs, nil
}

// Setattr implements fsal.ObjectOps.
func (fs *MemFS) Setattr(ctx context.Context, h fsal.Handle, set fsal.SetAttrs) (*fsal.Attributes, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	o, err := fs.get(h)
	if err != nil {
		return nil, err
	}
	if set.Mode != nil {
		o.attrs.Mode = *set.Mode
	}
	if set.UID != nil {
		o.attrs.UID = *set.UID
	}
	if set.GID != nil {
		o.attrs.GID = *set.GID
	}
	if set.Size != nil {
		o.resize(*set.Size)
	}
	if set.Atime != nil {
		o.attrs.Atime = *set.Atime
	}
	if set.Mtime != nil {
		o.attrs.Mtime = *set.Mtime
	}
	o.attrs.Ctime = time.Now()
	attrs := o.attrs
	return &attrs, nil
}

func (o *memObject) resize(size uint64) {
	switch {
	case size <= uint64(len(o.data)):
		o.data = o.data[:size]
	default:
		o.data = append(o.data, make([]byte, size-uint64(len(o.data)))...)
	}
	o.attrs.Size = size
}

// ReadDir implements fsal.ObjectOps. Entries are delivered in name order
// for determinism.
func (fs *MemFS) ReadDir(ctx context.Context, dir fsal.Handle, fn fsal.ReadDirFunc) error {
	fs.mu.RLock()
	d, err := fs.getDir(dir)
	if err != nil {
		fs.mu.RUnlock()
		return err
	}
	type ent struct {
		name  string
		h     fsal.Handle
		attrs fsal.Attributes
	}
	ents := make([]ent, 0, len(d.children))
	for name, h := range d.children {
		ents = append(ents, ent{name: name, h: h, attrs: fs.objects[h].attrs})
	}
	fs.mu.RUnlock()

	sort.Slice(ents, func(i, j int) bool { return ents[i].name < ents[j].name })
	for _, e := range ents {
		attrs := e.attrs
		if !fn(e.name, e.h, &attrs) {
			break
		}
	}
	return nil
}

// Unlink implements fsal.ObjectOps. The object is removed when its last
// name goes away.
func (fs *MemFS) Unlink(ctx context.Context, dir fsal.Handle, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d, err := fs.getDir(dir)
	if err != nil {
		return err
	}
	h, ok := d.children[name]
	if !ok {
		return common.ErrNotFound
	}
	o := fs.objects[h]
	if o.children != nil && len(o.children) > 0 {
		return common.ErrNotEmpty
	}
	delete(d.children, name)
	d.attrs.Mtime = time.Now()
	if o.attrs.Nlink <= 1 || o.attrs.Kind == fsal.KindDirectory {
		delete(fs.objects, h)
	} else {
		o.attrs.Nlink--
	}
	return nil
}

// Rename implements fsal.ObjectOps.
func (fs *MemFS) Rename(ctx context.Context, oldDir fsal.Handle, oldName string, newDir fsal.Handle, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	od, err := fs.getDir(oldDir)
	if err != nil {
		return err
	}
	nd, err := fs.getDir(newDir)
	if err != nil {
		return err
	}
	h, ok := od.children[oldName]
	if !ok {
		return common.ErrNotFound
	}
	if prev, ok := nd.children[newName]; ok {
		delete(fs.objects, prev)
	}
	delete(od.children, oldName)
	nd.children[newName] = h
	now := time.Now()
	od.attrs.Mtime = now
	nd.attrs.Mtime = now
	return nil
}

// Read implements fsal.ObjectOps.
func (fs *MemFS) Read(ctx context.Context, h fsal.Handle, p []byte, off uint64) (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	o, err := fs.get(h)
	if err != nil {
		return 0, err
	}
	if off >= uint64(len(o.data)) {
		return 0, nil
	}
	return copy(p, o.data[off:]), nil
}

// Write implements fsal.ObjectOps.
func (fs *MemFS) Write(ctx context.Context, h fsal.Handle, p []byte, off uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	o, err := fs.get(h)
	if err != nil {
		return 0, err
	}
	if end := off + uint64(len(p)); end > uint64(len(o.data)) {
		o.resize(end)
	}
	n := copy(o.data[off:], p)
	o.attrs.Mtime = time.Now()
	return n, nil
}

// Truncate implements fsal.ObjectOps.
func (fs *MemFS) Truncate(ctx context.Context, h fsal.Handle, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	o, err := fs.get(h)
	if err != nil {
		return err
	}
	o.resize(size)
	o.attrs.Mtime = time.Now()
	return nil
}

// Release implements fsal.ObjectOps. MemFS holds no per-handle state to
// free; it only records the call for tests.
func (fs *MemFS) Release(ctx context.Context, h fsal.Handle) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.releases[h]++
	return nil
}

// DynamicInfo implements fsal.ExportOps.
func (fs *MemFS) DynamicInfo(ctx context.Context) (*fsal.DynamicInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var used uint64
	for _, o := range fs.objects {
		used += o.attrs.Size
	}
	const capacity = 1 << 40
	return &fsal.DynamicInfo{
		TotalBytes: capacity,
		FreeBytes:  capacity - used,
		AvailBytes: capacity - used,
		TotalFiles: 1 << 20,
		FreeFiles:  1<<20 - uint64(len(fs.objects)),
		AvailFiles: 1<<20 - uint64(len(fs.objects)),
	}, nil
}

// Limits implements fsal.ExportOps.
func (fs *MemFS) Limits() fsal.Limits {
	return fsal.Limits{
		MaxFileSize: 1 << 40,
		MaxRead:     1 << 20,
		MaxWrite:    1 << 20,
		MaxLink:     255,
		MaxNameLen:  255,
		MaxPathLen:  4096,
		Umask:       0,
	}
}

// Supports implements fsal.ExportOps.
func (fs *MemFS) Supports(c fsal.Capability) bool {
	switch c {
	case fsal.CapSymlinks, fsal.CapQuota:
		return true
	default:
		return false
	}
}

// LeaseTime implements fsal.ExportOps.
func (fs *MemFS) LeaseTime() time.Duration {
	return 90 * time.Second
}

// CheckQuota implements fsal.ExportOps. MemFS enforces no quota.
func (fs *MemFS) CheckQuota(ctx context.Context, path string, kind fsal.QuotaKind) error {
	return nil
}

// GetQuota implements fsal.ExportOps.
func (fs *MemFS) GetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32) (*fsal.Quota, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	q, ok := fs.quotas[quotaKey{kind: kind, id: id}]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := *q
	return &out, nil
}

// SetQuota implements fsal.ExportOps.
func (fs *MemFS) SetQuota(ctx context.Context, path string, kind fsal.QuotaKind, id uint32, q *fsal.Quota) (*fsal.Quota, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	stored := *q
	stored.Kind = kind
	stored.ID = id
	fs.quotas[quotaKey{kind: kind, id: id}] = &stored
	out := stored
	return &out, nil
}

// ExtractHandle implements fsal.ExportOps.
func (fs *MemFS) ExtractHandle(wire []byte) (fsal.Handle, error) {
	if len(wire) == 0 {
		return "", common.ErrInvalidHandle
	}
	return fsal.Handle(wire), nil
}

// WriteVerifier implements fsal.ExportOps.
func (fs *MemFS) WriteVerifier() [8]byte {
	return fs.verifier
}

// Unexport implements fsal.ExportOps.
func (fs *MemFS) Unexport(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.unexported = true
	return nil
}

// ReleaseExport implements fsal.ExportOps.
func (fs *MemFS) ReleaseExport(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.released = true
	return nil
}
