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

package mdcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
	"mdcfs/internal/subfs"
)

// countingExport wraps a backend and counts Lookup calls, for tests that
// assert the cache answered without touching the backend.
type countingExport struct {
	fsal.Export
	lookups atomic.Int64
}

func (ce *countingExport) Lookup(ctx context.Context, dir fsal.Handle, name string) (fsal.Handle, *fsal.Attributes, error) {
	ce.lookups.Add(1)
	return ce.Export.Lookup(ctx, dir, name)
}

// newTestCache builds a cache with a running cleanup worker over a fresh
// in-memory backend.
func newTestCache(t *testing.T) (*Cache, *Export, *subfs.MemFS) {
	t.Helper()
	c := New(Config{})
	t.Cleanup(c.Close)
	fs := subfs.NewMemFS()
	x := c.AddExport("mem", fs)
	return c, x, fs
}

func TestLookupInternsEntries(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	f, err := c.Create(ctx, x, root, "file.txt", 0644)
	require.NoError(t, err)

	// A lookup of the same name returns the same cached entry.
	f2, err := c.Lookup(ctx, x, root, "file.txt")
	require.NoError(t, err)
	assert.Same(t, f, f2)
	c.Release(f)
	c.Release(f2)

	_, err = c.Lookup(ctx, x, root, "nope.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = c.Lookup(ctx, x, f, "child")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestLookupHitsIndexNotBackend(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	t.Cleanup(c.Close)
	ce := &countingExport{Export: subfs.NewMemFS()}
	x := c.AddExport("counting", ce)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "cached.txt", 0644)
	require.NoError(t, err)
	c.Release(f)

	before := ce.lookups.Load()
	for i := 0; i < 5; i++ {
		e, err := c.Lookup(ctx, x, root, "cached.txt")
		require.NoError(t, err)
		c.Release(e)
	}
	assert.Equal(t, before, ce.lookups.Load(), "index served every hit")
}

func TestNegativeLookupAfterPopulate(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	t.Cleanup(c.Close)
	ce := &countingExport{Export: subfs.NewMemFS()}
	x := c.AddExport("counting", ce)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "only.txt", 0644)
	require.NoError(t, err)
	c.Release(f)

	// Populate the index; from then on misses need no backend call.
	_, _, err = c.ReadDir(ctx, x, root, 0, 0)
	require.NoError(t, err)

	before := ce.lookups.Load()
	_, err = c.Lookup(ctx, x, root, "absent.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, before, ce.lookups.Load())
}

func TestReadDirPagination(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	want := map[string]bool{}
	for _, name := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		f, err := c.Create(ctx, x, root, name, 0644)
		require.NoError(t, err)
		c.Release(f)
		want[name] = true
	}

	got := map[string]bool{}
	cookie := uint64(0)
	for {
		ents, eof, err := c.ReadDir(ctx, x, root, cookie, 3)
		require.NoError(t, err)
		for _, de := range ents {
			require.False(t, got[de.Name], "duplicate %q across pages", de.Name)
			got[de.Name] = true
			cookie = de.Cookie
		}
		if eof {
			break
		}
	}
	assert.Equal(t, want, got)

	// Attributes ride along from the cache.
	ents, eof, err := c.ReadDir(ctx, x, root, 0, 0)
	require.NoError(t, err)
	assert.True(t, eof)
	require.Len(t, ents, len(want))
	for _, de := range ents {
		assert.Equal(t, fsal.KindRegular, de.Attrs.Kind, "entry %q", de.Name)
	}
}

func TestUnlink(t *testing.T) {
	t.Parallel()
	c, x, fs := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "gone.txt", 0644)
	require.NoError(t, err)
	h := f.SubHandle()
	c.Release(f)

	require.NoError(t, c.Unlink(ctx, x, root, "gone.txt"))

	_, err = c.Lookup(ctx, x, root, "gone.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	ents, _, err := c.ReadDir(ctx, x, root, 0, 0)
	require.NoError(t, err)
	for _, de := range ents {
		assert.NotEqual(t, "gone.txt", de.Name)
	}

	// The object is gone on the backend, so the entry gets reclaimed.
	g := NewWithT(t)
	g.Eventually(func() int {
		return fs.ReleaseCount(h)
	}).WithTimeout(2 * time.Second).WithPolling(10 * time.Millisecond).Should(Equal(1))

	assert.ErrorIs(t, c.Unlink(ctx, x, root, "gone.txt"), common.ErrNotFound)
}

func TestRename(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	sub, err := c.Mkdir(ctx, x, root, "sub", 0755)
	require.NoError(t, err)
	defer c.Release(sub)
	f, err := c.Create(ctx, x, root, "old.txt", 0644)
	require.NoError(t, err)

	require.NoError(t, c.Rename(ctx, x, root, "old.txt", sub, "new.txt"))

	_, err = c.Lookup(ctx, x, root, "old.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	moved, err := c.Lookup(ctx, x, sub, "new.txt")
	require.NoError(t, err)
	assert.Same(t, f, moved, "rename keeps the cached entry")
	c.Release(moved)
	c.Release(f)
}

func TestRenameOverwrite(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	a, err := c.Create(ctx, x, root, "a.txt", 0644)
	require.NoError(t, err)
	b, err := c.Create(ctx, x, root, "b.txt", 0644)
	require.NoError(t, err)
	c.Release(b)

	require.NoError(t, c.Rename(ctx, x, root, "a.txt", root, "b.txt"))

	got, err := c.Lookup(ctx, x, root, "b.txt")
	require.NoError(t, err)
	assert.Same(t, a, got, "overwritten name now resolves to the moved object")
	c.Release(got)
	c.Release(a)
}

func TestGetattrCaching(t *testing.T) {
	t.Parallel()
	c := New(Config{AttrTTL: time.Hour})
	t.Cleanup(c.Close)
	fs := subfs.NewMemFS()
	x := c.AddExport("mem", fs)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "f.txt", 0644)
	require.NoError(t, err)
	defer c.Release(f)

	attrs, err := c.Getattr(ctx, x, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), attrs.Size)

	// A write through the cache invalidates the cached attributes.
	n, err := c.Write(ctx, x, f, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	attrs, err = c.Getattr(ctx, x, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), attrs.Size)

	require.NoError(t, c.Truncate(ctx, x, f, 2))
	attrs, err = c.Getattr(ctx, x, f)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), attrs.Size)
}

func TestGetattrGoneObject(t *testing.T) {
	t.Parallel()
	c, x, fs := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "vanish.txt", 0644)
	require.NoError(t, err)

	// Remove the object behind the cache's back, then force a refetch.
	require.NoError(t, fs.Unlink(ctx, root.SubHandle(), "vanish.txt"))
	f.InvalidateAttrs()

	_, err = c.Getattr(ctx, x, f)
	assert.ErrorIs(t, err, common.ErrStale)
	assert.Nil(t, f.PrimaryExport(), "dead entry detached from its exports")
	c.Release(f)
}

func TestSetattr(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "m.txt", 0644)
	require.NoError(t, err)
	defer c.Release(f)

	mode := uint32(0600)
	attrs, err := c.Setattr(ctx, x, f, fsal.SetAttrs{Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), attrs.Mode)

	// The refreshed attributes are served from cache afterwards.
	got, err := c.Getattr(ctx, x, f)
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), got.Mode)
}

func TestSymlinkReadlink(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	l, err := c.Symlink(ctx, x, root, "link", "target/path")
	require.NoError(t, err)
	defer c.Release(l)
	assert.Equal(t, fsal.KindSymlink, l.Kind())

	target, err := c.Readlink(ctx, x, l)
	require.NoError(t, err)
	assert.Equal(t, "target/path", target)
}

func TestReadWrite(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "data.bin", 0644)
	require.NoError(t, err)
	defer c.Release(f)

	n, err := c.Write(ctx, x, f, []byte("abcdef"), 0)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	n, err = c.Write(ctx, x, f, []byte("XY"), 2)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	buf := make([]byte, 16)
	n, err = c.Read(ctx, x, f, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abXYef", string(buf[:n]))
}

func TestUpcallDirentInvalidation(t *testing.T) {
	t.Parallel()
	c, x, fs := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "ext.txt", 0644)
	require.NoError(t, err)
	c.Release(f)

	// An external change removes the name and notifies the cache.
	fs.InvalidateBehindCache(root.SubHandle(), "ext.txt")

	_, err = c.Lookup(ctx, x, root, "ext.txt")
	assert.ErrorIs(t, err, common.ErrNotFound)

	ents, _, err := c.ReadDir(ctx, x, root, 0, 0)
	require.NoError(t, err)
	for _, de := range ents {
		assert.NotEqual(t, "ext.txt", de.Name)
	}
}

func TestInvalidateDirRepopulates(t *testing.T) {
	t.Parallel()
	c, x, fs := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)
	f, err := c.Create(ctx, x, root, "seen.txt", 0644)
	require.NoError(t, err)
	c.Release(f)
	_, _, err = c.ReadDir(ctx, x, root, 0, 0)
	require.NoError(t, err)

	// Create a file directly on the backend; the populated index hides it
	// until the directory is invalidated.
	_, _, err = fs.Create(ctx, root.SubHandle(), "hidden.txt", 0644)
	require.NoError(t, err)

	_, err = c.Lookup(ctx, x, root, "hidden.txt")
	require.ErrorIs(t, err, common.ErrNotFound)

	c.InvalidateDir(root)
	e, err := c.Lookup(ctx, x, root, "hidden.txt")
	require.NoError(t, err)
	c.Release(e)
}

func TestLookupPath(t *testing.T) {
	t.Parallel()
	c, x, _ := newTestCache(t)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	a, err := c.Mkdir(ctx, x, root, "a", 0755)
	require.NoError(t, err)
	b, err := c.Mkdir(ctx, x, a, "b", 0755)
	require.NoError(t, err)
	f, err := c.Create(ctx, x, b, "leaf.txt", 0644)
	require.NoError(t, err)
	c.Release(a)
	c.Release(b)

	got, err := c.LookupPath(ctx, x, "/a/b/leaf.txt")
	require.NoError(t, err)
	assert.Same(t, f, got)
	c.Release(got)
	c.Release(f)

	r, err := c.LookupPath(ctx, x, "/")
	require.NoError(t, err)
	assert.Same(t, root, r)
	c.Release(r)
	c.Release(root)

	_, err = c.LookupPath(ctx, x, "/a/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCollisionLookupThroughCache(t *testing.T) {
	t.Parallel()
	// Force both names onto the same hash key so the cache exercises the
	// probing path end to end.
	c := New(Config{hash: constHash(map[string]uint64{"a": 10, "b": 10})})
	t.Cleanup(c.Close)
	fs := subfs.NewMemFS()
	x := c.AddExport("mem", fs)
	ctx := context.Background()

	root, err := c.Root(ctx, x)
	require.NoError(t, err)
	defer c.Release(root)

	ea, err := c.Create(ctx, x, root, "a", 0644)
	require.NoError(t, err)
	eb, err := c.Create(ctx, x, root, "b", 0644)
	require.NoError(t, err)

	ga, err := c.Lookup(ctx, x, root, "a")
	require.NoError(t, err)
	gb, err := c.Lookup(ctx, x, root, "b")
	require.NoError(t, err)
	assert.Same(t, ea, ga)
	assert.Same(t, eb, gb)
	assert.NotSame(t, ga, gb)

	for _, e := range []*Entry{ea, eb, ga, gb} {
		c.Release(e)
	}
}
