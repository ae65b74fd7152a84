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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
)

// testSqliteFS opens a fresh database under a temp dir.
func testSqliteFS(t *testing.T) *SqliteFS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mdcfs")
	fs, err := OpenSqliteFS(context.Background(), path)
	require.NoError(t, err, "failed to open database")
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestSqliteFSRoot(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)

	h, attrs, err := fs.Root(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, h)
	assert.Equal(t, fsal.KindDirectory, attrs.Kind)
}

func TestSqliteFSPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.mdcfs")

	fs, err := OpenSqliteFS(ctx, path)
	require.NoError(t, err)
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)
	h, _, err := fs.Create(ctx, root, "kept.txt", 0644)
	require.NoError(t, err)
	_, err = fs.Write(ctx, h, []byte("persisted"), 0)
	require.NoError(t, err)
	verifier := fs.WriteVerifier()
	require.NoError(t, fs.Close())

	// Reopen: root, names, data, and the verifier all survive.
	fs2, err := OpenSqliteFS(ctx, path)
	require.NoError(t, err)
	defer fs2.Close()

	root2, _, err := fs2.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, root2)
	assert.Equal(t, verifier, fs2.WriteVerifier())

	got, attrs, err := fs2.Lookup(ctx, root2, "kept.txt")
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, uint64(9), attrs.Size)

	buf := make([]byte, 16)
	n, err := fs2.Read(ctx, got, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(buf[:n]))
}

func TestSqliteFSCreateLookup(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)

	h, attrs, err := fs.Create(ctx, root, "f.txt", 0644)
	require.NoError(t, err)
	assert.Equal(t, fsal.KindRegular, attrs.Kind)

	got, _, err := fs.Lookup(ctx, root, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, _, err = fs.Create(ctx, root, "f.txt", 0644)
	assert.ErrorIs(t, err, common.ErrExists)

	_, _, err = fs.Lookup(ctx, root, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, _, err = fs.Lookup(ctx, h, "x")
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestSqliteFSReadDir(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, _, err := fs.Create(ctx, root, name, 0644)
		require.NoError(t, err)
	}

	var names []string
	err = fs.ReadDir(ctx, root, func(name string, h fsal.Handle, attrs *fsal.Attributes) bool {
		names = append(names, name)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestSqliteFSUnlinkRename(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)

	d, _, err := fs.Mkdir(ctx, root, "dir", 0755)
	require.NoError(t, err)
	_, _, err = fs.Create(ctx, d, "inner", 0644)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Unlink(ctx, root, "dir"), common.ErrNotEmpty)

	require.NoError(t, fs.Rename(ctx, d, "inner", root, "moved"))
	_, _, err = fs.Lookup(ctx, root, "moved")
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, root, "dir"))

	require.NoError(t, fs.Unlink(ctx, root, "moved"))
	_, _, err = fs.Lookup(ctx, root, "moved")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSqliteFSSetattrTruncate(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)
	h, _, err := fs.Create(ctx, root, "f", 0644)
	require.NoError(t, err)

	_, err = fs.Write(ctx, h, []byte("0123456789"), 0)
	require.NoError(t, err)

	mode := uint32(0600)
	attrs, err := fs.Setattr(ctx, h, fsal.SetAttrs{Mode: &mode})
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), attrs.Mode)

	require.NoError(t, fs.Truncate(ctx, h, 4))
	attrs, err = fs.Getattr(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), attrs.Size)

	buf := make([]byte, 16)
	n, err := fs.Read(ctx, h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
}

func TestSqliteFSSymlink(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()
	root, _, err := fs.Root(ctx)
	require.NoError(t, err)

	h, attrs, err := fs.Symlink(ctx, root, "lnk", "over/there")
	require.NoError(t, err)
	assert.Equal(t, fsal.KindSymlink, attrs.Kind)

	target, err := fs.Readlink(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "over/there", target)
}

func TestSqliteFSQuota(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)
	ctx := context.Background()

	_, err := fs.GetQuota(ctx, "/", fsal.QuotaUser, 1)
	assert.ErrorIs(t, err, common.ErrNotFound)

	q, err := fs.SetQuota(ctx, "/", fsal.QuotaUser, 1, &fsal.Quota{BytesHard: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), q.BytesHard)

	// Upsert overwrites.
	q, err = fs.SetQuota(ctx, "/", fsal.QuotaUser, 1, &fsal.Quota{BytesHard: 1 << 21})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<21), q.BytesHard)
}

func TestSqliteFSExtractHandle(t *testing.T) {
	t.Parallel()
	fs := testSqliteFS(t)

	_, err := fs.ExtractHandle([]byte("not-a-number"))
	assert.ErrorIs(t, err, common.ErrInvalidHandle)

	h, err := fs.ExtractHandle([]byte("12"))
	require.NoError(t, err)
	assert.Equal(t, fsal.Handle("12"), h)
}
