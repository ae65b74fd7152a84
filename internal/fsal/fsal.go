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

// Package fsal defines the operation-table interface between the metadata
// cache and a backing ("sub") filesystem. The cache calls through these
// interfaces and never reaches into backend internals; backends never see
// cache internals except through the Upcalls channel they are handed at
// export creation.
package fsal

import (
	"context"
	"time"
)

// ReadDirFunc receives one directory entry per call during ReadDir.
// Returning false stops the enumeration.
type ReadDirFunc func(name string, h Handle, attrs *Attributes) bool

// ObjectOps is the per-object operation table of a sub-filesystem.
//
// Negative lookups return common.ErrNotFound; any other error is opaque to
// the cache and forwarded unchanged to its caller.
type ObjectOps interface {
	Root(ctx context.Context) (Handle, *Attributes, error)
	Lookup(ctx context.Context, dir Handle, name string) (Handle, *Attributes, error)
	Create(ctx context.Context, dir Handle, name string, mode uint32) (Handle, *Attributes, error)
	Mkdir(ctx context.Context, dir Handle, name string, mode uint32) (Handle, *Attributes, error)
	Symlink(ctx context.Context, dir Handle, name, target string) (Handle, *Attributes, error)
	Readlink(ctx context.Context, h Handle) (string, error)
	Getattr(ctx context.Context, h Handle) (*Attributes, error)
	Setattr(ctx context.Context, h Handle, set SetAttrs) (*Attributes, error)
	ReadDir(ctx context.Context, dir Handle, fn ReadDirFunc) error
	Unlink(ctx context.Context, dir Handle, name string) error
	Rename(ctx context.Context, oldDir Handle, oldName string, newDir Handle, newName string) error

	// Data-plane operations pass through the cache untouched.
	Read(ctx context.Context, h Handle, p []byte, off uint64) (int, error)
	Write(ctx context.Context, h Handle, p []byte, off uint64) (int, error)
	Truncate(ctx context.Context, h Handle, size uint64) error

	// Release tells the backend the cache holds no further interest in
	// the object. Called exactly once per handle, from the cleanup queue.
	Release(ctx context.Context, h Handle) error
}

// ExportOps is the export-level operation table of a sub-filesystem.
// The cache's export wrapper passes these through without interpretation.
type ExportOps interface {
	DynamicInfo(ctx context.Context) (*DynamicInfo, error)
	Limits() Limits
	Supports(c Capability) bool
	LeaseTime() time.Duration

	CheckQuota(ctx context.Context, path string, kind QuotaKind) error
	GetQuota(ctx context.Context, path string, kind QuotaKind, id uint32) (*Quota, error)
	SetQuota(ctx context.Context, path string, kind QuotaKind, id uint32, q *Quota) (*Quota, error)

	// ExtractHandle decodes a wire handle into the backend's Handle form.
	ExtractHandle(wire []byte) (Handle, error)
	// WriteVerifier returns the export's boot-stable write verifier.
	WriteVerifier() [8]byte

	// Unexport releases export-level backend resources. The cache calls
	// it before draining its own entry/export associations.
	Unexport(ctx context.Context) error
	// ReleaseExport frees the backend's export bookkeeping. Callers
	// invoke it only after Unexport has completed.
	ReleaseExport(ctx context.Context) error
}

// Export is the complete sub-filesystem surface the cache wraps.
type Export interface {
	ObjectOps
	ExportOps
}

// Upcalls is the upward invalidation channel the cache hands to a backend.
// Backends call it when an object or name changes underneath the cache;
// the cache routes the calls through its mark-deleted/clean primitives.
type Upcalls interface {
	// InvalidateObject drops cached attributes (and, for directories,
	// the cached dirent index) for the object.
	InvalidateObject(h Handle)
	// InvalidateDirent tombstones one cached name in a directory.
	InvalidateDirent(dir Handle, name string)
}

// UpcallSetter is implemented by backends that emit upcalls.
type UpcallSetter interface {
	SetUpcalls(up Upcalls)
}
