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

package fsal

import "time"

// Handle is an opaque, backend-defined object identifier. Handles are
// stable for the lifetime of the object and usable as map keys.
type Handle string

// ObjectKind classifies a filesystem object.
type ObjectKind uint8

const (
	KindRegular ObjectKind = iota
	KindDirectory
	KindSymlink
)

func (k ObjectKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Attributes holds object metadata as reported by a backend.
type Attributes struct {
	FileID uint64
	Kind   ObjectKind
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a *Attributes) IsDir() bool {
	return a.Kind == KindDirectory
}

// SetAttrs is a partial attribute update; nil fields are left unchanged.
type SetAttrs struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

// Empty reports whether the update changes nothing.
func (s SetAttrs) Empty() bool {
	return s.Mode == nil && s.UID == nil && s.GID == nil &&
		s.Size == nil && s.Atime == nil && s.Mtime == nil
}

// DynamicInfo is filesystem usage information for an export.
type DynamicInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	AvailBytes uint64
	TotalFiles uint64
	FreeFiles  uint64
	AvailFiles uint64
}

// Limits are the static size limits an export imposes.
type Limits struct {
	MaxFileSize uint64
	MaxRead     uint32
	MaxWrite    uint32
	MaxLink     uint32
	MaxNameLen  uint32
	MaxPathLen  uint32
	Umask       uint32
}

// Capability is a feature an export may or may not support.
type Capability uint32

const (
	CapSymlinks Capability = iota
	CapHardLinks
	CapCaseInsensitive
	CapQuota
)

// QuotaKind selects user or group quota.
type QuotaKind uint8

const (
	QuotaUser QuotaKind = iota
	QuotaGroup
)

// Quota holds quota limits and usage for one user or group.
type Quota struct {
	Kind      QuotaKind
	ID        uint32
	BytesHard uint64
	BytesSoft uint64
	BytesUsed uint64
	FilesHard uint64
	FilesSoft uint64
	FilesUsed uint64
}
