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
	"sync"
	"sync/atomic"
	"time"

	"mdcfs/internal/fsal"
)

// Entry is one cached filesystem object. Its lock guards every mutable
// field, including the dirent index; the lock order rule is global and
// absolute: when an entry lock and an export lock are held together, the
// entry lock is taken first (see withBothLocks).
type Entry struct {
	mu sync.RWMutex

	// key identifies the entry in the cache's intern map. Immutable.
	key string
	// sub is the backend handle this entry caches. Immutable.
	sub fsal.Handle
	// ops is the backend the entry came from; used for the final handle
	// release by the cleanup worker. Immutable.
	ops fsal.ObjectOps

	kind    fsal.ObjectKind
	attrs   fsal.Attributes
	attrsAt time.Time // when attrs were fetched; zero means never

	// index caches the children of a directory entry; nil otherwise.
	index *Index
	// populated is set once index holds the directory's full listing.
	populated bool

	// refs counts live holders: callers currently using the entry plus
	// one per export association. Guarded by mu. When refs hits zero the
	// entry is unreachable and is handed to the cleanup queue.
	refs int
	// queued is set when the entry has been handed to the cleanup queue,
	// guaranteeing the handoff happens at most once.
	queued bool

	// exports lists the associations pointing at exports that reference
	// this entry; order is insertion order.
	exports []*Association

	// primary caches one representative export for lock-free reads.
	// Kept consistent with exports under the dual-lock helper.
	primary atomic.Pointer[Export]
}

// Key returns the entry's cache-wide handle key.
func (e *Entry) Key() string {
	return e.key
}

// SubHandle returns the backend handle the entry caches.
func (e *Entry) SubHandle() fsal.Handle {
	return e.sub
}

// Kind returns the cached object kind.
func (e *Entry) Kind() fsal.ObjectKind {
	return e.kind
}

// IsDir reports whether the entry caches a directory.
func (e *Entry) IsDir() bool {
	return e.kind == fsal.KindDirectory
}

// PrimaryExport returns the cached representative export, or nil when the
// entry has been detached from every export.
func (e *Entry) PrimaryExport() *Export {
	return e.primary.Load()
}

// Refs returns the current reference count. Test and introspection use
// only; the value is stale the moment the lock is dropped.
func (e *Entry) Refs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.refs
}

// cachedAttrs returns a snapshot of the cached attributes and whether
// they are still fresh under ttl. A zero ttl never expires.
func (e *Entry) cachedAttrs(ttl time.Duration) (fsal.Attributes, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.attrsAt.IsZero() {
		return fsal.Attributes{}, false
	}
	if ttl > 0 && time.Since(e.attrsAt) > ttl {
		return fsal.Attributes{}, false
	}
	return e.attrs, true
}

// storeAttrs replaces the cached attributes.
func (e *Entry) storeAttrs(a *fsal.Attributes) {
	e.mu.Lock()
	e.attrs = *a
	e.attrsAt = time.Now()
	e.mu.Unlock()
}

// InvalidateAttrs forces the next Getattr to hit the backend.
func (e *Entry) InvalidateAttrs() {
	e.mu.Lock()
	e.attrsAt = time.Time{}
	e.mu.Unlock()
}

// removeAssociation drops a from the entry's association list.
// Caller holds the entry lock.
func (e *Entry) removeAssociation(a *Association) bool {
	for i, cur := range e.exports {
		if cur == a {
			e.exports = append(e.exports[:i], e.exports[i+1:]...)
			return true
		}
	}
	return false
}

// findAssociation returns the association linking the entry to exp, if
// any. Caller holds the entry lock.
func (e *Entry) findAssociation(exp *Export) *Association {
	for _, a := range e.exports {
		if a.export == exp {
			return a
		}
	}
	return nil
}
