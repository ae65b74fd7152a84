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
	"errors"

	log "github.com/sirupsen/logrus"

	"mdcfs/internal/common"
)

// Association links exactly one cached entry and one export. It appears
// once in the entry's association list and once in the export's; both
// sides are updated together under the dual-lock helper, and whichever
// side tears down first destroys the link.
type Association struct {
	entry  *Entry
	export *Export
}

// Entry returns the cached entry side of the link.
func (a *Association) Entry() *Entry {
	return a.entry
}

// Export returns the export side of the link.
func (a *Association) Export() *Export {
	return a.export
}

// withBothLocks runs fn with the entry write lock and then the export
// write lock held. This is the only code that nests the two locks; the
// entry-before-export order is global and has no exceptions. Any path
// that discovers it needs the locks in the other order must release and
// come back through here.
func withBothLocks(e *Entry, exp *Export, fn func()) {
	e.mu.Lock()
	exp.mu.Lock()
	fn()
	exp.mu.Unlock()
	e.mu.Unlock()
}

// mapExport associates an entry with an export, inserting the link into
// both sides and taking one reference on the entry on the export's
// behalf. Idempotent for an already-mapped pair.
func (c *Cache) mapExport(e *Entry, exp *Export) {
	withBothLocks(e, exp, func() {
		if e.findAssociation(exp) != nil {
			return
		}
		a := &Association{entry: e, export: exp}
		e.exports = append(e.exports, a)
		exp.entries = append(exp.entries, a)
		e.refs++ // held by the association, dropped on unmap
		if len(e.exports) == 1 {
			e.primary.Store(exp)
		}
	})
}

// unmapExport detaches the association between e and exp, if it still
// exists, and recomputes the entry's primary export. Reports whether a
// link was removed; false means a concurrent teardown got there first,
// which is an expected race, not an error.
//
// Both locks are released before the caller drops any references, so the
// eventual cleanup-queue handoff never happens under a lock.
func (c *Cache) unmapExport(e *Entry, exp *Export) bool {
	removed := false
	withBothLocks(e, exp, func() {
		a := e.findAssociation(exp)
		if a == nil {
			return
		}
		e.removeAssociation(a)
		exp.removeAssociation(a)
		removed = true
		if len(e.exports) == 0 {
			e.primary.Store(nil)
		} else {
			e.primary.Store(e.exports[0].export)
		}
	})
	return removed
}

// drainEntries removes the export's associations one at a time, bounding
// lock hold time under contention: each iteration re-reads the head of
// the list, references the entry across the detach, and releases every
// lock before dropping references.
func (x *Export) drainEntries() {
	for {
		x.mu.RLock()
		if len(x.entries) == 0 {
			x.mu.RUnlock()
			return
		}
		a := x.entries[0]
		e := a.entry
		x.mu.RUnlock()

		// Reference the entry across the detach. A stale entry raced a
		// concurrent release elsewhere; its link is already on the way
		// out, so just go around again.
		if err := x.cache.Acquire(e); err != nil {
			if errors.Is(err, common.ErrStale) {
				log.WithField("key", e.key).Debug("skipping stale entry during unexport")
				continue
			}
			continue
		}

		if x.cache.unmapExport(e, x) {
			// Drop the reference the association took at map time.
			x.cache.Release(e)
		}
		// Drop the walk reference. If this was the last one, Release
		// hands the entry to the cleanup queue (no locks held here).
		x.cache.Release(e)
	}
}
