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
	"github.com/google/btree"

	"mdcfs/internal/common"
)

// LookupFlag modifies LookupKey behavior.
type LookupFlag uint32

const (
	// FlagNone returns whatever occupies the exact key, tombstone or not.
	FlagNone LookupFlag = 0
	// FlagOnlyActive filters out tombstones.
	FlagOnlyActive LookupFlag = 1 << iota
	// FlagNextActive returns the first active dirent strictly after the
	// key, for cookie-based enumeration.
	FlagNextActive
)

// defaultMaxProbes bounds the quadratic probe chain on insert and name
// lookup. Past the bound, inserts fail (the directory is invalidated and
// repopulated) and name lookups fall back to a full ordered scan. This is
// a tunable, not a constant of the algorithm: raising it trades slower
// negative lookups for fewer fallback scans under adversarial name sets.
const defaultMaxProbes = 8

// Index is one directory's dirent index: a single balanced tree ordered
// by hashed name, with quadratic probing to resolve collisions so that
// positive lookups stay near O(1) while in-order scans (readdir) remain
// possible on the same structure.
//
// The Index has no lock of its own. Every method must be called with the
// owning entry's lock held: read lock for lookups and enumeration, write
// lock for Insert, SetDeleted, Reclaim and Clean.
type Index struct {
	tree      *btree.BTreeG[*Dirent]
	hash      NameHash
	maxProbes int

	collisions int // inserts that needed probing
	deleted    int // live tombstone count
}

// NewIndex creates an empty dirent index. hash and maxProbes fall back to
// defaults when zero.
func NewIndex(hash NameHash, maxProbes int) *Index {
	if hash == nil {
		hash = DefaultNameHash
	}
	if maxProbes <= 0 {
		maxProbes = defaultMaxProbes
	}
	return &Index{
		tree:      btree.NewG[*Dirent](8, direntLess),
		hash:      hash,
		maxProbes: maxProbes,
	}
}

func direntLess(a, b *Dirent) bool {
	return a.hk < b.hk
}

// Insert places a new active dirent for name, resolving hash collisions
// by quadratic probing. The whole probe chain is scanned before a slot is
// chosen, so a tombstone early in the chain never masks an active dirent
// with the same name later in it; the first free slot (empty or
// tombstoned) wins, and tombstones are reclaimed in place. Returns
// common.ErrExists if the name is already active in the index, and
// common.ErrTooManyCollisions when no slot is free within the probe
// budget.
func (x *Index) Insert(name string, target *Entry) (*Dirent, error) {
	k := x.hash(name)
	slot := -1
	for j := 0; j <= x.maxProbes; j++ {
		cur, ok := x.tree.Get(&Dirent{hk: probeKey(k, uint64(j))})
		if !ok || cur.state != direntActive {
			if slot < 0 {
				slot = j
			}
			continue
		}
		if cur.Name == name {
			return nil, common.ErrExists
		}
	}
	if slot < 0 {
		return nil, common.ErrTooManyCollisions
	}
	key := probeKey(k, uint64(slot))
	if cur, ok := x.tree.Get(&Dirent{hk: key}); ok {
		// Reuse the tombstone's slot; the old dirent is gone.
		x.tree.Delete(cur)
		x.deleted--
	}
	d := &Dirent{
		Name:   name,
		hk:     key,
		probes: slot,
		entry:  target,
	}
	x.tree.ReplaceOrInsert(d)
	if slot > 0 {
		x.collisions++
	}
	return d, nil
}

// LookupKey finds the dirent stored at exactly k (post-probing key), or
// with FlagNextActive the first active dirent strictly after k. A k of 0
// means from the beginning, so a dirent whose key is exactly 0 is still
// reachable.
func (x *Index) LookupKey(k uint64, flags LookupFlag) *Dirent {
	if flags&FlagNextActive != 0 {
		var next *Dirent
		x.tree.AscendGreaterOrEqual(&Dirent{hk: k}, func(d *Dirent) bool {
			if (k != 0 && d.hk == k) || d.state != direntActive {
				return true
			}
			next = d
			return false
		})
		return next
	}
	d, ok := x.tree.Get(&Dirent{hk: k})
	if !ok {
		return nil
	}
	if flags&FlagOnlyActive != 0 && d.state != direntActive {
		return nil
	}
	return d
}

// LookupName finds the active dirent for name by replaying the probe
// sequence up to the probe budget, then falling back to a full in-order
// scan. The fallback trades worst-case speed for worst-case correctness:
// a name inserted past a since-reclaimed tombstone may sit at a probe
// position the replay cannot predict.
func (x *Index) LookupName(name string) *Dirent {
	k := x.hash(name)
	for j := 0; j <= x.maxProbes; j++ {
		if d, ok := x.tree.Get(&Dirent{hk: probeKey(k, uint64(j))}); ok {
			if d.state == direntActive && d.Name == name {
				return d
			}
		}
	}
	var found *Dirent
	x.tree.Ascend(func(d *Dirent) bool {
		if d.state == direntActive && d.Name == name {
			found = d
			return false
		}
		return true
	})
	return found
}

// SetDeleted tombstones a dirent in place. The node stays in the tree so
// concurrent enumerations under the read lock never see structural
// changes; Reclaim drops tombstones in bulk later. No-op on tombstones.
func (x *Index) SetDeleted(d *Dirent) {
	if d.state == direntDeleted {
		return
	}
	d.state = direntDeleted
	d.entry = nil
	x.deleted++
}

// Reclaim rebuilds the index from only the active dirents, dropping every
// tombstone and assigning fresh probe positions.
func (x *Index) Reclaim() {
	if x.deleted == 0 {
		return
	}
	var active []*Dirent
	x.tree.Ascend(func(d *Dirent) bool {
		if d.state == direntActive {
			active = append(active, d)
		}
		return true
	})
	x.tree.Clear(false)
	x.collisions = 0
	x.deleted = 0
	for _, d := range active {
		// Budget held at insert time, so re-inserting the same active
		// set cannot fail.
		if _, err := x.Insert(d.Name, d.entry); err != nil {
			panic("mdcache: reclaim reinsert failed: " + err.Error())
		}
	}
}

// Clean discards every dirent, active or not. Used when the owning
// directory is invalidated or destroyed.
func (x *Index) Clean() {
	x.tree.Clear(false)
	x.collisions = 0
	x.deleted = 0
}

// Len returns the total node count, tombstones included.
func (x *Index) Len() int {
	return x.tree.Len()
}

// ActiveLen returns the live dirent count.
func (x *Index) ActiveLen() int {
	return x.tree.Len() - x.deleted
}

// AscendActive visits active dirents in key order, starting strictly
// after the cookie. A cookie of 0 starts from the beginning inclusively,
// so a dirent whose key is exactly 0 is not skipped. Returning false from
// fn stops the walk.
func (x *Index) AscendActive(cookie uint64, fn func(d *Dirent) bool) {
	x.tree.AscendGreaterOrEqual(&Dirent{hk: cookie}, func(d *Dirent) bool {
		if (cookie != 0 && d.hk == cookie) || d.state != direntActive {
			return true
		}
		return fn(d)
	})
}
