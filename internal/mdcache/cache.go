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

// Package mdcache is the metadata-caching layer between a protocol
// frontend and a pluggable backing filesystem. It caches directory
// entries in a per-directory hash-ordered index and object metadata in
// reference-counted entries, and keeps entries, their export
// associations, and the cleanup queue consistent under concurrent access.
package mdcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"mdcfs/internal/common"
	"mdcfs/internal/fsal"
)

// Config tunes a Cache.
type Config struct {
	// MaxProbes bounds the collision probe chain per directory index.
	// Zero means the package default.
	MaxProbes int
	// CleanupQueueSize bounds the eviction handoff queue. Zero means the
	// package default.
	CleanupQueueSize int
	// AttrTTL is how long cached attributes stay fresh. Zero caches
	// forever (invalidation-only).
	AttrTTL time.Duration

	// hash overrides the dirent name hash; tests only.
	hash NameHash
	// queue overrides the cleanup queue; tests only.
	queue CleanupQueue
}

// Cache is the metadata cache. One Cache serves any number of exports;
// entries are interned per (export, backend handle) pair.
type Cache struct {
	cfg Config

	mu      sync.RWMutex
	entries map[string]*Entry

	cleanup CleanupQueue
	ownedQ  *cleanupQueue // non-nil when cleanup is the default queue
}

// New creates a Cache with its own cleanup queue worker.
func New(cfg Config) *Cache {
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
	}
	if cfg.queue != nil {
		c.cleanup = cfg.queue
	} else {
		c.ownedQ = newCleanupQueue(c, cfg.CleanupQueueSize)
		c.cleanup = c.ownedQ
	}
	return c
}

// Close stops the cleanup worker after draining queued entries. Callers
// unexport every export first; Close does not tear exports down.
func (c *Cache) Close() {
	if c.ownedQ != nil {
		c.ownedQ.close()
	}
}

// AddExport wraps a sub-filesystem export for caching and registers the
// cache's invalidation upcalls with it.
func (c *Cache) AddExport(name string, sub fsal.Export) *Export {
	x := &Export{
		id:    uuid.NewString(),
		name:  name,
		sub:   sub,
		cache: c,
	}
	if setter, ok := sub.(fsal.UpcallSetter); ok {
		setter.SetUpcalls(&upcallRouter{cache: c, export: x})
	}
	return x
}

// EntryCount returns the number of interned entries.
func (c *Cache) EntryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Acquire takes a reference on an entry that is still reachable. It fails
// with common.ErrStale when the entry has already been detached from its
// exports (a race with concurrent teardown); the caller retries the
// higher-level operation instead of using the entry.
func (c *Cache) Acquire(e *Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return common.ErrStale
	}
	e.refs++
	return nil
}

// Release drops a reference. When the last reference is gone and no
// export association remains, the entry is handed to the cleanup queue —
// exactly once, and never while an entry or export lock is held. A
// declined handoff leaves the entry for ReapDetached.
func (c *Cache) Release(e *Entry) {
	e.mu.Lock()
	if e.refs == 0 {
		e.mu.Unlock()
		panic("mdcache: reference count underflow")
	}
	e.refs--
	handoff := e.refs == 0 && len(e.exports) == 0 && !e.queued
	if handoff {
		e.queued = true
	}
	e.mu.Unlock()

	if handoff && !c.cleanup.TryPush(e) {
		e.mu.Lock()
		e.queued = false
		e.mu.Unlock()
	}
}

// ReapDetached retries the cleanup handoff for entries whose earlier push
// was declined. Returns how many entries were handed off. The surrounding
// daemon calls this periodically; the cache never retries on its own.
func (c *Cache) ReapDetached() int {
	c.mu.RLock()
	var candidates []*Entry
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}
	c.mu.RUnlock()

	pushed := 0
	for _, e := range candidates {
		e.mu.Lock()
		ready := e.refs == 0 && len(e.exports) == 0 && !e.queued
		if ready {
			e.queued = true
		}
		e.mu.Unlock()
		if ready {
			if c.cleanup.TryPush(e) {
				pushed++
			} else {
				e.mu.Lock()
				e.queued = false
				e.mu.Unlock()
			}
		}
	}
	return pushed
}

// destroy performs final reclamation: drop the entry from the intern map
// and release the backend handle. Only the cleanup queue worker calls it,
// after the lifecycle code has handed the entry off for good.
func (c *Cache) destroy(ctx context.Context, e *Entry) {
	c.mu.Lock()
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()

	if err := e.ops.Release(ctx, e.sub); err != nil {
		log.WithError(err).WithField("key", e.key).Warn("backend release failed")
	}
}

// intern returns the cached entry for a backend handle, creating and
// associating it with the export as needed. The returned entry carries a
// caller reference; every intern is paired with exactly one Release.
func (c *Cache) intern(x *Export, sub fsal.Handle, attrs *fsal.Attributes) *Entry {
	key := x.id + ":" + string(sub)
	for {
		c.mu.RLock()
		e := c.entries[key]
		c.mu.RUnlock()

		if e != nil {
			if err := c.Acquire(e); err == nil {
				if attrs != nil {
					e.storeAttrs(attrs)
				}
				c.mapExport(e, x)
				return e
			}
			// Raced a teardown in flight: drop the dead entry from the
			// map and intern a fresh one.
			c.mu.Lock()
			if cur, ok := c.entries[key]; ok && cur == e {
				delete(c.entries, key)
			}
			c.mu.Unlock()
			continue
		}

		e = &Entry{
			key:  key,
			sub:  sub,
			ops:  x.sub,
			refs: 1,
		}
		if attrs != nil {
			e.kind = attrs.Kind
			e.attrs = *attrs
			e.attrsAt = time.Now()
		}
		if e.kind == fsal.KindDirectory {
			e.index = NewIndex(c.cfg.hash, c.cfg.MaxProbes)
		}

		c.mu.Lock()
		if _, ok := c.entries[key]; ok {
			// Lost the insert race; go around and adopt the winner.
			c.mu.Unlock()
			continue
		}
		c.entries[key] = e
		c.mu.Unlock()

		c.mapExport(e, x)
		return e
	}
}

// Kill detaches an entry from every export it is mapped to, used when the
// backend reports the underlying object gone. Caller holds a reference;
// the entry reaches the cleanup queue once all callers release.
func (c *Cache) Kill(e *Entry) {
	for {
		e.mu.RLock()
		if len(e.exports) == 0 {
			e.mu.RUnlock()
			return
		}
		exp := e.exports[0].export
		e.mu.RUnlock()

		if c.unmapExport(e, exp) {
			c.Release(e)
		}
	}
}

// Root returns the export's root entry, referenced.
func (c *Cache) Root(ctx context.Context, x *Export) (*Entry, error) {
	sub, attrs, err := x.sub.Root(ctx)
	if err != nil {
		return nil, err
	}
	return c.intern(x, sub, attrs), nil
}

// Lookup resolves name inside dir, from the dirent index when possible
// and from the backend otherwise. The returned entry is referenced. A
// fully populated index answers negative lookups without a backend call.
func (c *Cache) Lookup(ctx context.Context, x *Export, dir *Entry, name string) (*Entry, error) {
	if !dir.IsDir() {
		return nil, common.ErrNotDir
	}

	dir.mu.RLock()
	var target *Entry
	if d := dir.index.LookupName(name); d != nil {
		target = d.entry
	}
	populated := dir.populated
	dir.mu.RUnlock()

	if target != nil {
		if err := c.Acquire(target); err == nil {
			return target, nil
		}
		// Stale target: fall through and re-resolve from the backend.
	} else if populated {
		return nil, common.ErrNotFound
	}

	sub, attrs, err := x.sub.Lookup(ctx, dir.sub, name)
	if err != nil {
		return nil, err
	}
	e := c.intern(x, sub, attrs)
	c.recordDirent(dir, name, e)
	return e, nil
}

// recordDirent inserts a name into a directory's index, invalidating the
// index when the probe budget is exhausted.
func (c *Cache) recordDirent(dir *Entry, name string, target *Entry) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if d := dir.index.LookupName(name); d != nil {
		d.entry = target
		return
	}
	if _, err := dir.index.Insert(name, target); err != nil {
		if errors.Is(err, common.ErrTooManyCollisions) {
			log.WithField("name", name).Warn("dirent index probe budget exhausted, invalidating directory")
			dir.index.Clean()
			dir.populated = false
		}
	}
}

// tombstoneDirent marks a name deleted in a directory's index and returns
// the dirent's former target, if any.
func tombstoneDirent(dir *Entry, name string) *Entry {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	d := dir.index.LookupName(name)
	if d == nil {
		return nil
	}
	target := d.entry
	dir.index.SetDeleted(d)
	return target
}

// Create makes a regular file and caches it.
func (c *Cache) Create(ctx context.Context, x *Export, dir *Entry, name string, mode uint32) (*Entry, error) {
	return c.insertNew(ctx, dir, name, func() (fsal.Handle, *fsal.Attributes, error) {
		return x.sub.Create(ctx, dir.sub, name, mode)
	}, x)
}

// Mkdir makes a directory and caches it.
func (c *Cache) Mkdir(ctx context.Context, x *Export, dir *Entry, name string, mode uint32) (*Entry, error) {
	return c.insertNew(ctx, dir, name, func() (fsal.Handle, *fsal.Attributes, error) {
		return x.sub.Mkdir(ctx, dir.sub, name, mode)
	}, x)
}

// Symlink makes a symlink and caches it.
func (c *Cache) Symlink(ctx context.Context, x *Export, dir *Entry, name, linkTarget string) (*Entry, error) {
	return c.insertNew(ctx, dir, name, func() (fsal.Handle, *fsal.Attributes, error) {
		return x.sub.Symlink(ctx, dir.sub, name, linkTarget)
	}, x)
}

func (c *Cache) insertNew(ctx context.Context, dir *Entry, name string, create func() (fsal.Handle, *fsal.Attributes, error), x *Export) (*Entry, error) {
	if !dir.IsDir() {
		return nil, common.ErrNotDir
	}
	sub, attrs, err := create()
	if err != nil {
		return nil, err
	}
	e := c.intern(x, sub, attrs)
	c.recordDirent(dir, name, e)
	dir.InvalidateAttrs()
	return e, nil
}

// Unlink removes a name. The cached dirent becomes a tombstone; when the
// backend reports the object itself gone, its entry is detached from all
// exports so the cleanup queue can reclaim it.
func (c *Cache) Unlink(ctx context.Context, x *Export, dir *Entry, name string) error {
	if !dir.IsDir() {
		return common.ErrNotDir
	}
	if err := x.sub.Unlink(ctx, dir.sub, name); err != nil {
		return err
	}
	target := tombstoneDirent(dir, name)
	dir.InvalidateAttrs()

	if target != nil && c.Acquire(target) == nil {
		if _, err := x.sub.Getattr(ctx, target.sub); errors.Is(err, common.ErrNotFound) {
			c.Kill(target)
		} else {
			target.InvalidateAttrs()
		}
		c.Release(target)
	}
	return nil
}

// Rename moves a name. The old dirent (and any overwritten one) become
// tombstones; the moved object gets a fresh dirent under its new name.
func (c *Cache) Rename(ctx context.Context, x *Export, oldDir *Entry, oldName string, newDir *Entry, newName string) error {
	if !oldDir.IsDir() || !newDir.IsDir() {
		return common.ErrNotDir
	}
	if err := x.sub.Rename(ctx, oldDir.sub, oldName, newDir.sub, newName); err != nil {
		return err
	}
	moved := tombstoneDirent(oldDir, oldName)
	tombstoneDirent(newDir, newName)
	if moved != nil {
		c.recordDirent(newDir, newName, moved)
	}
	oldDir.InvalidateAttrs()
	newDir.InvalidateAttrs()
	return nil
}

// Getattr returns attributes, from cache while fresh. A backend
// not-found turns into ErrStale after detaching the dead entry.
func (c *Cache) Getattr(ctx context.Context, x *Export, e *Entry) (fsal.Attributes, error) {
	if attrs, ok := e.cachedAttrs(c.cfg.AttrTTL); ok {
		return attrs, nil
	}
	attrs, err := x.sub.Getattr(ctx, e.sub)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			c.Kill(e)
			return fsal.Attributes{}, common.ErrStale
		}
		return fsal.Attributes{}, err
	}
	e.storeAttrs(attrs)
	return *attrs, nil
}

// Setattr applies a partial attribute update and refreshes the cache.
func (c *Cache) Setattr(ctx context.Context, x *Export, e *Entry, set fsal.SetAttrs) (fsal.Attributes, error) {
	attrs, err := x.sub.Setattr(ctx, e.sub, set)
	if err != nil {
		return fsal.Attributes{}, err
	}
	e.storeAttrs(attrs)
	return *attrs, nil
}

// Readlink passes through to the backend.
func (c *Cache) Readlink(ctx context.Context, x *Export, e *Entry) (string, error) {
	return x.sub.Readlink(ctx, e.sub)
}

// Read passes through to the backend; no data caching.
func (c *Cache) Read(ctx context.Context, x *Export, e *Entry, p []byte, off uint64) (int, error) {
	return x.sub.Read(ctx, e.sub, p, off)
}

// Write passes through to the backend and drops cached attributes.
func (c *Cache) Write(ctx context.Context, x *Export, e *Entry, p []byte, off uint64) (int, error) {
	n, err := x.sub.Write(ctx, e.sub, p, off)
	if n > 0 {
		e.InvalidateAttrs()
	}
	return n, err
}

// Truncate passes through to the backend and drops cached attributes.
func (c *Cache) Truncate(ctx context.Context, x *Export, e *Entry, size uint64) error {
	err := x.sub.Truncate(ctx, e.sub, size)
	if err == nil {
		e.InvalidateAttrs()
	}
	return err
}

// DirEntry is one readdir result. Cookie is the dirent's index key;
// passing it back resumes enumeration after this entry.
type DirEntry struct {
	Name   string
	Cookie uint64
	Attrs  fsal.Attributes
}

// ReadDir enumerates a directory from the dirent index, populating it
// from the backend on first use. cookie 0 starts from the beginning;
// count 0 means no limit. Returns the entries and whether the end of the
// directory was reached.
func (c *Cache) ReadDir(ctx context.Context, x *Export, dir *Entry, cookie uint64, count int) ([]DirEntry, bool, error) {
	if !dir.IsDir() {
		return nil, false, common.ErrNotDir
	}
	if err := c.populateDir(ctx, x, dir); err != nil {
		return nil, false, err
	}

	var out []DirEntry
	eof := true
	dir.mu.RLock()
	dir.index.AscendActive(cookie, func(d *Dirent) bool {
		if count > 0 && len(out) == count {
			eof = false
			return false
		}
		de := DirEntry{Name: d.Name, Cookie: d.hk}
		if d.entry != nil {
			if attrs, ok := d.entry.cachedAttrs(0); ok {
				de.Attrs = attrs
			}
		}
		out = append(out, de)
		return true
	})
	dir.mu.RUnlock()
	return out, eof, nil
}

// populateDir loads a directory's full listing into its dirent index.
// Children are interned first without the directory lock held, then the
// dirents are inserted in one write-locked pass.
func (c *Cache) populateDir(ctx context.Context, x *Export, dir *Entry) error {
	dir.mu.RLock()
	done := dir.populated
	dir.mu.RUnlock()
	if done {
		return nil
	}

	type child struct {
		name  string
		entry *Entry
	}
	var children []child
	err := x.sub.ReadDir(ctx, dir.sub, func(name string, h fsal.Handle, attrs *fsal.Attributes) bool {
		e := c.intern(x, h, attrs)
		children = append(children, child{name: name, entry: e})
		return true
	})
	if err != nil {
		for _, ch := range children {
			c.Release(ch.entry)
		}
		return err
	}

	dir.mu.Lock()
	if !dir.populated {
		insertErr := error(nil)
		for _, ch := range children {
			if d := dir.index.LookupName(ch.name); d != nil {
				d.entry = ch.entry
				continue
			}
			if _, ierr := dir.index.Insert(ch.name, ch.entry); ierr != nil {
				insertErr = ierr
				break
			}
		}
		if insertErr != nil {
			dir.index.Clean()
			dir.populated = false
			dir.mu.Unlock()
			for _, ch := range children {
				c.Release(ch.entry)
			}
			return insertErr
		}
		dir.populated = true
	}
	dir.mu.Unlock()

	// The interning references were only for the populate pass; the
	// export associations keep the children cached.
	for _, ch := range children {
		c.Release(ch.entry)
	}
	return nil
}

// InvalidateDir clears a directory's dirent index, forcing the next
// ReadDir to repopulate from the backend.
func (c *Cache) InvalidateDir(dir *Entry) {
	dir.mu.Lock()
	if dir.index != nil {
		dir.index.Clean()
		dir.populated = false
	}
	dir.mu.Unlock()
}

// LookupPath walks a slash-separated path from the export root. The
// returned entry is referenced. Empty or "/" returns the root itself.
func (c *Cache) LookupPath(ctx context.Context, x *Export, path string) (*Entry, error) {
	cur, err := c.Root(ctx, x)
	if err != nil {
		return nil, err
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." {
			continue
		}
		next, err := c.Lookup(ctx, x, cur, seg)
		c.Release(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
