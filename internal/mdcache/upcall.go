package mdcache

import (
	log "github.com/sirupsen/logrus"

	"mdcfs/internal/fsal"
)

// upcallRouter is the fsal.Upcalls implementation handed to a backend
// when its export is wrapped. Invalidations route through the same
// mark-deleted/clean primitives the cache uses itself; an upcall for an
// object the cache no longer holds is silently ignored.
type upcallRouter struct {
	cache  *Cache
	export *Export
}

var _ fsal.Upcalls = (*upcallRouter)(nil)

// withEntry runs fn with a referenced entry for the backend handle, if
// the cache still holds one.
func (u *upcallRouter) withEntry(h fsal.Handle, fn func(e *Entry)) {
	key := u.export.id + ":" + string(h)
	u.cache.mu.RLock()
	e := u.cache.entries[key]
	u.cache.mu.RUnlock()
	if e == nil {
		return
	}
	if err := u.cache.Acquire(e); err != nil {
		return
	}
	defer u.cache.Release(e)
	fn(e)
}

// InvalidateObject drops cached attributes and, for directories, the
// cached dirent index.
func (u *upcallRouter) InvalidateObject(h fsal.Handle) {
	u.withEntry(h, func(e *Entry) {
		e.InvalidateAttrs()
		if e.IsDir() {
			u.cache.InvalidateDir(e)
		}
		log.WithField("key", e.key).Debug("upcall invalidated object")
	})
}

// InvalidateDirent tombstones one cached name in a directory.
func (u *upcallRouter) InvalidateDirent(dir fsal.Handle, name string) {
	u.withEntry(dir, func(e *Entry) {
		if !e.IsDir() {
			return
		}
		tombstoneDirent(e, name)
	})
}
