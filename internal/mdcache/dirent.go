package mdcache

// direntState tracks the two-phase delete lifecycle of a cached name.
// Active dirents are live; deleted dirents are tombstones kept in the
// index until a bulk reclaim pass, so structural removal never happens
// under a live enumeration.
type direntState uint8

const (
	direntActive direntState = iota
	direntDeleted
)

// Dirent is one cached directory entry: a name, the effective index key
// it was stored under after collision probing, and a weak link to the
// cached object the name resolves to.
//
// Dirents are owned by their directory's Index and touched only under the
// owning entry's lock. The state machine is active -> deleted -> reclaimed;
// a recreated name always becomes a fresh Dirent.
type Dirent struct {
	// Name is the directory-relative name.
	Name string

	// hk is the effective ordering key: probeKey(hash(Name), probes).
	// It doubles as the enumeration cookie handed to readdir callers.
	hk uint64

	// probes is the number of quadratic probe steps taken at insert time.
	probes int

	state direntState

	// entry is a relation, not ownership: the target holds no reference
	// back, and the pointer is dropped when the dirent is tombstoned.
	entry *Entry
}

// Key returns the dirent's effective index key.
func (d *Dirent) Key() uint64 {
	return d.hk
}

// Active reports whether the dirent is live (not a tombstone).
func (d *Dirent) Active() bool {
	return d.state == direntActive
}

// Entry returns the cached target object, or nil for tombstones and
// dirents whose target was never resolved.
func (d *Dirent) Entry() *Entry {
	return d.entry
}
