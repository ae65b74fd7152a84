package mdcache

import "github.com/cespare/xxhash/v2"

// NameHash maps a directory-relative name to the 64-bit key the dirent
// index is ordered by. The default is xxhash; tests inject deterministic
// functions to force collisions.
type NameHash func(name string) uint64

// DefaultNameHash hashes with xxhash, which is collision-resistant enough
// that quadratic probing approximates perfect hashing in practice.
func DefaultNameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

// probeKey returns the j-th slot of the quadratic probe sequence for base
// key k. Wraparound on overflow is intentional; the key space is the full
// uint64 range.
func probeKey(k uint64, j uint64) uint64 {
	return k + j + j*j
}
