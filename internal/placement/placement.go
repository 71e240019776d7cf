// Package placement computes which server owns a key and which two
// servers replicate it. Placement is a pure function of the key and
// the number of servers; it holds no state and talks to nothing.
package placement

import (
	"hash/fnv"

	"github.com/gordon-to/replikv/internal/cluster"
)

// Owner returns the id, in [0, n), of the server whose primary range
// contains key. Uses FNV-1a for the same reasons the original sharding
// code did: fast, deterministic, good enough distribution for a fixed
// key space, and no need for a cryptographic hash.
func Owner(key cluster.Key, n int) int {
	h := fnv.New32a()
	h.Write(key[:])
	return int(h.Sum32() % uint32(n))
}

// Secondary returns the id of the server that backs up server i's
// primary range. Servers are arranged in a ring; the secondary is the
// next server around it.
func Secondary(i, n int) int {
	return (i + 1) % n
}

// PrimaryOf returns the id of the server whose primary range server i
// backs up as secondary, the inverse of Secondary.
func PrimaryOf(i, n int) int {
	return (i - 1 + n) % n
}
