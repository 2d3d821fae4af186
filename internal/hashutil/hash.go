// Package hashutil provides the 256-bit content hash type shared by the
// scan/hash pipeline, the cache codec, and the grouping engine.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Size is the length in bytes of a content hash.
const Size = sha256.Size

// Version identifies the hash algorithm/encoding this build produces.
// A cached entry stamped with an older Version is force-rehashed on load
// (spec.md §4.2 "Upgrade") rather than trusted, so an algorithm change never
// silently mixes old and new digests in the same group.
const Version = 1

// Hash is a 256-bit content fingerprint. The zero value is not a valid hash;
// callers distinguish "no hash yet" with a separate bool or pointer, matching
// the VfsEntry fields being optional per spec.md I3/I5.
type Hash [Size]byte

// String renders the hash as lowercase hex, used by logs and renderers.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// FromBytes copies raw bytes into a Hash. It returns false if b is not
// exactly Size bytes long — this is the check the cache codec uses to
// discard legacy (e.g. 64-byte sha512) hashes per spec.md §6/§9.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// NewHasher returns a fresh streaming hasher using the same algorithm as
// every other content hash in this repository (file content, directory
// structure, and extent fingerprints all share one algorithm). A directory
// hash covers each child's name as well as its hash, so a directory holding
// one file does not share that file's hash.
func NewHasher() hash.Hash {
	return sha256.New()
}

// Sum finalizes a hasher into a Hash.
func Sum(h hash.Hash) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
