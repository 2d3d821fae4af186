// Package vfs implements the path-addressed arena of file and directory
// entries described in spec.md §3 — the "VFS index". It holds per-entry
// metadata and content/structural hashes and is the shared data structure
// that the scan, hash, post-hash, grouping, and dedup phases all read and
// write under the caller's own synchronization (spec.md §5: "almost all
// phases take the write lock for the duration of their work").
package vfs

import (
	"path/filepath"

	"github.com/ivoronin/dupion/internal/hashutil"
)

// ID identifies an Entry within an Index. IDs are stable and append-only
// within a run (spec.md §3 VfsIndex: "Ids never change across insertions").
type ID int32

// RootID is the sentinel "root-of-roots" entry whose children are the first
// components of every inserted path. It is never surfaced to a caller; Index.Roots
// is the only supported way to enumerate top-level entries (spec.md §9 open
// question: "the sentinel root entry is stored as an entry with an empty
// path; callers must never emit or display it").
const RootID ID = 0

// DedupState records whether an entry has ever been deduplicated.
type DedupState int

const (
	// DedupUnknown means the entry has never been deduped and dedup
	// hasn't explicitly decided to skip it either.
	DedupUnknown DedupState = iota
	// DedupDone means the entry was successfully deduped in some run.
	DedupDone
	// DedupSkipped is reserved: spec.md §9 notes this tri-valued field
	// "only two values are ever written" and leaves Some(false)'s
	// semantics reserved for future use (e.g. "explicitly excluded by
	// policy"). No code path sets it today.
	DedupSkipped
)

// Entry represents one observed path in the tree. Field names and shapes
// follow spec.md §3's VfsEntry entity.
type Entry struct {
	Path              string // absolute, canonical
	LastPathComponent string // cached tail component

	Ctime *int64 // optional; the validation epoch for this entry
	Uid   uint32

	FileSize *uint64
	DirSize  *uint64

	FileHash *hashutil.Hash
	DirHash  *hashutil.Hash

	Parent   ID
	Children []ID
	byName   map[string]ID

	Phys     *uint64 // first physical extent offset; Some(0) = no phys
	NExtents *int

	Valid        bool
	IsFile       bool
	IsDir        bool
	WasFile      bool
	WasDir       bool
	FileShadowed bool
	DirShadowed  bool
	Unique       bool
	DispCounted  bool
	Failure      int // hash algorithm version that produced FileHash/DirHash; 0 = never hashed

	TreediffStat int // opaque state reserved for an external diff renderer
	DedupState   DedupState
}

// IsAbs reports whether path looks like an absolute, canonical path. Index
// operations reject anything else per spec.md I1/§7 ("Fatal: ... path is
// not absolute").
func isAbs(path string) bool {
	return filepath.IsAbs(path) && filepath.Clean(path) == path
}
