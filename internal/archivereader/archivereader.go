// Package archivereader defines the pluggable contract for archive content
// hashing (zip/tar/7z), named as an external collaborator in spec.md §1:
// "given a byte stream and a logical parent path, yields child entries with
// size+hash." No concrete format decoder ships in this core — spec.md's
// Non-goals exclude archive content hashing from this component's scope —
// but the interface is defined here so the hash phase can accept one
// without depending on any particular archive library.
package archivereader

import (
	"io"

	"github.com/ivoronin/dupion/internal/hashutil"
)

// ChildEntry is one file discovered inside an archive stream.
type ChildEntry struct {
	// Path is the logical path of the child, rooted at ParentPath.
	Path string
	Size uint64
	Hash hashutil.Hash
}

// Reader decodes an archive byte stream into its child entries. A concrete
// implementation (zip, tar, 7z) is an external collaborator; this core
// only consumes the interface.
type Reader interface {
	// ReadArchive decodes r, whose logical parent path is parentPath
	// (used to build each ChildEntry.Path), and returns its children.
	ReadArchive(parentPath string, r io.Reader) ([]ChildEntry, error)
}

// Budget bounds the aggregate bytes a Reader implementation may hold
// in flight while decoding archive members, per spec.md §5: "Allocation-
// monitored buffers for archive decoding block allocation until the
// aggregate drops below the configured cap." --archive-cache-mem sizes
// this budget; a concrete Reader is expected to Acquire/Release around
// each member buffer it allocates.
type Budget = hashutil.AllocGuard

// NewBudget creates a Budget admitting at most capBytes of outstanding
// archive-decode allocation at once.
func NewBudget(capBytes int64) *Budget {
	return hashutil.NewAllocGuard(capBytes)
}
