package posthash

import (
	"testing"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/vfs"
)

func insertFile(t *testing.T, idx *vfs.Index, path string, size uint64, hash byte) vfs.ID {
	t.Helper()
	id, err := idx.InsertOrGet(path)
	if err != nil {
		t.Fatalf("InsertOrGet(%q): %v", path, err)
	}
	e := idx.Get(id)
	e.IsFile = true
	e.Valid = true
	e.FileSize = &size
	var h hashutil.Hash
	h[0] = hash
	e.FileHash = &h
	return id
}

func markDir(idx *vfs.Index, path string) vfs.ID {
	id, _ := idx.InsertOrGet(path)
	e := idx.Get(id)
	e.IsDir = true
	e.Valid = true
	return id
}

// =============================================================================
// Section 1.1: Equal subtrees hash equal — invariant P5 happy path
// =============================================================================

func TestPostHashProducesEqualHashesForEqualSubtrees(t *testing.T) {
	idx := vfs.NewIndex()
	markDir(idx, "/r/x")
	insertFile(t, idx, "/r/x/f", 2<<20, 1)
	markDir(idx, "/r/y")
	insertFile(t, idx, "/r/y/f", 2<<20, 1)

	grp := grouping.NewEngine(idx)
	counters := metrics.NewCounters()
	New(idx, grp, counters).Run()

	xID, _ := idx.Lookup("/r/x")
	yID, _ := idx.Lookup("/r/y")
	xe, ye := idx.Get(xID), idx.Get(yID)

	if xe.DirHash == nil || ye.DirHash == nil {
		t.Fatalf("expected both directories to get a dir_hash")
	}
	if *xe.DirHash != *ye.DirHash {
		t.Errorf("expected equal dir_hash for identical subtrees")
	}
	if xe.DirSize == nil || *xe.DirSize != 2<<20 {
		t.Errorf("expected dir_size to equal the single child's size")
	}
}

// =============================================================================
// Section 1.2: Missing file hash excludes the directory — invariant P5
// =============================================================================

func TestPostHashSkipsDirectoryWithUnhashedChild(t *testing.T) {
	idx := vfs.NewIndex()
	dirID := markDir(idx, "/r/z")
	fileID, _ := idx.InsertOrGet("/r/z/unhashed")
	fe := idx.Get(fileID)
	fe.IsFile = true
	fe.Valid = true

	grp := grouping.NewEngine(idx)
	counters := metrics.NewCounters()
	New(idx, grp, counters).Run()

	ze := idx.Get(dirID)
	if ze.DirHash != nil {
		t.Errorf("expected no dir_hash when a descendant file lacks a hash")
	}
}

// =============================================================================
// Section 1.3: Child order does not affect the directory hash
// =============================================================================

func TestPostHashIsOrderInsensitiveToInsertionOrder(t *testing.T) {
	idx1 := vfs.NewIndex()
	markDir(idx1, "/r/d")
	insertFile(t, idx1, "/r/d/a", 10, 1)
	insertFile(t, idx1, "/r/d/b", 20, 2)

	idx2 := vfs.NewIndex()
	markDir(idx2, "/r/d")
	insertFile(t, idx2, "/r/d/b", 20, 2)
	insertFile(t, idx2, "/r/d/a", 10, 1)

	c1, c2 := metrics.NewCounters(), metrics.NewCounters()
	New(idx1, grouping.NewEngine(idx1), c1).Run()
	New(idx2, grouping.NewEngine(idx2), c2).Run()

	id1, _ := idx1.Lookup("/r/d")
	id2, _ := idx2.Lookup("/r/d")
	h1, h2 := idx1.Get(id1).DirHash, idx2.Get(id2).DirHash

	if h1 == nil || h2 == nil {
		t.Fatalf("expected both to have dir hashes")
	}
	if *h1 != *h2 {
		t.Errorf("expected directory hash to be independent of child insertion order")
	}
}
