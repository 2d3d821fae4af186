package vfs

import (
	"testing"

	"github.com/ivoronin/dupion/internal/hashutil"
)

// =============================================================================
// Section 1.1: Core Index Tests
// =============================================================================

func TestInsertOrGetCreatesParentChain(t *testing.T) {
	idx := NewIndex()

	id, err := idx.InsertOrGet("/a/b/c.txt")
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}

	leaf := idx.Get(id)
	if leaf.Path != "/a/b/c.txt" || leaf.LastPathComponent != "c.txt" {
		t.Fatalf("unexpected leaf entry: %+v", leaf)
	}

	aID, ok := idx.Lookup("/a")
	if !ok {
		t.Fatal("expected /a to exist")
	}
	if !idx.Get(aID).IsDir {
		t.Error("expected /a to be marked as dir")
	}

	bID, ok := idx.Lookup("/a/b")
	if !ok || !idx.Get(bID).IsDir {
		t.Fatal("expected /a/b to exist and be a dir")
	}
}

func TestInsertOrGetIsIdempotent(t *testing.T) {
	idx := NewIndex()

	id1, _ := idx.InsertOrGet("/a/b.txt")
	id2, _ := idx.InsertOrGet("/a/b.txt")

	if id1 != id2 {
		t.Errorf("expected same id for repeated insert, got %d and %d", id1, id2)
	}
	if idx.Len() != 3 { // root, /a, /a/b.txt
		t.Errorf("expected 3 entries, got %d", idx.Len())
	}
}

func TestInsertOrGetRejectsRelativePath(t *testing.T) {
	idx := NewIndex()
	if _, err := idx.InsertOrGet("relative/path.txt"); err == nil {
		t.Error("expected error for non-absolute path")
	}
}

func TestLookupMissing(t *testing.T) {
	idx := NewIndex()
	idx.InsertOrGet("/a/b.txt")

	if _, ok := idx.Lookup("/a/missing.txt"); ok {
		t.Error("expected lookup miss for nonexistent path")
	}
}

func TestChildLastComponentUniqueness(t *testing.T) {
	idx := NewIndex()
	idx.InsertOrGet("/a/x.txt")
	idx.InsertOrGet("/a/y.txt")

	aID, _ := idx.Lookup("/a")
	children := idx.Children(aID)
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
}

// =============================================================================
// Section 1.2: ForEachDescendant
// =============================================================================

func TestForEachDescendantVisitsOnce(t *testing.T) {
	idx := NewIndex()
	idx.InsertOrGet("/a/b/c.txt")
	idx.InsertOrGet("/a/b/d.txt")
	idx.InsertOrGet("/a/e.txt")

	aID, _ := idx.Lookup("/a")

	seen := map[ID]int{}
	idx.ForEachDescendant(aID, true, func(id ID) { seen[id]++ })

	if len(seen) != 5 { // /a, /a/b, /a/b/c.txt, /a/b/d.txt, /a/e.txt
		t.Fatalf("expected 5 visited entries, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("entry %d visited %d times, want 1", id, n)
		}
	}
}

func TestForEachDescendantExcludeSelf(t *testing.T) {
	idx := NewIndex()
	idx.InsertOrGet("/a/b.txt")
	aID, _ := idx.Lookup("/a")

	seen := map[ID]bool{}
	idx.ForEachDescendant(aID, false, func(id ID) { seen[id] = true })

	if seen[aID] {
		t.Error("excluding self should not visit aID")
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 descendant, got %d", len(seen))
	}
}

// =============================================================================
// Section 1.3: Validate
// =============================================================================

func TestValidateFreshKeepsCache(t *testing.T) {
	idx := NewIndex()
	id, _ := idx.InsertOrGet("/a.txt")
	e := idx.Get(id)
	ctime := int64(1000)
	e.Ctime = &ctime
	size := uint64(42)
	e.FileSize = &size
	e.WasFile = true

	fresh := idx.Validate(id, 1000, &size, nil)
	if !fresh {
		t.Error("expected fresh validate to keep cache")
	}
	if !idx.Get(id).Valid || !idx.Get(id).IsFile {
		t.Error("expected entry marked valid and is_file")
	}
}

func TestValidateStaleClearsHash(t *testing.T) {
	idx := NewIndex()
	id, _ := idx.InsertOrGet("/a.txt")
	e := idx.Get(id)
	ctime := int64(1000)
	e.Ctime = &ctime
	var fh hashutil.Hash
	e.FileHash = &fh

	newSize := uint64(99)
	fresh := idx.Validate(id, 2000, &newSize, nil)
	if fresh {
		t.Error("expected stale validate (ctime mismatch)")
	}
	if idx.Get(id).FileHash != nil {
		t.Error("expected hash cleared on stale validate")
	}
	if !idx.Get(id).Valid {
		t.Error("expected entry still marked valid with new ctime")
	}
}

