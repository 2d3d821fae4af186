package grouping

import (
	"testing"

	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/vfs"
)

func mustInsert(t *testing.T, idx *vfs.Index, path string) vfs.ID {
	t.Helper()
	id, err := idx.InsertOrGet(path)
	if err != nil {
		t.Fatalf("InsertOrGet(%q): %v", path, err)
	}
	return id
}

func hashOf(b byte) hashutil.Hash {
	var h hashutil.Hash
	h[0] = b
	return h
}

func size(n uint64) *uint64 { return &n }

// =============================================================================
// Section 1.1: Size and hash group accumulation
// =============================================================================

func TestPushSizeAccumulatesByKindAndID(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	b := mustInsert(t, idx, "/b")

	e := NewEngine(idx)
	e.PushSize(a, KindFile, 100)
	e.PushSize(b, KindFile, 100)

	members := e.SizeGroupMembers(100)
	if len(members) != 2 {
		t.Fatalf("expected 2 members in size group, got %d", len(members))
	}
}

func TestPushHashAccumulates(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	b := mustInsert(t, idx, "/b")
	h := hashOf(1)

	e := NewEngine(idx)
	e.PushHash(a, KindFile, h)
	e.PushHash(b, KindFile, h)

	if len(e.HashGroupMembers(h)) != 2 {
		t.Fatalf("expected 2 members in hash group")
	}
}

// =============================================================================
// Section 1.2: BuildResults — invariant P1, grouping soundness
// =============================================================================

func TestBuildResultsOmitsSingletonGroups(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	idx.Get(a).IsFile = true
	idx.Get(a).FileSize = size(10)

	e := NewEngine(idx)
	e.PushHash(a, KindFile, hashOf(1))

	results := e.BuildResults()
	if len(results) != 0 {
		t.Fatalf("expected no groups for a singleton hash, got %d", len(results))
	}
}

func TestBuildResultsGroupsDuplicatesOnly(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	b := mustInsert(t, idx, "/b")
	c := mustInsert(t, idx, "/c")
	for _, id := range []vfs.ID{a, b, c} {
		idx.Get(id).IsFile = true
		idx.Get(id).FileSize = size(10)
	}

	h := hashOf(1)
	e := NewEngine(idx)
	e.PushHash(a, KindFile, h)
	e.PushHash(b, KindFile, h)
	// c has a distinct hash, not a duplicate of anything.
	e.PushHash(c, KindFile, hashOf(2))

	results := e.BuildResults()
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 duplicate group, got %d", len(results))
	}
	if len(results[0].Members) != 2 {
		t.Fatalf("expected 2 members in the duplicate group, got %d", len(results[0].Members))
	}
}

func TestBuildResultsSortsBySizeDescending(t *testing.T) {
	idx := vfs.NewIndex()
	small1 := mustInsert(t, idx, "/small1")
	small2 := mustInsert(t, idx, "/small2")
	big1 := mustInsert(t, idx, "/big1")
	big2 := mustInsert(t, idx, "/big2")

	for _, id := range []vfs.ID{small1, small2} {
		idx.Get(id).IsFile = true
		idx.Get(id).FileSize = size(10)
	}
	for _, id := range []vfs.ID{big1, big2} {
		idx.Get(id).IsFile = true
		idx.Get(id).FileSize = size(1000)
	}

	e := NewEngine(idx)
	smallHash, bigHash := hashOf(1), hashOf(2)
	e.PushHash(small1, KindFile, smallHash)
	e.PushHash(small2, KindFile, smallHash)
	e.PushHash(big1, KindFile, bigHash)
	e.PushHash(big2, KindFile, bigHash)

	results := e.BuildResults()
	if len(results) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(results))
	}
	if results[0].Size != 1000 || results[1].Size != 10 {
		t.Fatalf("expected groups sorted size desc, got sizes %d, %d", results[0].Size, results[1].Size)
	}
}

func TestBuildResultsOrdersDirectoryBeforeFileWithinGroup(t *testing.T) {
	idx := vfs.NewIndex()
	file := mustInsert(t, idx, "/z_file")
	dir := mustInsert(t, idx, "/a_dir")
	idx.Get(file).IsFile = true
	idx.Get(file).FileSize = size(10)
	idx.Get(dir).IsDir = true
	idx.Get(dir).DirSize = size(10)

	h := hashOf(1)
	e := NewEngine(idx)
	// Push file first to make sure ordering comes from sorting, not push order.
	e.PushHash(file, KindFile, h)
	e.PushHash(dir, KindDir, h)

	results := e.BuildResults()
	if len(results) != 1 {
		t.Fatalf("expected 1 group, got %d", len(results))
	}
	members := results[0].Members
	if members[0].Kind != KindDir || members[1].Kind != KindFile {
		t.Fatalf("expected directory before file, got %+v", members)
	}
}

// =============================================================================
// Section 1.3: Shadow propagation — invariant P2, shadow monotonicity
// =============================================================================

func TestShadowMarksDescendantsOfDuplicateDirectory(t *testing.T) {
	idx := vfs.NewIndex()
	dirA := mustInsert(t, idx, "/dirA")
	fileA := mustInsert(t, idx, "/dirA/f")
	dirB := mustInsert(t, idx, "/dirB")
	fileB := mustInsert(t, idx, "/dirB/f")

	dirHash := hashOf(1)
	for _, id := range []vfs.ID{dirA, dirB} {
		idx.Get(id).IsDir = true
		idx.Get(id).DirHash = &dirHash
	}
	fileHash := hashOf(2)
	for _, id := range []vfs.ID{fileA, fileB} {
		idx.Get(id).IsFile = true
		idx.Get(id).FileHash = &fileHash
	}

	e := NewEngine(idx)
	e.PushHash(dirA, KindDir, dirHash)
	e.PushHash(dirB, KindDir, dirHash)
	e.PushHash(fileA, KindFile, fileHash)
	e.PushHash(fileB, KindFile, fileHash)

	e.Shadow()

	if idx.Get(dirA).DirShadowed || idx.Get(dirB).DirShadowed {
		t.Fatalf("expected both duplicate directories to stay unshadowed so their group is shown")
	}
	if !idx.Get(fileA).FileShadowed || !idx.Get(fileB).FileShadowed {
		t.Fatalf("children of a shadowed directory must be shadowed too")
	}
}

func TestShadowLeavesUniqueDirectoryUnmarked(t *testing.T) {
	idx := vfs.NewIndex()
	dir := mustInsert(t, idx, "/dir")
	file := mustInsert(t, idx, "/dir/f")
	idx.Get(dir).IsDir = true
	dh := hashOf(1)
	idx.Get(dir).DirHash = &dh
	idx.Get(file).IsFile = true
	fh := hashOf(2)
	idx.Get(file).FileHash = &fh

	e := NewEngine(idx)
	e.PushHash(dir, KindDir, dh)
	e.PushHash(file, KindFile, fh)

	e.Shadow()

	if idx.Get(dir).DirShadowed {
		t.Fatalf("a unique directory must not be shadowed")
	}
}

// =============================================================================
// Section 1.4: Visible — shadow rule filtering
// =============================================================================

func TestVisibleHideFullyShadowedDropsGroupWhenAllMembersShadowed(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	b := mustInsert(t, idx, "/b")
	idx.Get(a).IsFile = true
	idx.Get(a).FileShadowed = true
	idx.Get(b).IsFile = true
	idx.Get(b).FileShadowed = true

	g := ResultGroup{Members: []Contributor{{ID: a, Kind: KindFile}, {ID: b, Kind: KindFile}}}

	_, visible := Visible(idx, g, ShadowHideFullyShadowed)
	if visible {
		t.Fatalf("expected group with all members shadowed to be hidden")
	}
}

func TestVisibleNeverShowShadowedTrimsMembers(t *testing.T) {
	idx := vfs.NewIndex()
	a := mustInsert(t, idx, "/a")
	b := mustInsert(t, idx, "/b")
	c := mustInsert(t, idx, "/c")
	idx.Get(a).IsFile = true
	idx.Get(b).IsFile = true
	idx.Get(c).IsFile = true
	idx.Get(c).FileShadowed = true

	g := ResultGroup{Members: []Contributor{
		{ID: a, Kind: KindFile}, {ID: b, Kind: KindFile}, {ID: c, Kind: KindFile},
	}}

	out, visible := Visible(idx, g, ShadowNeverShowShadowed)
	if !visible {
		t.Fatalf("expected group to remain visible with 2 non-shadowed members")
	}
	if len(out.Members) != 2 {
		t.Fatalf("expected shadowed member trimmed, got %d members", len(out.Members))
	}
}
