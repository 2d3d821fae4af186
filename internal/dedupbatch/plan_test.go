package dedupbatch

import (
	"testing"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/vfs"
)

func insertFileWithPhys(t *testing.T, idx *vfs.Index, path string, size, phys uint64, nExtents int, ctime int64) vfs.ID {
	t.Helper()
	id, err := idx.InsertOrGet(path)
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	e := idx.Get(id)
	e.IsFile = true
	e.Valid = true
	e.FileSize = &size
	e.Phys = &phys
	e.NExtents = &nExtents
	e.Ctime = &ctime
	return id
}

// =============================================================================
// Section 1.1: Senpai selection — invariant P3
// =============================================================================

func TestPlanSenpaiNeverAppearsInDups(t *testing.T) {
	idx := vfs.NewIndex()
	a := insertFileWithPhys(t, idx, "/a", 100, 1000, 1, 10)
	b := insertFileWithPhys(t, idx, "/b", 100, 2000, 3, 5)
	c := insertFileWithPhys(t, idx, "/c", 100, 3000, 2, 1)

	h := hashOf(1)
	grp := grouping.NewEngine(idx)
	grp.PushHash(a, grouping.KindFile, h)
	grp.PushHash(b, grouping.KindFile, h)
	grp.PushHash(c, grouping.KindFile, h)

	results := grp.BuildResults()
	groups := Plan(idx, grp, results, false)

	if len(groups) != 1 {
		t.Fatalf("expected 1 dedup group, got %d", len(groups))
	}
	g := groups[0]
	// a has the fewest extents (1), so it should be senpai.
	if g.Senpai != a {
		t.Errorf("expected /a (fewest extents) to be senpai, got entry %d", g.Senpai)
	}
	for _, d := range g.Dups {
		if d == g.Senpai {
			t.Fatalf("senpai must never appear in dups (P3 violated)")
		}
	}
}

func TestPlanDropsGroupWhenNoDupsRemainAfterSharedPhysExclusion(t *testing.T) {
	idx := vfs.NewIndex()
	a := insertFileWithPhys(t, idx, "/a", 100, 1000, 1, 10)
	b := insertFileWithPhys(t, idx, "/b", 100, 1000, 1, 10) // identical phys: already shared

	h := hashOf(1)
	grp := grouping.NewEngine(idx)
	grp.PushHash(a, grouping.KindFile, h)
	grp.PushHash(b, grouping.KindFile, h)

	results := grp.BuildResults()
	groups := Plan(idx, grp, results, false)

	if len(groups) != 0 {
		t.Errorf("expected the group to be dropped once the only dup shares the senpai's phys, got %d", len(groups))
	}
}

func TestPlanAggressiveKeepsSharedPhysDup(t *testing.T) {
	idx := vfs.NewIndex()
	a := insertFileWithPhys(t, idx, "/a", 100, 1000, 1, 10)
	b := insertFileWithPhys(t, idx, "/b", 100, 1000, 1, 10)

	h := hashOf(1)
	grp := grouping.NewEngine(idx)
	grp.PushHash(a, grouping.KindFile, h)
	grp.PushHash(b, grouping.KindFile, h)

	results := grp.BuildResults()
	groups := Plan(idx, grp, results, true)

	if len(groups) != 1 {
		t.Fatalf("expected aggressive mode to keep the group, got %d", len(groups))
	}
}

// =============================================================================
// Section 1.2: Batch packing — invariant P4
// =============================================================================

func TestBatchRespectsCacheBudget(t *testing.T) {
	g := Group{Dups: make([]vfs.ID, 3), RangeLen: 100}
	cacheMax := int64(100 * 4) // exactly fits one group of 4 (senpai + 3 dups)

	batches := Batch([]Group{g, g, g}, func() int64 { return cacheMax }, 4096)

	for _, batch := range batches {
		var usage int64
		var count int
		for _, bg := range batch {
			usage += int64(bg.RangeLen) * int64(len(bg.Dups)+1)
			count += len(bg.Dups) + 1
		}
		if usage > cacheMax {
			t.Errorf("batch usage %d exceeds cache_max %d", usage, cacheMax)
		}
		if count > MaxDupsPerGroup {
			t.Errorf("batch count %d exceeds MaxDupsPerGroup", count)
		}
	}
}

func TestBatchSplitsOversizedGroupByCount(t *testing.T) {
	dups := make([]vfs.ID, 200)
	for i := range dups {
		dups[i] = vfs.ID(i + 1)
	}
	g := Group{Dups: dups, RangeLen: 1}

	batches := Batch([]Group{g}, func() int64 { return 1 << 30 }, 4096)

	for _, batch := range batches {
		var count int
		for _, bg := range batch {
			count += len(bg.Dups) + 1
		}
		if count > MaxDupsPerGroup {
			t.Errorf("batch count %d exceeds the 127 ceiling", count)
		}
	}
}

func hashOf(b byte) hashutil.Hash {
	var h hashutil.Hash
	h[0] = b
	return h
}
