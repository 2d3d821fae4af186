// Package dedupbatch implements the terminal pipeline phase: it plans
// DedupGroups from the final hash groups, splits them to fit a dynamic
// memory/file-count budget, and submits batched same-extent dedup ioctls
// with per-destination fallback on partial failure (spec.md §4.8).
package dedupbatch

import (
	"math"
	"sort"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/vfs"
)

// MaxDupsPerGroup is the hard kernel/interface ceiling on destinations per
// ioctl invocation (spec.md §4.8).
const MaxDupsPerGroup = 127

// Group is one planning unit: a senpai (keeper) and the dups that should
// be re-pointed at its extents, over the half-open range [RangeStart,
// RangeStart+RangeLen).
type Group struct {
	Senpai         vfs.ID
	Dups           []vfs.ID
	RangeStart     uint64
	RangeLen       uint64
	ActualFileSize uint64
	AvgPhys        float64
	IsLastPart     bool
}

type contributorInfo struct {
	id             vfs.ID
	phys           uint64
	nExtents       int
	ctime          int64
	physOccurrence int
}

// Plan builds one Group per hash group with >= 2 file contributors that
// all have a known physical offset, applying the senpai-selection rule
// (spec.md §4.8 steps 1-7) and sorting the result by avg_phys ascending.
func Plan(idx *vfs.Index, grp *grouping.Engine, hashes []grouping.ResultGroup, aggressive bool) []Group {
	var groups []Group

	for _, rg := range hashes {
		var files []contributorInfo
		for _, m := range rg.Members {
			if m.Kind != grouping.KindFile {
				continue
			}
			e := idx.Get(m.ID)
			if e == nil || e.Phys == nil || e.FileSize == nil {
				continue
			}
			files = append(files, contributorInfo{
				id:       m.ID,
				phys:     *e.Phys,
				nExtents: derefInt(e.NExtents),
				ctime:    derefInt64(e.Ctime),
			})
		}
		if len(files) < 2 {
			continue
		}

		g, ok := planOne(idx, files, aggressive)
		if !ok {
			continue
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].AvgPhys < groups[j].AvgPhys })
	return groups
}

func planOne(idx *vfs.Index, files []contributorInfo, aggressive bool) (Group, bool) {
	var sumPhys float64
	physCount := make(map[uint64]int)
	for _, f := range files {
		sumPhys += float64(f.phys)
		physCount[f.phys]++
	}
	avgPhys := sumPhys / float64(len(files))
	for i := range files {
		files[i].physOccurrence = physCount[files[i].phys]
	}

	sort.Slice(files, func(i, j int) bool { return files[i].phys < files[j].phys })

	senpaiIdx := 0
	for i := 1; i < len(files); i++ {
		if lessSenpai(files[i], files[senpaiIdx], avgPhys) {
			senpaiIdx = i
		}
	}
	senpai := files[senpaiIdx]

	var dups []vfs.ID
	for i, f := range files {
		if i == senpaiIdx {
			continue
		}
		if !aggressive && f.phys == senpai.phys {
			continue // already shares the senpai's physical location
		}
		dups = append(dups, f.id)
	}
	if len(dups) == 0 {
		return Group{}, false
	}

	size := derefU64(idx.Get(senpai.id).FileSize)
	return Group{
		Senpai:         senpai.id,
		Dups:           dups,
		RangeStart:     0,
		RangeLen:       size,
		ActualFileSize: size,
		AvgPhys:        avgPhys,
		IsLastPart:     true,
	}, true
}

// lessSenpai implements the lexicographic selection key (n_extents asc,
// phys_occurrences desc, ctime asc, |phys-avg_phys| asc).
func lessSenpai(a, b contributorInfo, avgPhys float64) bool {
	if a.nExtents != b.nExtents {
		return a.nExtents < b.nExtents
	}
	if a.physOccurrence != b.physOccurrence {
		return a.physOccurrence > b.physOccurrence
	}
	if a.ctime != b.ctime {
		return a.ctime < b.ctime
	}
	return math.Abs(float64(a.phys)-avgPhys) < math.Abs(float64(b.phys)-avgPhys)
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefU64(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}
