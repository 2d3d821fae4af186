package grouping

import (
	"sort"

	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/vfs"
)

// Kind distinguishes a file contributor from a directory contributor within
// a group, since spec.md §3 allows one HashGroup to hold both ("e.g. a
// single-file directory has the same content hash as the file").
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

// order implements spec.md §4.7's "kind_order is directory before file".
func (k Kind) order() int {
	if k == KindDir {
		return 0
	}
	return 1
}

// Contributor is one entry participating in a size or hash group.
type Contributor struct {
	ID   vfs.ID
	Kind Kind
}

// Engine accumulates size and hash groups as the scan/hash/post-hash phases
// discover entries, then produces the final shadowed, sorted result set.
//
// Engine is not safe for concurrent use; callers hold the VFS write lock for
// the duration of grouping, same as every other phase (spec.md §5).
type Engine struct {
	idx *vfs.Index

	sizeGroups map[uint64][]Contributor
	hashGroups map[hashutil.Hash][]Contributor
}

// NewEngine creates a grouping Engine over idx.
func NewEngine(idx *vfs.Index) *Engine {
	return &Engine{
		idx:        idx,
		sizeGroups: make(map[uint64][]Contributor),
		hashGroups: make(map[hashutil.Hash][]Contributor),
	}
}

// PushSize records id (of the given kind and size) into its size group. The
// "more-than-one-size" check from spec.md §4.4 (defer grouping until a
// second arrival) is the caller's responsibility — PushSize itself always
// appends, matching spec.md I4 ("SizeGroup.entries is unique by (kind,id)")
// as long as callers push each id at most once.
func (e *Engine) PushSize(id vfs.ID, kind Kind, size uint64) {
	e.sizeGroups[size] = append(e.sizeGroups[size], Contributor{ID: id, Kind: kind})
}

// PushHash records id (of the given kind and hash) into its hash group.
func (e *Engine) PushHash(id vfs.ID, kind Kind, hash hashutil.Hash) {
	e.hashGroups[hash] = append(e.hashGroups[hash], Contributor{ID: id, Kind: kind})
}

// SizeGroupMembers returns the current members of the size group for size,
// used by the scan phase to decide whether a newly-seen size is worth
// hashing (spec.md §4.4: "defers grouping until a second arrival").
func (e *Engine) SizeGroupMembers(size uint64) []Contributor {
	return e.sizeGroups[size]
}

// HashGroupMembers returns the current members of the hash group for hash.
func (e *Engine) HashGroupMembers(hash hashutil.Hash) []Contributor {
	return e.hashGroups[hash]
}

// ResultGroup is one rendered group of duplicate contributors, sorted per
// spec.md §4.7 step 1 ("sort contributors by (kind_order, path) where
// kind_order is directory before file").
type ResultGroup struct {
	Hash    hashutil.Hash
	Size    uint64
	Members []Contributor
}

// BuildResults produces the final list of duplicate groups: every hash
// group with 2+ contributors, contributors sorted (kind_order, path) within
// the group, groups sorted (size desc, kind_order, path) overall (spec.md
// §4.7).
func (e *Engine) BuildResults() []ResultGroup {
	var out []ResultGroup
	for hash, members := range e.hashGroups {
		if len(members) < 2 {
			continue
		}
		sorted := append([]Contributor(nil), members...)
		sort.Slice(sorted, func(i, j int) bool {
			ci, cj := sorted[i], sorted[j]
			if ci.Kind.order() != cj.Kind.order() {
				return ci.Kind.order() < cj.Kind.order()
			}
			return e.idx.Get(ci.ID).Path < e.idx.Get(cj.ID).Path
		})
		out = append(out, ResultGroup{
			Hash:    hash,
			Size:    e.sizeOf(sorted[0]),
			Members: sorted,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		oi, oj := out[i].Members[0], out[j].Members[0]
		if oi.Kind.order() != oj.Kind.order() {
			return oi.Kind.order() < oj.Kind.order()
		}
		return e.idx.Get(oi.ID).Path < e.idx.Get(oj.ID).Path
	})
	return out
}

func (e *Engine) sizeOf(c Contributor) uint64 {
	entry := e.idx.Get(c.ID)
	if c.Kind == KindDir {
		if entry.DirSize != nil {
			return *entry.DirSize
		}
		return 0
	}
	if entry.FileSize != nil {
		return *entry.FileSize
	}
	return 0
}

// ShadowRule selects how heavily shadowed groups are hidden from rendering
// (spec.md §4.7).
type ShadowRule int

const (
	ShadowShowAll             ShadowRule = 0
	ShadowHideFullyShadowed   ShadowRule = 1
	ShadowHideMembersDefault  ShadowRule = 2
	ShadowNeverShowShadowed   ShadowRule = 3
)

// Visible filters and trims a ResultGroup's members according to rule,
// reporting whether the group should be shown at all.
func Visible(idx *vfs.Index, g ResultGroup, rule ShadowRule) (ResultGroup, bool) {
	isShadowed := func(c Contributor) bool {
		e := idx.Get(c.ID)
		if c.Kind == KindDir {
			return e.DirShadowed
		}
		return e.FileShadowed
	}

	switch rule {
	case ShadowShowAll:
		return g, true
	case ShadowHideFullyShadowed:
		for _, m := range g.Members {
			if !isShadowed(m) {
				return g, true
			}
		}
		return g, false
	case ShadowNeverShowShadowed:
		var kept []Contributor
		for _, m := range g.Members {
			if !isShadowed(m) {
				kept = append(kept, m)
			}
		}
		if len(kept) < 2 {
			return g, false
		}
		g.Members = kept
		return g, true
	default: // ShadowHideMembersDefault
		var nonShadowed int
		for _, m := range g.Members {
			if !isShadowed(m) {
				nonShadowed++
			}
		}
		if nonShadowed == 0 {
			return g, false
		}
		if nonShadowed < 2 {
			// Hiding shadowed members would leave fewer than 2 entries, so
			// show the group untouched instead (spec.md §4.7 rule 2; S6).
			return g, true
		}
		var kept []Contributor
		for _, m := range g.Members {
			if !isShadowed(m) {
				kept = append(kept, m)
			}
		}
		g.Members = kept
		return g, true
	}
}
