package grouping

import "github.com/ivoronin/dupion/internal/vfs"

// Shadow walks every root top-down and, at the first entry that participates
// in a hash group with more than one contributor, marks FileShadowed/
// DirShadowed on every descendant of that entry and stops descending
// (spec.md §4.7). The matching entry itself stays unshadowed, so its own
// group is still shown, while the renderer never lists children of a
// whole-directory match as separate duplicates (invariant P2, shadow
// monotonicity).
func (e *Engine) Shadow() {
	for _, root := range e.idx.Roots() {
		e.shadowWalk(root)
	}
}

type shadowWork struct {
	id vfs.ID
}

// shadowWalk performs a top-down, explicit-stack traversal so shadow
// propagation never recurses (mirrors vfs.Index.ForEachDescendant's
// bounded-stack-depth discipline).
func (e *Engine) shadowWalk(root vfs.ID) {
	stack := []shadowWork{{id: root}}

	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entry := e.idx.Get(w.id)
		if e.isDuplicate(entry) {
			e.markSubtree(w.id)
			continue
		}

		for _, child := range e.idx.Children(w.id) {
			stack = append(stack, shadowWork{id: child})
		}
	}
}

// markSubtree sets FileShadowed/DirShadowed on every descendant of id (id
// itself excluded), so a whole-directory match shadows all of its children
// regardless of depth.
func (e *Engine) markSubtree(id vfs.ID) {
	e.idx.ForEachDescendant(id, false, func(cid vfs.ID) {
		entry := e.idx.Get(cid)
		entry.FileShadowed = true
		entry.DirShadowed = true
	})
}

// isDuplicate reports whether entry's file or dir hash belongs to a hash
// group with 2+ contributors.
func (e *Engine) isDuplicate(entry *vfs.Entry) bool {
	if entry.IsDir && entry.DirHash != nil && len(e.hashGroups[*entry.DirHash]) > 1 {
		return true
	}
	return entry.IsFile && entry.FileHash != nil && len(e.hashGroups[*entry.FileHash]) > 1
}
