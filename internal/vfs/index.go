package vfs

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Index is the arena of Entry values addressed by stable numeric IDs.
// Id 0 is the sentinel root-of-roots (spec.md §3).
type Index struct {
	entries []*Entry
}

// NewIndex creates an empty Index, pre-populated with the sentinel root.
func NewIndex() *Index {
	idx := &Index{}
	idx.entries = append(idx.entries, &Entry{
		Path:   "",
		IsDir:  true,
		byName: make(map[string]ID),
	})
	return idx
}

// Get returns the Entry for id. It panics on an out-of-range id, which
// would be an internal invariant violation (spec.md §7: "internal invariant
// violation (bug)" is fatal).
func (idx *Index) Get(id ID) *Entry {
	return idx.entries[id]
}

// Len returns the number of entries, including the sentinel root.
func (idx *Index) Len() int { return len(idx.entries) }

// Roots returns the IDs of the sentinel's children: the first component of
// every inserted path ("/a" for "/a/b"), not the scan roots themselves.
func (idx *Index) Roots() []ID {
	return append([]ID(nil), idx.entries[RootID].Children...)
}

func (idx *Index) newEntry(parent ID, name string) ID {
	id := ID(len(idx.entries))
	idx.entries = append(idx.entries, &Entry{
		LastPathComponent: name,
		Parent:            parent,
		byName:            make(map[string]ID),
	})
	p := idx.entries[parent]
	p.Children = append(p.Children, id)
	p.byName[name] = id
	return id
}

// splitPath breaks an absolute path into its ordered components.
func splitPath(path string) []string {
	path = filepath.Clean(path)
	if path == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	return parts
}

// InsertOrGet walks path's components from the sentinel root, creating a
// chain of is_dir=true parents as needed, and inserts a leaf entry if the
// last component is new. It fails only if path is not absolute (spec.md
// §4.1, I1).
func (idx *Index) InsertOrGet(path string) (ID, error) {
	if !isAbs(path) {
		return 0, fmt.Errorf("vfs: path %q is not absolute", path)
	}

	parts := splitPath(path)
	cur := RootID
	built := ""
	for _, part := range parts {
		built += "/" + part
		entry := idx.entries[cur]
		child, ok := entry.byName[part]
		if !ok {
			child = idx.newEntry(cur, part)
			idx.entries[child].Path = built
			// Intermediate components are directories until proven
			// otherwise; the final component's actual kind is set by
			// the caller (Scan) once it knows.
			if built != path {
				idx.entries[child].IsDir = true
			}
		}
		cur = child
		built = idx.entries[cur].Path
	}
	return cur, nil
}

// Lookup walks path's components without inserting. It returns false if any
// component is missing.
func (idx *Index) Lookup(path string) (ID, bool) {
	if !isAbs(path) {
		return 0, false
	}
	parts := splitPath(path)
	cur := RootID
	for _, part := range parts {
		child, ok := idx.entries[cur].byName[part]
		if !ok {
			return 0, false
		}
		cur = child
	}
	return cur, true
}

// Children returns id's child IDs in insertion-stable order.
func (idx *Index) Children(id ID) []ID {
	return idx.entries[id].Children
}

// ForEachDescendant visits id (if includeSelf) and every descendant exactly
// once, using an iterative work-list rather than native recursion so that
// pathologically deep trees cannot overflow the call stack (spec.md §9:
// "Shadow propagation uses an explicit work list to bound stack depth" — the
// same technique generalizes to every descendant walk in this package).
func (idx *Index) ForEachDescendant(id ID, includeSelf bool, f func(ID)) {
	stack := make([]ID, 0, 16)
	if includeSelf {
		stack = append(stack, id)
	} else {
		stack = append(stack, idx.entries[id].Children...)
	}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		f(cur)
		stack = append(stack, idx.entries[cur].Children...)
	}
}

// Validate re-observes an entry at the given ctime and (optionally) sizes.
// If ctime and any provided size match the stored values, the entry and all
// descendants are re-marked valid and their is_file/is_dir flags are carried
// over from the cached was_file/was_dir flags; existing size/hash groups
// are considered still current. Otherwise size/hash/ctime/dedup_state are
// cleared and the entry is marked valid with the new ctime. Returns whether
// cached content was kept (spec.md §4.1).
func (idx *Index) Validate(id ID, ctime int64, fileSize, dirSize *uint64) bool {
	e := idx.entries[id]

	fresh := e.Ctime != nil && *e.Ctime == ctime
	if fileSize != nil {
		fresh = fresh && e.FileSize != nil && *e.FileSize == *fileSize
	}
	if dirSize != nil {
		fresh = fresh && e.DirSize != nil && *e.DirSize == *dirSize
	}

	if fresh {
		idx.ForEachDescendant(id, true, func(cid ID) {
			c := idx.entries[cid]
			c.Valid = true
			c.IsFile = c.IsFile || c.WasFile
			c.IsDir = c.IsDir || c.WasDir
		})
		return true
	}

	e.FileSize = nil
	e.DirSize = nil
	e.FileHash = nil
	e.DirHash = nil
	e.Ctime = &ctime
	e.DedupState = DedupUnknown
	e.Valid = true
	return false
}
