// Package posthash implements the third pipeline phase: depth-first
// structural hashing of directories from each hashed/hash-eligible file
// upward (spec.md §4.6). A directory's hash certifies the full content of
// every descendant file, so any descendant missing a file_hash (size
// filter, read error, comodification) excludes the whole ancestor chain
// from dir-level grouping — invariant P5.
package posthash

import (
	"bytes"
	"sort"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/vfs"
)

// PostHash computes dir_hash/dir_size bottom-up from each root.
type PostHash struct {
	idx      *vfs.Index
	grp      *grouping.Engine
	counters *metrics.Counters
}

// New creates a PostHash over idx/grp.
func New(idx *vfs.Index, grp *grouping.Engine, counters *metrics.Counters) *PostHash {
	return &PostHash{idx: idx, grp: grp, counters: counters}
}

// Run hashes every directory walked this run, descending from idx's
// top-level entries.
func (p *PostHash) Run() {
	for _, root := range p.idx.Roots() {
		p.hashDir(root)
	}
}

type childHash struct {
	hash hashutil.Hash
	name string
}

// hashDir recursively hashes d's subtree, returning whether d itself ended
// up with a dir_hash (false propagates "incomplete" to the caller).
//
// The recursion here mirrors the teacher's walkDirectory fan-out in shape
// (process children first, then self) but runs single-threaded on the main
// goroutine per spec.md §5 ("Post-Hash ... run single-threaded on the main
// thread; Post-Hash is recursive").
func (p *PostHash) hashDir(id vfs.ID) bool {
	e := p.idx.Get(id)
	if e == nil {
		return false
	}
	if !e.IsDir {
		return e.IsFile && e.FileHash != nil
	}
	if !e.Valid {
		// Not walked this run (a path component above a scan root, or a
		// stale cache entry): descend to reach walked directories below
		// it, but never hash it.
		for _, child := range p.idx.Children(id) {
			if ce := p.idx.Get(child); ce != nil && ce.IsDir {
				p.hashDir(child)
			}
		}
		return false
	}

	var hashes []childHash
	var dirSize uint64
	complete := true

	for _, child := range p.idx.Children(id) {
		ce := p.idx.Get(child)
		if ce == nil || !ce.Valid {
			continue
		}
		switch {
		case ce.IsDir:
			if p.hashDir(child) {
				hashes = append(hashes, childHash{hash: *ce.DirHash, name: ce.LastPathComponent})
				if ce.DirSize != nil {
					dirSize += *ce.DirSize
				}
			} else {
				complete = false
			}
		case ce.IsFile:
			if ce.FileHash != nil {
				hashes = append(hashes, childHash{hash: *ce.FileHash, name: ce.LastPathComponent})
				if ce.FileSize != nil {
					dirSize += *ce.FileSize
				}
			} else {
				complete = false
			}
		}
	}

	if !complete {
		e.DirHash = nil
		e.DirSize = nil
		return false
	}

	sort.Slice(hashes, func(i, j int) bool {
		if c := bytes.Compare(hashes[i].hash[:], hashes[j].hash[:]); c != 0 {
			return c < 0
		}
		return hashes[i].name < hashes[j].name
	})

	h := hashutil.NewHasher()
	for _, ch := range hashes {
		_, _ = h.Write([]byte(ch.name))
		_, _ = h.Write(ch.hash[:])
	}
	digest := hashutil.Sum(h)

	e.DirHash = &digest
	e.DirSize = &dirSize
	e.Failure = hashutil.Version
	p.grp.PushSize(id, grouping.KindDir, dirSize)
	p.grp.PushHash(id, grouping.KindDir, digest)
	p.counters.DirsHashed.Add(1)

	return true
}
