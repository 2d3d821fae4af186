package scanphase

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/ivoronin/dupion/internal/extent"
	"github.com/ivoronin/dupion/internal/extentcache"
	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashutil"
)

// processFile performs the async batch-oriented status query, optional
// extent-map read, and index/grouping updates for one regular file
// (spec.md §4.4).
func (s *Scanner) processFile(path string) {
	var stat unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_SIZE|unix.STATX_CTIME|unix.STATX_UID, &stat); err != nil {
		s.sendError(err)
		return
	}

	size := stat.Size
	s.counters.ScannedFiles.Add(1)
	s.counters.ScannedBytes.Add(int64(size))

	if int64(size) < s.cfg.MinSize || (s.cfg.MaxSize > 0 && int64(size) > s.cfg.MaxSize) || size == 0 {
		return
	}

	var info *extent.Info
	if s.cfg.FiemapLevel >= 1 {
		if f, err := os.Open(path); err == nil {
			info, _ = extent.Read(f, maxExtents, s.cfg.FiemapLevel >= 2)
			_ = f.Close()
		}
	}

	if s.cfg.PhysOnly && (info == nil || info.FirstPhys == nil) {
		return
	}

	s.counters.MatchedFiles.Add(1)
	s.counters.MatchedBytes.Add(int64(size))

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.idx.InsertOrGet(path)
	if err != nil {
		s.sendError(err)
		return
	}

	sz := uint64(size)
	ctime := stat.Ctime.Sec
	// Validate re-uses a cache-loaded file_hash when ctime and size still
	// match what was stored (spec.md §3 Lifecycles, §4.1 "validate-by-
	// ctime+size"); otherwise it clears the stale hash so Hash recomputes it.
	fresh := s.idx.Validate(id, ctime, &sz, nil)

	e := s.idx.Get(id)
	e.IsFile = true
	e.Uid = stat.Uid
	if !fresh {
		e.FileSize = &sz
	}
	// Upgrade: a hash computed by an older algorithm version is never
	// trusted, even if ctime/size still validate (spec.md §4.2).
	if fresh && e.FileHash != nil && e.Failure < hashutil.Version {
		e.FileHash = nil
		fresh = false
	}

	if info != nil {
		e.Phys = info.FirstPhys
		n := info.NExtents
		e.NExtents = &n
	}

	s.grp.PushSize(id, grouping.KindFile, sz)

	if fresh && e.FileHash != nil {
		s.grp.PushHash(id, grouping.KindFile, *e.FileHash)
		s.counters.ShortCircuits.Add(1)
		return
	}

	if info != nil && info.FiemapHash != nil && s.fpCache != nil {
		key := extentcache.Key{Size: sz, NExtents: info.NExtents, Fiemap: *info.FiemapHash}
		if hash, ok, _ := s.fpCache.Lookup(key); ok {
			e.FileHash = &hash
			e.Failure = hashutil.Version
			s.grp.PushHash(id, grouping.KindFile, hash)
			s.counters.ShortCircuits.Add(1)
		}
	}
}

// maxExtents is the per-run raw-extent-count threshold above which
// extent.Read reports ErrExtentLimitExceeded (spec.md §4.3).
const maxExtents = 8192
