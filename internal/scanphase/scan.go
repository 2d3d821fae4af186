// Package scanphase implements the first pipeline phase: a concurrent
// fan-out directory walker that records size/ctime/uid/physical-offset
// metadata for every regular file under the configured roots, pushes each
// file into its size group, and short-circuits the content hash when an
// earlier file's extent fingerprint already matches (spec.md §4.4).
//
// The walker's concurrency model — one goroutine per directory, a
// semaphore bounding concurrent directory reads, a single collector
// draining a buffered result channel — is carried over from the teacher's
// internal/scanner.Scanner; what changed is the destination (a shared
// vfs.Index + grouping.Engine behind a mutex, instead of a flat result
// slice) and the per-file work (statx + fiemap instead of os.Lstat).
package scanphase

import (
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ivoronin/dupion/internal/concurrency"
	"github.com/ivoronin/dupion/internal/extent"
	"github.com/ivoronin/dupion/internal/extentcache"
	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/vfs"
)

// Config carries the CLI-surfaced options that shape a scan.
type Config struct {
	Roots        []string
	MinSize      int64
	MaxSize      int64
	MaxOpenFiles int // 0 = derive from rlimit
	FiemapLevel  int // 0 disables extent reading; >=1 reads; >=2 enables fingerprint short-circuit
	PhysOnly     bool
	ShowProgress bool
}

// Scanner walks Config.Roots into idx, recording size groups into grp and
// consulting/populating fpCache for the extent-fingerprint short-circuit.
// Scanner is single-use: construct with New, call Run once.
type Scanner struct {
	cfg      Config
	idx      *vfs.Index
	grp      *grouping.Engine
	fpCache  *extentcache.Cache
	counters *metrics.Counters
	errCh    chan error

	mu        sync.Mutex // guards idx and grp, the single-writer state for this phase
	walkerSem concurrency.Semaphore
	walkerWg  sync.WaitGroup
	bar       *metrics.Bar
}

// New creates a Scanner.
func New(cfg Config, idx *vfs.Index, grp *grouping.Engine, fpCache *extentcache.Cache, counters *metrics.Counters, errCh chan error) *Scanner {
	return &Scanner{cfg: cfg, idx: idx, grp: grp, fpCache: fpCache, counters: counters, errCh: errCh}
}

// Run walks every root and returns once the whole tree has been observed.
func (s *Scanner) Run() {
	s.walkerSem = concurrency.NewSemaphore(openFileBudget(s.cfg.MaxOpenFiles))
	s.bar = metrics.NewBar(s.cfg.ShowProgress, -1)
	s.bar.Describe(s.counters.ScanView())

	for _, root := range s.cfg.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			s.sendError(err)
			continue
		}
		s.walkDirectory(abs)
	}

	s.walkerWg.Wait()
	s.bar.Finish(s.counters.ScanView())
}

// openFileBudget implements spec.md §4.4's clamp(soft_rlimit-16-walker_reserve, 4, 64).
func openFileBudget(configured int) int {
	if configured > 0 {
		return configured
	}
	const walkerReserve = 16
	var rlim unix.Rlimit
	soft := int64(256)
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		soft = int64(rlim.Cur)
	}
	budget := soft - 16 - walkerReserve
	switch {
	case budget < 4:
		return 4
	case budget > 64:
		return 64
	default:
		return int(budget)
	}
}

func (s *Scanner) walkDirectory(dir string) {
	s.walkerWg.Add(1)
	go func() {
		defer s.walkerWg.Done()

		s.walkerSem.Acquire()
		entries, subdirs, err := listDirectory(dir)
		s.walkerSem.Release()
		if err != nil {
			s.sendError(err)
			return
		}

		s.markDirValid(dir)

		for _, path := range entries {
			s.processFile(path)
		}
		s.bar.Describe(s.counters.ScanView())

		for _, sub := range subdirs {
			s.walkDirectory(sub)
		}
	}()
}

// markDirValid records dir itself in the index as a re-observed directory,
// so PostHash's "only recurse into valid children" check (spec.md §4.6)
// includes every directory this run actually walked, not just the leaf
// files inside it. Every intermediate path component up to dir is created
// as a side effect of InsertOrGet but, since those components may not
// themselves have been walked yet (e.g. a root with no files directly in
// it), only dir's own entry is marked valid here; each subdirectory is
// marked when walkDirectory visits it. Path components above a scan root
// are never marked; PostHash descends through them without hashing them.
func (s *Scanner) markDirValid(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.idx.InsertOrGet(dir)
	if err != nil {
		s.sendError(err)
		return
	}
	e := s.idx.Get(id)
	e.IsDir = true
	e.Valid = true
}

// listDirectory reads one directory's regular-file and subdirectory
// entries, following no symlinks (spec.md §4.4: "following no symlinks,
// ignoring non-regular files").
func listDirectory(dirPath string) (files []string, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		batch, err := dir.ReadDir(batchSize)
		if len(batch) == 0 {
			if err != nil && err.Error() != "EOF" {
				return files, subdirs, err
			}
			break
		}
		for _, entry := range batch {
			full := filepath.Join(dirPath, entry.Name())
			switch {
			case entry.IsDir():
				subdirs = append(subdirs, full)
			case entry.Type().IsRegular():
				files = append(files, full)
			}
		}
	}
	return files, subdirs, nil
}

func (s *Scanner) sendError(err error) {
	if s.errCh != nil {
		s.errCh <- err
	}
}
