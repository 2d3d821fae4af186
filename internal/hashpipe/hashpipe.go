// Package hashpipe implements the hash phase: a readahead-scheduled content
// hashing loop over the candidates Scan produced, driven within a dynamic
// memory budget (spec.md §4.5).
//
// The teacher's scanner fans a directory tree out across goroutines bounded
// by a semaphore; hashpipe reuses that same "semaphore-bounded fan-out,
// single collector" shape, but fans out over a batch of *files* instead of
// *directories*, and pairs each file's read with its hash update on a
// worker instead of just forwarding a *FileInfo down a channel.
package hashpipe

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ivoronin/dupion/internal/concurrency"
	"github.com/ivoronin/dupion/internal/extent"
	"github.com/ivoronin/dupion/internal/extentcache"
	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/vfs"
)

// Config carries the resource caps that shape batch planning.
type Config struct {
	MaxOpen      int
	MaxBigBatch  int // default 4, hard cap on concurrent big-file reads
	BigChunkSize int64 // read chunk size for big files, spec.md §4.5 "min(8 MiB, big_file_threshold)"; 0 = 8 MiB
	FiemapLevel  int
	ShowProgress bool
}

// HashPipe hashes every still-uncached candidate and records the result
// into idx/grp, consulting fpCache for the fingerprint short-circuit.
type HashPipe struct {
	cfg      Config
	idx      *vfs.Index
	grp      *grouping.Engine
	fpCache  *extentcache.Cache
	budget   *concurrency.MemBudget
	counters *metrics.Counters
	errCh    chan error

	mu  sync.Mutex // guards idx/grp, same single-writer discipline as scanphase
	bar *metrics.Bar
}

// New creates a HashPipe.
func New(cfg Config, idx *vfs.Index, grp *grouping.Engine, fpCache *extentcache.Cache, budget *concurrency.MemBudget, counters *metrics.Counters, errCh chan error) *HashPipe {
	return &HashPipe{cfg: cfg, idx: idx, grp: grp, fpCache: fpCache, budget: budget, counters: counters, errCh: errCh}
}

// bigFileThreshold implements spec.md §4.5's "small file" boundary:
// max(8 MiB, (max_open/4 - 1 MiB) clipped to configured_upper/2).
func bigFileThreshold(maxOpen int, upper int64) int64 {
	const mib = 1 << 20
	candidate := int64(maxOpen)/4 - mib
	ceiling := upper / 2
	if candidate > ceiling {
		candidate = ceiling
	}
	if candidate < 8*mib {
		return 8 * mib
	}
	return candidate
}

// Run hashes every candidate id still lacking a content hash.
func (hp *HashPipe) Run(candidates []vfs.ID) {
	hp.bar = metrics.NewBar(hp.cfg.ShowProgress, int64(len(candidates)))
	hp.bar.Describe(hp.counters.HashView())

	threshold := bigFileThreshold(hp.cfg.MaxOpen, hp.budget.Get())

	var prebatch, bigbatch []vfs.ID
	var smallReserved int64
	cacheBudget := hp.budget.Get()

	flush := func() {
		if len(prebatch) > 0 {
			hp.runSmallBatch(prebatch)
			prebatch = nil
			smallReserved = 0
		}
		if len(bigbatch) > 0 {
			hp.runBigBatch(bigbatch, threshold)
			bigbatch = nil
		}
	}

	maxOpen := hp.cfg.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 64
	}

	for _, id := range candidates {
		e := hp.idx.Get(id)
		if e == nil || e.FileSize == nil {
			continue
		}
		size := int64(*e.FileSize)

		if size >= threshold {
			bigbatch = append(bigbatch, id)
			if len(bigbatch) >= maxBigBatchOr(hp.cfg.MaxBigBatch) {
				hp.runBigBatch(bigbatch, threshold)
				bigbatch = nil
			}
			continue
		}

		reservation := size + 4096 + 16384
		if (smallReserved+reservation > cacheBudget || len(prebatch) >= maxOpen) && len(prebatch) > 0 {
			hp.runSmallBatch(prebatch)
			prebatch = nil
			smallReserved = 0
			cacheBudget = hp.budget.Get()
		}
		prebatch = append(prebatch, id)
		smallReserved += reservation
	}
	flush()

	hp.bar.Finish(hp.counters.HashView())
}

// bigChunkSize returns the configured big-file read chunk size, defaulting
// to 8 MiB per spec.md §4.5 ("big files are read in chunks of min(8 MiB,
// big_file_threshold)").
func (hp *HashPipe) bigChunkSize() int {
	if hp.cfg.BigChunkSize > 0 {
		return int(hp.cfg.BigChunkSize)
	}
	return 8 << 20
}

func maxBigBatchOr(configured int) int {
	if configured > 0 {
		return configured
	}
	return 4
}

// runSmallBatch opens every candidate concurrently, re-verifies metadata,
// reads the whole file (plus an overread margin) in one shot, and hashes
// it — spec.md §4.5 steps 2-4.
func (hp *HashPipe) runSmallBatch(ids []vfs.ID) {
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id vfs.ID) {
			defer wg.Done()
			hp.hashOne(id, true)
		}(id)
	}
	wg.Wait()
	hp.bar.Describe(hp.counters.HashView())
}

// runBigBatch hashes each big file, bounded to at most MaxBigBatch
// concurrent reads (spec.md §4.5 step 5).
func (hp *HashPipe) runBigBatch(ids []vfs.ID, chunkCeiling int64) {
	sem := concurrency.NewSemaphore(maxBigBatchOr(hp.cfg.MaxBigBatch))
	var wg sync.WaitGroup
	for _, id := range ids {
		sem.Acquire()
		wg.Add(1)
		go func(id vfs.ID) {
			defer wg.Done()
			defer sem.Release()
			hp.hashOne(id, false)
		}(id)
	}
	wg.Wait()
	hp.bar.Describe(hp.counters.HashView())
}

// hashOne opens, re-verifies, and hashes a single candidate, overlapping
// each chunk's read with the previous chunk's hash update via a buffered
// channel (the "zip-style join" the design notes call for in place of an
// io_uring event loop).
func (hp *HashPipe) hashOne(id vfs.ID, small bool) {
	hp.mu.Lock()
	e := hp.idx.Get(id)
	if e == nil || e.FileSize == nil || e.FileHash != nil {
		hp.mu.Unlock()
		return
	}
	path := e.Path
	wantSize := *e.FileSize
	wantCtime := e.Ctime
	hp.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		hp.counters.ReadErrors.Add(1)
		hp.sendError(err)
		return
	}
	defer f.Close()

	var stat unix.Statx_t
	if err := unix.Statx(int(f.Fd()), "", unix.AT_EMPTY_PATH, unix.STATX_SIZE|unix.STATX_CTIME, &stat); err == nil {
		if stat.Size != wantSize || (wantCtime != nil && stat.Ctime.Sec != *wantCtime) {
			hp.counters.Comodified.Add(1)
			return
		}
	}

	_ = extent.AdviseSequential(f.Fd(), 0, int64(wantSize))

	var fiemapInfo *extent.Info
	if hp.cfg.FiemapLevel >= 1 {
		fiemapInfo, _ = extent.Read(f, 1<<20, hp.cfg.FiemapLevel >= 2)
		if fiemapInfo != nil && fiemapInfo.FiemapHash != nil && hp.fpCache != nil {
			key := extentcache.Key{Size: wantSize, NExtents: fiemapInfo.NExtents, Fiemap: *fiemapInfo.FiemapHash}
			if hash, ok, _ := hp.fpCache.Lookup(key); ok {
				hp.recordHash(id, hash)
				hp.counters.ShortCircuits.Add(1)
				return
			}
		}
	}

	h := hashutil.NewHasher()
	read, err := pipelineRead(f, h, wantSize, small, hp.bigChunkSize())
	if err != nil {
		hp.counters.ReadErrors.Add(1)
		hp.sendError(err)
		return
	}
	if read != wantSize {
		hp.counters.Comodified.Add(1)
		return
	}

	hash := hashutil.Sum(h)
	hp.recordHash(id, hash)

	if fiemapInfo != nil && fiemapInfo.FiemapHash != nil && hp.fpCache != nil && hp.cfg.FiemapLevel >= 2 {
		key := extentcache.Key{Size: wantSize, NExtents: fiemapInfo.NExtents, Fiemap: *fiemapInfo.FiemapHash}
		_ = hp.fpCache.Store(key, hash)
	}

	hp.counters.HashedFiles.Add(1)
	hp.counters.HashedBytes.Add(int64(wantSize))
}

type chunk struct {
	buf []byte
	err error
}

// pipelineRead reads f in chunks — the whole file plus a 4096-byte
// overread for small files (spec.md §4.5: "the extra bytes detect
// comodification"), or bigChunk-sized reads for big files — handing each
// chunk to the hasher as soon as it arrives. The reader goroutine stays
// one chunk ahead of the hash update, which is the Go-channel equivalent
// of the design notes' "zip-style join" between an I/O task and a CPU
// task. Returns the total number of bytes actually read (including any
// small-file overread), so the caller can detect comodification — growth
// within the overread window still shows up as read != size — while only
// the first size bytes are ever fed to h.
func pipelineRead(f *os.File, h hash.Hash, size uint64, small bool, bigChunk int) (uint64, error) {
	readTarget := int64(size)
	chunkSize := bigChunk
	if small {
		readTarget = int64(size) + 4096
		chunkSize = int(readTarget)
	}

	ch := make(chan chunk, 2)
	go func() {
		defer close(ch)
		remaining := readTarget
		for remaining > 0 {
			n := chunkSize
			if int64(n) > remaining {
				n = int(remaining)
			}
			buf := make([]byte, n)
			got, err := io.ReadFull(f, buf)
			if got > 0 {
				ch <- chunk{buf: buf[:got]}
			}
			remaining -= int64(got)
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					ch <- chunk{err: err}
				}
				return
			}
		}
	}()

	var total, hashed uint64
	for c := range ch {
		if c.err != nil {
			return total, c.err
		}
		total += uint64(len(c.buf))
		if hashed >= size {
			continue // overread bytes are consumed only to detect comodification
		}
		take := uint64(len(c.buf))
		if hashed+take > size {
			take = size - hashed
		}
		_, _ = h.Write(c.buf[:take])
		hashed += take
	}
	return total, nil
}

func (hp *HashPipe) recordHash(id vfs.ID, hash hashutil.Hash) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	e := hp.idx.Get(id)
	if e == nil {
		return
	}
	e.FileHash = &hash
	e.Failure = hashutil.Version
	hp.grp.PushHash(id, grouping.KindFile, hash)
}

func (hp *HashPipe) sendError(err error) {
	if hp.errCh != nil {
		hp.errCh <- fmt.Errorf("hash: %w", err)
	}
}
