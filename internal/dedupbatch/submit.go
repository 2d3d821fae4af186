package dedupbatch

import (
	"fmt"
	"os"
	"sort"

	"github.com/ivoronin/dupion/internal/extent"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/vfs"
)

// Config carries the dedup-phase CLI options. Aggressive mode itself is
// decided earlier, in Plan — by the time a Group reaches a Submitter every
// contributor it names is already meant to be deduped, so Submitter only
// needs to know whether this is a dry run.
type Config struct {
	Simulate bool
}

// Submitter submits planned batches against the kernel same-extent dedup
// ioctl: it opens files, re-verifies comodification, primes readahead, and
// falls back to per-destination calls on a batch-wide ioctl error (spec.md
// §4.8 "Submission of a batch").
type Submitter struct {
	cfg      Config
	idx      *vfs.Index
	counters *metrics.Counters
	errCh    chan error
}

// New creates a Submitter.
func New(cfg Config, idx *vfs.Index, counters *metrics.Counters, errCh chan error) *Submitter {
	return &Submitter{cfg: cfg, idx: idx, counters: counters, errCh: errCh}
}

// openHandle is one opened, comodification-checked contributor in a batch.
type openHandle struct {
	id   vfs.ID
	f    *os.File
	phys uint64
}

// SubmitBatch runs one batch (a set of Groups sharing a budget window)
// through the full submission sequence.
func (s *Submitter) SubmitBatch(batch []Group) {
	if s.cfg.Simulate {
		s.recordMetricsOnly(batch)
		return
	}

	type planned struct {
		group   Group
		senpai  *openHandle
		dups    []openHandle
	}

	var plans []planned

	for _, g := range batch {
		senpaiFile, ok := s.openAndVerify(g.Senpai, g.ActualFileSize)
		if !ok {
			continue
		}

		var dups []openHandle
		for _, dupID := range g.Dups {
			if h, ok := s.openAndVerify(dupID, g.ActualFileSize); ok {
				dups = append(dups, h)
			}
		}
		if len(dups) == 0 {
			senpaiFile.f.Close()
			continue
		}
		handle := senpaiFile
		plans = append(plans, planned{group: g, senpai: &handle, dups: dups})
	}

	// Collect every (phys, fd, range) triple across the whole batch, sort by
	// phys, and prime sequential + willneed readahead (spec.md §4.8 step 2).
	type primeEntry struct {
		phys   uint64
		handle *openHandle
		group  Group
	}
	var primes []primeEntry
	for _, p := range plans {
		primes = append(primes, primeEntry{phys: p.senpai.phys, handle: p.senpai, group: p.group})
		for i := range p.dups {
			primes = append(primes, primeEntry{phys: p.dups[i].phys, handle: &p.dups[i], group: p.group})
		}
	}
	sort.Slice(primes, func(i, j int) bool { return primes[i].phys < primes[j].phys })
	for _, pe := range primes {
		_ = extent.AdviseSequential(pe.handle.f.Fd(), int64(pe.group.RangeStart), int64(pe.group.RangeLen))
		_ = extent.AdviseWillNeed(pe.handle.f.Fd(), int64(pe.group.RangeStart), int64(pe.group.RangeLen))
	}

	for _, p := range plans {
		s.submitGroup(p.group, p.senpai, p.dups)
	}

	for _, p := range plans {
		_ = p.senpai.f.Close()
		for _, d := range p.dups {
			_ = d.f.Close()
		}
	}
}

// openAndVerify opens id's file read-only and re-verifies its size against
// actualFileSize, dropping the handle (and the contributor) on mismatch
// (spec.md §4.8 step 1).
func (s *Submitter) openAndVerify(id vfs.ID, actualFileSize uint64) (openHandle, bool) {
	e := s.idx.Get(id)
	if e == nil || e.Path == "" {
		return openHandle{}, false
	}
	f, err := os.Open(e.Path)
	if err != nil {
		s.sendError(fmt.Errorf("dedup open %s: %w", e.Path, err))
		return openHandle{}, false
	}
	st, err := f.Stat()
	if err != nil || uint64(st.Size()) != actualFileSize {
		_ = f.Close()
		s.counters.Comodified.Add(1)
		return openHandle{}, false
	}
	var phys uint64
	if e.Phys != nil {
		phys = *e.Phys
	}
	return openHandle{id: id, f: f, phys: phys}, true
}

// submitGroup invokes the same-extent dedup ioctl for one group, falling
// back to per-destination single-pair calls if the batched call fails
// (spec.md §4.8 steps 3-6).
func (s *Submitter) submitGroup(g Group, senpai *openHandle, dups []openHandle) {
	dests := make([]extent.Dest, len(dups))
	for i, d := range dups {
		dests[i] = extent.Dest{File: d.f, Offset: g.RangeStart}
	}

	err := extent.DedupeRange(senpai.f, g.RangeStart, g.RangeLen, dests)
	if err != nil {
		s.counters.DedupErrors.Add(1)
		for _, d := range dups {
			single := []extent.Dest{{File: d.f, Offset: g.RangeStart}}
			if ferr := extent.DedupeRange(senpai.f, g.RangeStart, g.RangeLen, single); ferr != nil {
				s.sendError(fmt.Errorf("dedup %s: %w", s.idx.Get(d.id).Path, ferr))
				continue
			}
			s.recordResult(d.id, single[0])
		}
	} else {
		for i, d := range dups {
			s.recordResult(d.id, dests[i])
		}
	}

	s.counters.ProcessedBytes.Add(int64(uint64(len(dups)) * g.RangeLen))
	if g.IsLastPart {
		s.counters.ProcessedFiles.Add(int64(len(dups)))
	}
}

func (s *Submitter) recordResult(id vfs.ID, dest extent.Dest) {
	if dest.Status == extent.StatusDiffers || dest.BytesDeduped == 0 {
		s.sendError(fmt.Errorf("dedup: %s reported differs", s.idx.Get(id).Path))
		return
	}
	e := s.idx.Get(id)
	e.DedupState = vfs.DedupDone
	s.counters.DedupedBytes.Add(int64(dest.BytesDeduped))
}

// recordMetricsOnly implements dry-run mode: skip every I/O step and only
// update metrics/logs (spec.md §4.8 "Dry-run mode").
func (s *Submitter) recordMetricsOnly(batch []Group) {
	for _, g := range batch {
		s.counters.ProcessedBytes.Add(int64(uint64(len(g.Dups)) * g.RangeLen))
		if g.IsLastPart {
			s.counters.ProcessedFiles.Add(int64(len(g.Dups)))
		}
	}
}

func (s *Submitter) sendError(err error) {
	if s.errCh != nil {
		s.errCh <- err
	}
}
