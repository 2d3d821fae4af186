// Package pipeline wires the VFS index, extent/fingerprint caches, and the
// four core phases (Scan, Hash, PostHash, Group/Shadow) plus the optional
// terminal Dedup phase into the single run described in spec.md §2: "roots
// → Scan → (size groups) → Hash → (hash groups, file) → PostHash → (hash
// groups, dir) → Group/Shadow → [optional] Dedup."
package pipeline

import (
	"fmt"
	"os"
	"sort"

	"github.com/ivoronin/dupion/internal/archivereader"
	"github.com/ivoronin/dupion/internal/concurrency"
	"github.com/ivoronin/dupion/internal/dedupbatch"
	"github.com/ivoronin/dupion/internal/extentcache"
	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/hashpipe"
	"github.com/ivoronin/dupion/internal/metrics"
	"github.com/ivoronin/dupion/internal/posthash"
	"github.com/ivoronin/dupion/internal/scanphase"
	"github.com/ivoronin/dupion/internal/vfs"
	"github.com/ivoronin/dupion/internal/vfscache"
)

// Config captures every CLI-surfaced option that affects the core pipeline
// (spec.md §6).
type Config struct {
	Roots []string

	NoScan bool

	NoCache   bool
	CachePath string

	MinSize, MaxSize int64

	PrefetchBudgetMiB int64
	DedupBudgetMiB    int64
	// ArchiveCacheMiB sizes the allocation budget handed to an external
	// archivereader.Reader (spec.md §1, §5): this core only consumes the
	// interface, so the budget is constructed here and exposed on Result
	// for an embedding caller that supplies a concrete Reader to honor.
	ArchiveCacheMiB int64
	// ReadBufferMiB sizes the big-file read chunk (spec.md §4.5); 0 = 8 MiB.
	ReadBufferMiB int64
	MaxOpenFiles  int

	FiemapLevel int
	PhysOnly    bool

	DedupBackend    string // "" disables dedup; "btrfs" enables it
	DedupSimulate   bool
	AggressiveDedup bool

	ShadowRule grouping.ShadowRule

	BenchPass1 bool

	ShowProgress bool
}

// Result is everything a renderer needs after a run completes.
type Result struct {
	Index   *vfs.Index
	Grp     *grouping.Engine
	Groups  []grouping.ResultGroup
	Metrics *metrics.Counters

	// ArchiveBudget bounds in-flight archive-decode allocation for a
	// caller-supplied archivereader.Reader (spec.md §5); sized from
	// Config.ArchiveCacheMiB. This core never allocates against it itself.
	ArchiveBudget *archivereader.Budget
}

// Run executes the full pipeline per cfg.
func Run(cfg Config) (*Result, error) {
	errCh := make(chan error, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for err := range errCh {
			fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
		}
	}()
	defer func() {
		close(errCh)
		<-done
	}()

	idx := vfs.NewIndex()
	counters := metrics.NewCounters()

	cachePath := cfg.CachePath
	if cfg.NoCache {
		cachePath = ""
	}
	if cachePath != "" {
		if err := vfscache.Load(cachePath, idx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cache load failed, starting cold: %v\n", err)
		}
	}

	fpCachePath := ""
	if cachePath != "" {
		fpCachePath = cachePath + ".extents"
	}
	fpCache, err := extentcache.Open(fpCachePath)
	if err != nil {
		return nil, fmt.Errorf("open extent cache: %w", err)
	}
	defer fpCache.Close()

	grp := grouping.NewEngine(idx)

	lower := cfg.PrefetchBudgetMiB * (1 << 20) / 2
	upper := cfg.PrefetchBudgetMiB * (1 << 20)
	if upper <= 0 {
		upper = 512 << 20
	}
	if lower <= 0 {
		lower = 64 << 20
	}
	budget := concurrency.NewMemBudget(lower, upper)

	archiveCacheBytes := cfg.ArchiveCacheMiB * (1 << 20)
	if archiveCacheBytes <= 0 {
		archiveCacheBytes = 128 << 20
	}
	archiveBudget := archivereader.NewBudget(archiveCacheBytes)

	if !cfg.NoScan {
		scanCfg := scanphase.Config{
			Roots:        cfg.Roots,
			MinSize:      cfg.MinSize,
			MaxSize:      cfg.MaxSize,
			MaxOpenFiles: cfg.MaxOpenFiles,
			FiemapLevel:  cfg.FiemapLevel,
			PhysOnly:     cfg.PhysOnly,
			ShowProgress: cfg.ShowProgress,
		}
		scanphase.New(scanCfg, idx, grp, fpCache, counters, errCh).Run()

		if cachePath != "" {
			_ = vfscache.Save(cachePath, idx)
		}

		if cfg.BenchPass1 {
			return &Result{Index: idx, Grp: grp, Metrics: counters, ArchiveBudget: archiveBudget}, nil
		}

		candidates := collectHashCandidates(idx, grp)
		hashCfg := hashpipe.Config{
			MaxOpen:      scanCfg.MaxOpenFiles,
			BigChunkSize: cfg.ReadBufferMiB * (1 << 20),
			FiemapLevel:  cfg.FiemapLevel,
			ShowProgress: cfg.ShowProgress,
		}
		hashpipe.New(hashCfg, idx, grp, fpCache, budget, counters, errCh).Run(candidates)

		if cachePath != "" {
			_ = vfscache.Save(cachePath, idx)
		}
	}

	posthash.New(idx, grp, counters).Run()
	grp.Shadow()

	if cachePath != "" {
		_ = vfscache.Save(cachePath, idx)
	}

	groups := grp.BuildResults()
	counters.GroupsFound.Add(int64(len(groups)))

	result := &Result{Index: idx, Grp: grp, Groups: groups, Metrics: counters, ArchiveBudget: archiveBudget}

	if cfg.DedupBackend != "" {
		runDedup(cfg, idx, grp, groups, counters, errCh)
	}

	return result, nil
}

// collectHashCandidates returns every file id that shares its size with at
// least one other contributor and still lacks a content hash (spec.md
// §4.5 "Inputs"), sorted by first physical extent offset so Hash reads the
// files in disk order (spec.md §4.4 "Order"); Scan itself walks directories
// in ReadDir order. Candidates with no known offset sort last.
func collectHashCandidates(idx *vfs.Index, grp *grouping.Engine) []vfs.ID {
	seen := make(map[vfs.ID]bool)
	var out []vfs.ID
	for id := vfs.RootID + 1; int(id) < idx.Len(); id++ {
		e := idx.Get(id)
		if e == nil || !e.IsFile || !e.Valid || e.FileHash != nil || e.FileSize == nil {
			continue
		}
		if len(grp.SizeGroupMembers(*e.FileSize)) < 2 {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}

	phys := func(id vfs.ID) uint64 {
		if p := idx.Get(id).Phys; p != nil {
			return *p
		}
		return ^uint64(0)
	}
	sort.Slice(out, func(i, j int) bool { return phys(out[i]) < phys(out[j]) })

	return out
}

func runDedup(cfg Config, idx *vfs.Index, grp *grouping.Engine, groups []grouping.ResultGroup, counters *metrics.Counters, errCh chan error) {
	dedupUpper := cfg.DedupBudgetMiB * (1 << 20)
	if dedupUpper <= 0 {
		dedupUpper = 256 << 20
	}
	dedupLower := dedupUpper / 2
	if dedupLower <= 0 {
		dedupLower = 64 << 20
	}
	// cache_max refreshes from the system-memory oracle before each batch
	// (spec.md §4.8, §5), the same half-of-free-RAM budget hashpipe uses.
	dedupBudget := concurrency.NewMemBudget(dedupLower, dedupUpper)

	plans := dedupbatch.Plan(idx, grp, groups, cfg.AggressiveDedup)
	batches := dedupbatch.Batch(plans, dedupBudget.Get, 4096)

	submitter := dedupbatch.New(dedupbatch.Config{Simulate: cfg.DedupSimulate}, idx, counters, errCh)
	for _, batch := range batches {
		submitter.SubmitBatch(batch)
	}
}
