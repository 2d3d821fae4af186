package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/pipeline"
	"github.com/ivoronin/dupion/internal/render"
)

// scanOptions holds the CLI flags that shape a pipeline run (spec.md §6).
type scanOptions struct {
	noScan    bool
	noCache   bool
	cachePath string

	minSizeStr string
	maxSizeStr string

	prefetchBudgetMiB int64
	dedupBudgetMiB    int64
	archiveCacheMemMB int64
	readBufferMiB     int64
	maxOpenFiles      int

	fiemap   int
	physOnly bool

	dedupBackend    string
	dedupSimulate   bool
	aggressiveDedup bool

	output     string
	shadowRule int

	benchPass1 bool
	noProgress bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{
		cachePath:  defaultCachePath(),
		minSizeStr: "1",
		output:     "groups",
		shadowRule: 2,
	}

	cmd := &cobra.Command{
		Use:   "scan [roots...]",
		Short: "Scan one or more trees for duplicate files and directories",
		Long: `Walks the given roots (default: current directory), hashes candidate files
and directories, groups exact duplicates, and optionally reclaims space by
asking the kernel to share identical byte ranges on copy-on-write
filesystems (via --dedup btrfs).`,
		RunE: func(_ *cobra.Command, args []string) error {
			return runScan(args, opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.noScan, "no-scan", false, "Skip Scan/Hash; reuse the cache as-is")
	f.BoolVar(&opts.noCache, "no-cache", false, "Disable the on-disk cache entirely")
	f.StringVar(&opts.cachePath, "cache-path", opts.cachePath, "Cache file path")
	f.StringVar(&opts.minSizeStr, "min-size", opts.minSizeStr, "Minimum file size (e.g. 100, 1K, 10M, 1G)")
	f.StringVar(&opts.maxSizeStr, "max-size", "", "Maximum file size (e.g. 100, 1K, 10M, 1G)")
	f.Int64Var(&opts.prefetchBudgetMiB, "prefetch-budget", 512, "Hash-phase readahead budget, MiB")
	f.Int64Var(&opts.dedupBudgetMiB, "dedup-budget", 256, "Dedup-phase readahead budget, MiB")
	f.Int64Var(&opts.archiveCacheMemMB, "archive-cache-mem", 128, "Archive decode buffer cap, MiB")
	f.Int64Var(&opts.readBufferMiB, "read-buffer", 8, "Big-file read chunk size, MiB")
	f.IntVar(&opts.maxOpenFiles, "max-open-files", 0, "Concurrent open file cap (0 = derive from rlimit)")
	f.IntVar(&opts.fiemap, "fiemap", 2, "0 disables extent reading, 1 enables it, 2 enables the fingerprint short-circuit")
	f.BoolVar(&opts.physOnly, "phys-only", false, "Skip files without a known physical offset")
	f.StringVar(&opts.dedupBackend, "dedup", "", "Dedup backend to use (\"btrfs\"); empty disables dedup")
	f.BoolVar(&opts.dedupSimulate, "dedup-simulate", false, "Plan and log dedup batches without issuing the ioctl")
	f.BoolVar(&opts.aggressiveDedup, "aggressive-dedup", false, "Dedup a pair even if it already shares physical extents")
	f.StringVar(&opts.output, "output", opts.output, "Result renderer: groups, tree, diff, -")
	f.IntVar(&opts.shadowRule, "shadow-rule", opts.shadowRule, "Shadow visibility rule (0-3, see spec §4.7)")
	f.BoolVar(&opts.benchPass1, "bench-pass-1", false, "Stop after Scan")
	f.BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".dupion.cache"
	}
	return dir + "/dupion/index.cache"
}

func runScan(args []string, opts *scanOptions) error {
	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}
	var maxSize int64
	if opts.maxSizeStr != "" {
		maxSize, err = parseSize(opts.maxSizeStr)
		if err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
	}

	if opts.shadowRule < 0 || opts.shadowRule > 3 {
		return fmt.Errorf("invalid --shadow-rule: %d (must be 0-3)", opts.shadowRule)
	}

	roots := args
	if len(roots) == 0 {
		roots = []string{"."}
	}

	cfg := pipeline.Config{
		Roots:             roots,
		NoScan:            opts.noScan,
		NoCache:           opts.noCache,
		CachePath:         opts.cachePath,
		MinSize:           minSize,
		MaxSize:           maxSize,
		PrefetchBudgetMiB: opts.prefetchBudgetMiB,
		DedupBudgetMiB:    opts.dedupBudgetMiB,
		ArchiveCacheMiB:   opts.archiveCacheMemMB,
		ReadBufferMiB:     opts.readBufferMiB,
		MaxOpenFiles:      opts.maxOpenFiles,
		FiemapLevel:       opts.fiemap,
		PhysOnly:          opts.physOnly,
		DedupBackend:      opts.dedupBackend,
		DedupSimulate:     opts.dedupSimulate,
		AggressiveDedup:   opts.aggressiveDedup,
		ShadowRule:        grouping.ShadowRule(opts.shadowRule),
		BenchPass1:        opts.benchPass1,
		ShowProgress:      !opts.noProgress,
	}

	result, err := pipeline.Run(cfg)
	if err != nil {
		return err
	}
	if cfg.BenchPass1 {
		fmt.Fprintln(os.Stderr, result.Metrics.ScanString())
		return nil
	}

	renderer, err := render.ForOutput(opts.output)
	if err != nil {
		return err
	}
	return renderer.Render(os.Stdout, result.Index, result.Groups, grouping.ShadowRule(opts.shadowRule))
}
