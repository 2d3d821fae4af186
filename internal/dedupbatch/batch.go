package dedupbatch

import "github.com/ivoronin/dupion/internal/vfs"

// Batch splits and packs groups into submission-ready batches, each
// satisfying P4: Σ range_len*(|dups|+1) <= cache_max and Σ (|dups|+1) <=
// MaxDupsPerGroup, at the moment the batch is formed (spec.md §4.8). The
// one exception is a group that still exceeds cache_max once it cannot be
// split any further: it is submitted as a batch of its own.
//
// cacheMax is re-read from budget before every batch, mirroring "cache_max
// refreshes from the system-memory oracle before each batch."
func Batch(groups []Group, cacheMaxFn func() int64, fileSplitRound int64) [][]Group {
	queue := append([]Group(nil), groups...)
	var batches [][]Group

	for len(queue) > 0 {
		cacheMax := cacheMaxFn()
		var buf []Group
		var usage int64
		var count int

		for len(queue) > 0 {
			g := queue[0]
			need := int64(g.RangeLen) * int64(len(g.Dups)+1)
			grpCount := len(g.Dups) + 1

			if usage+need <= cacheMax && count+grpCount <= MaxDupsPerGroup {
				buf = append(buf, g)
				usage += need
				count += grpCount
				queue = queue[1:]
				continue
			}

			if len(buf) > 0 {
				// This group doesn't fit alongside what's already buffered;
				// submit what we have and let it compete again in the next batch.
				break
			}

			// Nothing buffered yet and the group alone doesn't fit: split it.
			split, ok := splitToFit(g, cacheMax, fileSplitRound)
			if !ok {
				// Degenerate (senpai + 1 dup still too big for cacheMax as a
				// whole group): fall back to range splitting into pieces of
				// max(file_split_round, cache_max/(|dups|+1)) bytes, rounded
				// down to a multiple of file_split_round.
				pieces := splitRange(g, fileSplitRound, cacheMax)
				if len(pieces) == 1 {
					// The range cannot shrink any further; leave it to the
					// safety valve below.
					break
				}
				queue = append(pieces, queue[1:]...)
				continue
			}
			queue = append(split, queue[1:]...)
		}

		if len(buf) > 0 {
			batches = append(batches, buf)
		} else if len(queue) > 0 {
			// Safety valve: a single group that still doesn't fit after
			// splitting attempts is submitted alone rather than looping forever.
			batches = append(batches, []Group{queue[0]})
			queue = queue[1:]
		}
	}

	return batches
}

// splitToFit implements spec.md §4.8's group-count split: compute
// max_group_files = min(MaxDupsPerGroup, max(2, cache_max/range_len)). If
// that is >= 2, split off the tail by candidate count, keeping at most
// max_group_files-1 dups in the head.
func splitToFit(g Group, cacheMax int64, fileSplitRound int64) ([]Group, bool) {
	if g.RangeLen == 0 {
		return nil, false
	}
	maxGroupFiles := cacheMax / int64(g.RangeLen)
	if maxGroupFiles > MaxDupsPerGroup {
		maxGroupFiles = MaxDupsPerGroup
	}
	if maxGroupFiles < 2 {
		maxGroupFiles = 2
	}
	if maxGroupFiles < 2 || int64(len(g.Dups)+1) <= maxGroupFiles {
		return nil, false
	}

	headDups := int(maxGroupFiles) - 1
	if headDups < 1 {
		return nil, false
	}
	head := g
	head.Dups = append([]vfs.ID(nil), g.Dups[:headDups]...)
	tail := g
	tail.Dups = append([]vfs.ID(nil), g.Dups[headDups:]...)
	return []Group{head, tail}, true
}

// splitRange implements spec.md §4.8's byte-range split for groups where
// even a single dup doesn't fit cacheMax: max_range_size =
// max(file_split_round, cache_max/sum), rounded down to file_split_round.
func splitRange(g Group, fileSplitRound int64, cacheMax int64) []Group {
	sum := int64(len(g.Dups) + 1)
	maxRangeSize := cacheMax / sum
	if maxRangeSize < fileSplitRound {
		maxRangeSize = fileSplitRound
	}
	maxRangeSize -= maxRangeSize % fileSplitRound
	if maxRangeSize <= 0 {
		maxRangeSize = fileSplitRound
	}

	var out []Group
	for start := g.RangeStart; start < g.RangeStart+g.RangeLen; start += uint64(maxRangeSize) {
		length := uint64(maxRangeSize)
		if start+length > g.RangeStart+g.RangeLen {
			length = g.RangeStart + g.RangeLen - start
		}
		part := g
		part.RangeStart = start
		part.RangeLen = length
		part.IsLastPart = start+length >= g.RangeStart+g.RangeLen
		out = append(out, part)
	}
	return out
}
