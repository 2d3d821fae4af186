//go:build linux

package extent

import "golang.org/x/sys/unix"

// AdviseSequential issues POSIX_FADV_SEQUENTIAL for the given range, used by
// both the hash phase (on open, spec.md §4.5) and the dedup batcher (spec.md
// §4.8 step 2) to hint the kernel's own readahead.
func AdviseSequential(fd uintptr, offset, length int64) error {
	return unix.Fadvise(int(fd), offset, length, unix.FADV_SEQUENTIAL)
}

// AdviseWillNeed issues POSIX_FADV_WILLNEED, the second half of the dedup
// batcher's readahead priming (spec.md §4.8 step 2).
func AdviseWillNeed(fd uintptr, offset, length int64) error {
	return unix.Fadvise(int(fd), offset, length, unix.FADV_WILLNEED)
}
