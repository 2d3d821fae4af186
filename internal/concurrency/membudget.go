//go:build linux

package concurrency

import (
	"golang.org/x/sys/unix"
)

// MemBudget tracks the dynamic cache/readahead budget described in spec.md
// §4.5 and §4.8: half of currently-free system memory, clamped to
// [lower, upper] and rounded down to a 64KiB page. It is read fresh at each
// batch checkpoint rather than cached, since both the hash phase and the
// dedup batcher recompute it "at each checkpoint" / "before each batch".
type MemBudget struct {
	lower, upper int64
}

// NewMemBudget creates a budget oracle clamped to [lower, upper] bytes.
func NewMemBudget(lower, upper int64) *MemBudget {
	return &MemBudget{lower: lower, upper: upper}
}

const roundTo = 64 * 1024

// Get returns the current budget in bytes.
func (m *MemBudget) Get() int64 {
	free := freeBytes()
	budget := free / 2
	budget -= budget % roundTo
	if budget < m.lower {
		budget = m.lower
	}
	if budget > m.upper {
		budget = m.upper
	}
	return budget
}

// freeBytes queries free system memory via the sysinfo syscall. It returns
// a fixed 256 MiB on failure rather than panicking — a misreported budget
// degrades performance, not correctness.
func freeBytes() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 256 * 1024 * 1024
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return int64(uint64(info.Freeram) * unit)
}
