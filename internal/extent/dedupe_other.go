//go:build !linux

package extent

import (
	"errors"
	"os"
)

// DestStatus mirrors the kernel's per-destination FIDEDUPERANGE status.
type DestStatus int32

const (
	StatusSame    DestStatus = 0
	StatusDiffers DestStatus = 1
)

// Dest is one destination file+range to dedup against a source.
type Dest struct {
	File         *os.File
	Offset       uint64
	BytesDeduped uint64
	Status       DestStatus
}

// ErrUnsupported is returned by DedupeRange on platforms without the
// same-extent dedup ioctl.
var ErrUnsupported = errors.New("extent: same-extent dedup is Linux-only")

// DedupeRange is unavailable outside Linux (spec.md §1).
func DedupeRange(src *os.File, srcOffset, srcLength uint64, dests []Dest) error {
	return ErrUnsupported
}
