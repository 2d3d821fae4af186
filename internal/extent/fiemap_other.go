//go:build !linux

package extent

import (
	"errors"
	"os"

	"github.com/ivoronin/dupion/internal/hashutil"
)

// Info is the result of reading a file's extent map.
type Info struct {
	FirstPhys      *uint64
	NExtents       int
	NExtentsShared int
	FiemapHash     *hashutil.Hash
}

// ErrExtentLimitExceeded is returned when the file's raw extent count
// exceeds the configured threshold.
var ErrExtentLimitExceeded = errors.New("extent: extent limit exceeded")

// Read always reports "no info" on non-Linux platforms: FIEMAP is a Linux
// filesystem ioctl with no portable equivalent (spec.md §1).
func Read(f *os.File, maxExtents int, withHash bool) (*Info, error) {
	return nil, nil
}
