//go:build linux

package extent

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fsIOCFidedupeRange is FS_IOC_FIDEDUPERANGE from linux/fs.h.
const fsIOCFidedupeRange = 0xC0189436

// DestStatus mirrors the kernel's per-destination FIDEDUPERANGE status.
type DestStatus int32

const (
	// StatusSame means the destination range was identical and sharing
	// succeeded.
	StatusSame DestStatus = 0
	// StatusDiffers means the destination range no longer matches the
	// source; nothing was shared (spec.md §4.8 step 5).
	StatusDiffers DestStatus = 1
)

// Dest is one destination file+range to dedup against a source.
type Dest struct {
	File       *os.File
	Offset     uint64
	BytesDeduped uint64
	Status     DestStatus
}

type fileDedupeRangeRaw struct {
	SrcOffset  uint64
	SrcLength  uint64
	DestCount  uint16
	Reserved1  uint16
	Reserved2  uint32
}

type fileDedupeRangeInfoRaw struct {
	DestFd           int64
	DestOffset       uint64
	BytesDeduped     uint64
	Status           int32
	Reserved         uint32
}

// DedupeRange invokes FIDEDUPERANGE with src as the source file and dests as
// up to 127 destinations (spec.md §4.8's max_dups_per_group ceiling is
// enforced by the caller, not here). It mutates each Dest's BytesDeduped and
// Status in place and returns an error only if the ioctl call itself
// failed — per-destination "Differs" is not an error (spec.md §7).
func DedupeRange(src *os.File, srcOffset, srcLength uint64, dests []Dest) error {
	if len(dests) == 0 {
		return nil
	}
	if len(dests) > 127 {
		return fmt.Errorf("extent: %d destinations exceeds kernel max of 127", len(dests))
	}

	hdr := fileDedupeRangeRaw{
		SrcOffset: srcOffset,
		SrcLength: srcLength,
		DestCount: uint16(len(dests)),
	}

	buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(len(dests))*unsafe.Sizeof(fileDedupeRangeInfoRaw{}))
	*(*fileDedupeRangeRaw)(unsafe.Pointer(&buf[0])) = hdr

	infosPtr := (*[1 << 16]fileDedupeRangeInfoRaw)(unsafe.Pointer(&buf[unsafe.Sizeof(hdr)]))
	infos := infosPtr[:len(dests):len(dests)]
	for i, d := range dests {
		infos[i] = fileDedupeRangeInfoRaw{
			DestFd:     int64(d.File.Fd()),
			DestOffset: d.Offset,
		}
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, src.Fd(), uintptr(fsIOCFidedupeRange), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return errno
	}

	for i := range dests {
		dests[i].BytesDeduped = infos[i].BytesDeduped
		dests[i].Status = DestStatus(infos[i].Status)
	}
	return nil
}
