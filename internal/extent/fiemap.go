//go:build linux

// Package extent queries the physical layout of a file's extents via the
// Linux FIEMAP ioctl, and the same-extent deduplication ioctl used to
// actually share bytes between files. Both are Linux-only kernel
// interfaces, per spec.md §1's "the dedup backend is Linux-specific".
package extent

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ivoronin/dupion/internal/hashutil"
)

// Linux uapi constants from include/uapi/linux/fs.h / fiemap.h. golang.org/x/sys
// does not wrap FIEMAP directly, so this repo issues the ioctl the same way
// moby/sys's low-level syscall helpers do: raw unix.Syscall with a
// hand-laid-out struct matching the kernel ABI.
const (
	fsIOCFiemap = 0xC020660B

	fiemapExtentLast          = 0x00000001
	fiemapExtentUnknown       = 0x00000002
	fiemapExtentDelalloc      = 0x00000004
	fiemapExtentEncoded       = 0x00000008
	fiemapExtentDataEncrypted = 0x00000080
	fiemapExtentNotAligned    = 0x00000100
	fiemapExtentDataInline    = 0x00000200
	fiemapExtentDataTail      = 0x00000400
	fiemapExtentUnwritten     = 0x00000800
	fiemapExtentMerged        = 0x00001000
	fiemapExtentShared        = 0x00002000

	// legalFlags is the allow-list from spec.md §4.3: any extent with a
	// flag outside this set makes the whole fiemap unusable for
	// short-circuiting.
	legalFlags = fiemapExtentLast | fiemapExtentEncoded | fiemapExtentDataEncrypted |
		fiemapExtentNotAligned | fiemapExtentDataTail | fiemapExtentUnwritten |
		fiemapExtentMerged | fiemapExtentShared
)

// fiemapHeader mirrors struct fiemap (minus the trailing flexible array),
// used as the ioctl argument with fm_extent_count describing how many
// fiemapExtent entries follow it in the same allocation.
type fiemapHeader struct {
	Start        uint64
	Length       uint64
	Flags        uint32
	MappedExtent uint32
	ExtentCount  uint32
	Reserved     uint32
}

// fiemapExtentRaw mirrors struct fiemap_extent.
type fiemapExtentRaw struct {
	Logical    uint64
	Physical   uint64
	Length     uint64
	Reserved64 [2]uint64
	Flags      uint32
	Reserved32 [3]uint32
}

const extentBatch = 256

// Info is the result of reading a file's extent map: FiemapInfo in spec.md
// §4.3.
type Info struct {
	// FirstPhys is the physical offset of the first non-inline, non-zero
	// extent, or nil if all extents are inline/empty.
	FirstPhys *uint64
	// NExtents is the raw (unmerged) extent count as returned by the
	// kernel.
	NExtents int
	// NExtentsShared counts extents carrying the SHARED flag.
	NExtentsShared int
	// FiemapHash is set only when every non-empty extent has a physical
	// address (see Read's doc for the merge-and-hash algorithm).
	FiemapHash *hashutil.Hash
}

// ErrExtentLimitExceeded is returned when the file's raw extent count
// exceeds the configured threshold (spec.md §4.3).
var ErrExtentLimitExceeded = errors.New("extent: extent limit exceeded")

// run is a physically-contiguous merged extent run, built while walking the
// kernel's raw extent list in logical order.
type run struct {
	logical, length, physical uint64
}

// Read queries f's extent map and derives first-physical-offset plus an
// extent fingerprint. withHash controls only whether the fingerprint is
// computed; the extent counts, and the maxExtents check, always cover every
// extent the kernel returns.
func Read(f *os.File, maxExtents int, withHash bool) (*Info, error) {
	raw, err := ioctlFiemap(f)
	if err != nil {
		return nil, err
	}

	var firstPhys *uint64
	var nExtents, nShared int
	var cur run
	var hasher = hashutil.NewHasher()
	haveRun := false

	for _, e := range raw {
		nExtents++
		if nExtents > maxExtents {
			return nil, ErrExtentLimitExceeded
		}
		if e.Flags&^uint32(legalFlags) != 0 {
			return nil, nil // disallowed flag -> "no info"
		}
		if e.Flags&fiemapExtentShared != 0 {
			nShared++
		}

		inline := e.Flags&fiemapExtentDataInline != 0
		physical := e.Physical
		if inline {
			physical = 0
		}

		if firstPhys == nil && physical != 0 {
			p := physical
			firstPhys = &p
		}

		if !withHash {
			continue
		}

		empty := e.Flags&(fiemapExtentUnwritten|fiemapExtentDataTail) != 0
		if empty {
			continue
		}
		if physical == 0 {
			// A non-empty extent with no physical address means the
			// fingerprint can't certify identical on-disk layout.
			return &Info{FirstPhys: firstPhys, NExtents: nExtents, NExtentsShared: nShared}, nil
		}

		if haveRun && cur.logical+cur.length == e.Logical && cur.physical+cur.length == physical {
			cur.length += e.Length
			continue
		}
		if haveRun {
			writeRun(hasher, cur)
		}
		cur = run{logical: e.Logical, length: e.Length, physical: physical}
		haveRun = true
	}

	if firstPhys == nil {
		return &Info{NExtents: nExtents, NExtentsShared: nShared}, nil
	}
	if !withHash {
		return &Info{FirstPhys: firstPhys, NExtents: nExtents, NExtentsShared: nShared}, nil
	}

	if haveRun {
		writeRun(hasher, cur)
	}
	h := hashutil.Sum(hasher)
	return &Info{
		FirstPhys:      firstPhys,
		NExtents:       nExtents,
		NExtentsShared: nShared,
		FiemapHash:     &h,
	}, nil
}

func writeRun(h interface{ Write([]byte) (int, error) }, r run) {
	var buf [24]byte
	putUint64(buf[0:8], r.logical)
	putUint64(buf[8:16], r.length)
	putUint64(buf[16:24], r.physical)
	_, _ = h.Write(buf[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ioctlFiemap issues FS_IOC_FIEMAP against f's descriptor in batches of
// extentBatch extents, each starting after the last extent returned, until
// the kernel flags the last extent, returns none, or the end of the file is
// reached.
func ioctlFiemap(f *os.File) ([]fiemapExtentRaw, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())

	var all []fiemapExtentRaw
	start := uint64(0)
	for {
		hdr := fiemapHeader{
			Start:       start,
			Length:      size - start,
			ExtentCount: extentBatch,
		}
		extents := make([]fiemapExtentRaw, extentBatch)

		buf := make([]byte, unsafe.Sizeof(hdr)+uintptr(extentBatch)*unsafe.Sizeof(extents[0]))
		*(*fiemapHeader)(unsafe.Pointer(&buf[0])) = hdr

		_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(fsIOCFiemap), uintptr(unsafe.Pointer(&buf[0])))
		if errno != 0 {
			return nil, errno
		}

		got := (*fiemapHeader)(unsafe.Pointer(&buf[0]))
		n := int(got.MappedExtent)
		extentsPtr := (*[1 << 20]fiemapExtentRaw)(unsafe.Pointer(&buf[unsafe.Sizeof(hdr)]))
		batch := extentsPtr[:n:n]
		all = append(all, batch...)

		if n == 0 {
			break
		}
		last := batch[n-1]
		if last.Flags&fiemapExtentLast != 0 {
			break
		}
		start = last.Logical + last.Length
		if start >= size {
			break
		}
	}
	return all, nil
}
