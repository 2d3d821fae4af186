// Package vfscache persists the whole VFS index between runs: a compact
// zstd-compressed binary stream for caches written by this codec, with a
// legacy JSON fallback for caches written by an older, pre-compact format
// (spec.md §6, §9). Detection is by magic bytes, not file extension, so a
// stale cache file is never mistaken for the wrong format.
//
// The on-disk layout is generalized from the teacher's cache package
// atomic rename-on-close discipline: writes land in a ".new" sibling file
// and are only renamed over the real path once the writer closes cleanly,
// so a crash mid-write never corrupts the previous generation's cache.
package vfscache

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/vfs"
)

// compactMagic identifies a stream written by this package's compact codec.
// Any file not starting with these four bytes is assumed to be a legacy
// JSON cache (or garbage, in which case decoding simply fails and the
// caller starts fresh).
var compactMagic = [4]byte{'D', 'P', 'V', 'C'}

const compactVersion byte = 2

// record is one VFS entry's persisted state. Path is absolute and
// reconstructs the full tree through vfs.Index.InsertOrGet; only the
// fields needed to skip re-scanning/re-hashing on the next run are kept.
type record struct {
	Path       string         `json:"path"`
	Ctime      *int64         `json:"ctime,omitempty"`
	FileSize   *uint64        `json:"file_size,omitempty"`
	DirSize    *uint64        `json:"dir_size,omitempty"`
	FileHash   *hashutil.Hash `json:"-"`
	DirHash    *hashutil.Hash `json:"-"`
	FileHashHx string         `json:"file_hash,omitempty"`
	DirHashHx  string         `json:"dir_hash,omitempty"`
	IsFile     bool           `json:"is_file,omitempty"`
	IsDir      bool           `json:"is_dir,omitempty"`
	Phys       *uint64        `json:"phys,omitempty"`
	NExtents   *int           `json:"n_extents,omitempty"`
	Failure    int            `json:"failure,omitempty"`
	DedupState vfs.DedupState `json:"dedup_state,omitempty"`
}

func recordFromEntry(e *vfs.Entry) record {
	r := record{
		Path:       e.Path,
		Ctime:      e.Ctime,
		FileSize:   e.FileSize,
		DirSize:    e.DirSize,
		FileHash:   e.FileHash,
		DirHash:    e.DirHash,
		IsFile:     e.IsFile,
		IsDir:      e.IsDir,
		Phys:       e.Phys,
		NExtents:   e.NExtents,
		Failure:    e.Failure,
		DedupState: e.DedupState,
	}
	if r.FileHash != nil {
		r.FileHashHx = r.FileHash.String()
	}
	if r.DirHash != nil {
		r.DirHashHx = r.DirHash.String()
	}
	return r
}

func applyRecord(idx *vfs.Index, r record) error {
	id, err := idx.InsertOrGet(r.Path)
	if err != nil {
		return fmt.Errorf("vfscache: restore %q: %w", r.Path, err)
	}
	e := idx.Get(id)
	e.Ctime = r.Ctime
	e.FileSize = r.FileSize
	e.DirSize = r.DirSize
	e.FileHash = r.FileHash
	e.DirHash = r.DirHash
	e.IsFile = r.IsFile
	e.IsDir = r.IsDir
	e.WasFile = r.IsFile
	e.WasDir = r.IsDir
	e.Phys = r.Phys
	e.NExtents = r.NExtents
	e.Failure = r.Failure
	e.DedupState = r.DedupState
	return nil
}

// EncodeCompact writes the index's entries to w as the compact binary
// stream, zstd-compressed.
func EncodeCompact(w io.Writer, idx *vfs.Index) error {
	if _, err := w.Write(compactMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{compactVersion}); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("vfscache: open zstd writer: %w", err)
	}

	for id := vfs.RootID + 1; int(id) < idx.Len(); id++ {
		e := idx.Get(id)
		if e == nil || e.Path == "" {
			continue
		}
		if err := writeRecord(zw, recordFromEntry(e)); err != nil {
			_ = zw.Close()
			return err
		}
	}

	return zw.Close()
}

func writeRecord(w io.Writer, r record) error {
	if err := writeString(w, r.Path); err != nil {
		return err
	}
	if err := writeOptU64(w, r.FileSize); err != nil {
		return err
	}
	if err := writeOptU64(w, r.DirSize); err != nil {
		return err
	}
	if err := writeOptI64(w, r.Ctime); err != nil {
		return err
	}
	if err := writeOptHash(w, r.FileHash); err != nil {
		return err
	}
	if err := writeOptHash(w, r.DirHash); err != nil {
		return err
	}
	if err := writeOptI32(w, r.NExtents); err != nil {
		return err
	}
	failure := r.Failure
	if err := writeOptI32(w, &failure); err != nil {
		return err
	}
	flags := byte(0)
	if r.IsFile {
		flags |= 1
	}
	if r.IsDir {
		flags |= 2
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return err
	}
	_, err := w.Write([]byte{byte(r.DedupState)})
	return err
}

func readRecord(r io.Reader) (record, error) {
	var rec record

	path, err := readString(r)
	if err != nil {
		return rec, err
	}
	rec.Path = path

	if rec.FileSize, err = readOptU64(r); err != nil {
		return rec, err
	}
	if rec.DirSize, err = readOptU64(r); err != nil {
		return rec, err
	}
	if rec.Ctime, err = readOptI64(r); err != nil {
		return rec, err
	}
	if rec.FileHash, err = readOptHash(r); err != nil {
		return rec, err
	}
	if rec.DirHash, err = readOptHash(r); err != nil {
		return rec, err
	}
	if rec.NExtents, err = readOptI32(r); err != nil {
		return rec, err
	}
	failure, err := readOptI32(r)
	if err != nil {
		return rec, err
	}
	if failure != nil {
		rec.Failure = *failure
	}

	var flags [1]byte
	if _, err := io.ReadFull(r, flags[:]); err != nil {
		return rec, err
	}
	rec.IsFile = flags[0]&1 != 0
	rec.IsDir = flags[0]&2 != 0

	var dedupState [1]byte
	if _, err := io.ReadFull(r, dedupState[:]); err != nil {
		return rec, err
	}
	rec.DedupState = vfs.DedupState(dedupState[0])

	return rec, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeOptU64(w io.Writer, v *uint64) error {
	present := byte(0)
	if v != nil {
		present = 1
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return binary.Write(w, binary.BigEndian, *v)
}

func readOptU64(r io.Reader) (*uint64, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func writeOptI64(w io.Writer, v *int64) error {
	present := byte(0)
	if v != nil {
		present = 1
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return binary.Write(w, binary.BigEndian, *v)
}

func readOptI64(r io.Reader) (*int64, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var v int64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func writeOptI32(w io.Writer, v *int) error {
	present := byte(0)
	if v != nil {
		present = 1
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	return binary.Write(w, binary.BigEndian, int32(*v))
}

func readOptI32(r io.Reader) (*int, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var v int32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	n := int(v)
	return &n, nil
}

func writeOptHash(w io.Writer, h *hashutil.Hash) error {
	present := byte(0)
	if h != nil {
		present = 1
	}
	if _, err := w.Write([]byte{present}); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	_, err := w.Write(h[:])
	return err
}

func readOptHash(r io.Reader) (*hashutil.Hash, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var h hashutil.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	return &h, nil
}

// DecodeCompact reads entries from the compact zstd stream in r (with the
// magic/version header already consumed by the caller) into idx.
func DecodeCompact(r io.Reader, idx *vfs.Index) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("vfscache: open zstd reader: %w", err)
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	for {
		rec, err := readRecord(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("vfscache: decode record: %w", err)
		}
		if err := applyRecord(idx, rec); err != nil {
			return err
		}
	}
}

// legacyRecord is the pre-compact JSON representation. Hashes were
// hex-encoded and, in at least one historical version, produced by a
// different algorithm with a different digest length; any hash that does
// not decode to exactly hashutil.Size bytes is dropped rather than trusted,
// forcing the affected entry to be re-hashed (spec.md §9).
type legacyRecord struct {
	Path     string `json:"path"`
	Ctime    *int64 `json:"ctime,omitempty"`
	FileSize *uint64 `json:"file_size,omitempty"`
	DirSize  *uint64 `json:"dir_size,omitempty"`
	FileHash string `json:"file_hash,omitempty"`
	DirHash  string `json:"dir_hash,omitempty"`
	IsFile   bool   `json:"is_file,omitempty"`
	IsDir    bool   `json:"is_dir,omitempty"`
}

// DecodeLegacyJSON reads a legacy-format cache (a JSON array of records)
// into idx, discarding any hash that isn't a well-formed 32-byte digest.
func DecodeLegacyJSON(r io.Reader, idx *vfs.Index) error {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil { // consume opening '['
		return fmt.Errorf("vfscache: decode legacy array: %w", err)
	}
	for dec.More() {
		var lr legacyRecord
		if err := dec.Decode(&lr); err != nil {
			return fmt.Errorf("vfscache: decode legacy record: %w", err)
		}

		rec := record{
			Path:     lr.Path,
			Ctime:    lr.Ctime,
			FileSize: lr.FileSize,
			DirSize:  lr.DirSize,
			IsFile:   lr.IsFile,
			IsDir:    lr.IsDir,
		}
		if h, ok := decodeHex32(lr.FileHash); ok {
			rec.FileHash = &h
		}
		if h, ok := decodeHex32(lr.DirHash); ok {
			rec.DirHash = &h
		}

		if err := applyRecord(idx, rec); err != nil {
			return err
		}
	}
	return nil
}

func decodeHex32(s string) (hashutil.Hash, bool) {
	var zero hashutil.Hash
	if len(s) != hashutil.Size*2 {
		return zero, false
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return zero, false
	}
	h, ok := hashutil.FromBytes(buf)
	if !ok {
		return zero, false
	}
	return h, true
}
