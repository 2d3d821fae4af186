package vfscache

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ivoronin/dupion/internal/vfs"
)

// Load restores idx's state from path. A missing file is not an error —
// the index is simply left empty, same as a cold run. Format is detected
// by magic bytes so a cache written by an older release (legacy JSON) is
// transparently upgraded on the next Save.
func Load(path string, idx *vfs.Index) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vfscache: open %q: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(len(compactMagic) + 1)
	if err == nil && bytes.Equal(head[:len(compactMagic)], compactMagic[:]) {
		if head[len(compactMagic)] != compactVersion {
			return fmt.Errorf("vfscache: unsupported cache version %d", head[len(compactMagic)])
		}
		if _, err := br.Discard(len(compactMagic) + 1); err != nil {
			return err
		}
		return DecodeCompact(br, idx)
	}

	return DecodeLegacyJSON(br, idx)
}

// Save writes idx's current state to path using the compact codec. The
// write lands in a sibling ".new" file and is renamed over path only after
// it closes successfully, so a crash mid-write leaves the previous
// generation's cache intact (same atomic-replace discipline as the
// teacher's extent-fingerprint cache).
func Save(path string, idx *vfs.Index) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("vfscache: create cache dir: %w", err)
	}

	tmpPath := path + ".new"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("vfscache: create %q: %w", tmpPath, err)
	}

	bw := bufio.NewWriter(f)
	if err := EncodeCompact(bw, idx); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vfscache: rename %q to %q: %w", tmpPath, path, err)
	}
	return nil
}
