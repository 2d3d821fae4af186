package vfscache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ivoronin/dupion/internal/hashutil"
	"github.com/ivoronin/dupion/internal/vfs"
)

// =============================================================================
// Section 1.1: Compact round trip
// =============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := vfs.NewIndex()
	id, err := idx.InsertOrGet("/a/b/file.txt")
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	e := idx.Get(id)
	e.IsFile = true
	var fs uint64 = 4096
	e.FileSize = &fs
	var ct int64 = 12345
	e.Ctime = &ct
	var h hashutil.Hash
	h[0] = 0xAB
	e.FileHash = &h

	path := filepath.Join(t.TempDir(), "index.cache")
	if err := Save(path, idx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := vfs.NewIndex()
	if err := Load(path, restored); err != nil {
		t.Fatalf("Load: %v", err)
	}

	rid, ok := restored.Lookup("/a/b/file.txt")
	if !ok {
		t.Fatalf("expected restored entry to be found")
	}
	re := restored.Get(rid)
	if re.FileSize == nil || *re.FileSize != fs {
		t.Errorf("FileSize not restored correctly: %+v", re.FileSize)
	}
	if re.FileHash == nil || *re.FileHash != h {
		t.Errorf("FileHash not restored correctly: %+v", re.FileHash)
	}
	if re.Ctime == nil || *re.Ctime != ct {
		t.Errorf("Ctime not restored correctly: %+v", re.Ctime)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	idx := vfs.NewIndex()
	if err := Load(filepath.Join(t.TempDir(), "missing.cache"), idx); err != nil {
		t.Errorf("Load on missing file should be a no-op, got %v", err)
	}
}

// =============================================================================
// Section 1.2: Legacy JSON fallback and hash discarding
// =============================================================================

func TestLoadLegacyJSONDiscardsBadHashLength(t *testing.T) {
	legacy := `[
		{"path":"/x/good.txt","is_file":true,"file_hash":"` +
		hexRepeat("ab", hashutil.Size) + `"},
		{"path":"/x/stale.txt","is_file":true,"file_hash":"deadbeef"}
	]`

	idx := vfs.NewIndex()
	if err := DecodeLegacyJSON(bytes.NewBufferString(legacy), idx); err != nil {
		t.Fatalf("DecodeLegacyJSON: %v", err)
	}

	goodID, ok := idx.Lookup("/x/good.txt")
	if !ok {
		t.Fatalf("expected /x/good.txt to be present")
	}
	if idx.Get(goodID).FileHash == nil {
		t.Errorf("expected a well-formed 32-byte legacy hash to survive")
	}

	staleID, ok := idx.Lookup("/x/stale.txt")
	if !ok {
		t.Fatalf("expected /x/stale.txt to be present")
	}
	if idx.Get(staleID).FileHash != nil {
		t.Errorf("expected a malformed legacy hash to be discarded, forcing re-hash")
	}
}

func hexRepeat(pair string, n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}
