package extentcache

import (
	"path/filepath"
	"testing"

	"github.com/ivoronin/dupion/internal/hashutil"
)

func TestCacheDisabled(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	k := Key{Size: 100, NExtents: 1}
	if err := c.Store(k, hashutil.Hash{}); err != nil {
		t.Errorf("Store() on disabled cache returned error: %v", err)
	}

	_, ok, err := c.Lookup(k)
	if err != nil {
		t.Fatalf("Lookup() on disabled cache failed: %v", err)
	}
	if ok {
		t.Errorf("Lookup() on disabled cache reported a hit")
	}
}

func TestCacheRoundTripAndSelfCleaning(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "extents.db")

	k := Key{Size: 1024, NExtents: 2, Fiemap: hashOf(7)}
	want := hashOf(9)

	c1, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c1.Store(k, want); err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(cachePath)
	if err != nil {
		t.Fatalf("re-Open() failed: %v", err)
	}
	got, ok, err := c2.Lookup(k)
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit after round trip")
	}
	if got != want {
		t.Errorf("Lookup() = %v, want %v", got, want)
	}
	if err := c2.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Self-cleaning copies a key looked up in the second run forward, so it
	// survives into the third generation.
	c3, err := Open(cachePath)
	if err != nil {
		t.Fatalf("third Open() failed: %v", err)
	}
	defer func() { _ = c3.Close() }()

	_, ok, err = c3.Lookup(k)
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected the looked-up key to survive self-cleaning")
	}
}

func TestCacheLookupMiss(t *testing.T) {
	tmpDir := t.TempDir()
	c, err := Open(filepath.Join(tmpDir, "extents.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, ok, err := c.Lookup(Key{Size: 1, NExtents: 1})
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if ok {
		t.Errorf("expected a miss on an empty cache")
	}
}

func hashOf(b byte) hashutil.Hash {
	var h hashutil.Hash
	h[0] = b
	return h
}
