//go:build linux

package extent

import (
	"os"
	"testing"
)

// =============================================================================
// Section 3.1: DedupeRange Guards
// =============================================================================

func TestDedupeRangeRejectsTooManyDestinations(t *testing.T) {
	src, err := os.CreateTemp(t.TempDir(), "src")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	dests := make([]Dest, 128)
	for i := range dests {
		dests[i] = Dest{File: src}
	}

	if err := DedupeRange(src, 0, 4096, dests); err == nil {
		t.Error("expected error for >127 destinations")
	}
}

func TestDedupeRangeNoopOnEmptyDests(t *testing.T) {
	src, err := os.CreateTemp(t.TempDir(), "src")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if err := DedupeRange(src, 0, 4096, nil); err != nil {
		t.Errorf("expected no error for empty dest list, got %v", err)
	}
}
