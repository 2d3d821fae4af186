package pipeline

import (
	"testing"

	"github.com/ivoronin/dupion/internal/grouping"
	"github.com/ivoronin/dupion/internal/testfs"
)

// baseConfig returns a Config suitable for exercising Scan/Hash/PostHash/
// Group against a TempDir harness: no cache, no dedup, extent reading
// disabled since a tmpfs/overlay test directory has no real FIEMAP data to
// report (spec.md §9.5 notes this limitation explicitly).
func baseConfig(roots ...string) Config {
	return Config{
		Roots:             roots,
		NoCache:           true,
		PrefetchBudgetMiB: 64,
		MaxOpenFiles:      32,
		FiemapLevel:       0,
		ShadowRule:        grouping.ShadowHideMembersDefault,
	}
}

// TestRunFindsDuplicateFiles is scenario S1: two files with identical
// content land in the same hash group.
func TestRunFindsDuplicateFiles(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{{
			MountPoint: "/",
			Files: []testfs.File{
				{Path: []string{"a"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "64KiB"}}},
				{Path: []string{"b"}, Chunks: []testfs.Chunk{{Pattern: 'A', Size: "64KiB"}}},
			},
		}},
	}
	h := testfs.New(t, given)

	result, err := Run(baseConfig(h.Root()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(result.Groups))
	}
	g := result.Groups[0]
	if len(g.Members) != 2 {
		t.Fatalf("got %d members, want 2", len(g.Members))
	}
	if g.Size != 64*1024 {
		t.Fatalf("got size %d, want 65536", g.Size)
	}
}

// TestRunShadowsDuplicateDirectories is scenario S2: two directories with
// identical single-file content get a matching dir_hash, and the default
// shadow rule hides their file-level duplicate in favor of the directory
// group.
func TestRunShadowsDuplicateDirectories(t *testing.T) {
	given := testfs.FileTree{
		Volumes: []testfs.Volume{{
			MountPoint: "/",
			Files: []testfs.File{
				{Path: []string{"x/f"}, Chunks: []testfs.Chunk{{Pattern: 'Z', Size: "2MiB"}}},
				{Path: []string{"y/f"}, Chunks: []testfs.Chunk{{Pattern: 'Z', Size: "2MiB"}}},
			},
		}},
	}
	h := testfs.New(t, given)

	result, err := Run(baseConfig(h.Root()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var dirGroupShown, fileGroupShown bool
	for _, g := range result.Groups {
		visible, ok := grouping.Visible(result.Index, g, grouping.ShadowHideMembersDefault)
		if !ok {
			continue
		}
		for _, m := range visible.Members {
			if m.Kind == grouping.KindDir {
				dirGroupShown = true
			} else {
				fileGroupShown = true
			}
		}
	}
	if !dirGroupShown {
		t.Error("expected the duplicate-directory group to be visible")
	}
	if fileGroupShown {
		t.Error("expected the shadowed file-level duplicates to be hidden under the default shadow rule")
	}
}

// TestRunEmptyTreeProducesNoGroups is a boundary case: an empty root
// produces zero duplicate groups rather than an error.
func TestRunEmptyTreeProducesNoGroups(t *testing.T) {
	h := testfs.New(t, testfs.FileTree{Volumes: []testfs.Volume{{MountPoint: "/"}}})

	result, err := Run(baseConfig(h.Root()))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Groups) != 0 {
		t.Fatalf("got %d groups for an empty tree, want 0", len(result.Groups))
	}
}
