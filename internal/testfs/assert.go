package testfs

import "testing"

// -----------------------------------------------------------------------------
// Assertion Functions - Shared between TempDirHarness and E2E Harness
// -----------------------------------------------------------------------------

// AssertVolume verifies the actual filesystem state matches expected.
//
// Checks:
//   - Files exist at all specified paths
//   - Files in the same File entry share the same inode, or — for dedup
//     results where no hardlink was created — the same first physical
//     extent offset
//   - Files in different File entries don't share an inode or extent
//   - Symlinks point to the expected targets
func AssertVolume(t *testing.T, expected Volume, actual ReapVolume) {
	t.Helper()
	AssertFiles(t, expected.Files, actual.Files)
	AssertSymlinks(t, expected.Symlinks, actual.Symlinks)
}

// AssertFiles verifies expected files exist and are shared as expected.
//
// For each File entry:
//   - All paths must exist
//   - All paths must share the same inode, or (when Phys is reported by the
//     filesystem) the same first physical extent offset — dupion's dedup
//     backend shares extents between distinct inodes rather than
//     hardlinking them
//   - Different File entries must not resolve to the same sharing key
func AssertFiles(t *testing.T, expected []File, actual []ReapFile) {
	t.Helper()

	pathToInode := buildPathToInodeMap(actual)
	pathToPhys := buildPathToPhysMap(actual)
	entryKeys := verifyFileEntries(t, expected, pathToInode, pathToPhys)
	verifyUniqueKeys(t, expected, entryKeys)
}

// AssertSymlinks verifies expected symlinks exist with correct targets.
func AssertSymlinks(t *testing.T, expected []Symlink, actual []ReapSymlink) {
	t.Helper()

	// Build path-to-target map from actual state
	pathToTarget := make(map[string]string)
	for _, rs := range actual {
		pathToTarget[rs.Path] = rs.Target
	}

	// Verify each expected symlink
	for _, expectedSym := range expected {
		target, ok := pathToTarget[expectedSym.Path]
		if !ok {
			t.Errorf("expected symlink not found: %s", expectedSym.Path)
			continue
		}
		if target != expectedSym.Target {
			t.Errorf("symlink %s: got target %q, want %q",
				expectedSym.Path, target, expectedSym.Target)
		}
	}
}

// -----------------------------------------------------------------------------
// Helper Functions (unexported)
// -----------------------------------------------------------------------------

// buildPathToInodeMap creates a map from file path to inode number.
func buildPathToInodeMap(files []ReapFile) map[string]uint64 {
	m := make(map[string]uint64)
	for _, rf := range files {
		for _, p := range rf.Path {
			m[p] = rf.Inode
		}
	}
	return m
}

// buildPathToPhysMap creates a map from file path to first physical extent
// offset, omitting paths the filesystem reported no offset for.
func buildPathToPhysMap(files []ReapFile) map[string]uint64 {
	m := make(map[string]uint64)
	for _, rf := range files {
		if rf.Phys == nil {
			continue
		}
		for _, p := range rf.Path {
			m[p] = *rf.Phys
		}
	}
	return m
}

// shareKey identifies what a path is sharing storage with: either a
// physical extent offset (dupion's dedup backend shares extents between
// distinct inodes) or, failing that, an inode (a plain hardlink, or a
// filesystem that doesn't report FIEMAP offsets).
type shareKey struct {
	byPhys bool
	value  uint64
}

// verifyFileEntries checks that all expected files exist and share storage
// correctly. Returns a map of entry index to shareKey for cross-entry
// uniqueness checking.
func verifyFileEntries(t *testing.T, expected []File, pathToInode, pathToPhys map[string]uint64) map[int]shareKey {
	t.Helper()
	entryKeys := make(map[int]shareKey)

	for i, ef := range expected {
		if len(ef.Path) == 0 {
			continue
		}
		if key, ok := verifyFileEntry(t, ef, pathToInode, pathToPhys); ok {
			entryKeys[i] = key
		}
	}
	return entryKeys
}

// verifyFileEntry checks a single file entry and returns its sharing key if valid.
func verifyFileEntry(t *testing.T, ef File, pathToInode, pathToPhys map[string]uint64) (shareKey, bool) {
	t.Helper()

	firstPath := ef.Path[0]
	firstInode, ok := pathToInode[firstPath]
	if !ok {
		t.Errorf("expected file not found: %s", firstPath)
		return shareKey{}, false
	}
	firstPhys, firstHasPhys := pathToPhys[firstPath]
	key := shareKey{byPhys: firstHasPhys, value: firstInode}
	if firstHasPhys {
		key.value = firstPhys
	}

	for _, p := range ef.Path[1:] {
		ino, ok := pathToInode[p]
		if !ok {
			t.Errorf("expected file not found: %s", p)
			continue
		}
		phys, hasPhys := pathToPhys[p]

		if firstHasPhys && hasPhys {
			if phys != firstPhys {
				t.Errorf("extent mismatch: %s (phys %d) != %s (phys %d)",
					firstPath, firstPhys, p, phys)
			}
			continue
		}
		// No physical offset on one side (e.g. a plain TempDir
		// filesystem): fall back to inode equality.
		if ino != firstInode {
			t.Errorf("sharing mismatch: %s (inode %d) != %s (inode %d)",
				firstPath, firstInode, p, ino)
		}
	}
	return key, true
}

// verifyUniqueKeys checks that different File entries don't resolve to the
// same sharing key (extent offset or inode).
func verifyUniqueKeys(t *testing.T, expected []File, entryKeys map[int]shareKey) {
	t.Helper()
	for i, k1 := range entryKeys {
		for j, k2 := range entryKeys {
			if i < j && k1 == k2 {
				t.Errorf("files from different entries share storage (%v): %v and %v",
					k1, expected[i].Path, expected[j].Path)
			}
		}
	}
}
