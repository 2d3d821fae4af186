//go:build e2e

package testfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/docker/docker/api/types/container"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// baseImage is the Docker image used for E2E tests. It only needs a
	// shell and apk; btrfs-progs is installed into the running container
	// since the dedup backend under test requires a real btrfs filesystem
	// (tmpfs, the teacher's original E2E mount, can neither report FIEMAP
	// physical offsets nor support FIDEDUPERANGE).
	baseImage = "alpine:3.21"

	// Binary names and paths inside container.
	binaryName       = "dupion"
	helperBinaryName = "testfs-helper"
	binaryPath       = "/tmp/" + binaryName
	helperBinaryPath = "/tmp/" + helperBinaryName
)

// -----------------------------------------------------------------------------
// Harness - Public API
// -----------------------------------------------------------------------------

// Harness provides E2E test infrastructure using Docker containers.
//
// Each Volume is backed by its own sparse-file loopback btrfs filesystem
// (not tmpfs), so dedup runs against real copy-on-write extents and the
// scan phase can report genuine FIEMAP physical offsets.
//
// Usage:
//
//	given := testfs.FileTree{
//	    Volumes: []Volume{
//	        {MountPoint: "/vol1", Files: []File{{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}}}},
//	        {MountPoint: "/vol2", Files: []File{{Path: []string{"b.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1MiB"}}}}},
//	    },
//	}
//	h := testfs.New(t, given)
//	h.RunDupion("scan", "--dedup", "btrfs", "/vol1", "/vol2")
type Harness struct {
	t          *testing.T
	ctx        context.Context
	given      FileTree
	container  *Container
	lastResult *RunResult
}

// New creates a new Harness with the given FileTree specification.
//
// The harness:
//  1. Starts a privileged Docker container (loop-device mounts need
//     CAP_SYS_ADMIN)
//  2. Bind-mounts pre-built dupion binaries into the container
//  3. Formats and mounts one loopback btrfs filesystem per Volume
//  4. Creates files, hardlinks, and symlinks according to the spec
//
// Requires DUPION_E2E_BINDIR env var (set by 'make test-e2e').
// The container is automatically cleaned up when the test finishes via t.Cleanup().
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	ctx := context.Background()
	h := &Harness{
		t:     t,
		ctx:   ctx,
		given: given,
	}

	// Build container config
	cfg, hostCfg, err := h.buildContainerConfig()
	if err != nil {
		t.Fatalf("failed to build container config: %v", err)
	}

	// Create container
	c, err := NewContainer(ctx, cfg, hostCfg)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	h.container = c

	// Register cleanup
	t.Cleanup(func() {
		h.Cleanup()
	})

	if err := h.setupBtrfsVolumes(); err != nil {
		t.Fatalf("failed to set up btrfs volumes: %v", err)
	}

	// Setup files according to spec
	if err := h.sowFileTree(); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}

	return h
}

// RunDupion executes the dupion binary inside the container with the given arguments.
//
// Example:
//
//	h.RunDupion("scan", "--dedup", "btrfs", "/vol1", "/vol2")
//
// The result (exit code, stdout, stderr) is stored for later assertion.
func (h *Harness) RunDupion(args ...string) *RunResult {
	h.t.Helper()

	cmd := append([]string{binaryPath}, args...)
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, nil)
	if err != nil {
		h.t.Fatalf("failed to run dupion: %v", err)
	}

	h.lastResult = &RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
	return h.lastResult
}

// Assert verifies the filesystem state matches the expected FileTree.
//
// Checks:
//   - Files exist at all specified paths
//   - Files in the same File entry share their first physical extent
//     (deduped onto the same on-disk blocks)
//   - Files in different File entries do not share extents
//   - Symlinks point to the expected targets
//   - Exit code matches (if non-zero in expected)
func (h *Harness) Assert(expected FileTree) {
	h.t.Helper()

	// Check exit code
	if expected.ExitCode != 0 || h.lastResult != nil {
		if h.lastResult == nil {
			h.t.Fatal("Assert called before RunDupion")
		}
		if h.lastResult.ExitCode != expected.ExitCode {
			h.t.Errorf("exit code: got %d, want %d\nstdout: %s\nstderr: %s",
				h.lastResult.ExitCode, expected.ExitCode,
				h.lastResult.Stdout, h.lastResult.Stderr)
		}
	}

	// Verify filesystem state for each volume
	for _, vol := range expected.Volumes {
		h.assertState(vol)
	}
}

// Cleanup terminates the container and releases resources.
func (h *Harness) Cleanup() {
	if h.container != nil {
		_ = h.container.Close(h.ctx)
		h.container = nil
	}
}

// -----------------------------------------------------------------------------
// Container Configuration
// -----------------------------------------------------------------------------

// buildContainerConfig creates Docker container and host configs for E2E tests.
func (h *Harness) buildContainerConfig() (*container.Config, *container.HostConfig, error) {
	// Get binary directory from environment
	binDir := os.Getenv("DUPION_E2E_BINDIR")
	if binDir == "" {
		return nil, nil, fmt.Errorf("DUPION_E2E_BINDIR not set - run via 'make test-e2e'")
	}

	// Build bind mounts for binaries (read-only)
	binds := []string{
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, binaryName), binaryPath),
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, helperBinaryName), helperBinaryPath),
	}

	cfg := &container.Config{
		Image: baseImage,
		Cmd:   []string{"sleep", "infinity"},
	}

	hostCfg := &container.HostConfig{
		Binds: binds,
		// Formatting and mounting the loopback btrfs images needs real
		// CAP_SYS_ADMIN plus /dev/loop* access; Privileged is the
		// pragmatic way to get both from a throwaway test container.
		Privileged: true,
		AutoRemove: true,
	}

	return cfg, hostCfg, nil
}

// setupBtrfsVolumes formats and mounts one sparse-file-backed loopback
// btrfs filesystem per Volume in h.given, at that volume's MountPoint.
// Mount paths are sorted so a parent volume (e.g. "/data") is mounted
// before a volume nested inside it (e.g. "/data/subdir"), matching the
// nested-mount example in this package's doc comment.
func (h *Harness) setupBtrfsVolumes() error {
	if stdout, stderr, exitCode, err := h.container.Run(h.ctx, []string{"apk", "add", "--no-cache", "btrfs-progs"}, nil); err != nil || exitCode != 0 {
		return fmt.Errorf("install btrfs-progs (exit %d): %v%s%s", exitCode, err, stdout, stderr)
	}

	vols := append([]Volume(nil), h.given.Volumes...)
	sort.Slice(vols, func(i, j int) bool { return vols[i].MountPoint < vols[j].MountPoint })

	for i, vol := range vols {
		img := fmt.Sprintf("/images/vol%d.img", i)
		script := fmt.Sprintf(
			"set -e; mkdir -p %s %s; truncate -s 512M %s; mkfs.btrfs -q %s; mount -o loop %s %s",
			filepath.Dir(img), vol.MountPoint, img, img, img, vol.MountPoint)
		stdout, stderr, exitCode, err := h.container.Run(h.ctx, []string{"sh", "-c", script}, nil)
		if err != nil {
			return fmt.Errorf("mount btrfs volume %s: %w", vol.MountPoint, err)
		}
		if exitCode != 0 {
			return fmt.Errorf("mount btrfs volume %s failed (exit %d): %s%s", vol.MountPoint, exitCode, stdout, stderr)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// FileTree Operations
// -----------------------------------------------------------------------------

// sowFileTree creates filesystem from FileTree spec using testfs-helper.
func (h *Harness) sowFileTree() error {
	specJSON, err := json.Marshal(h.given)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	cmd := []string{helperBinaryPath, "sow"}
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, specJSON)
	if err != nil {
		return fmt.Errorf("run sow: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("sow failed (exit %d): %s%s", exitCode, stdout, stderr)
	}
	return nil
}

// reapPaths captures filesystem state using testfs-helper.
func (h *Harness) reapPaths(paths []string) (*ReapResult, error) {
	cmd := append([]string{helperBinaryPath, "reap"}, paths...)
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, nil)
	if err != nil {
		return nil, fmt.Errorf("run reap: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("reap failed (exit %d): %s%s", exitCode, stdout, stderr)
	}

	var result ReapResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		return nil, fmt.Errorf("parse reap output: %w", err)
	}
	return &result, nil
}

// -----------------------------------------------------------------------------
// Assertion Helpers
// -----------------------------------------------------------------------------

// assertState verifies files and symlinks match expected state for a volume.
func (h *Harness) assertState(vol Volume) {
	h.t.Helper()

	actual, err := h.reapPaths([]string{vol.MountPoint})
	if err != nil {
		h.t.Fatalf("reap %s: %v", vol.MountPoint, err)
	}
	if len(actual.Volumes) == 0 {
		h.t.Fatalf("reap returned no volumes for %s", vol.MountPoint)
	}

	AssertVolume(h.t, vol, actual.Volumes[0])
}
