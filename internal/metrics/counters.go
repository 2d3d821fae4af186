package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Counters is the single set of atomic counters shared by every pipeline
// phase. Each phase updates the fields it owns; nothing here takes a lock,
// following the design notes' rule that the status thread only ever reads
// atomics and never the VFS write lock.
type Counters struct {
	StartTime time.Time

	ScannedFiles atomic.Int64
	ScannedBytes atomic.Int64
	MatchedFiles atomic.Int64
	MatchedBytes atomic.Int64

	HashedFiles   atomic.Int64
	HashedBytes   atomic.Int64
	ShortCircuits atomic.Int64
	Comodified    atomic.Int64
	ReadErrors    atomic.Int64

	DirsHashed atomic.Int64

	GroupsFound    atomic.Int64
	ShadowedFiles  atomic.Int64
	ShadowedDirs   atomic.Int64

	ProcessedFiles atomic.Int64
	ProcessedBytes atomic.Int64
	DedupedBytes   atomic.Int64
	DedupErrors    atomic.Int64
}

// NewCounters returns a fresh Counters with StartTime set to now.
func NewCounters() *Counters {
	return &Counters{StartTime: time.Now()}
}

// ScanString renders the scan-phase summary line for the progress bar.
func (c *Counters) ScanString() string {
	return fmt.Sprintf("Scanned %d (%s), matched %d files (%s) in %.1fs",
		c.ScannedFiles.Load(), humanize.IBytes(uint64(c.ScannedBytes.Load())),
		c.MatchedFiles.Load(), humanize.IBytes(uint64(c.MatchedBytes.Load())),
		time.Since(c.StartTime).Seconds())
}

// HashString renders the hash-phase summary line.
func (c *Counters) HashString() string {
	return fmt.Sprintf("Hashed %d files (%s), %d fingerprint short-circuits, %d comodified, %d errors in %.1fs",
		c.HashedFiles.Load(), humanize.IBytes(uint64(c.HashedBytes.Load())),
		c.ShortCircuits.Load(), c.Comodified.Load(), c.ReadErrors.Load(),
		time.Since(c.StartTime).Seconds())
}

// PostHashString renders the directory-hashing summary line.
func (c *Counters) PostHashString() string {
	return fmt.Sprintf("Hashed %d directories in %.1fs", c.DirsHashed.Load(), time.Since(c.StartTime).Seconds())
}

// GroupString renders the grouping-phase summary line.
func (c *Counters) GroupString() string {
	return fmt.Sprintf("%d duplicate groups (%d files, %d directories shadowed)",
		c.GroupsFound.Load(), c.ShadowedFiles.Load(), c.ShadowedDirs.Load())
}

// DedupString renders the dedup-phase summary line.
func (c *Counters) DedupString() string {
	return fmt.Sprintf("Processed %d files (%s), reclaimed %s, %d errors in %.1fs",
		c.ProcessedFiles.Load(), humanize.IBytes(uint64(c.ProcessedBytes.Load())),
		humanize.IBytes(uint64(c.DedupedBytes.Load())), c.DedupErrors.Load(),
		time.Since(c.StartTime).Seconds())
}

// View adapts one of Counters' *String methods to fmt.Stringer, so each
// phase can pass its own summary line to Bar.Describe/Bar.Finish without
// Counters itself committing to a single rendering.
type View struct {
	render func() string
}

func (v View) String() string { return v.render() }

func (c *Counters) ScanView() View     { return View{c.ScanString} }
func (c *Counters) HashView() View     { return View{c.HashString} }
func (c *Counters) PostHashView() View { return View{c.PostHashString} }
func (c *Counters) GroupView() View    { return View{c.GroupString} }
func (c *Counters) DedupView() View    { return View{c.DedupString} }
