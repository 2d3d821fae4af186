//go:build !linux

package extent

// AdviseSequential is a no-op outside Linux.
func AdviseSequential(fd uintptr, offset, length int64) error { return nil }

// AdviseWillNeed is a no-op outside Linux.
func AdviseWillNeed(fd uintptr, offset, length int64) error { return nil }
