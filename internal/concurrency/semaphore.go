// Package concurrency holds small synchronization primitives shared across
// the scan, hash, and dedup phases.
package concurrency

// Semaphore implements a counting semaphore using a buffered channel. It
// limits concurrent access to a resource by blocking when the limit is
// reached. Carried over from the teacher's internal/types.Semaphore.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent
// acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// TryAcquire claims a slot without blocking. Returns false if none is free.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
