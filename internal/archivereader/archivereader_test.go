package archivereader

import (
	"sync"
	"testing"
	"time"
)

// TestBudgetAdmitsWithinCap verifies a Budget admits allocations up to its
// configured cap without blocking.
func TestBudgetAdmitsWithinCap(t *testing.T) {
	b := NewBudget(1 << 20)
	b.Acquire(512 << 10)
	b.Acquire(512 << 10)
	b.Release(1 << 20)
}

// TestBudgetBlocksUntilReleased verifies a second Acquire that would exceed
// the cap blocks until a concurrent Release frees enough room (spec.md §5:
// "Allocation-monitored buffers for archive decoding block allocation
// until the aggregate drops below the configured cap").
func TestBudgetBlocksUntilReleased(t *testing.T) {
	b := NewBudget(100)
	b.Acquire(100)

	unblocked := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Acquire(50)
		close(unblocked)
		b.Release(50)
	}()

	select {
	case <-unblocked:
		t.Fatal("Acquire returned before budget had room")
	case <-time.After(50 * time.Millisecond):
	}

	b.Release(100)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked after Release")
	}
	wg.Wait()
}

// TestBudgetSetCapWakesWaiters verifies raising the cap via SetCap wakes a
// blocked Acquire even without an intervening Release (spec.md §4.8/§5:
// cache_max "refreshes from the system-memory oracle before each batch").
func TestBudgetSetCapWakesWaiters(t *testing.T) {
	b := NewBudget(10)
	b.Acquire(10)

	unblocked := make(chan struct{})
	go func() {
		b.Acquire(5)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Acquire returned before cap was raised")
	case <-time.After(50 * time.Millisecond):
	}

	b.SetCap(20)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked after SetCap")
	}
}
