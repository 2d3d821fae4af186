// Package grouping implements spec.md §4.7's duplicate grouping and
// shadowing engine: size groups, hash groups (spec.md §3), and the
// top-down shadow propagation that hides children of an already-duplicated
// directory from the default rendering.
package grouping

import (
	"cmp"
	"slices"
)

// Sorted is an ordered collection that maintains sort order by a key
// function. Carried over from the teacher's internal/types.Sorted[T,K],
// which backed dupedog's SiblingGroup/CandidateGroup/DuplicateGroup. Nothing
// in this repository constructs one: BuildResults sorts the result groups
// with sort.Slice directly.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for
// ordering. Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or the zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }
