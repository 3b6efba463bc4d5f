package cpra

import (
	"container/heap"
	"sort"
)

// Entry is one item retained by a TopK together with its priority.
type Entry[T any] struct {
	Priority float64
	Item     T
}

// minHeap keeps the lowest priority at index 0 so that it can be evicted.
type minHeap[T any] []Entry[T]

func (h minHeap[T]) Len() int           { return len(h) }
func (h minHeap[T]) Less(i, j int) bool { return h[i].Priority < h[j].Priority }
func (h minHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap[T]) Push(x interface{}) {
	*h = append(*h, x.(Entry[T]))
}

func (h *minHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopK retains the capacity highest-priority items of an arbitrarily long
// input. Ties are broken arbitrarily and items are never deduplicated.
type TopK[T any] struct {
	capacity int
	h        minHeap[T]
}

// NewTopK returns an empty store. A capacity of 0 retains nothing.
func NewTopK[T any](capacity int) *TopK[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &TopK[T]{
		capacity: capacity,
		h:        make(minHeap[T], 0, capacity),
	}
}

func (q *TopK[T]) Len() int { return len(q.h) }

func (q *TopK[T]) Cap() int { return q.capacity }

// Insert offers item to the store. If the store overflows, the entry with the
// lowest priority (which may be item itself) is evicted and returned with ok
// set.
//
// An item whose priority is at least the current maximum is appended at a
// leaf and never sifts, so ascending inputs insert in constant time until
// the store is full.
func (q *TopK[T]) Insert(item T, priority float64) (evicted Entry[T], ok bool) {
	e := Entry[T]{Priority: priority, Item: item}
	if q.capacity == 0 {
		return e, true
	}
	if len(q.h) < q.capacity {
		heap.Push(&q.h, e)
		return evicted, false
	}
	if priority <= q.h[0].Priority {
		return e, true
	}
	evicted = q.h[0]
	q.h[0] = e
	heap.Fix(&q.h, 0)
	return evicted, true
}

// Drain empties the store and returns its entries in non-increasing priority
// order. Draining again yields nothing.
func (q *TopK[T]) Drain() []Entry[T] {
	out := []Entry[T](q.h)
	q.h = nil
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
