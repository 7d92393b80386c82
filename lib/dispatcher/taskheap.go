// This file provides the keyed priority queue workers keep their tasks in.
//
// It combines a binary heap with a map from task id to heap entry, so a worker
// can pop the most urgent task in O(log n) and still find, reprioritize or drop
// a specific task (Wake, Cancel) without scanning.
//
// Not thread-safe: each heap is owned by exactly one worker goroutine.
package dispatcher

import (
	"container/heap"
	"strconv"
)

// heapEntry is one task in a taskHeap
type heapEntry struct {
	Key      uint64 // task id
	Priority uint64 // lower runs first
	index    int
}

func (e *heapEntry) String() string {
	return "{Key: " + strconv.FormatUint(e.Key, 10) + ", Priority: " + strconv.FormatUint(e.Priority, 10) + "}"
}

// taskHeap is a min-heap over Priority with key based access
type taskHeap struct {
	entries []*heapEntry
	byKey   map[uint64]*heapEntry
}

func newTaskHeap() *taskHeap {
	return &taskHeap{
		entries: make([]*heapEntry, 0),
		byKey:   make(map[uint64]*heapEntry),
	}
}

// Len is part of heap.Interface
func (h *taskHeap) Len() int { return len(h.entries) }

// Less is part of heap.Interface. Ties are broken by key so equal priorities
// run in scheduling order.
func (h *taskHeap) Less(i, j int) bool {
	if h.entries[i].Priority == h.entries[j].Priority {
		return h.entries[i].Key < h.entries[j].Key
	}
	return h.entries[i].Priority < h.entries[j].Priority
}

// Swap is part of heap.Interface
func (h *taskHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

// Push is part of heap.Interface
func (h *taskHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byKey[e.Key] = e
}

// Pop is part of heap.Interface
func (h *taskHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	delete(h.byKey, e.Key)
	return e
}

// Add inserts a task or updates the priority of an existing one
func (h *taskHeap) Add(key, priority uint64) {
	if e, ok := h.byKey[key]; ok {
		e.Priority = priority
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &heapEntry{Key: key, Priority: priority})
}

// PopMin removes and returns the most urgent entry
func (h *taskHeap) PopMin() (*heapEntry, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*heapEntry), true
}

// Remove drops a task by key and returns its priority
func (h *taskHeap) Remove(key uint64) (uint64, bool) {
	e, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.Priority, true
}

// Peek returns the most urgent entry without removing it
func (h *taskHeap) Peek() (*heapEntry, bool) {
	if len(h.entries) == 0 {
		return nil, false
	}
	return h.entries[0], true
}

// Contains reports whether a task is in the heap
func (h *taskHeap) Contains(key uint64) bool {
	_, ok := h.byKey[key]
	return ok
}
