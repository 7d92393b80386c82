// Package queue implements the dirty queue that decouples mutations from the
// flusher.
//
// Producers append to the pending sequence. The flusher moves all of pending
// into its private writing sequence in one step (BeginFlush), drains writing,
// stages items it could not persist as rejects and finally appends them to the
// tail of pending (CompleteFlush), keeping their relative order.
package queue

import (
	"sync"

	"github.com/mickelfeng/ep-engine/lib/item"
)

// DirtyQueue is the two stage pending/writing queue.
//
// Thread-safety: Push, Size, Reject and CompleteFlush may be called from any
// goroutine. BeginFlush, PopWriting and WritingLen belong to the single flusher.
type DirtyQueue struct {
	mu      sync.Mutex
	pending []item.QueuedItem

	// owned by the flusher, never touched by producers
	writing []item.QueuedItem

	rejectMu sync.Mutex
	rejects  []item.QueuedItem
}

// New creates an empty dirty queue
func New() *DirtyQueue {
	return &DirtyQueue{}
}

// Push appends an item to pending and returns the new pending length.
func (q *DirtyQueue) Push(qi item.QueuedItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, qi)
	return len(q.pending)
}

// Size returns the pending length.
func (q *DirtyQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// BeginFlush moves pending to the tail of writing. It returns the writing length
// and false if there is nothing to do at all.
func (q *DirtyQueue) BeginFlush() (int, bool) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(q.writing) == 0 {
		q.writing = pending
	} else {
		q.writing = append(q.writing, pending...)
	}
	return len(q.writing), len(q.writing) > 0
}

// PopWriting removes the front of writing.
func (q *DirtyQueue) PopWriting() (item.QueuedItem, bool) {
	if len(q.writing) == 0 {
		return item.QueuedItem{}, false
	}
	qi := q.writing[0]
	q.writing[0] = item.QueuedItem{}
	q.writing = q.writing[1:]
	if len(q.writing) == 0 {
		q.writing = nil
	}
	return qi, true
}

// WritingLen returns how many items the current flush still has to process.
func (q *DirtyQueue) WritingLen() int {
	return len(q.writing)
}

// Reject stages an item for the next cycle.
func (q *DirtyQueue) Reject(qi item.QueuedItem) {
	q.rejectMu.Lock()
	q.rejects = append(q.rejects, qi)
	q.rejectMu.Unlock()
}

// RejectLen returns the number of staged rejects.
func (q *DirtyQueue) RejectLen() int {
	q.rejectMu.Lock()
	defer q.rejectMu.Unlock()
	return len(q.rejects)
}

// CompleteFlush appends staged rejects to the tail of pending and returns how
// many were requeued together with the new pending length.
func (q *DirtyQueue) CompleteFlush() (requeued int, pending int) {
	q.rejectMu.Lock()
	rejects := q.rejects
	q.rejects = nil
	q.rejectMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, rejects...)
	return len(rejects), len(q.pending)
}

// Empty reports whether pending, writing and the rejects are all empty.
func (q *DirtyQueue) Empty() bool {
	return q.Size() == 0 && len(q.writing) == 0 && q.RejectLen() == 0
}
