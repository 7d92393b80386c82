// This file provides the lock-free multi-producer single-consumer mailbox every
// worker receives its control messages on.
//
//   - Lock-free pushes: producers append with CAS on the tail pointer
//   - Unbounded: the mailbox grows as needed
//   - Single consumer: exactly one goroutine reads from Recv()
//   - Ordering: per producer FIFO, no global order between producers
package dispatcher

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type mailboxNode[T any] struct {
	value *T
	next  atomic.Pointer[mailboxNode[T]]
}

// mailbox is a lock-free linked list drained into a channel by one goroutine
type mailbox[T any] struct {
	head   atomic.Pointer[mailboxNode[T]]
	tail   atomic.Pointer[mailboxNode[T]]
	out    chan *T
	closed atomic.Bool

	// pushed but not yet taken by the consumer
	pending atomic.Int64

	mu   sync.Mutex
	cond *sync.Cond
}

func newMailbox[T any]() *mailbox[T] {
	sentinel := &mailboxNode[T]{}
	m := &mailbox[T]{out: make(chan *T)}
	m.cond = sync.NewCond(&m.mu)
	m.head.Store(sentinel)
	m.tail.Store(sentinel)
	go m.pump()
	return m
}

// Push appends a message. It returns false once the mailbox is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *mailbox[T]) Push(value *T) bool {
	if value == nil || m.closed.Load() {
		return false
	}

	m.pending.Add(1)
	n := &mailboxNode[T]{value: value}
	var backoff uint8
	for {
		tail := m.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				m.tail.CompareAndSwap(tail, n)
				m.signal()
				return true
			}
		} else {
			// another producer appended but has not moved the tail yet
			m.tail.CompareAndSwap(tail, next)
		}

		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// signal wakes the pump. Taking the lock closes the window between the pump's
// emptiness check and its Wait.
func (m *mailbox[T]) signal() {
	m.mu.Lock()
	m.cond.Signal()
	m.mu.Unlock()
}

// pump moves messages from the list into the out channel until closed and empty
func (m *mailbox[T]) pump() {
	defer close(m.out)

	for {
		delivered := false
		for {
			head := m.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			delivered = true
			value := next.value
			m.head.Store(next)
			m.out <- value
			next.value = nil
		}

		if delivered {
			continue
		}
		if m.closed.Load() {
			return
		}

		m.mu.Lock()
		if m.head.Load().next.Load() == nil && !m.closed.Load() {
			m.cond.Wait()
		}
		m.mu.Unlock()
	}
}

// Recv returns the channel messages are delivered on. It is closed after Close
// once every pushed message was delivered.
func (m *mailbox[T]) Recv() <-chan *T {
	return m.out
}

// Pending returns how many pushed messages the consumer has not taken yet. A
// positive value guarantees a receive on Recv will not block forever.
func (m *mailbox[T]) Pending() int64 {
	return m.pending.Load()
}

// Taken must be called by the consumer after each receive from Recv.
func (m *mailbox[T]) Taken() {
	m.pending.Add(-1)
}

// Close rejects further pushes. Pending messages are still delivered.
func (m *mailbox[T]) Close() {
	m.closed.Store(true)
	m.signal()
}

// Len counts the undelivered messages. O(n), for diagnostics only.
func (m *mailbox[T]) Len() int {
	count := 0
	for cur := m.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		count++
	}
	return count
}
