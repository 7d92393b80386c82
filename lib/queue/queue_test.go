package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mickelfeng/ep-engine/lib/item"
)

func qi(key string) item.QueuedItem { return item.QueuedItem{Key: key} }

func TestBeginFlushEmpty(t *testing.T) {
	q := New()
	if _, ok := q.BeginFlush(); ok {
		t.Errorf("BeginFlush on empty queue should report no work")
	}
}

func TestHandOffAndRequeueOrder(t *testing.T) {
	q := New()
	for _, k := range []string{"a", "b", "c"} {
		q.Push(qi(k))
	}

	n, ok := q.BeginFlush()
	if !ok || n != 3 {
		t.Fatalf("BeginFlush = %d/%v, want 3/true", n, ok)
	}
	if q.Size() != 0 {
		t.Errorf("pending should be empty after hand-off, got %d", q.Size())
	}

	// a producer pushes during the flush
	q.Push(qi("d"))

	for {
		it, ok := q.PopWriting()
		if !ok {
			break
		}
		if it.Key != "b" {
			q.Reject(it)
		}
	}

	requeued, pending := q.CompleteFlush()
	if requeued != 2 || pending != 3 {
		t.Fatalf("CompleteFlush = %d/%d, want 2/3", requeued, pending)
	}

	if _, ok := q.BeginFlush(); !ok {
		t.Fatalf("expected work after requeue")
	}
	var order []string
	for {
		it, ok := q.PopWriting()
		if !ok {
			break
		}
		order = append(order, it.Key)
	}
	if fmt.Sprint(order) != "[d a c]" {
		t.Errorf("order after requeue = %v, want [d a c]", order)
	}
	if !q.Empty() {
		t.Errorf("queue should be empty")
	}
}

func TestConcurrentPushDuringHandOff(t *testing.T) {
	q := New()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(qi(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]bool)
	drain := func() {
		if _, ok := q.BeginFlush(); !ok {
			return
		}
		for {
			it, ok := q.PopWriting()
			if !ok {
				return
			}
			if seen[it.Key] {
				t.Errorf("duplicate %s", it.Key)
			}
			seen[it.Key] = true
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			drain()
		}
	}
	drain()

	if len(seen) != producers*perProducer {
		t.Errorf("saw %d items, want %d", len(seen), producers*perProducer)
	}
}
