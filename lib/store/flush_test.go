package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mickelfeng/ep-engine/lib/item"
)

func TestFlushTooYoung(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 3 * time.Second
	s, be := newManualStore(t, opts)

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	clk.Advance(time.Second)

	delay, worked := s.RunFlushCycle()
	if !worked {
		t.Fatal("cycle did not work")
	}
	if delay != 2*time.Second {
		t.Errorf("delay = %s, want 2s", delay)
	}
	if _, ok := be.persisted("k", 0); ok {
		t.Fatal("too young value persisted")
	}
	snap := s.Stats()
	if snap.TooYoung != 1 || snap.QueueSize != 1 {
		t.Errorf("too young=%d queue=%d", snap.TooYoung, snap.QueueSize)
	}
	if ks, _, _ := s.GetKeyStats("k", 0); !ks.Dirty || ks.DataAge != time.Second {
		t.Errorf("key stats %+v", ks)
	}

	clk.Advance(2 * time.Second)
	s.RunFlushCycle()
	if _, ok := be.persisted("k", 0); !ok {
		t.Fatal("value not persisted once old enough")
	}
	snap = s.Stats()
	if snap.TooYoung != 1 || snap.TotalPersisted != 1 || snap.DataAge != 3*time.Second {
		t.Errorf("too young=%d persisted=%d data age=%s", snap.TooYoung, snap.TotalPersisted, snap.DataAge)
	}
}

func TestFlushTooOld(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 3 * time.Second
	opts.QueueAgeCap = 10 * time.Second
	s, be := newManualStore(t, opts)

	s.Set(item.New("k", []byte("v1"), 0, 0, 0))
	clk.Advance(11 * time.Second)
	// keeps the value young but not its queue age
	s.Set(item.New("k", []byte("v2"), 0, 0, 0))

	s.RunFlushCycle()
	got, ok := be.persisted("k", 0)
	if !ok || string(got.Value) != "v2" {
		t.Fatalf("expected v2 persisted, got %v %v", got, ok)
	}
	snap := s.Stats()
	if snap.TooOld != 1 || snap.TooYoung != 0 || snap.TotalPersisted != 1 {
		t.Errorf("too old=%d too young=%d persisted=%d", snap.TooOld, snap.TooYoung, snap.TotalPersisted)
	}
	if snap.DirtyAgeHW != 11*time.Second {
		t.Errorf("dirty age hw = %s", snap.DirtyAgeHW)
	}
}

func TestFlushSetFailureRequeues(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	s, be := newManualStore(t, opts)
	be.setFailSets(true)

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	s.RunFlushCycle()

	snap := s.Stats()
	if snap.FlushFailed != 1 || snap.QueueSize != 1 {
		t.Errorf("flush failed=%d queue=%d", snap.FlushFailed, snap.QueueSize)
	}
	if ks, _, _ := s.GetKeyStats("k", 0); !ks.Dirty {
		t.Error("value clean after failed write")
	}

	be.setFailSets(false)
	s.RunFlushCycle()
	if _, ok := be.persisted("k", 0); !ok {
		t.Error("value not persisted after backend recovered")
	}
	if ks, _, _ := s.GetKeyStats("k", 0); ks.Dirty {
		t.Error("value still dirty")
	}
}

func TestFlushSetFailureAfterConcurrentMutation(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	s, be := newManualStore(t, opts)

	s.Set(item.New("k", []byte("v1"), 0, 0, 0))

	var once sync.Once
	be.mu.Lock()
	be.failSets = true
	be.onSet = func(it *item.Item) {
		once.Do(func() {
			clk.Advance(time.Second)
			if _, err := s.Set(item.New("k", []byte("v2"), 0, 0, 0)); err != nil {
				t.Errorf("Set during flush: %v", err)
			}
		})
	}
	be.mu.Unlock()

	s.RunFlushCycle()

	// the producer queued the key again, the failed write must not add a second entry
	if n := s.Stats().QueueSize; n != 1 {
		t.Errorf("queue size = %d, want 1", n)
	}
	ks, _, _ := s.GetKeyStats("k", 0)
	if !ks.Dirty {
		t.Fatal("value clean after failed write")
	}

	be.setFailSets(false)
	s.RunFlushCycle()
	got, ok := be.persisted("k", 0)
	if !ok || string(got.Value) != "v2" {
		t.Errorf("expected v2 persisted, got %v", got)
	}
	if n := s.Stats().QueueSize; n != 0 {
		t.Errorf("queue size = %d after recovery", n)
	}
}

func TestFlushDeleteFailureRequeues(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	s, be := newManualStore(t, opts)

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	s.RunFlushCycle()
	s.Delete("k", 0)

	be.setFailDels(true)
	s.RunFlushCycle()
	if snap := s.Stats(); snap.FlushFailed != 1 || snap.QueueSize != 1 {
		t.Errorf("flush failed=%d queue=%d", snap.FlushFailed, snap.QueueSize)
	}
	if _, ok := be.persisted("k", 0); !ok {
		t.Fatal("failed delete removed the value")
	}

	be.setFailDels(false)
	s.RunFlushCycle()
	if _, ok := be.persisted("k", 0); ok {
		t.Error("value still in backend after retried delete")
	}
}

func TestFlushCommitRetry(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	s, be := newManualStore(t, opts)
	be.failCommits(2)

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	s.RunFlushCycle()

	if n := s.Stats().CommitFailed; n != 2 {
		t.Errorf("commit failed = %d, want 2", n)
	}
	if _, ok := be.persisted("k", 0); !ok {
		t.Error("value not persisted after commit retries")
	}
	if be.nestedBegins != 0 {
		t.Errorf("%d transactions begun inside an open one", be.nestedBegins)
	}
}

func TestFlushResetMarker(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	s, be := newManualStore(t, opts)

	s.Set(item.New("a", []byte("1"), 0, 0, 0))
	s.Set(item.New("b", []byte("2"), 0, 0, 0))
	s.RunFlushCycle()
	if be.Len() != 2 {
		t.Fatalf("backend holds %d items", be.Len())
	}

	if err := s.Reset(0); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, ok, _ := s.Get("a", 0); ok {
		t.Error("a survived reset in memory")
	}
	if n := s.Stats().CurrItems; n != 0 {
		t.Errorf("curr items = %d", n)
	}

	s.RunFlushCycle()
	if _, _, resets := be.calls(); resets != 1 {
		t.Errorf("backend reset %d times, want 1", resets)
	}
	if be.Len() != 0 {
		t.Errorf("backend holds %d items after reset", be.Len())
	}
	if st := be.VBucketStates(); st[0] != "active" {
		t.Errorf("bucket states not restored after reset: %v", st)
	}
}

func TestCloseDrainsIgnoringMinDataAge(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = time.Hour
	opts.VerifyShutdownFlush = true
	s, be := newManualStore(t, opts)

	for i := 0; i < 10; i++ {
		s.Set(item.New(fmt.Sprintf("k%d", i), []byte("v"), 0, 0, 0))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if be.Len() != 10 {
		t.Errorf("backend holds %d items, want 10", be.Len())
	}
	if st := s.Flusher().State(); st != FlusherStopped {
		t.Errorf("flusher state %s", st)
	}
}

func TestCloseReportsDirtyValues(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.VerifyShutdownFlush = true
	s, be := newManualStore(t, opts)
	be.setFailSets(true)

	s.Set(item.New("stuck", []byte("v"), 0, 0, 0))
	err := s.Close()
	if !errors.Is(err, ErrDirtyAfterFlush) {
		t.Fatalf("expected ErrDirtyAfterFlush, got %v", err)
	}
	if err2 := s.Close(); err2 != err {
		t.Errorf("second Close returned %v", err2)
	}
}

func TestConcurrentWritersDuringFlush(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MinDataAge = 0
	opts.TxnSize = 16
	opts.VerifyShutdownFlush = true
	s, be := newManualStore(t, opts)

	const (
		writers = 8
		perKey  = 200
	)
	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				s.RunFlushCycle()
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perKey; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if _, err := s.Set(item.New(key, []byte(key), 0, 0, 0)); err != nil {
					t.Errorf("Set %s: %v", key, err)
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	<-flushed

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if be.Len() != writers*perKey {
		t.Errorf("backend holds %d items, want %d", be.Len(), writers*perKey)
	}
	if snap := s.Stats(); snap.TotalEnqueued != writers*perKey {
		t.Errorf("enqueued %d", snap.TotalEnqueued)
	}
}
