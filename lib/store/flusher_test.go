package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mickelfeng/ep-engine/lib/dispatcher"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	"github.com/mickelfeng/ep-engine/lib/vbucket"
)

func newDispatchedStore(t *testing.T, opts Options) (*Store, *fakeBackend, *dispatcher.Dispatcher) {
	t.Helper()
	d := dispatcher.New(dispatcher.WorkloadPolicy{MaxWorkers: 4, ReaderRatio: 0.5})
	d.Start()
	be := newFakeBackend()
	s := New(be, d, opts)
	t.Cleanup(func() {
		_ = s.Close()
		d.Stop()
	})
	return s, be, d
}

func realTimeOptions() Options {
	opts := DefaultOptions()
	opts.NumShards = 4
	opts.MinDataAge = 0
	opts.CommitRetryInterval = time.Millisecond
	opts.FlusherMaxSleep = 20 * time.Millisecond
	return opts
}

func TestNextSleep(t *testing.T) {
	const maxSleep = time.Second
	tests := []struct {
		name string
		res  cycleResult
		want time.Duration
	}{
		{"Idle", cycleResult{}, maxSleep},
		{"Interrupted", cycleResult{worked: true, left: 3, delay: 500 * time.Millisecond}, 0},
		{"TooYoung", cycleResult{worked: true, delay: 200 * time.Millisecond}, 200 * time.Millisecond},
		{"Capped", cycleResult{worked: true, delay: time.Hour}, maxSleep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextSleep(tt.res, maxSleep); got != tt.want {
				t.Errorf("nextSleep = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFlusherPersistsInBackground(t *testing.T) {
	s, be, _ := newDispatchedStore(t, realTimeOptions())

	waitFor(t, time.Second, func() bool { return s.Flusher().State() == FlusherRunning }, "flusher running")

	for i := 0; i < 20; i++ {
		s.Set(item.New(fmt.Sprintf("k%d", i), []byte("v"), 0, 0, 0))
	}
	waitFor(t, 2*time.Second, func() bool { return be.Len() == 20 }, "20 persisted items")
	waitFor(t, time.Second, func() bool { return s.Stats().QueueSize == 0 }, "empty queue")
}

func TestFlusherPauseResume(t *testing.T) {
	s, be, _ := newDispatchedStore(t, realTimeOptions())
	waitFor(t, time.Second, func() bool { return s.Flusher().State() == FlusherRunning }, "flusher running")

	if !s.PauseFlusher() {
		t.Fatal("Pause refused")
	}
	if s.PauseFlusher() {
		t.Error("second Pause accepted")
	}
	waitFor(t, time.Second, func() bool { return s.Flusher().State() == FlusherPaused }, "flusher paused")

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	time.Sleep(60 * time.Millisecond)
	if be.Len() != 0 {
		t.Fatal("paused flusher persisted a value")
	}

	if !s.ResumeFlusher() {
		t.Fatal("Resume refused")
	}
	waitFor(t, 2*time.Second, func() bool { return be.Len() == 1 }, "value persisted after resume")
	if s.ResumeFlusher() {
		t.Error("Resume of a running flusher accepted")
	}
}

func TestFlusherStopDrains(t *testing.T) {
	opts := realTimeOptions()
	opts.MinDataAge = time.Hour
	opts.VerifyShutdownFlush = true
	s, be, _ := newDispatchedStore(t, opts)

	for i := 0; i < 50; i++ {
		s.Set(item.New(fmt.Sprintf("k%d", i), []byte("v"), 0, 0, 0))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if be.Len() != 50 {
		t.Errorf("backend holds %d items, want 50", be.Len())
	}
	if st := s.Flusher().State(); st != FlusherStopped {
		t.Errorf("state %s", st)
	}
	if s.PauseFlusher() || s.ResumeFlusher() {
		t.Error("stopped flusher accepted pause or resume")
	}
}

func TestFlusherStopAfterDispatcherStopped(t *testing.T) {
	opts := realTimeOptions()
	opts.MinDataAge = time.Hour
	d := dispatcher.New(dispatcher.WorkloadPolicy{MaxWorkers: 2, ReaderRatio: 0.5})
	d.Start()
	be := newFakeBackend()
	s := New(be, d, opts)

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	d.Stop()

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung with a stopped dispatcher")
	}
	if _, ok := be.persisted("k", 0); !ok {
		t.Error("value not drained on the closing goroutine")
	}
}

func TestGetFromUnderlying(t *testing.T) {
	s, be, _ := newDispatchedStore(t, realTimeOptions())

	s.Set(item.New("k", []byte("disk"), 3, 0, 0))
	waitFor(t, 2*time.Second, func() bool { return be.Len() == 1 }, "value persisted")

	type result struct {
		it  *item.Item
		err error
	}
	ch := make(chan result, 2)
	cb := func(it *item.Item, err error) { ch <- result{it, err} }

	if err := s.GetFromUnderlying("k", 0, cb); err != nil {
		t.Fatalf("GetFromUnderlying: %v", err)
	}
	if err := s.GetFromUnderlying("missing", 0, cb); err != nil {
		t.Fatalf("GetFromUnderlying: %v", err)
	}

	var found, missing int
	for i := 0; i < 2; i++ {
		select {
		case r := <-ch:
			switch {
			case r.err == nil && string(r.it.Value) == "disk" && r.it.Flags == 3:
				found++
			case errors.Is(r.err, kvstore.ErrNotFound):
				missing++
			default:
				t.Errorf("unexpected fetch result %v %v", r.it, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fetch callback not called")
		}
	}
	if found != 1 || missing != 1 {
		t.Errorf("found=%d missing=%d", found, missing)
	}
	if snap := s.Stats(); snap.BgFetched != 1 || snap.BgFetchFailed != 0 {
		t.Errorf("bg fetched=%d failed=%d", snap.BgFetched, snap.BgFetchFailed)
	}
}

func TestFetchKeyStats(t *testing.T) {
	s, be, _ := newDispatchedStore(t, realTimeOptions())

	s.Set(item.New("k", []byte("v"), 0, 0, 0))
	waitFor(t, 2*time.Second, func() bool { return be.Len() == 1 }, "value persisted")

	type result struct {
		ks    KeyStats
		found bool
		err   error
	}
	ch := make(chan result, 1)
	fetch := func() result {
		t.Helper()
		if err := s.FetchKeyStats("k", 0, func(ks KeyStats, found bool, err error) {
			ch <- result{ks, found, err}
		}); err != nil {
			t.Fatalf("FetchKeyStats: %v", err)
		}
		select {
		case r := <-ch:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("key stats callback not called")
			return result{}
		}
	}

	r := fetch()
	if r.err != nil || !r.found || !r.ks.OnDisk || !r.ks.DiskMatches || r.ks.Dirty {
		t.Errorf("key stats %+v", r)
	}

	s.PauseFlusher()
	waitFor(t, time.Second, func() bool { return s.Flusher().State() == FlusherPaused }, "flusher paused")
	s.Set(item.New("k", []byte("changed"), 0, 0, 0))

	r = fetch()
	if !r.ks.OnDisk || r.ks.DiskMatches || !r.ks.Dirty {
		t.Errorf("key stats after change %+v", r)
	}
}

func TestVBucketSnapshotAndDelete(t *testing.T) {
	s, be, _ := newDispatchedStore(t, realTimeOptions())

	s.SetVBucketState(5, vbucket.Replica)
	waitFor(t, 2*time.Second, func() bool {
		return be.VBucketStates()[5] == "replica"
	}, "vbucket state snapshot")

	s.Set(item.New("k", []byte("v"), 0, 0, 5))
	waitFor(t, 2*time.Second, func() bool { return be.Len() == 1 }, "value persisted")

	task, err := s.DeleteVBucket(5)
	if err != nil || task == nil {
		t.Fatalf("DeleteVBucket: %v %v", task, err)
	}
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("vbucket deletion did not run")
	}
	if _, ok := be.persisted("k", 5); ok {
		t.Error("value of deleted vbucket still in backend")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := be.VBucketStates()[5]
		return !ok
	}, "vbucket removed from state snapshot")
}

func TestInfoReportsWorkers(t *testing.T) {
	s, _, _ := newDispatchedStore(t, realTimeOptions())
	info := s.Info()
	if len(info.Workers) != 4 {
		t.Errorf("expected 4 workers, got %d", len(info.Workers))
	}
}
