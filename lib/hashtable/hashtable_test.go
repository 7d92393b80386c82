package hashtable

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mickelfeng/ep-engine/lib/item"
)

var t0 = time.Unix(1_700_000_000, 0)

func newItem(key, value string) *item.Item {
	return item.New(key, []byte(value), 0, 0, 0)
}

func TestSetOutcomes(t *testing.T) {
	ht := New(8)

	it := newItem("k", "v1")
	if got := ht.Set(it, t0); got != NotFound {
		t.Fatalf("first Set = %s, want NotFound", got)
	}
	if it.Cas == 0 {
		t.Fatalf("Set should assign a cas to the item")
	}
	firstCas := it.Cas

	// still dirty from the first write
	if got := ht.Set(newItem("k", "v2"), t0); got != WasDirty {
		t.Errorf("second Set = %s, want WasDirty", got)
	}

	ht.Compute("k", func(v *StoredValue) { v.MarkClean() })
	if got := ht.Set(newItem("k", "v3"), t0); got != WasClean {
		t.Errorf("Set after MarkClean = %s, want WasClean", got)
	}

	stale := newItem("k", "v4")
	stale.Cas = firstCas
	if got := ht.Set(stale, t0); got != InvalidCas {
		t.Errorf("Set with stale cas = %s, want InvalidCas", got)
	}

	missing := newItem("missing", "v")
	missing.Cas = 42
	if got := ht.Set(missing, t0); got != InvalidCas {
		t.Errorf("Set with cas on missing key = %s, want InvalidCas", got)
	}

	got, ok := ht.Get("k", 0, t0)
	if !ok || !bytes.Equal(got.Value, []byte("v3")) {
		t.Errorf("Get = %v/%v, want v3", got, ok)
	}
	if ht.Len() != 1 {
		t.Errorf("Len = %d, want 1", ht.Len())
	}
}

func TestLocking(t *testing.T) {
	ht := New(4)
	ht.Set(newItem("k", "v"), t0)

	before, _ := ht.Get("k", 0, t0)

	locked, outcome := ht.GetLocked("k", 0, t0, 10*time.Second)
	if outcome != LockAcquired {
		t.Fatalf("GetLocked = %s, want Acquired", outcome)
	}
	if locked.Cas == before.Cas {
		t.Errorf("GetLocked should mint a new cas")
	}

	// second attempt while locked must not change anything
	if _, outcome := ht.GetLocked("k", 0, t0.Add(time.Second), 10*time.Second); outcome != LockBusy {
		t.Errorf("second GetLocked = %s, want Busy", outcome)
	}
	read, _ := ht.Get("k", 0, t0.Add(time.Second))
	if read.Cas != item.InvalidCAS {
		t.Errorf("reader of locked value got cas %d, want InvalidCAS", read.Cas)
	}
	if !bytes.Equal(read.Value, []byte("v")) {
		t.Errorf("locked value changed to %s", read.Value)
	}
	ht.Compute("k", func(v *StoredValue) {
		if v.Cas() != locked.Cas {
			t.Errorf("busy lock attempt changed cas from %d to %d", locked.Cas, v.Cas())
		}
	})

	// writes without the lock cas are refused
	if got := ht.Set(newItem("k", "other"), t0.Add(time.Second)); got != IsLocked {
		t.Errorf("Set on locked key = %s, want IsLocked", got)
	}

	// the lock owner may write, which also releases the lock
	owner := newItem("k", "mine")
	owner.Cas = locked.Cas
	if got := ht.Set(owner, t0.Add(time.Second)); got == IsLocked || got == InvalidCas {
		t.Errorf("Set by lock owner = %s", got)
	}
	if _, outcome := ht.GetLocked("k", 0, t0.Add(2*time.Second), time.Second); outcome != LockAcquired {
		t.Errorf("GetLocked after owner write = %s, want Acquired", outcome)
	}

	// expired locks can be taken again
	if _, outcome := ht.GetLocked("k", 0, t0.Add(time.Hour), time.Second); outcome != LockAcquired {
		t.Errorf("GetLocked after expiry = %s, want Acquired", outcome)
	}

	if _, outcome := ht.GetLocked("nope", 0, t0, time.Second); outcome != LockNotFound {
		t.Errorf("GetLocked on missing key = %s, want NotFound", outcome)
	}
}

func TestDirtyTimestamps(t *testing.T) {
	ht := New(1)
	ht.Set(newItem("k", "v"), t0)
	ht.Set(newItem("k", "v"), t0.Add(5*time.Second))

	ht.Compute("k", func(v *StoredValue) {
		if !v.QueuedAt().Equal(t0) {
			t.Errorf("QueuedAt = %v, want %v", v.QueuedAt(), t0)
		}
		if !v.DirtiedAt().Equal(t0.Add(5 * time.Second)) {
			t.Errorf("DirtiedAt = %v, want %v", v.DirtiedAt(), t0.Add(5*time.Second))
		}

		q, d := v.MarkClean()
		if !v.IsClean() || !v.QueuedAt().IsZero() || !v.DirtiedAt().IsZero() {
			t.Errorf("MarkClean should reset both timestamps")
		}
		v.ReDirty(q, d)
		if !v.IsDirty() || !v.QueuedAt().Equal(q) || !v.DirtiedAt().Equal(d) {
			t.Errorf("ReDirty should restore the captured timestamps")
		}
	})
}

func TestDelAndClear(t *testing.T) {
	ht := New(4)
	for i := 0; i < 100; i++ {
		ht.Set(newItem(fmt.Sprintf("key-%d", i), "v"), t0)
	}
	if !ht.Del("key-1") {
		t.Errorf("Del of existing key returned false")
	}
	if ht.Del("key-1") {
		t.Errorf("Del of deleted key returned true")
	}
	if ht.Len() != 99 {
		t.Errorf("Len = %d, want 99", ht.Len())
	}
	if n := ht.Clear(); n != 99 {
		t.Errorf("Clear removed %d, want 99", n)
	}
	if ht.Len() != 0 {
		t.Errorf("Len after Clear = %d", ht.Len())
	}
}

func TestVisitAllowsReentry(t *testing.T) {
	ht := New(4)
	for i := 0; i < 20; i++ {
		ht.Set(newItem(fmt.Sprintf("key-%d", i), "v"), t0)
	}

	seen := 0
	ht.Visit(func(v *StoredValue) {
		seen++
		// would deadlock if the shard lock were still held
		ht.Compute(v.Key(), func(*StoredValue) {})
	})
	if seen != 20 {
		t.Errorf("visited %d values, want 20", seen)
	}
}

func TestConcurrentSetsSameKeyLastWriterWins(t *testing.T) {
	ht := New(16)
	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ht.Set(newItem("shared", fmt.Sprintf("%d-%d", w, i)), t0)
			}
		}(w)
	}
	wg.Wait()

	// the stored cas is the highest one minted for this key
	final, ok := ht.Get("shared", 0, t0)
	if !ok {
		t.Fatalf("shared key missing")
	}
	probe := newItem("shared", "probe")
	probe.Cas = final.Cas
	if got := ht.Set(probe, t0); got == InvalidCas {
		t.Errorf("cas of the last writer is not the current cas")
	}
	if ht.Len() != 1 {
		t.Errorf("Len = %d, want 1", ht.Len())
	}
}

func TestDifferentShardsDoNotBlock(t *testing.T) {
	ht := New(64)

	a, b := "a", "b"
	for i := 0; ht.ShardIndex(a) == ht.ShardIndex(b); i++ {
		b = fmt.Sprintf("b-%d", i)
	}
	ht.Set(newItem(a, "v"), t0)

	done := make(chan struct{})
	ht.Compute(a, func(*StoredValue) {
		// holding a's shard lock, a write to b must still complete
		go func() {
			ht.Set(newItem(b, "v"), t0)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("write to a different shard was blocked")
		}
	})
}
