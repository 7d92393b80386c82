package testing

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
)

// StoreFactory creates a fresh, empty backend. The backend is closed by the suite.
type StoreFactory func(t *testing.T) kvstore.KVStore

// RunKVStoreTests runs the conformance suite against a backend
func RunKVStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		tests := []struct {
			name string
			fn   func(t *testing.T, s kvstore.KVStore)
		}{
			{"SetCommitGet", testSetCommitGet},
			{"UncommittedInvisible", testUncommittedInvisible},
			{"IDStableAcrossUpdates", testIDStable},
			{"Delete", testDelete},
			{"DeleteMissing", testDeleteMissing},
			{"Reset", testReset},
			{"VBucketIsolation", testVBucketIsolation},
			{"DelVBucket", testDelVBucket},
			{"SnapshotVBuckets", testSnapshotVBuckets},
			{"ManyInOneTxn", testManyInOneTxn},
		}
		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				s := factory(t)
				defer func() {
					if err := s.Close(); err != nil {
						t.Errorf("Close failed: %v", err)
					}
				}()
				tc.fn(t, s)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustSet(t *testing.T, s kvstore.KVStore, it *item.Item) int64 {
	t.Helper()
	var (
		called bool
		gotOK  bool
		gotID  int64
	)
	s.Set(it, func(ok bool, id int64) {
		called, gotOK, gotID = true, ok, id
	})
	if !called {
		t.Fatalf("Set callback was not invoked synchronously")
	}
	if !gotOK {
		t.Fatalf("Set(%s) failed", it.Key)
	}
	if gotID <= 0 {
		t.Fatalf("Set(%s) returned id %d, want > 0", it.Key, gotID)
	}
	return gotID
}

func mustDel(t *testing.T, s kvstore.KVStore, key string, vb uint16) {
	t.Helper()
	var called, gotOK bool
	s.Del(key, vb, func(ok bool) { called, gotOK = true, ok })
	if !called || !gotOK {
		t.Fatalf("Del(%s) called=%v ok=%v", key, called, gotOK)
	}
}

func mustCommit(t *testing.T, s kvstore.KVStore) {
	t.Helper()
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func get(t *testing.T, s kvstore.KVStore, key string, vb uint16) (*item.Item, bool) {
	t.Helper()
	var (
		got    *item.Item
		gotErr error
		called bool
	)
	s.Get(key, vb, func(it *item.Item, err error) {
		got, gotErr, called = it, err, true
	})
	if !called {
		t.Fatalf("Get callback was not invoked synchronously")
	}
	if errors.Is(gotErr, kvstore.ErrNotFound) {
		return nil, false
	}
	if gotErr != nil {
		t.Fatalf("Get(%s) failed: %v", key, gotErr)
	}
	return got, true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetCommitGet(t *testing.T, s kvstore.KVStore) {
	it := item.New("key", []byte("value"), 7, 42, 0)
	it.Cas = 99

	s.Begin()
	id := mustSet(t, s, it)
	mustCommit(t, s)

	got, ok := get(t, s, "key", 0)
	if !ok {
		t.Fatalf("committed key not found")
	}
	if !bytes.Equal(got.Value, []byte("value")) {
		t.Errorf("value = %q, want %q", got.Value, "value")
	}
	if got.Flags != 7 || got.Exptime != 42 || got.Cas != 99 {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.ID != id {
		t.Errorf("id = %d, want %d", got.ID, id)
	}
}

func testUncommittedInvisible(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	mustSet(t, s, item.New("pending", []byte("v"), 0, 0, 0))
	if _, ok := get(t, s, "pending", 0); ok {
		t.Errorf("uncommitted write is visible")
	}
	mustCommit(t, s)
	if _, ok := get(t, s, "pending", 0); !ok {
		t.Errorf("committed write is not visible")
	}
}

func testIDStable(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	first := mustSet(t, s, item.New("k", []byte("1"), 0, 0, 0))
	mustCommit(t, s)

	s.Begin()
	second := mustSet(t, s, item.New("k", []byte("2"), 0, 0, 0))
	mustCommit(t, s)

	if first != second {
		t.Errorf("id changed on update: %d -> %d", first, second)
	}
	got, _ := get(t, s, "k", 0)
	if string(got.Value) != "2" {
		t.Errorf("value = %q, want 2", got.Value)
	}
}

func testDelete(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	mustSet(t, s, item.New("gone", []byte("v"), 0, 0, 0))
	mustCommit(t, s)

	s.Begin()
	mustDel(t, s, "gone", 0)
	mustCommit(t, s)

	if _, ok := get(t, s, "gone", 0); ok {
		t.Errorf("deleted key still present")
	}
}

func testDeleteMissing(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	mustDel(t, s, "never-stored", 0)
	mustCommit(t, s)
}

func testReset(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	for i := 0; i < 10; i++ {
		mustSet(t, s, item.New(fmt.Sprintf("k%d", i), []byte("v"), 0, 0, uint16(i%3)))
	}
	mustCommit(t, s)
	if !s.SnapshotVBuckets(map[uint16]string{0: "active", 1: "replica"}) {
		t.Fatalf("snapshot failed")
	}

	s.Reset()
	mustCommit(t, s)

	for i := 0; i < 10; i++ {
		if _, ok := get(t, s, fmt.Sprintf("k%d", i), uint16(i%3)); ok {
			t.Errorf("k%d survived Reset", i)
		}
	}
	states, err := s.LoadVBucketStates()
	if err != nil {
		t.Fatalf("LoadVBucketStates failed: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("bucket states survived Reset: %v", states)
	}
}

func testVBucketIsolation(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	mustSet(t, s, item.New("same", []byte("a"), 0, 0, 1))
	mustSet(t, s, item.New("same", []byte("b"), 0, 0, 2))
	mustCommit(t, s)

	a, _ := get(t, s, "same", 1)
	b, _ := get(t, s, "same", 2)
	if a == nil || b == nil || string(a.Value) != "a" || string(b.Value) != "b" {
		t.Errorf("buckets are not isolated: %v %v", a, b)
	}
	if _, ok := get(t, s, "same", 3); ok {
		t.Errorf("key visible in unrelated bucket")
	}
}

func testDelVBucket(t *testing.T, s kvstore.KVStore) {
	s.Begin()
	mustSet(t, s, item.New("x", []byte("v"), 0, 0, 1))
	mustSet(t, s, item.New("y", []byte("v"), 0, 0, 2))
	mustCommit(t, s)

	if !s.DelVBucket(1) {
		t.Fatalf("DelVBucket failed")
	}
	if _, ok := get(t, s, "x", 1); ok {
		t.Errorf("item of deleted bucket still present")
	}
	if _, ok := get(t, s, "y", 2); !ok {
		t.Errorf("item of other bucket removed")
	}
}

func testSnapshotVBuckets(t *testing.T, s kvstore.KVStore) {
	states := map[uint16]string{0: "active", 1: "replica"}
	if !s.SnapshotVBuckets(states) {
		t.Fatalf("first snapshot failed")
	}
	states[1] = "dead"
	delete(states, 0)
	if !s.SnapshotVBuckets(states) {
		t.Fatalf("second snapshot failed")
	}

	got, err := s.LoadVBucketStates()
	if err != nil {
		t.Fatalf("LoadVBucketStates failed: %v", err)
	}
	if len(got) != 1 || got[1] != "dead" {
		t.Errorf("expected only vb 1 dead, got %v", got)
	}
}

func testManyInOneTxn(t *testing.T, s kvstore.KVStore) {
	const n = 500
	s.Begin()
	ids := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		id := mustSet(t, s, item.New(fmt.Sprintf("key-%d", i), []byte(fmt.Sprint(i)), 0, 0, 0))
		if ids[id] {
			t.Fatalf("duplicate id %d", id)
		}
		ids[id] = true
	}
	mustCommit(t, s)

	for i := 0; i < n; i += 50 {
		got, ok := get(t, s, fmt.Sprintf("key-%d", i), 0)
		if !ok || string(got.Value) != fmt.Sprint(i) {
			t.Errorf("key-%d: got %v ok=%v", i, got, ok)
		}
	}
}
