package mem

import (
	"testing"

	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	kvtesting "github.com/mickelfeng/ep-engine/lib/kvstore/testing"
)

func Test(t *testing.T) {
	kvtesting.RunKVStoreTests(t, "MemStore", func(t *testing.T) kvstore.KVStore {
		return New()
	})
}

func TestVBucketStates(t *testing.T) {
	s := New()
	s.SnapshotVBuckets(map[uint16]string{0: "active", 3: "pending"})
	s.SnapshotVBuckets(map[uint16]string{0: "active"})

	got := s.VBucketStates()
	if len(got) != 1 || got[0] != "active" {
		t.Errorf("VBucketStates = %v, want only vb 0 active", got)
	}
}

func TestLenAndCommits(t *testing.T) {
	s := New()
	s.Begin()
	s.Set(item.New("a", []byte("1"), 0, 0, 0), func(bool, int64) {})
	s.Set(item.New("b", []byte("1"), 0, 0, 1), func(bool, int64) {})
	if s.Len() != 0 {
		t.Errorf("Len before commit = %d, want 0", s.Len())
	}
	_ = s.Commit()
	if s.Len() != 2 || s.Commits() != 1 {
		t.Errorf("Len=%d Commits=%d, want 2/1", s.Len(), s.Commits())
	}
}
