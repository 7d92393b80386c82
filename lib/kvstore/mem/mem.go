// Package mem provides a transactional in-memory kvstore.KVStore.
//
// Writes are staged in the open transaction and applied on Commit. Readers
// only ever see committed data.
package mem

import (
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("kvstore")

type record struct {
	value   []byte
	flags   uint32
	exptime int64
	cas     uint64
	id      int64
}

type op struct {
	del     bool
	vbucket uint16
	key     string
	rec     record
}

type stagedKey struct {
	vbucket uint16
	key     string
}

// Store is the in-memory backend
type Store struct {
	data     *xsync.MapOf[uint16, *xsync.MapOf[string, record]]
	vbStates *xsync.MapOf[uint16, string]
	nextID   atomic.Int64

	mu        sync.Mutex
	inTxn     bool
	staged    []op
	stagedIDs map[stagedKey]int64
	commits   atomic.Int64
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		data:      xsync.NewMapOf[uint16, *xsync.MapOf[string, record]](),
		vbStates:  xsync.NewMapOf[uint16, string](),
		stagedIDs: make(map[stagedKey]int64),
	}
}

var _ kvstore.KVStore = (*Store)(nil)

func (s *Store) bucket(vb uint16) *xsync.MapOf[string, record] {
	b, _ := s.data.LoadOrCompute(vb, func() *xsync.MapOf[string, record] {
		return xsync.NewMapOf[string, record]()
	})
	return b
}

// Begin starts a transaction. Begin inside an open transaction is a no-op.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTxn = true
}

// Set stages an upsert. The id of an existing row is kept, new rows get the
// next id.
func (s *Store) Set(it *item.Item, cb kvstore.SetCallback) {
	s.mu.Lock()
	s.inTxn = true

	sk := stagedKey{vbucket: it.VBucket, key: it.Key}
	id, ok := s.stagedIDs[sk]
	if !ok {
		if rec, found := s.bucket(it.VBucket).Load(it.Key); found {
			id = rec.id
		} else {
			id = s.nextID.Add(1)
		}
		s.stagedIDs[sk] = id
	}

	value := make([]byte, len(it.Value))
	copy(value, it.Value)
	s.staged = append(s.staged, op{
		vbucket: it.VBucket,
		key:     it.Key,
		rec: record{
			value:   value,
			flags:   it.Flags,
			exptime: it.Exptime,
			cas:     it.Cas,
			id:      id,
		},
	})
	s.mu.Unlock()

	cb(true, id)
}

// Del stages a delete.
func (s *Store) Del(key string, vbucket uint16, cb kvstore.DelCallback) {
	s.mu.Lock()
	s.inTxn = true
	delete(s.stagedIDs, stagedKey{vbucket: vbucket, key: key})
	s.staged = append(s.staged, op{del: true, vbucket: vbucket, key: key})
	s.mu.Unlock()

	cb(true)
}

// Commit applies the staged operations in order.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.staged {
		b := s.bucket(o.vbucket)
		if o.del {
			b.Delete(o.key)
		} else {
			b.Store(o.key, o.rec)
		}
	}
	if len(s.staged) > 0 {
		log.Debugf("committed %d operations", len(s.staged))
	}
	s.staged = nil
	s.stagedIDs = make(map[stagedKey]int64)
	s.inTxn = false
	s.commits.Add(1)
	return nil
}

// Reset drops all committed and staged data and the bucket states.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
	s.stagedIDs = make(map[stagedKey]int64)
	s.data.Clear()
	s.vbStates.Clear()
	log.Infof("store reset")
}

// Get reads a committed item.
func (s *Store) Get(key string, vbucket uint16, cb kvstore.GetCallback) {
	b, ok := s.data.Load(vbucket)
	if !ok {
		cb(nil, kvstore.ErrNotFound)
		return
	}
	rec, ok := b.Load(key)
	if !ok {
		cb(nil, kvstore.ErrNotFound)
		return
	}
	it := item.New(key, rec.value, rec.flags, rec.exptime, vbucket)
	it.Cas = rec.cas
	it.ID = rec.id
	cb(it, nil)
}

// SnapshotVBuckets replaces the stored bucket states.
func (s *Store) SnapshotVBuckets(states map[uint16]string) bool {
	s.vbStates.Clear()
	for vb, state := range states {
		s.vbStates.Store(vb, state)
	}
	return true
}

// VBucketStates returns the last snapshot of bucket states.
func (s *Store) VBucketStates() map[uint16]string {
	out := make(map[uint16]string, s.vbStates.Size())
	s.vbStates.Range(func(vb uint16, state string) bool {
		out[vb] = state
		return true
	})
	return out
}

// LoadVBucketStates is VBucketStates for the KVStore interface.
func (s *Store) LoadVBucketStates() (map[uint16]string, error) {
	return s.VBucketStates(), nil
}

// DelVBucket drops all committed items of a bucket.
func (s *Store) DelVBucket(vbucket uint16) bool {
	s.data.Delete(vbucket)
	s.vbStates.Delete(vbucket)
	return true
}

// Len returns the number of committed items across all buckets.
func (s *Store) Len() int {
	n := 0
	s.data.Range(func(_ uint16, b *xsync.MapOf[string, record]) bool {
		n += b.Size()
		return true
	})
	return n
}

// Commits returns how many transactions were committed.
func (s *Store) Commits() int64 {
	return s.commits.Load()
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
