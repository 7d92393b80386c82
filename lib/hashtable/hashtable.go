package hashtable

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mickelfeng/ep-engine/lib/item"
)

// --------------------------------------------------------------------------
// Result types
// --------------------------------------------------------------------------

// MutationType is the outcome of HashTable.Set
type MutationType int

const (
	NotFound   MutationType = iota // The key did not exist and was created
	InvalidCas                     // The supplied cas did not match
	WasClean                       // The key existed and was clean
	WasDirty                       // The key existed and was already dirty
	IsLocked                       // The key is locked by someone else
)

func (m MutationType) String() string {
	switch m {
	case NotFound:
		return "NotFound"
	case InvalidCas:
		return "InvalidCas"
	case WasClean:
		return "WasClean"
	case WasDirty:
		return "WasDirty"
	case IsLocked:
		return "IsLocked"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// LockOutcome is the outcome of HashTable.GetLocked
type LockOutcome int

const (
	LockAcquired LockOutcome = iota // The lock was taken, the returned item carries the new cas
	LockNotFound                    // The key does not exist
	LockBusy                        // Somebody else holds an unexpired lock
)

func (l LockOutcome) String() string {
	switch l {
	case LockAcquired:
		return "Acquired"
	case LockNotFound:
		return "NotFound"
	case LockBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// Visitor is called once per value by HashTable.Visit. It receives a snapshot,
// modifications are not written back.
type Visitor func(v *StoredValue)

// --------------------------------------------------------------------------
// HashTable
// --------------------------------------------------------------------------

type shard struct {
	mu     sync.Mutex
	values map[string]*StoredValue
}

// HashTable holds the values of one vbucket, split over shards that are locked
// independently. Writes to keys in different shards never contend.
type HashTable struct {
	shards []*shard
	size   atomic.Int64
}

// DefaultNumShards returns the shard count used when none is configured
func DefaultNumShards() int {
	return runtime.NumCPU() * 4
}

// New creates an empty hash table with numShards shards (<= 0 = default).
func New(numShards int) *HashTable {
	if numShards <= 0 {
		numShards = DefaultNumShards()
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{values: make(map[string]*StoredValue)}
	}
	return &HashTable{shards: shards}
}

// ShardIndex returns the shard a key belongs to.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) ShardIndex(key string) int {
	// drop the low bits, they are the weakest for small keys
	h := xxhash.Sum64String(key) >> 7
	return int(h % uint64(len(ht.shards)))
}

func (ht *HashTable) shardFor(key string) *shard {
	return ht.shards[ht.ShardIndex(key)]
}

// NumShards returns the number of shards.
func (ht *HashTable) NumShards() int { return len(ht.shards) }

// Len returns the number of values in the table.
func (ht *HashTable) Len() int { return int(ht.size.Load()) }

// --------------------------------------------------------------------------
// Write operations
// --------------------------------------------------------------------------

// Set stores the item. On success the item's Cas is replaced by a freshly minted
// cas which is also stored with the value. A matching cas doubles as the unlock
// context for a locked value.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) Set(it *item.Item, now time.Time) MutationType {
	s := ht.shardFor(it.Key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[it.Key]
	if !ok {
		if it.Cas != 0 {
			return InvalidCas
		}
		stored := it.Clone()
		stored.SetCas()
		it.Cas = stored.Cas
		s.values[it.Key] = newStoredValue(stored, now)
		ht.size.Add(1)
		return NotFound
	}

	if v.IsLocked(now) && it.Cas != v.cas {
		return IsLocked
	}
	if it.Cas != 0 && it.Cas != v.cas {
		return InvalidCas
	}

	rv := WasDirty
	if v.IsClean() {
		rv = WasClean
	}
	stored := it.Clone()
	stored.SetCas()
	it.Cas = stored.Cas
	v.setValue(stored, now)
	return rv
}

// Del removes a key. Returns whether it existed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) Del(key string) bool {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	ht.size.Add(-1)
	return true
}

// Clear drops every value in the table and returns how many were removed.
//
// Thread-safety: This method is thread-safe, but values written concurrently
// to a shard that was already cleared survive.
func (ht *HashTable) Clear() int {
	removed := 0
	for _, s := range ht.shards {
		s.mu.Lock()
		n := len(s.values)
		s.values = make(map[string]*StoredValue)
		s.mu.Unlock()
		ht.size.Add(int64(-n))
		removed += n
	}
	return removed
}

// --------------------------------------------------------------------------
// Read operations
// --------------------------------------------------------------------------

// Get returns a copy of the value. If the value is locked at now the copy
// carries item.InvalidCAS instead of the real cas.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) Get(key string, vbucket uint16, now time.Time) (*item.Item, bool) {
	s := ht.shardFor(key)
	s.mu.Lock()
	v, ok := s.values[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	it := v.ToItem(vbucket)
	if v.IsLocked(now) {
		it.Cas = item.InvalidCAS
	}
	s.mu.Unlock()
	return it, true
}

// GetLocked locks the value until now+timeout and mints a new cas for it. A value
// that is already locked and not expired is left untouched.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) GetLocked(key string, vbucket uint16, now time.Time, timeout time.Duration) (*item.Item, LockOutcome) {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, LockNotFound
	}
	if v.IsLocked(now) {
		return nil, LockBusy
	}

	v.Lock(now.Add(timeout))
	v.SetCas(item.NextCAS())
	return v.ToItem(vbucket), LockAcquired
}

// Compute runs fn with the value for key while holding the shard lock. v is nil
// if the key does not exist. fn must not block or call into the backing store.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ht *HashTable) Compute(key string, fn func(v *StoredValue)) {
	s := ht.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.values[key])
}

// Visit calls visitor for a snapshot of every value. The shard lock is released
// before the visitor runs, so the visitor may call back into the table.
func (ht *HashTable) Visit(visitor Visitor) {
	for _, s := range ht.shards {
		s.mu.Lock()
		snapshot := make([]StoredValue, 0, len(s.values))
		for _, v := range s.values {
			snapshot = append(snapshot, *v)
		}
		s.mu.Unlock()

		for i := range snapshot {
			visitor(&snapshot[i])
		}
	}
}

// ShardSizes returns the number of values per shard.
func (ht *HashTable) ShardSizes() []float64 {
	sizes := make([]float64, len(ht.shards))
	for i, s := range ht.shards {
		s.mu.Lock()
		sizes[i] = float64(len(s.values))
		s.mu.Unlock()
	}
	return sizes
}
