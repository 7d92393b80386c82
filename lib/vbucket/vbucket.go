package vbucket

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mickelfeng/ep-engine/lib/hashtable"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// State is the lifecycle state of a vbucket
type State int32

const (
	Dead State = iota
	Active
	Replica
	Pending
)

func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case Active:
		return "active"
	case Replica:
		return "replica"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ParseState converts the string form of a state back into a State
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dead":
		return Dead, nil
	case "active":
		return Active, nil
	case "replica":
		return Replica, nil
	case "pending":
		return Pending, nil
	default:
		return Dead, fmt.Errorf("invalid vbucket state: %s (expected one of dead, active, replica, pending)", s)
	}
}

// --------------------------------------------------------------------------
// VBucket
// --------------------------------------------------------------------------

// VBucket is one partition of the key space. The identity never changes, the
// state is atomic and the hash table synchronizes itself, so a *VBucket can be
// shared freely; it lives as long as anybody holds it.
type VBucket struct {
	id    uint16
	state atomic.Int32
	HT    *hashtable.HashTable
}

// New creates a vbucket with an empty hash table of numShards shards
func New(id uint16, state State, numShards int) *VBucket {
	vb := &VBucket{
		id: id,
		HT: hashtable.New(numShards),
	}
	vb.state.Store(int32(state))
	return vb
}

func (vb *VBucket) ID() uint16 { return vb.id }

func (vb *VBucket) State() State { return State(vb.state.Load()) }

func (vb *VBucket) SetState(s State) { vb.state.Store(int32(s)) }

func (vb *VBucket) String() string {
	return fmt.Sprintf("VBucket{ID: %d, State: %s, Items: %d}", vb.id, vb.State(), vb.HT.Len())
}

// --------------------------------------------------------------------------
// VBucketMap (registry)
// --------------------------------------------------------------------------

// Factory creates a vbucket for an id that is not yet known to the map
type Factory func(id uint16, state State) *VBucket

// VBucketMap owns the set of vbuckets.
type VBucketMap struct {
	buckets *xsync.MapOf[uint16, *VBucket]

	// serializes create-or-update so that two SetState calls for an unknown id
	// can't both create a bucket
	setMu sync.Mutex
}

// NewMap creates an empty registry
func NewMap() *VBucketMap {
	return &VBucketMap{
		buckets: xsync.NewMapOf[uint16, *VBucket](),
	}
}

// Get returns the vbucket with the given id.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *VBucketMap) Get(id uint16) (*VBucket, bool) {
	return m.buckets.Load(id)
}

// Add registers a vbucket, replacing any previous one with the same id.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *VBucketMap) Add(vb *VBucket) {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	m.buckets.Store(vb.ID(), vb)
}

// Remove drops a vbucket from the registry and returns it. Holders of the
// returned pointer can keep using it.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *VBucketMap) Remove(id uint16) (*VBucket, bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	return m.buckets.LoadAndDelete(id)
}

// SetState updates the state of an existing vbucket or creates one in that state.
// Returns the vbucket and whether it was created.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (m *VBucketMap) SetState(id uint16, state State, factory Factory) (*VBucket, bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()

	if vb, ok := m.buckets.Load(id); ok {
		vb.SetState(state)
		return vb, false
	}
	vb := factory(id, state)
	m.buckets.Store(id, vb)
	return vb, true
}

// IDs returns the ids of all registered vbuckets in ascending order
func (m *VBucketMap) IDs() []uint16 {
	ids := make([]uint16, 0, m.buckets.Size())
	m.buckets.Range(func(id uint16, _ *VBucket) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// States returns a snapshot of id -> state
func (m *VBucketMap) States() map[uint16]State {
	states := make(map[uint16]State, m.buckets.Size())
	m.buckets.Range(func(id uint16, vb *VBucket) bool {
		states[id] = vb.State()
		return true
	})
	return states
}

// Each calls fn for every vbucket until fn returns false
func (m *VBucketMap) Each(fn func(vb *VBucket) bool) {
	m.buckets.Range(func(_ uint16, vb *VBucket) bool {
		return fn(vb)
	})
}

// Len returns the number of registered vbuckets
func (m *VBucketMap) Len() int { return m.buckets.Size() }
