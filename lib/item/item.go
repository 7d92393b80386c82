package item

import (
	"fmt"
	"math"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// CAS source
// --------------------------------------------------------------------------

// InvalidCAS is handed out instead of the real cas for values that are locked
// by someone else. No minted cas ever reaches this value.
const InvalidCAS uint64 = math.MaxUint64

// casCounter is the process wide source of cas values
var casCounter atomic.Uint64

// NextCAS mints a new cas value. Values are strictly increasing and never 0.
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func NextCAS() uint64 {
	return casCounter.Add(1)
}

// --------------------------------------------------------------------------
// Item
// --------------------------------------------------------------------------

// Item is a self-contained copy of a key-value pair. It is what callers hand to
// the store and what the store hands to the backing store, it never aliases
// memory owned by a hash table.
type Item struct {
	Key     string
	Value   []byte
	Flags   uint32
	Exptime int64  // Absolute expiry (unix seconds), 0 = never
	Cas     uint64 // 0 on input means "don't care"
	ID      int64  // Backend assigned row id, -1 = not yet persisted
	VBucket uint16
}

// New creates an item for the given key and value. The value is copied.
func New(key string, value []byte, flags uint32, exptime int64, vbucket uint16) *Item {
	return &Item{
		Key:     key,
		Value:   copyBytes(value),
		Flags:   flags,
		Exptime: exptime,
		ID:      -1,
		VBucket: vbucket,
	}
}

// SetCas assigns a freshly minted cas to the item and returns it.
func (it *Item) SetCas() uint64 {
	it.Cas = NextCAS()
	return it.Cas
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	c := *it
	c.Value = copyBytes(it.Value)
	return &c
}

func (it *Item) String() string {
	return fmt.Sprintf("Item{Key: %q, VBucket: %d, Cas: %d, ID: %d, Len: %d}", it.Key, it.VBucket, it.Cas, it.ID, len(it.Value))
}

// --------------------------------------------------------------------------
// QueuedItem
// --------------------------------------------------------------------------

// QueuedItem tells the flusher that a key in a vbucket has to be looked at again.
// It does not carry the value, the flusher always reads the current state.
type QueuedItem struct {
	Key     string
	VBucket uint16
}

// ResetMarker returns the sentinel that asks the flusher to wipe the backing store.
func ResetMarker(vbucket uint16) QueuedItem {
	return QueuedItem{VBucket: vbucket}
}

// IsReset reports whether this is the reset sentinel (zero length key).
func (qi QueuedItem) IsReset() bool {
	return len(qi.Key) == 0
}

func (qi QueuedItem) String() string {
	if qi.IsReset() {
		return fmt.Sprintf("QueuedItem{reset, VBucket: %d}", qi.VBucket)
	}
	return fmt.Sprintf("QueuedItem{Key: %q, VBucket: %d}", qi.Key, qi.VBucket)
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
