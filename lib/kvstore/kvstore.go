package kvstore

import (
	"errors"

	"github.com/mickelfeng/ep-engine/lib/item"
)

// ErrNotFound is passed to a GetCallback when the key is not stored.
var ErrNotFound = errors.New("kvstore: key not found")

// SetCallback receives the outcome of a Set. id is the backend id of the row
// and is only meaningful when ok is true.
type SetCallback func(ok bool, id int64)

// DelCallback receives the outcome of a Del.
type DelCallback func(ok bool)

// GetCallback receives the outcome of a Get. err is ErrNotFound when the key
// is not stored.
type GetCallback func(it *item.Item, err error)

// KVStore is a transactional backing store.
//
// Implementations are driven by at most one writer goroutine at a time (the
// flusher or a writer-class task). Get may be called concurrently from reader
// tasks.
type KVStore interface {
	// Begin starts a transaction.
	Begin()

	// Set stores an item. Set outside a transaction starts one.
	Set(it *item.Item, cb SetCallback)

	// Del removes a key. Removing a missing key is a success.
	Del(key string, vbucket uint16, cb DelCallback)

	// Commit makes the current transaction durable. A non-nil error leaves the
	// transaction open so it can be committed again.
	Commit() error

	// Reset removes all items and bucket states.
	Reset()

	// Get reads a persisted item.
	Get(key string, vbucket uint16, cb GetCallback)

	// SnapshotVBuckets persists the bucket states.
	SnapshotVBuckets(states map[uint16]string) bool

	// LoadVBucketStates returns the last persisted bucket states.
	LoadVBucketStates() (map[uint16]string, error)

	// DelVBucket removes every item of a bucket.
	DelVBucket(vbucket uint16) bool

	// Close releases the backend.
	Close() error
}
