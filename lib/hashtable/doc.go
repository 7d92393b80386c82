// Package hashtable implements the in-memory value store of a single vbucket.
//
// Values live in a fixed number of shards. Each shard is a plain map guarded by
// its own mutex; the shard is chosen by hashing the key with xxhash. Every
// accessor takes the shard lock before it touches a value and releases it before
// user code (visitors) runs.
//
// A StoredValue carries the payload plus the bookkeeping the flusher needs:
//
//   - queuedAt: when the value went from clean to dirty
//   - dirtiedAt: the last mutation while dirty
//   - lockExpiry: the end of a get-and-lock, if any
//
// Set reports how the table changed (NotFound, WasClean, WasDirty) or why it
// refused the write (InvalidCas, IsLocked). Callers use WasClean and NotFound
// to decide whether the key has to be queued for persistence.
package hashtable
