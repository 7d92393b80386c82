// Package item defines the value types that travel between the in-memory
// store, the dirty queue and the backing store.
//
//   - Item: an owned copy of a key, its value and metadata (flags, expiry,
//     cas, backend id, vbucket).
//   - QueuedItem: a (key, vbucket) reference placed on the dirty queue. A zero
//     length key is the reset sentinel.
//   - NextCAS / InvalidCAS: the process wide cas source and the sentinel that
//     readers of a locked value observe.
package item
