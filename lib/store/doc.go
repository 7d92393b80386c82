// Package store implements the eventually persistent store: an in-memory,
// vbucket partitioned key-value store whose mutations are written back to a
// kvstore.KVStore by a background flusher.
//
// Data path:
//
//	Set/Delete -> vbucket hash table (marked dirty) -> dirty queue
//	flusher    -> pending moved to writing -> backend transactions of TxnSize
//	           -> rejects merged back into pending
//
// Flush admission:
//
//   - A value dirty for longer than QueueAgeCap is persisted and counted as too old.
//   - A value modified less than MinDataAge ago is put back and counted as too
//     young. The flusher sleeps until the youngest rejected value becomes eligible.
//   - Every other dirty value is persisted. A key that is gone from memory is
//     deleted from the backend.
//
// Backend failures of single items requeue them for the next cycle. Failed
// commits are retried with a capped backoff until they succeed, so the flusher
// stalls rather than dropping data.
//
// Key Components:
//
//   - Store: the facade (Set, Get, GetLocked, Delete, Reset, background fetches,
//     vbucket management, tuning and statistics).
//   - Flusher: the recurring writer task driving flush cycles, with pause,
//     resume and a draining stop.
//   - Error: typed errors with a RetCode, matched with errors.Is against the
//     ErrNotMyVBucket, ErrInvalidCAS and ErrLocked sentinels.
//
// Example:
//
//	d := dispatcher.New(dispatcher.DefaultWorkloadPolicy())
//	d.Start()
//	s := store.New(mem.New(), d, store.DefaultOptions())
//	s.Set(item.New("k", []byte("v"), 0, 0, 0))
//	...
//	err := s.Close() // drains the dirty queue
//	d.Stop()
package store
