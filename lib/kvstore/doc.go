/*
Package kvstore defines the contract between the engine and its backing
store.

The flusher drives a backend in transactions:

	Begin()
	Set(item, cb) / Del(key, vb, cb)   ... up to txn_size times
	Commit()                           retried until it returns nil

Every callback is invoked before the call that takes it returns. A Set
callback reports success and the backend id assigned to the row. Commit
returning an error means none of the operations of the transaction are
durable and the whole transaction must be committed again.

Available implementations:

  - mem: transactional in-memory store, used by tests and the perf command
  - sqlite: durable store on modernc.org/sqlite
*/
package kvstore
