// Package testing provides a conformance suite for kvstore.KVStore
// implementations.
//
//	func Test(t *testing.T) {
//		kvtesting.RunKVStoreTests(t, "Mem", func(t *testing.T) kvstore.KVStore {
//			return mem.New()
//		})
//	}
package testing
