// Package testing provides the conformance suite and benchmarks for
// implementations of the db.KVDB interface.
//
// The suite covers the write-index semantics every engine must honor: stale writes
// are ignored, SetEIfUnset has exactly one winner under contention, expired entries
// stay visible to Has until they are deleted, and Batch is all or nothing.
//
// Example usage:
//
//	factory := func() db.KVDB {
//		database, err := NewMyDatabase()
//		if err != nil {
//			panic(err)
//		}
//		return database
//	}
//
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
