// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: A conformance suite covering local operations, update handles,
//     last-write-wins replication, modification scans, reclamation and snapshots
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// Maps have a fixed capacity. Factories must return databases that hold at least
// 10000 entries of up to 64 bytes, the suite and the benchmarks stay below that.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.KVDB {
//		database, _ := offheap.NewOffHeapDB(common.MapConfig{ReplicaID: 1, Entries: 20000, AvgKeySize: 16, AvgValueSize: 32})
//		return database
//	}
//
//	// Running the standard test suite
//	testing.RunKVDBTests(t, "OffHeap", factory)
//
//	// Running performance benchmarks
//	testing.RunKVDBBenchmarks(b, "OffHeap", factory)
package testing
