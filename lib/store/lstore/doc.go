// Package lstore implements the typed store.IStore interface on top of a db.KVDB.
// It is a thin wrapper: keys and values are encoded with interop codecs and every
// call is delegated to the database, so the store adds no locking of its own.
//
// Key Features:
//   - Generic keys and values through interop.Codec
//   - Feature detection to handle unsupported operations gracefully
//   - Typed update handles, including Acquire with a default value
//   - Thread-safe operations for concurrent access
//
// Implementation Details:
//
//   - Feature Detection: Before executing operations, the store checks if the underlying
//     db.KVDB implementation supports the requested feature through the SupportsFeature
//     method. Unsupported operations return RetCUnsupportedOperation errors.
//
//   - Codecs: Keys are compared byte-wise inside the database, so the key codec must be
//     deterministic. Values that fail to decode are reported with RetCEncodingError, the
//     stored bytes stay untouched.
//
//   - Acquire: The default value is written through the same handle that holds the lock,
//     so no concurrent writer can observe the key as absent in between.
//
// Usage Example:
//
//	database, err := offheap.NewOffHeapDB(common.MapConfig{ReplicaID: 1, Entries: 1000, AvgKeySize: 16, AvgValueSize: 8})
//	if err != nil {
//		return err
//	}
//	counters := lstore.NewLocalStore[string, int64](database, interop.String{}, interop.Int64{})
//	defer counters.Close()
//
//	h, err := counters.Acquire(ctx, "visits", 0)
//	if err != nil {
//		return err
//	}
//	n, _, _ := h.Value()
//	err = h.Set(n + 1)
//	h.Close()
package lstore
