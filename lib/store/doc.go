// Package store provides a typed interface for key-value storage operations on top
// of the byte-level db.KVDB interface, with unified error handling.
//
// The package focuses on:
//   - A generic interface (IStore[K, V]) whose keys and values are converted by codecs
//   - Typed update handles that keep the entry locked until they are closed
//
// Key Components:
//
//   - IStore Interface: The core abstraction defining operations for interacting with
//     a key-value store. Get, Put and Remove are single operations, AcquireForUpdate and
//     Acquire return a Handle for read-modify-write sequences.
//
//   - Error System: A structured error reporting mechanism using typed error codes
//     and descriptive messages. The underlying error is kept as the cause, so the
//     db sentinels (db.ErrLockTimeout, db.ErrCapacityExhausted, ...) still match
//     with errors.Is.
//
// Implementations:
//
//	- Local Store (lstore): A thin implementation that converts keys and values with
//	  interop codecs and delegates to a db.KVDB instance. Replication is independent of
//	  the store: a replication engine attached to the same database propagates every
//	  write made through the store.
//	  Available in the "github.com/ValentinKolb/rKV/lib/store/lstore" package.
package store
