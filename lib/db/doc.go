// Package db defines the byte-level interface of the rKV key-value database.
// The KVDB interface abstracts a segmented entry store whose every entry carries
// replication metadata, so a local store and a replication engine can share one
// implementation.
//
// The package focuses on:
//   - A unified interface for lock-scoped key-value operations
//   - Replication metadata (Meta) and its last-write-wins ordering
//   - Detached entry records for replication and snapshots
//   - The error taxonomy shared by all layers
//
// Key Components:
//
//   - KVDB Interface: Get, Put, Remove and AcquireForUpdate for local callers,
//     ApplyRemote, ScanModified and the change feed for the replication engine,
//     Reclaim for housekeeping and Save/Load for snapshots.
//
//   - Meta: The (timestamp, origin) pair stamped on every entry. Meta.Wins is the
//     entire consistency model: an incoming write replaces the stored entry iff its
//     metadata is strictly greater. Equal metadata is a no-op, which makes duplicate
//     delivery idempotent.
//
//   - Handle: A mutable view of one entry that keeps the segment locked until it is
//     closed. Handle.Context marks the lock as held so nested operations on the same
//     segment fail with ErrReentrantLock instead of blocking forever.
//
//   - Errors: Sentinels such as ErrCapacityExhausted, ErrLockTimeout and ErrCorruptEntry.
//     Implementations wrap them with details (errors.Wrapf), callers use errors.Is.
//
// Note on "not found": a missing key is a normal outcome and is reported through the
// boolean results, never as an error.
//
// Note on modification sequences: every applied change (local or remote) is assigned a
// map-wide, strictly increasing modification sequence. ScanModified uses it as the
// replication position, which is independent of wall clock timestamps of other replicas.
//
// Related Packages:
//
// The engines/offheap package (github.com/ValentinKolb/rKV/lib/db/engines/offheap) implements
// KVDB over a memory-mapped region split into segments (lib/db/segment), each guarded by an
// in-region lock word (lib/lockmgr).
//
// The testing package (github.com/ValentinKolb/rKV/lib/db/testing) provides standardized
// tests and benchmarks for implementations that satisfy the db.KVDB interface.
package db
