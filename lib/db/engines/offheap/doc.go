// Package offheap implements the db.KVDB interface on a memory-mapped region
// outside the Go heap. The region is either anonymous (process local) or backed by
// a file, in which case several processes can attach to the same map and share
// its segments and locks.
//
// The package focuses on:
//   - Fixed capacity storage without garbage collector pressure
//   - Per-segment locking with read, update and write strength
//   - Replication metadata on every entry (timestamp, origin, modification sequence)
//   - Snapshots that merge with last-write-wins semantics
//
// Key Components:
//
//   - offHeapDB: The central structure implementing db.KVDB. It owns the region,
//     the map header (layout, seed, replica id, incarnation and the map-wide
//     modification sequence) and one segment.Segment view per segment.
//
//   - query: Every operation walks the same pipeline. The key is hashed, the hash
//     selects the segment, the segment lock is acquired with the strength the
//     operation needs, the key is searched and the operation callback runs. The
//     lock is released on every exit path. Queries are pooled.
//
//   - handle: AcquireForUpdate stops the pipeline after the search and hands the
//     locked query to the caller. Each mutation upgrades the update lock to a write
//     lock and downgrades it again, so readers are only excluded while bytes change.
//
// Region layout:
//
//	+--------------------+ 0
//	| map header (4 KiB) |  magic, version, geometry, seed, replica id, mod seq, incarnation
//	+--------------------+ 4096
//	| segment 0          |  see package segment
//	+--------------------+
//	| ...                |
//	+--------------------+
//	| segment n-1        |
//	+--------------------+
//
// Modification sequences:
//
// Every applied mutation, local or replicated, takes the next value of the map-wide
// sequence while its segment is write locked and stores it in the entry. Each segment
// keeps the highest sequence it contains, so ScanModified skips segments without
// changes. The sequence lives inside the region and survives restarts of file-backed maps.
//
// Conflict resolution:
//
// Local writes are stamped with max(now, stored timestamp + 1) and the local replica
// id. ApplyRemote replaces the stored entry only if the incoming metadata is strictly
// greater (db.Meta.Wins). Removes keep a tombstone that carries the metadata of the
// delete, until housekeeping reclaims it with Reclaim.
//
// Usage Example:
//
//	database, err := offheap.NewOffHeapDB(common.MapConfig{
//		Path:         "/dev/shm/rkv.map",
//		ReplicaID:    1,
//		Entries:      1_000_000,
//		AvgKeySize:   16,
//		AvgValueSize: 100,
//	})
//	if err != nil {
//		return err
//	}
//	defer database.Close()
//
//	_, _, err = database.Put(ctx, []byte("key"), []byte("value"))
package offheap
