// Package segment implements the storage layout of one segment of the off-heap map.
//
// A segment is a fixed block of memory inside the mapped region:
//
//	+-----------------+------------------+---------------+---------------------+
//	| header 64 bytes | lookup table     | chunk bitmap  | chunk arena         |
//	|                 | slots x uint64   | 1 bit / chunk | chunks x chunk size |
//	+-----------------+------------------+---------------+---------------------+
//
// The header holds the lock word, the highest modification sequence of any entry
// in the segment, and the entry, tombstone and used chunk counters.
//
// The lookup table uses open addressing with linear probing. A slot holds a 32 bit
// hash tag in the upper half and chunk+1 in the lower half, zero marks an empty
// slot. Deletion shifts following entries back, so no deleted markers exist and a
// probe always ends at the first empty slot.
//
// Entries start at a chunk boundary and span a contiguous run of chunks. The
// arena allocates first fit over the bitmap. Nothing in this package locks: the
// caller must hold the segment lock (lib/lockmgr) in Read mode for any read and
// in Write mode for any mutation.
package segment
