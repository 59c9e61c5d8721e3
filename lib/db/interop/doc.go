// Package interop converts typed keys and values to the byte layout stored in a segment,
// and hashes and compares keys directly on stored bytes.
//
// A Codec is selected once when a store is configured. There is no reflection: every
// supported type has a fixed, explicit encoding. Fixed width numbers are big endian,
// variable length types rely on the entry header for their length, and composite
// values (Pair) carry a uvarint length prefix so they can be decoded without a schema.
//
// Hash and Equal work on raw byte ranges, which lets the query pipeline search a
// segment without decoding a single stored key.
//
// AppendRecord and DecodeRecord define the portable encoding of a db.Record. It is
// shared by the replication frames and by snapshots.
package interop
