package db

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplOffHeap Implementation = "offheap"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureGet              Feature = 1 << iota // Support for Get operations
	FeaturePut                                  // Support for Put operations
	FeatureRemove                               // Support for Remove operations
	FeatureAcquireForUpdate                     // Support for scoped update handles
	FeatureReplication                          // Support for ApplyRemote and ScanModified
	FeatureSave                                 // Support for Save operations
	FeatureLoad                                 // Support for Load operations
	FeatureReclaim                              // Support for tombstone reclamation
	FeatureSharedMemory                         // Segments can be attached by several processes
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeaturePut:
		return "Put"
	case FeatureRemove:
		return "Remove"
	case FeatureAcquireForUpdate:
		return "AcquireForUpdate"
	case FeatureReplication:
		return "Replication"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureReclaim:
		return "Reclaim"
	case FeatureSharedMemory:
		return "SharedMemory"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Replication Metadata
// --------------------------------------------------------------------------

// Meta is the replication metadata stamped on every entry. Metadata is totally
// ordered by Timestamp and then by Origin.
type Meta struct {
	Timestamp uint64 `json:"timestamp"`
	Origin    uint8  `json:"origin"`
}

// Compare returns -1, 0 or +1 depending on whether m orders before, equal to or after o.
func (m Meta) Compare(o Meta) int {
	switch {
	case m.Timestamp < o.Timestamp:
		return -1
	case m.Timestamp > o.Timestamp:
		return 1
	case m.Origin < o.Origin:
		return -1
	case m.Origin > o.Origin:
		return 1
	default:
		return 0
	}
}

// Wins reports whether an incoming write stamped with m replaces a stored entry
// stamped with o. Equal metadata never wins, which makes redelivery a no-op.
func (m Meta) Wins(o Meta) bool {
	return m.Compare(o) > 0
}

// Record is a detached copy of one entry, including tombstones. It is the unit
// exchanged by the replication engine and by Save/Load.
type Record struct {
	Key       []byte
	Value     []byte
	Meta      Meta
	Tombstone bool
	ModSeq    uint64
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// Handle is a scoped, mutable view of a single entry returned by AcquireForUpdate.
// The segment stays locked until Close is called, so no other caller can observe
// a partially written entry. A Handle must not be used from several goroutines.
type Handle interface {
	// Key returns the key the handle was acquired for.
	Key() []byte

	// Value returns a copy of the current value and whether a live (non-tombstoned) value exists.
	Value() (value []byte, present bool, err error)

	// Meta returns the metadata of the current entry. The boolean is false if no entry
	// (not even a tombstone) exists.
	Meta() (meta Meta, exists bool)

	// Set writes a new value for the key.
	Set(value []byte) error

	// Remove tombstones the entry. Removing an absent key is a no-op.
	Remove() (removed bool, err error)

	// Context derives a context that marks the handle's segment as held. Operations
	// started with it (or a child of it) on the same segment fail fast instead of deadlocking.
	Context(parent context.Context) context.Context

	// Close releases the segment lock. Close is idempotent.
	Close() error
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines the byte-level interface of a segmented, replicated key-value database.
// Keys and values are opaque byte slices, typed access is layered on top by the store package.
// Every blocking operation takes a context, its deadline bounds lock acquisition.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns a copy of the value stored for key. Absent keys and tombstones
	// return found=false and no error.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Put inserts or replaces the value for key and returns the previous live value.
	Put(ctx context.Context, key, value []byte) (previous []byte, replaced bool, err error)

	// Remove tombstones the entry for key and returns the previous live value.
	Remove(ctx context.Context, key []byte) (previous []byte, removed bool, err error)

	// AcquireForUpdate locks the key's segment in update mode and returns a handle
	// scoped to that lock.
	AcquireForUpdate(ctx context.Context, key []byte) (handle Handle, err error)

	// --------------------------------------------------------------------------
	// Replication Operations
	// --------------------------------------------------------------------------

	// ApplyRemote applies a replicated record if its metadata wins against the stored entry.
	// Losing records are discarded and reported with applied=false.
	ApplyRemote(ctx context.Context, rec Record) (applied bool, err error)

	// ScanModified calls fn for every entry whose modification sequence is greater than after.
	// It returns the watermark: every change with a sequence <= watermark has been visited.
	ScanModified(ctx context.Context, after uint64, fn func(rec *Record) error) (watermark uint64, err error)

	// ModSeq returns the current map-wide modification sequence.
	ModSeq() uint64

	// ReplicaID returns the identifier stamped on local writes.
	ReplicaID() uint8

	// Incarnation returns the identity of this map formatting. It changes whenever the
	// underlying region is created from scratch.
	Incarnation() uuid.UUID

	// Changes returns the change feed, or nil if the database was opened without one.
	Changes() <-chan *Change

	// Reclaim physically frees tombstones whose sequence is <= acked and whose timestamp
	// is older than grace. It returns the number of reclaimed entries.
	Reclaim(ctx context.Context, acked uint64, grace time.Duration) (reclaimed int, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save writes a snapshot of all entries (tombstones included) to w.
	Save(w io.Writer) (err error)

	// Load applies a snapshot written by Save. Records are merged with last-write-wins.
	Load(r io.Reader) (err error)

	// Sync flushes the mapped region to its backing file.
	Sync() (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close unmaps the region. Open handles must be closed first.
	Close() (err error)
}

// Change is published on the change feed for every applied mutation, while
// the segment lock is still held.
type Change struct {
	Segment int
	ModSeq  uint64
}
