package lockmgr

import "context"

// Strength is the mode a segment lock is held in.
type Strength uint8

const (
	// None means no lock is held.
	None Strength = iota
	// Read is shared with other readers and with one Update holder.
	Read
	// Update excludes other Update and Write holders but admits readers.
	// It reserves the right to upgrade to Write.
	Update
	// Write is fully exclusive.
	Write
)

func (s Strength) String() string {
	switch s {
	case None:
		return "none"
	case Read:
		return "read"
	case Update:
		return "update"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// ILockManager defines the interface of a read/update/write lock.
// Every acquisition is bounded by the context deadline and the configured lock timeout.
type ILockManager interface {
	// Read acquires the lock in Read mode.
	Read(ctx context.Context) (*ReadGuard, error)

	// Update acquires the lock in Update mode.
	Update(ctx context.Context) (*UpdateGuard, error)

	// Write acquires the lock in Write mode. It is equivalent to Update followed by Upgrade.
	Write(ctx context.Context) (*WriteGuard, error)
}
