package db

import "github.com/cockroachdb/errors"

// Error sentinels. Concrete errors wrap one of these (errors.Wrapf(sentinel, ...)),
// so callers test with errors.Is while the message keeps the details.
var (
	// ErrCapacityExhausted is returned when a segment arena or lookup table is full.
	// The failed operation leaves the segment unchanged.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrLockTimeout is returned when a segment lock could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrReentrantLock is returned when an operation would wait on a segment lock
	// that the same logical caller already holds.
	ErrReentrantLock = errors.New("reentrant lock acquisition")

	// ErrGuardReleased is returned when a released or consumed lock guard is used.
	ErrGuardReleased = errors.New("lock guard already released")

	// ErrCorruptEntry is returned when stored bytes fail validation or decoding.
	ErrCorruptEntry = errors.New("corrupt entry")

	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("handle closed")

	// ErrReplicationTransport marks connection level failures inside the replication engine.
	ErrReplicationTransport = errors.New("replication transport failure")

	// ErrMalformedFrame marks frames that cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidConfig marks invalid configuration values and incompatible map files.
	ErrInvalidConfig = errors.New("invalid configuration")
)
