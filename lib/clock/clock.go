// Package clock provides the time sources used to stamp replication metadata.
//
// Timestamps are nanoseconds since the unix epoch. A local write that has to dominate the
// entry it replaces is stamped one unit above it, so the resolution keeps such bumps far below
// any skew between replicas. Tests can replace the system clock with a Manual clock to get
// fully deterministic conflict resolution.
package clock

import (
	"sync/atomic"
	"time"
)

// TimeSource supplies timestamps for entry metadata.
type TimeSource interface {
	// CurrentTime returns the current time in nanoseconds.
	CurrentTime() uint64
}

// System is the wall clock time source.
type System struct{}

// CurrentTime returns the unix time in nanoseconds.
func (System) CurrentTime() uint64 {
	return uint64(time.Now().UnixNano())
}

// Manual is a time source that only moves when told to. It is safe for concurrent use.
type Manual struct {
	now atomic.Uint64
}

// NewManual returns a manual clock starting at start.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

// CurrentTime returns the time last set or advanced to.
func (m *Manual) CurrentTime() uint64 {
	return m.now.Load()
}

// Set moves the clock to t, which may be in the past.
func (m *Manual) Set(t uint64) {
	m.now.Store(t)
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) uint64 {
	return m.now.Add(uint64(d))
}

// IntervalBetween returns the duration between two timestamps produced by a TimeSource.
// The result is zero if to is before from.
func IntervalBetween(from, to uint64) time.Duration {
	if to <= from {
		return 0
	}
	return time.Duration(to - from)
}
