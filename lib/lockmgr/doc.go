// Package lockmgr implements the per-segment read/update/write lock of the
// off-heap store. The complete lock state is a single 64 bit word, which is
// stored inside the segment header of the mapped region. Because the word is
// only manipulated with atomic operations, one lock serializes goroutines of
// one process as well as processes attached to the same map file.
//
// Core Functionality:
//   - Three lock strengths with typed guards (ReadGuard, UpdateGuard, WriteGuard)
//   - Upgrade from Update to Write and Downgrade back, consuming the old guard
//   - Bounded waiting through context deadlines and a configured timeout
//   - Fail fast detection of reentrant acquisition through context markers
//
// Compatibility:
//
//	           | Read | Update | Write
//	    Read   | yes  | yes    | no
//	    Update | yes  | no     | no
//	    Write  | no   | no     | no
//
//	Update is a reservation. A holder inspects the segment while readers keep
//	running and upgrades only when it actually mutates. Since Update excludes
//	other Update and Write holders, no writer can interleave between the
//	reservation and the upgrade.
//
// Implementation Approach:
//
//	The lock word is laid out as follows:
//
//	- bits 0..29: number of readers
//	- bit 30: update held
//	- bit 31: write held
//	- bit 32: write pending
//
//	- Upgrade: sets the pending bit, which keeps new readers out, and waits
//	  for the reader count to reach zero. It then swaps the pending bit for
//	  the write bit. If the wait fails, the pending bit is cleared and the
//	  update guard is still held.
//
//	- Waiting: a waiter first spins with runtime.Gosched and then sleeps with
//	  exponential backoff capped at one millisecond. Waiting ends with
//	  ErrLockTimeout when the context is done or the deadline passes. A lock
//	  is never partially granted.
//
// Reentrancy:
//
//	WithHeld marks a lock as held in a context. Every acquisition checks the
//	markers of its context and returns ErrReentrantLock instead of waiting
//	on a lock the caller already owns.
//
// Usage Example:
//
//	lock := lockmgr.New(wordPtr, time.Second)
//
//	upd, err := lock.Update(ctx)
//	if err != nil {
//	    return err
//	}
//	w, err := upd.Upgrade(ctx)
//	if err != nil {
//	    _ = upd.Release()
//	    return err
//	}
//	defer w.Release()
package lockmgr
