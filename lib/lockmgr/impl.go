package lockmgr

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

// Layout of the lock word
const (
	readerMask uint64 = 1<<30 - 1
	updateBit  uint64 = 1 << 30
	writeBit   uint64 = 1 << 31
	pendingBit uint64 = 1 << 32
)

const (
	spinLimit  = 64
	minBackoff = time.Microsecond
	maxBackoff = time.Millisecond
)

// Lock is a read/update/write lock whose entire state is one 64 bit word.
// The word may live in shared memory, in which case the lock also serializes
// processes attached to the same mapping.
type Lock struct {
	word    *uint64
	timeout time.Duration
}

// New returns a lock operating on word. The word must be 8 byte aligned.
// A zero timeout waits until the context is done.
func New(word *uint64, timeout time.Duration) *Lock {
	return &Lock{word: word, timeout: timeout}
}

var _ ILockManager = (*Lock)(nil)

// Timeout returns the bound applied to every acquisition, 0 if only the context bounds it.
func (l *Lock) Timeout() time.Duration {
	return l.timeout
}

// Snapshot is a point in time view of a lock word.
type Snapshot struct {
	Readers int
	Update  bool
	Write   bool
	Pending bool
}

// Snapshot decodes the current lock word.
func (l *Lock) Snapshot() Snapshot {
	w := atomic.LoadUint64(l.word)
	return Snapshot{
		Readers: int(w & readerMask),
		Update:  w&updateBit != 0,
		Write:   w&writeBit != 0,
		Pending: w&pendingBit != 0,
	}
}

func (l *Lock) Read(ctx context.Context) (*ReadGuard, error) {
	if err := CheckReentry(ctx, l); err != nil {
		return nil, err
	}
	if err := l.wait(ctx, Read, l.tryRead); err != nil {
		return nil, err
	}
	return &ReadGuard{lock: l}, nil
}

func (l *Lock) Update(ctx context.Context) (*UpdateGuard, error) {
	if err := CheckReentry(ctx, l); err != nil {
		return nil, err
	}
	if err := l.wait(ctx, Update, l.tryUpdate); err != nil {
		return nil, err
	}
	return &UpdateGuard{lock: l}, nil
}

func (l *Lock) Write(ctx context.Context) (*WriteGuard, error) {
	u, err := l.Update(ctx)
	if err != nil {
		return nil, err
	}
	w, err := u.Upgrade(ctx)
	if err != nil {
		_ = u.Release()
		return nil, err
	}
	return w, nil
}

func (l *Lock) tryRead() bool {
	w := atomic.LoadUint64(l.word)
	if w&(writeBit|pendingBit) != 0 || w&readerMask == readerMask {
		return false
	}
	return atomic.CompareAndSwapUint64(l.word, w, w+1)
}

func (l *Lock) tryUpdate() bool {
	w := atomic.LoadUint64(l.word)
	if w&updateBit != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(l.word, w, w|updateBit)
}

// tryPromote turns a pending upgrade into a held write lock once all readers are gone.
func (l *Lock) tryPromote() bool {
	w := atomic.LoadUint64(l.word)
	if w&readerMask != 0 {
		return false
	}
	return atomic.CompareAndSwapUint64(l.word, w, (w&^pendingBit)|writeBit)
}

// wait calls try until it succeeds or the lock deadline passes. It spins
// with runtime.Gosched first and then sleeps with exponential backoff.
func (l *Lock) wait(ctx context.Context, s Strength, try func() bool) error {
	if try() {
		return nil
	}

	var deadline time.Time
	if l.timeout > 0 {
		deadline = time.Now().Add(l.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	backoff := minBackoff
	for spins := 0; ; spins++ {
		if try() {
			return nil
		}
		if spins < spinLimit {
			runtime.Gosched()
			continue
		}

		if err := ctx.Err(); err != nil {
			return errors.CombineErrors(errors.Wrapf(db.ErrLockTimeout, "%s lock: context done", s), err)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errors.Wrapf(db.ErrLockTimeout, "%s lock not acquired before deadline", s)
		}

		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// --------------------------------------------------------------------------
// Guards
// --------------------------------------------------------------------------

// ReadGuard represents a held Read lock.
type ReadGuard struct {
	lock     *Lock
	released bool
}

// Release releases the lock. Releasing twice returns ErrGuardReleased.
func (g *ReadGuard) Release() error {
	if g == nil || g.released {
		return errors.Wrap(db.ErrGuardReleased, "read guard")
	}
	g.released = true
	atomic.AddUint64(g.lock.word, ^uint64(0))
	return nil
}

// UpdateGuard represents a held Update lock.
type UpdateGuard struct {
	lock     *Lock
	released bool
}

// Upgrade waits for the readers to drain and converts the lock to Write mode.
// New readers are held back while the upgrade is pending. On success the
// update guard is consumed and must not be used anymore. On failure the
// update guard stays valid.
func (g *UpdateGuard) Upgrade(ctx context.Context) (*WriteGuard, error) {
	if g == nil || g.released {
		return nil, errors.Wrap(db.ErrGuardReleased, "upgrade of update guard")
	}

	atomic.OrUint64(g.lock.word, pendingBit)
	if err := g.lock.wait(ctx, Write, g.lock.tryPromote); err != nil {
		atomic.AndUint64(g.lock.word, ^pendingBit)
		return nil, err
	}

	g.released = true
	return &WriteGuard{lock: g.lock}, nil
}

// Release releases the lock. Releasing twice returns ErrGuardReleased.
func (g *UpdateGuard) Release() error {
	if g == nil || g.released {
		return errors.Wrap(db.ErrGuardReleased, "update guard")
	}
	g.released = true
	atomic.AndUint64(g.lock.word, ^updateBit)
	return nil
}

// WriteGuard represents a held Write lock.
type WriteGuard struct {
	lock     *Lock
	released bool
}

// Downgrade converts the lock back to Update mode, readers may enter again.
// The write guard is consumed.
func (g *WriteGuard) Downgrade() (*UpdateGuard, error) {
	if g == nil || g.released {
		return nil, errors.Wrap(db.ErrGuardReleased, "downgrade of write guard")
	}
	g.released = true
	atomic.AndUint64(g.lock.word, ^writeBit)
	return &UpdateGuard{lock: g.lock}, nil
}

// Release releases the lock. Releasing twice returns ErrGuardReleased.
func (g *WriteGuard) Release() error {
	if g == nil || g.released {
		return errors.Wrap(db.ErrGuardReleased, "write guard")
	}
	g.released = true
	atomic.AndUint64(g.lock.word, ^(writeBit | updateBit))
	return nil
}
