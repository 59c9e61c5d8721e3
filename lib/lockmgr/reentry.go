package lockmgr

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/cockroachdb/errors"
)

type heldKey struct{}

// held is a linked list of the locks a logical caller holds.
type held struct {
	lock   *Lock
	parent *held
}

// WithHeld returns a context that records l as held. Acquiring l again with
// that context (or one derived from it) fails with ErrReentrantLock.
func WithHeld(ctx context.Context, l *Lock) context.Context {
	parent, _ := ctx.Value(heldKey{}).(*held)
	return context.WithValue(ctx, heldKey{}, &held{lock: l, parent: parent})
}

// CheckReentry returns ErrReentrantLock if ctx records l (or another lock on the same word) as held.
func CheckReentry(ctx context.Context, l *Lock) error {
	if ctx == nil {
		return nil
	}
	for h, _ := ctx.Value(heldKey{}).(*held); h != nil; h = h.parent {
		if h.lock == l || h.lock.word == l.word {
			return errors.Wrap(db.ErrReentrantLock, "lock is already held by this caller")
		}
	}
	return nil
}
