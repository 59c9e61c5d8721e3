package offheap

import (
	"context"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Query Operations
// --------------------------------------------------------------------------

// Get returns a copy of the value stored for key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *offHeapDB) Get(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	defer d.getTimer.UpdateSince(time.Now())

	q := d.newQuery()
	if err := q.begin(ctx, key, lockmgr.Read); err != nil {
		return nil, false, err
	}
	err = q.run(func() (err error) {
		value, found, err = q.liveValue()
		return err
	})
	return value, found, err
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Put inserts or replaces the value for key. A tombstone left by Remove is
// reused in place.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *offHeapDB) Put(ctx context.Context, key, value []byte) (previous []byte, replaced bool, err error) {
	defer d.putTimer.UpdateSince(time.Now())

	q := d.newQuery()
	if err := q.begin(ctx, key, lockmgr.Update); err != nil {
		return nil, false, err
	}
	err = q.run(func() error {
		if q.live() {
			// copy before the entry is overwritten
			previous, replaced, _ = q.liveValue()
		}
		return q.mutate(ctx, nonNil(value), false, q.localMeta())
	})
	if err != nil {
		return nil, false, err
	}
	return previous, replaced, nil
}

// Remove tombstones the entry for key. The allocation is kept until housekeeping
// reclaims the tombstone, so late replicated writes are still resolved against it.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *offHeapDB) Remove(ctx context.Context, key []byte) (previous []byte, removed bool, err error) {
	defer d.removeTimer.UpdateSince(time.Now())

	q := d.newQuery()
	if err := q.begin(ctx, key, lockmgr.Update); err != nil {
		return nil, false, err
	}
	err = q.run(func() error {
		if !q.live() {
			// absent keys and tombstones stay untouched
			return nil
		}
		previous, removed, _ = q.liveValue()
		return q.mutate(ctx, nil, true, q.localMeta())
	})
	if err != nil {
		return nil, false, err
	}
	return previous, removed, nil
}

// AcquireForUpdate locks the segment of key in update mode and returns a handle
// holding that lock until Close.
//
// Thread-safety: The returned handle must only be used by one goroutine.
func (d *offHeapDB) AcquireForUpdate(ctx context.Context, key []byte) (db.Handle, error) {
	defer d.acquireTimer.UpdateSince(time.Now())

	q := d.newQuery()
	if err := q.begin(ctx, key, lockmgr.Update); err != nil {
		return nil, err
	}
	if q.pos.Found && q.entryErr != nil {
		err := q.entryErr
		q.finish()
		return nil, errors.Wrapf(err, "acquire key of %d bytes", len(key))
	}

	d.openHandles.Add(1)
	return &handle{q: q, ctx: ctx, key: append([]byte(nil), key...)}, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// --------------------------------------------------------------------------
// Handle
// --------------------------------------------------------------------------

// handle wraps a query that stays in the Found/Absent state while the update lock is held.
// Closing drops the reference, so a stale handle can never reach a recycled query.
type handle struct {
	q   *query
	ctx context.Context
	key []byte
}

var _ db.Handle = (*handle)(nil)

func (h *handle) Key() []byte {
	return h.key
}

func (h *handle) Value() ([]byte, bool, error) {
	if h.q == nil {
		return nil, false, db.ErrHandleClosed
	}
	return h.q.liveValue()
}

func (h *handle) Meta() (db.Meta, bool) {
	if h.q == nil {
		return db.Meta{}, false
	}
	return h.q.storedMeta()
}

func (h *handle) Set(value []byte) error {
	if h.q == nil {
		return db.ErrHandleClosed
	}
	h.q.key = h.key
	return h.q.mutate(h.ctx, nonNil(value), false, h.q.localMeta())
}

func (h *handle) Remove() (bool, error) {
	if h.q == nil {
		return false, db.ErrHandleClosed
	}
	if !h.q.live() {
		return false, nil
	}
	h.q.key = h.key
	if err := h.q.mutate(h.ctx, nil, true, h.q.localMeta()); err != nil {
		return false, err
	}
	return true, nil
}

func (h *handle) Context(parent context.Context) context.Context {
	if h.q == nil {
		return parent
	}
	return lockmgr.WithHeld(parent, h.q.seg.Lock())
}

func (h *handle) Close() error {
	if h.q == nil {
		return nil
	}
	d := h.q.db
	h.q.state = StateCallbackExecuted
	h.q.finish()
	h.q = nil
	d.openHandles.Add(-1)
	return nil
}
