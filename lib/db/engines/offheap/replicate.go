package offheap

import (
	"context"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Replication Operations
// --------------------------------------------------------------------------

// ApplyRemote writes rec if its metadata is strictly greater than the stored one.
// A winning record keeps its metadata but gets a new local modification sequence,
// so it is forwarded to the other peers. A tombstone for an absent key is stored,
// otherwise an older write delivered later would resurrect the key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *offHeapDB) ApplyRemote(ctx context.Context, rec db.Record) (applied bool, err error) {
	defer d.applyTimer.UpdateSince(time.Now())

	q := d.newQuery()
	if err := q.begin(ctx, rec.Key, lockmgr.Update); err != nil {
		return false, err
	}
	err = q.run(func() error {
		if stored, ok := q.storedMeta(); ok && q.entryErr == nil && !rec.Meta.Wins(stored) {
			// conflict discard, not an error
			return nil
		}
		if q.entryErr != nil {
			log.Warningf("replacing corrupt entry with replicated record: %v", q.entryErr)
		}
		if err := q.mutate(ctx, nonNil(rec.Value), rec.Tombstone, rec.Meta); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// ScanModified visits every entry with a modification sequence greater than after.
// The watermark is read before the first segment is locked. A writer assigns its
// sequence while holding the write lock of its segment, so every change with a
// sequence <= watermark is either visible or still holds the lock the scan waits for.
// fn runs without any lock held.
func (d *offHeapDB) ScanModified(ctx context.Context, after uint64, fn func(rec *db.Record) error) (uint64, error) {
	watermark := d.ModSeq()

	var batch []*db.Record
	for _, seg := range d.segments {
		if err := ctx.Err(); err != nil {
			return after, err
		}

		g, err := seg.Lock().Read(ctx)
		if err != nil {
			return after, errors.Wrapf(err, "scan segment %d", seg.Index())
		}
		if seg.MaxModSeq() > after {
			seg.Range(func(chunk uint32, e segment.Entry, err error) bool {
				if err != nil {
					log.Warningf("scan skips entry: %v", err)
					return true
				}
				if e.ModSeq > after {
					batch = append(batch, e.Record())
				}
				return true
			})
		}
		_ = g.Release()

		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return after, err
			}
		}
		batch = batch[:0]
	}
	return watermark, nil
}

// Reclaim frees tombstones that every peer has acknowledged (modification sequence <=
// acked) and that are older than grace. Candidates are collected under the update lock,
// readers are only blocked for the upgrade that deletes them.
func (d *offHeapDB) Reclaim(ctx context.Context, acked uint64, grace time.Duration) (int, error) {
	now := d.now()
	graceNs := uint64(max(grace, 0))

	reclaimed := 0
	var keys [][]byte
	for _, seg := range d.segments {
		if seg.Tombstones() == 0 {
			continue
		}

		u, err := seg.Lock().Update(ctx)
		if err != nil {
			return reclaimed, errors.Wrapf(err, "reclaim segment %d", seg.Index())
		}

		keys = keys[:0]
		seg.Range(func(_ uint32, e segment.Entry, err error) bool {
			if err == nil && e.Tombstone() && e.ModSeq <= acked && e.Timestamp+graceNs <= now {
				keys = append(keys, append([]byte(nil), e.Key...))
			}
			return true
		})
		if len(keys) == 0 {
			_ = u.Release()
			continue
		}

		w, err := u.Upgrade(ctx)
		if err != nil {
			_ = u.Release()
			return reclaimed, errors.Wrapf(err, "reclaim segment %d", seg.Index())
		}
		// the update lock excluded all writers since the candidates were collected
		for _, key := range keys {
			pos := seg.Find(interop.Hash(key, d.header.seed), key)
			if pos.Found {
				seg.Delete(pos)
				reclaimed++
			}
		}
		_ = w.Release()
	}

	if reclaimed > 0 {
		log.Debugf("reclaimed %d tombstones acknowledged up to %d", reclaimed, acked)
	}
	return reclaimed, nil
}
