package offheap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/interop"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Query pipeline
// --------------------------------------------------------------------------

// State is the position of a query in the pipeline
type State uint8

const (
	StateInit State = iota
	StateHashComputed
	StateSegmentSelected
	StateLockAcquired
	StateSearched
	StateFound
	StateAbsent
	StateCallbackExecuted
	StateAllocated
	StateLockReleased
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHashComputed:
		return "hash computed"
	case StateSegmentSelected:
		return "segment selected"
	case StateLockAcquired:
		return "lock acquired"
	case StateSearched:
		return "searched"
	case StateFound:
		return "found"
	case StateAbsent:
		return "absent"
	case StateCallbackExecuted:
		return "callback executed"
	case StateAllocated:
		return "allocated"
	case StateLockReleased:
		return "lock released"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// query holds all state of one in-flight operation. It is owned by exactly one
// goroutine from begin until finish and recycled through queryPool.
type query struct {
	db    *offHeapDB
	state State

	key  []byte
	hash uint64
	seg  *segment.Segment

	strength lockmgr.Strength
	read     *lockmgr.ReadGuard
	update   *lockmgr.UpdateGuard
	write    *lockmgr.WriteGuard

	pos      segment.Position
	entry    segment.Entry
	entryErr error
}

var queryPool = sync.Pool{
	New: func() any { return new(query) },
}

func (d *offHeapDB) newQuery() *query {
	q := queryPool.Get().(*query)
	q.db = d
	q.state = StateInit
	return q
}

// begin runs the pipeline up to Found or Absent: hash, select the segment, lock it with
// the given strength and search the key. On error the query has already been finished.
func (q *query) begin(ctx context.Context, key []byte, strength lockmgr.Strength) error {
	if q.db.closed.Load() {
		q.finish()
		return errors.New("map is closed")
	}

	q.key = key
	q.hash = interop.Hash(key, q.db.header.seed)
	q.state = StateHashComputed

	q.seg = q.db.segments[q.hash&q.db.mask]
	q.state = StateSegmentSelected

	if err := q.acquire(ctx, strength); err != nil {
		idx := q.seg.Index()
		q.finish()
		return errors.Wrapf(err, "segment %d", idx)
	}
	q.state = StateLockAcquired

	q.search()
	return nil
}

func (q *query) acquire(ctx context.Context, strength lockmgr.Strength) (err error) {
	lock := q.seg.Lock()
	switch strength {
	case lockmgr.Read:
		q.read, err = lock.Read(ctx)
	case lockmgr.Update:
		q.update, err = lock.Update(ctx)
	case lockmgr.Write:
		q.write, err = lock.Write(ctx)
	default:
		return errors.AssertionFailedf("invalid lock strength %s", strength)
	}
	if err == nil {
		q.strength = strength
	}
	return err
}

// search looks the key up in the locked segment
func (q *query) search() {
	q.pos = q.seg.Find(q.hash, q.key)
	q.state = StateSearched
	q.entry, q.entryErr = segment.Entry{}, nil

	if !q.pos.Found {
		q.state = StateAbsent
		return
	}
	q.entry, q.entryErr = q.seg.Entry(q.pos.Chunk)
	q.state = StateFound
}

// live reports whether a readable, non-tombstoned value was found
func (q *query) live() bool {
	return q.pos.Found && q.entryErr == nil && !q.entry.Tombstone()
}

// liveValue copies the found value out of segment memory
func (q *query) liveValue() ([]byte, bool, error) {
	if !q.pos.Found {
		return nil, false, nil
	}
	if q.entryErr != nil {
		return nil, false, errors.Wrapf(q.entryErr, "key of %d bytes", len(q.key))
	}
	if q.entry.Tombstone() {
		return nil, false, nil
	}
	return append([]byte{}, q.entry.Value...), true, nil
}

// storedMeta returns the metadata of the found entry, tombstones included
func (q *query) storedMeta() (db.Meta, bool) {
	if !q.pos.Found || (q.entryErr != nil && q.entry.Key == nil) {
		return db.Meta{}, false
	}
	return q.entry.Meta(), true
}

// mutate writes value (or a tombstone) stamped with meta under the write lock.
// It upgrades an update lock, assigns the next modification sequence, publishes
// the change and downgrades again, so a handle keeps its update lock.
func (q *query) mutate(ctx context.Context, value []byte, tombstone bool, meta db.Meta) error {
	if q.strength != lockmgr.Update && q.strength != lockmgr.Write {
		return errors.AssertionFailedf("mutation under %s lock", q.strength)
	}

	upgraded := false
	if q.strength == lockmgr.Update {
		w, err := q.update.Upgrade(ctx)
		if err != nil {
			return errors.Wrapf(err, "segment %d", q.seg.Index())
		}
		q.write, q.update, q.strength = w, nil, lockmgr.Write
		upgraded = true
	}

	seq := atomic.AddUint64(q.db.modSeq, 1)
	h := segment.EntryHeader{Timestamp: meta.Timestamp, Origin: meta.Origin, ModSeq: seq}
	if tombstone {
		h.Flags = segment.FlagTombstone
		value = nil
	}

	pos, err := q.seg.Put(q.pos, q.hash, q.key, value, h)
	if err == nil {
		q.state = StateAllocated
		q.seg.RaiseModSeq(seq)
		q.db.publish(q.seg.Index(), seq)
		q.pos = pos
		q.entry, q.entryErr = q.seg.Entry(pos.Chunk)
		q.state = StateFound
	}

	if upgraded {
		u, derr := q.write.Downgrade()
		if derr != nil {
			return errors.CombineErrors(err, derr)
		}
		q.update, q.write, q.strength = u, nil, lockmgr.Update
	}
	return err
}

// localMeta stamps a local write. The timestamp is raised above the stored entry,
// so a local write always wins against the state it replaces.
func (q *query) localMeta() db.Meta {
	ts := q.db.clock.CurrentTime()
	if stored, ok := q.storedMeta(); ok && stored.Timestamp >= ts {
		ts = stored.Timestamp + 1
	}
	q.db.observeStamp(ts)
	return db.Meta{Timestamp: ts, Origin: q.db.header.replicaID}
}

// run executes the operation callback once and finishes the query on every
// exit path, including panics inside fn.
func (q *query) run(fn func() error) error {
	defer q.finish()
	err := fn()
	q.state = StateCallbackExecuted
	return err
}

// finish releases the lock and returns the query to the pool.
func (q *query) finish() {
	if q.state == StateDone {
		return
	}

	var err error
	switch {
	case q.write != nil:
		err = q.write.Release()
	case q.update != nil:
		err = q.update.Release()
	case q.read != nil:
		err = q.read.Release()
	}
	if err != nil {
		log.Errorf("releasing %s lock: %v", q.strength, err)
	}
	q.state = StateLockReleased

	*q = query{state: StateDone}
	queryPool.Put(q)
}
