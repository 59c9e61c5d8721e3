package offheap

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rKV/lib/clock"
	"github.com/ValentinKolb/rKV/lib/common"
	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/region"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/ValentinKolb/rKV/lib/db/util"
	"github.com/ValentinKolb/rKV/lib/lockmgr"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("offheap")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	minChunkSize       = 32
	maxChunkSize       = 1024
	entriesPerSegment  = 1024
	maxSegments        = 1 << 16 // hash bits 16.. are used for slot tags
	capacityHeadroom   = 5       // in quarters on top of the requested capacity: 5/4
	slotLoadInverse    = 4       // slots >= entries * 4/3
	defaultLockTimeout = 5 * time.Second
)

// --------------------------------------------------------------------------
// Core off-heap database structure
// --------------------------------------------------------------------------

// offHeapDB implements db.KVDB on a region split into independently locked segments
type offHeapDB struct {
	region   *region.Region
	header   *mapHeader
	segments []*segment.Segment
	mask     uint64
	modSeq   *uint64 // map wide sequence inside the region header

	clock     clock.TimeSource
	lastStamp atomic.Uint64 // highest local timestamp issued by this process
	feed      *util.LockFreeMPSC[db.Change]

	// op timers
	registry     gometrics.Registry
	getTimer     gometrics.Timer
	putTimer     gometrics.Timer
	removeTimer  gometrics.Timer
	acquireTimer gometrics.Timer
	applyTimer   gometrics.Timer

	openHandles atomic.Int64
	closed      atomic.Bool
}

var _ db.KVDB = (*offHeapDB)(nil)

// observeStamp records ts as issued
func (d *offHeapDB) observeStamp(ts uint64) {
	for {
		last := d.lastStamp.Load()
		if ts <= last || d.lastStamp.CompareAndSwap(last, ts) {
			return
		}
	}
}

// now is the clock time, but never older than a timestamp this process issued
func (d *offHeapDB) now() uint64 {
	return max(d.clock.CurrentTime(), d.lastStamp.Load())
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

type options struct {
	clock      clock.TimeSource
	changeFeed bool
	registry   gometrics.Registry
}

// Option configures the database when it is opened
type Option func(*options)

// WithTimeSource sets the clock used to stamp local writes (default: clock.System)
func WithTimeSource(c clock.TimeSource) Option {
	return func(o *options) { o.clock = c }
}

// WithChangeFeed enables the change feed returned by Changes. Without a consumer
// the feed only grows, so it must only be enabled when something reads it.
func WithChangeFeed() Option {
	return func(o *options) { o.changeFeed = true }
}

// WithRegistry sets the registry the op timers are registered in (default: a fresh registry)
func WithRegistry(r gometrics.Registry) Option {
	return func(o *options) { o.registry = r }
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewOffHeapDB opens the map described by conf. If conf.Path names an existing map
// file it is attached to and the stored layout is used, otherwise a new map is
// formatted from the capacity hints. An empty path creates an anonymous map that
// lives only as long as the returned database.
func NewOffHeapDB(conf common.MapConfig, opts ...Option) (db.KVDB, error) {
	return open(conf, opts...)
}

func open(conf common.MapConfig, opts ...Option) (*offHeapDB, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = gometrics.NewRegistry()
	}

	fresh, err := deriveHeader(conf)
	if err != nil {
		return nil, err
	}

	lockTimeout := conf.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = defaultLockTimeout
	}

	var (
		hdr      *mapHeader
		segments []*segment.Segment
	)
	reg, err := region.Open(conf.Path, fresh.regionSize(), func(mem []byte, created, exclusive bool) error {
		if created {
			writeHeader(mem, fresh)
			hdr = fresh
		} else {
			h, err := readHeader(mem)
			if err != nil {
				return err
			}
			if h.replicaID != conf.ReplicaID {
				return errors.Wrapf(db.ErrInvalidConfig, "map belongs to replica %d, configured replica is %d", h.replicaID, conf.ReplicaID)
			}
			hdr = h
		}

		segments = make([]*segment.Segment, hdr.segments)
		stride := hdr.geo.Stride()
		for i := range segments {
			off := headerSize + i*stride
			segments[i] = segment.New(i, mem[off:off+stride], hdr.geo, lockTimeout, hdr.checksums)
			if exclusive && !created {
				// nobody else is attached, so held locks are left overs of a crashed process
				if snap := segments[i].Lock().Snapshot(); snap != (lockmgr.Snapshot{}) {
					log.Warningf("segment %d: clearing stale lock state %+v", i, snap)
					segments[i].ResetLock()
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := &offHeapDB{
		region:   reg,
		header:   hdr,
		segments: segments,
		mask:     uint64(hdr.segments - 1),
		modSeq:   modSeqWord(reg.Bytes()),
		clock:    o.clock,
		registry: o.registry,
	}
	d.getTimer = gometrics.GetOrRegisterTimer("get", d.registry)
	d.putTimer = gometrics.GetOrRegisterTimer("put", d.registry)
	d.removeTimer = gometrics.GetOrRegisterTimer("remove", d.registry)
	d.acquireTimer = gometrics.GetOrRegisterTimer("acquire", d.registry)
	d.applyTimer = gometrics.GetOrRegisterTimer("apply", d.registry)

	if o.changeFeed {
		d.feed = util.NewLockFreeMPSC[db.Change]()
	}

	log.Infof("opened map %q: replica %d, %d segments, %d chunks of %d bytes and %d slots per segment, mod seq %d",
		reg.Path(), hdr.replicaID, hdr.segments, hdr.geo.Chunks, hdr.geo.ChunkSize, hdr.geo.Slots, d.ModSeq())
	return d, nil
}

// deriveHeader computes the layout of a new map from the capacity hints
func deriveHeader(conf common.MapConfig) (*mapHeader, error) {
	entrySize := segment.EntryHeaderSize + conf.AvgKeySize + conf.AvgValueSize

	chunkSize := conf.ChunkSize
	if chunkSize == 0 {
		chunkSize = min(max((entrySize+7)&^7, minChunkSize), maxChunkSize)
	}

	segments := uint64(conf.Segments)
	if segments == 0 {
		segments = util.NextPowerOfTwo((conf.Entries + entriesPerSegment - 1) / entriesPerSegment)
	}
	if segments > maxSegments {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "%d segments exceed the maximum of %d", segments, maxSegments)
	}

	perSegment := (conf.Entries + segments - 1) / segments
	chunksPerEntry := uint64((entrySize + chunkSize - 1) / chunkSize)
	chunks := perSegment*chunksPerEntry*capacityHeadroom/4 + 1
	slots := util.NextPowerOfTwo(perSegment*slotLoadInverse/3 + 1)
	if chunks >= 1<<32-1 || slots > 1<<31 {
		return nil, errors.Wrapf(db.ErrInvalidConfig, "%d entries per segment is too large, use more segments", perSegment)
	}

	h := &mapHeader{
		segments: int(segments),
		geo: segment.Geometry{
			Slots:     uint32(slots),
			Chunks:    uint32(chunks),
			ChunkSize: uint32(chunkSize),
		},
		replicaID:   conf.ReplicaID,
		checksums:   conf.Checksums,
		seed:        util.GenerateSeed(),
		incarnation: uuid.New(),
		createdAt:   uint64(time.Now().UnixMilli()),
	}
	return h, h.geo.Validate()
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (d *offHeapDB) ModSeq() uint64 {
	return atomic.LoadUint64(d.modSeq)
}

func (d *offHeapDB) ReplicaID() uint8 {
	return d.header.replicaID
}

func (d *offHeapDB) Incarnation() uuid.UUID {
	return d.header.incarnation
}

func (d *offHeapDB) Changes() <-chan *db.Change {
	if d.feed == nil {
		return nil
	}
	return d.feed.Recv()
}

// publish pushes a change event. It is called with the segment write lock held.
func (d *offHeapDB) publish(seg int, seq uint64) {
	if d.feed != nil {
		d.feed.Push(&db.Change{Segment: seg, ModSeq: seq})
	}
}

func (d *offHeapDB) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureGet | db.FeaturePut | db.FeatureRemove | db.FeatureAcquireForUpdate |
		db.FeatureReplication | db.FeatureSave | db.FeatureLoad | db.FeatureReclaim
	if d.region.Shared() {
		supported |= db.FeatureSharedMemory
	}
	return feature&supported == feature
}

func (d *offHeapDB) Sync() error {
	return d.region.Sync()
}

// Close unmaps the region. It fails while handles are open, since they reference
// mapped memory. Using the database after Close is a programming error.
func (d *offHeapDB) Close() error {
	if n := d.openHandles.Load(); n > 0 {
		return errors.Newf("close map: %d handles still open", n)
	}
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.feed != nil {
		d.feed.CloseNow()
	}
	d.registry.UnregisterAll()
	return d.region.Close()
}
