package offheap

import (
	"context"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/ValentinKolb/rKV/lib/db/segment"
	"github.com/ValentinKolb/rKV/lib/db/util"
	gometrics "github.com/rcrowley/go-metrics"
)

const samplesPerSegment = 100

// TimerInfo summarizes an op timer, durations are in nanoseconds
type TimerInfo struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ns"`
	P99   float64 `json:"p99_ns"`
	Rate1 float64 `json:"rate1"`
}

// Info is the implementation specific metadata of GetInfo
type Info struct {
	ReplicaID        uint8                  `json:"replica_id"`
	Incarnation      string                 `json:"incarnation"`
	Path             string                 `json:"path"`
	ModSeq           uint64                 `json:"mod_seq"`
	Segments         int                    `json:"segments"`
	ChunkSize        int                    `json:"chunk_size"`
	ChunksPerSegment int                    `json:"chunks_per_segment"`
	SlotsPerSegment  int                    `json:"slots_per_segment"`
	Checksums        bool                   `json:"checksums"`
	Entries          int                    `json:"entries"`
	Tombstones       int                    `json:"tombstones"`
	UsedChunks       int                    `json:"used_chunks"`
	TotalChunks      int                    `json:"total_chunks"`
	SegmentFill      util.DistributionStats `json:"segment_fill"`
	ValueSizeMedian  int                    `json:"value_size_median"`
	ValueSizeP90     int                    `json:"value_size_p90"`
	ValueSizeAvg     int                    `json:"value_size_avg"`
	FeedBacklog      int                    `json:"feed_backlog"`
	Timers           map[string]TimerInfo   `json:"timers"`
	Info             string                 `json:"info"`
}

// GetInfo reports counters of all segments and samples value sizes from the first
// entries of every segment.
func (d *offHeapDB) GetInfo() db.DatabaseInfo {
	geo := d.header.geo
	meta := &Info{
		ReplicaID:        d.ReplicaID(),
		Incarnation:      d.Incarnation().String(),
		Path:             d.region.Path(),
		ModSeq:           d.ModSeq(),
		Segments:         len(d.segments),
		ChunkSize:        int(geo.ChunkSize),
		ChunksPerSegment: int(geo.Chunks),
		SlotsPerSegment:  int(geo.Slots),
		Checksums:        d.header.checksums,
		TotalChunks:      len(d.segments) * int(geo.Chunks),
		Timers:           map[string]TimerInfo{},
		Info:             "Value sizes are estimates from a sample of every segment.",
	}

	sizes := util.NewSizeSample(samplesPerSegment * len(d.segments))
	fill := make([]int64, len(d.segments))
	for i, seg := range d.segments {
		meta.Entries += seg.Entries()
		meta.Tombstones += seg.Tombstones()
		meta.UsedChunks += seg.UsedChunks()
		fill[i] = int64(seg.Entries() + seg.Tombstones())

		g, err := seg.Lock().Read(context.Background())
		if err != nil {
			continue
		}
		count := 0
		seg.Range(func(_ uint32, e segment.Entry, err error) bool {
			if err == nil && !e.Tombstone() {
				sizes.Update(int64(len(e.Value)))
				count++
			}
			return count < samplesPerSegment
		})
		_ = g.Release()
	}
	meta.SegmentFill = util.NewDistributionStats(fill)
	meta.ValueSizeMedian = int(sizes.Percentile(0.5))
	meta.ValueSizeP90 = int(sizes.Percentile(0.9))
	meta.ValueSizeAvg = int(sizes.Mean())
	if d.feed != nil {
		meta.FeedBacklog = d.feed.Len()
	}

	d.registry.Each(func(name string, m interface{}) {
		if t, ok := m.(gometrics.Timer); ok {
			s := t.Snapshot()
			meta.Timers[name] = TimerInfo{Count: s.Count(), Mean: s.Mean(), P99: s.Percentile(0.99), Rate1: s.Rate1()}
		}
	})

	supportedFeatures := []db.Feature{
		db.FeatureGet, db.FeaturePut, db.FeatureRemove, db.FeatureAcquireForUpdate,
		db.FeatureReplication, db.FeatureSave, db.FeatureLoad, db.FeatureReclaim,
	}
	if d.region.Shared() {
		supportedFeatures = append(supportedFeatures, db.FeatureSharedMemory)
	}

	return db.DatabaseInfo{
		SizeBytes:         d.region.Size(),
		DbType:            db.ImplOffHeap,
		SupportedFeatures: supportedFeatures,
		Metadata:          meta,
	}
}
