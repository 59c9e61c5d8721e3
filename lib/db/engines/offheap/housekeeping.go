package offheap

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var hkLog = logger.GetLogger("housekeeping")

// AckSource reports the highest modification sequence every peer has acknowledged,
// typically replication.Engine.MinAcknowledged.
type AckSource func() uint64

// Housekeeper reclaims tombstones once they are acknowledged by all peers and older
// than the grace period.
type Housekeeper struct {
	db       db.KVDB
	acked    AckSource
	interval time.Duration
	grace    time.Duration

	runs      *metrics.Counter
	reclaimed *metrics.Counter
	failures  *metrics.Counter
}

// NewHousekeeper creates a housekeeper for database. The counters are registered in set.
func NewHousekeeper(database db.KVDB, acked AckSource, interval, grace time.Duration, set *metrics.Set) *Housekeeper {
	name := func(metric string) string {
		return fmt.Sprintf(`rkv_housekeeping_%s{replica="%d"}`, metric, database.ReplicaID())
	}
	return &Housekeeper{
		db:        database,
		acked:     acked,
		interval:  interval,
		grace:     grace,
		runs:      set.NewCounter(name("runs_total")),
		reclaimed: set.NewCounter(name("reclaimed_total")),
		failures:  set.NewCounter(name("failures_total")),
	}
}

// RunOnce reclaims everything that is currently eligible
func (h *Housekeeper) RunOnce(ctx context.Context) (int, error) {
	h.runs.Inc()
	n, err := h.db.Reclaim(ctx, h.acked(), h.grace)
	h.reclaimed.Add(n)
	if err != nil {
		h.failures.Inc()
		return n, err
	}
	if n > 0 {
		hkLog.Debugf("reclaimed %d tombstones", n)
	}
	return n, nil
}

// Run calls RunOnce every interval until ctx is done. Failures are logged and retried
// on the next tick.
func (h *Housekeeper) Run(ctx context.Context) error {
	if !h.db.SupportsFeature(db.FeatureReclaim) {
		hkLog.Warningf("database does not support reclamation, housekeeping disabled")
		return nil
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
				hkLog.Warningf("housekeeping failed: %v", err)
			}
		}
	}
}
