package replication

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics groups the counters of one engine in its own set, so several
// engines (tests, embedded replicas) can live in one process.
type engineMetrics struct {
	set *metrics.Set

	sent       *metrics.Counter
	applied    *metrics.Counter
	discarded  *metrics.Counter
	applyErrs  *metrics.Counter
	reconnects *metrics.Counter
	rejected   *metrics.Counter
	malformed  *metrics.Counter
	bootstraps *metrics.Counter
	bytesOut   *metrics.Counter
	bytesIn    *metrics.Counter
}

func newEngineMetrics(self uint8) *engineMetrics {
	s := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`rkv_replication_%s{replica="%d"}`, metric, self)
	}
	return &engineMetrics{
		set:        s,
		sent:       s.NewCounter(name("events_sent_total")),
		applied:    s.NewCounter(name("events_applied_total")),
		discarded:  s.NewCounter(name("events_discarded_total")),
		applyErrs:  s.NewCounter(name("apply_errors_total")),
		reconnects: s.NewCounter(name("reconnects_total")),
		rejected:   s.NewCounter(name("handshakes_rejected_total")),
		malformed:  s.NewCounter(name("malformed_frames_total")),
		bootstraps: s.NewCounter(name("bootstraps_total")),
		bytesOut:   s.NewCounter(name("bytes_sent_total")),
		bytesIn:    s.NewCounter(name("bytes_received_total")),
	}
}

// peerGauges registers the state and acknowledged position of a peer
func (m *engineMetrics) peerGauges(self uint8, p *peer) {
	m.set.NewGauge(fmt.Sprintf(`rkv_replication_peer_state{replica="%d",peer="%d"}`, self, p.id), func() float64 {
		return float64(p.State())
	})
	m.set.NewGauge(fmt.Sprintf(`rkv_replication_peer_acked{replica="%d",peer="%d"}`, self, p.id), func() float64 {
		return float64(p.acked.Load())
	})
}
