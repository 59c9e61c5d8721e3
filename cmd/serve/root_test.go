package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
)

func TestMetricsServerWritesSets(t *testing.T) {
	a, b := metrics.NewSet(), metrics.NewSet()
	a.NewCounter(`rkv_replication_events_sent_total{replica="1"}`).Add(3)
	b.NewCounter(`rkv_housekeeping_runs_total{replica="1"}`).Inc()

	srv := metricsServer("127.0.0.1:0", []*metrics.Set{a, b})
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `rkv_replication_events_sent_total{replica="1"} 3`)
	assert.Contains(t, body, `rkv_housekeeping_runs_total{replica="1"} 1`)
}
