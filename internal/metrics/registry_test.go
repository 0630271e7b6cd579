package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("400以上のステータスだけをエラーとして数えること", func(t *testing.T) {
		t.Parallel()

		r := New()
		r.Record(10*time.Millisecond, http.StatusOK)
		r.Record(20*time.Millisecond, http.StatusNotFound)
		r.Record(30*time.Millisecond, http.StatusServiceUnavailable)
		r.Record(40*time.Millisecond, http.StatusNoContent)

		s := r.Snapshot()
		assert.Equal(t, int64(4), s.TotalRequests)
		assert.Equal(t, int64(2), s.TotalErrors)
		assert.InDelta(t, 100.0, s.CumulativeLatencyMs, 0.001)
		assert.InDelta(t, 25.0, s.AverageLatencyMs, 0.001)

		assert.InDelta(t, 2.0, testutil.ToFloat64(r.errors), 0)
		assert.InDelta(t, 1.0, testutil.ToFloat64(r.requests.WithLabelValues("404")), 0)
	})

	t.Run("記録が無い場合は平均が0になること", func(t *testing.T) {
		t.Parallel()

		s := New().Snapshot()
		assert.Equal(t, Snapshot{}, s)
	})

	t.Run("並行して記録しても取りこぼさないこと", func(t *testing.T) {
		t.Parallel()

		r := New()
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				status := http.StatusOK
				if i%4 == 0 {
					status = http.StatusInternalServerError
				}
				r.Record(time.Millisecond, status)
			}(i)
		}
		wg.Wait()

		s := r.Snapshot()
		assert.Equal(t, int64(200), s.TotalRequests)
		assert.Equal(t, int64(50), s.TotalErrors)
		assert.InDelta(t, 200.0, s.CumulativeLatencyMs, 0.001)
	})

	t.Run("Snapshotは値を変更しないこと", func(t *testing.T) {
		t.Parallel()

		r := New()
		r.Record(time.Millisecond, http.StatusOK)
		assert.Equal(t, r.Snapshot(), r.Snapshot())
	})
}

func TestSnapshotText(t *testing.T) {
	t.Parallel()

	s := Snapshot{TotalRequests: 3, TotalErrors: 1, CumulativeLatencyMs: 4.5, AverageLatencyMs: 1.5}
	want := "total_requests 3\ntotal_errors 1\ncumulative_latency_ms 4.500\naverage_latency_ms 1.500\n"
	assert.Equal(t, want, s.Text())
}

func TestPrometheusHandler(t *testing.T) {
	t.Parallel()

	r := New()
	degraded := true
	require.NoError(t, r.RegisterDegradedGauge(func() bool { return degraded }))
	r.Record(time.Millisecond, http.StatusTooManyRequests)
	r.RecordRateLimitRejection()

	rec := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		`gateway_requests_total{code="429"} 1`,
		"gateway_request_errors_total 1",
		"gateway_rate_limit_rejections_total 1",
		"gateway_rate_limit_degraded 1",
		"gateway_request_duration_seconds_count 1",
	} {
		assert.True(t, strings.Contains(body, name), "missing %q", name)
	}
}
