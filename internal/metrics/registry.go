package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Snapshot はある時点のカウンタの値。
type Snapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	TotalErrors         int64   `json:"total_errors"`
	CumulativeLatencyMs float64 `json:"cumulative_latency_ms"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
}

// Text は1行に1カウンタの平文形式で返す。
func (s Snapshot) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "total_requests %d\n", s.TotalRequests)
	fmt.Fprintf(&b, "total_errors %d\n", s.TotalErrors)
	fmt.Fprintf(&b, "cumulative_latency_ms %.3f\n", s.CumulativeLatencyMs)
	fmt.Fprintf(&b, "average_latency_ms %.3f\n", s.AverageLatencyMs)
	return b.String()
}

// Registry はリクエスト数、エラー数、累積レイテンシを保持する。
// 値の更新はすべてアトミック操作で行う。
type Registry struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	latencyNanos  atomic.Int64

	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	errors          prometheus.Counter
	duration        prometheus.Histogram
	rateLimitDenied prometheus.Counter
}

// New はRegistryを生成する。Prometheusのメトリクスはプロセス固有のレジストリに登録する。
func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests handled by the gateway.",
		}, []string{"code"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Total number of requests answered with a status code of 400 or above.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency measured at the gateway.",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.errors,
		r.duration,
		r.rateLimitDenied,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Record は完了したリクエストを1件記録する。ステータスコードが400以上ならエラーとして数える。
func (r *Registry) Record(d time.Duration, status int) {
	if d < 0 {
		d = 0
	}
	r.totalRequests.Add(1)
	r.latencyNanos.Add(int64(d))
	if status >= http.StatusBadRequest {
		r.totalErrors.Add(1)
		r.errors.Inc()
	}
	r.requests.WithLabelValues(fmt.Sprint(status)).Inc()
	r.duration.Observe(d.Seconds())
}

// RecordRateLimitRejection はレート制限による拒否を数える。
func (r *Registry) RecordRateLimitRejection() {
	r.rateLimitDenied.Inc()
}

// RegisterDegradedGauge はレート制限の縮退状態を返す関数をゲージとして登録する。
func (r *Registry) RegisterDegradedGauge(degraded func() bool) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_degraded",
		Help:      "1 while the rate limiter counts in process because the shared store is unreachable.",
	}, func() float64 {
		if degraded() {
			return 1
		}
		return 0
	}))
}

// Snapshot は現在の値を返す。値は変更しない。
func (r *Registry) Snapshot() Snapshot {
	total := r.totalRequests.Load()
	cumulative := float64(r.latencyNanos.Load()) / float64(time.Millisecond)
	s := Snapshot{
		TotalRequests:       total,
		TotalErrors:         r.totalErrors.Load(),
		CumulativeLatencyMs: cumulative,
	}
	if total > 0 {
		s.AverageLatencyMs = cumulative / float64(total)
	}
	return s
}

// PrometheusHandler はPrometheusのエクスポジション形式で出力するハンドラを返す。
func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
