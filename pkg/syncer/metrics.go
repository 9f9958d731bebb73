package syncer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a point-in-time snapshot of transport activity.
type Metrics struct {
	TotalSyncs          int64
	SuccessfulSyncs     int64
	FailedSyncs         int64
	AverageSyncDuration time.Duration
	BytesTransferred    int64
}

// metricsRecorder accumulates transport counters and optionally mirrors
// them into prometheus.
type metricsRecorder struct {
	mu            sync.Mutex
	total         int64
	successful    int64
	failed        int64
	bytes         int64
	totalDuration time.Duration

	promTotal    prometheus.Counter
	promFailed   prometheus.Counter
	promBytes    prometheus.Counter
	promDuration prometheus.Histogram
}

func newMetricsRecorder(reg prometheus.Registerer) *metricsRecorder {
	m := &metricsRecorder{}
	if reg == nil {
		return m
	}
	factory := promauto.With(reg)
	m.promTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmmem",
		Name:      "sync_attempts_total",
		Help:      "Total number of peer sync attempts",
	})
	m.promFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmmem",
		Name:      "sync_failures_total",
		Help:      "Total number of failed peer syncs",
	})
	m.promBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "swarmmem",
		Name:      "sync_bytes_total",
		Help:      "Total bytes pushed to peers",
	})
	m.promDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "swarmmem",
		Name:      "sync_duration_seconds",
		Help:      "Duration of one peer sync",
		Buckets:   prometheus.DefBuckets,
	})
	return m
}

func (m *metricsRecorder) recordSuccess(duration time.Duration, bytes int64) {
	m.mu.Lock()
	m.total++
	m.successful++
	m.bytes += bytes
	m.totalDuration += duration
	m.mu.Unlock()

	if m.promTotal != nil {
		m.promTotal.Inc()
		m.promBytes.Add(float64(bytes))
		m.promDuration.Observe(duration.Seconds())
	}
}

func (m *metricsRecorder) recordFailure(duration time.Duration) {
	m.mu.Lock()
	m.total++
	m.failed++
	m.totalDuration += duration
	m.mu.Unlock()

	if m.promTotal != nil {
		m.promTotal.Inc()
		m.promFailed.Inc()
		m.promDuration.Observe(duration.Seconds())
	}
}

func (m *metricsRecorder) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Metrics{
		TotalSyncs:       m.total,
		SuccessfulSyncs:  m.successful,
		FailedSyncs:      m.failed,
		BytesTransferred: m.bytes,
	}
	if m.total > 0 {
		snap.AverageSyncDuration = m.totalDuration / time.Duration(m.total)
	}
	return snap
}
