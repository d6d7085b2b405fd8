package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors of one engine.
type metrics struct {
	// processed counts dispatch outcomes by status:
	// "success", "retry", "failed" or "interrupted".
	processed *prometheus.CounterVec

	// transferDuration tracks executor latency in seconds.
	transferDuration prometheus.Histogram

	// queueLatency tracks the time from submission to first dispatch.
	queueLatency prometheus.Histogram

	bytes      prometheus.Counter
	loopErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, queueDepth, active func() float64) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "downloadq_queue_depth",
		Help: "Number of downloads waiting for dispatch",
	}, queueDepth)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "downloadq_active_transfers",
		Help: "Number of transfers in flight",
	}, active)

	return &metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "downloadq_processed_total",
			Help: "The total number of dispatch outcomes",
		}, []string{"status"}),
		transferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "downloadq_transfer_duration_seconds",
			Help:    "Duration of transfer attempts",
			Buckets: prometheus.DefBuckets,
		}),
		queueLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "downloadq_queue_latency_seconds",
			Help:    "Time spent in queue before first dispatch",
			Buckets: prometheus.DefBuckets,
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "downloadq_bytes_total",
			Help: "Bytes moved by completed transfers",
		}),
		loopErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "downloadq_dispatch_errors_total",
			Help: "Unexpected errors recovered inside the dispatch loop",
		}),
	}
}
