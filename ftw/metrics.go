package ftw

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	writes        *prometheus.CounterVec
	writesFailed  prometheus.Counter
	aborts        prometheus.Counter
	restarts      prometheus.Counter
	reclaims      prometheus.Counter
	flushDuration prometheus.Histogram
}

// NewMetrics registers the journal metrics with registerer under the "ftw_"
// prefix. A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("ftw_", registerer)
	}
	f := promauto.With(registerer)
	return &Metrics{
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "writes_total",
			Help: "Completed fault tolerant writes by destination kind.",
		}, []string{"kind"}),
		writesFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "writes_failed_total",
			Help: "Writes that returned an error after allocating a record.",
		}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Name: "aborts_total",
			Help: "Allocated records voided by recovery or AbortPending.",
		}),
		restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "restarts_total",
			Help: "Interrupted writes completed from the spare area.",
		}),
		reclaims: f.NewCounter(prometheus.CounterOpts{
			Name: "reclaims_total",
			Help: "Work space compactions.",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spare_flush_duration_seconds",
			Help:    "Time to copy the spare area onto a destination.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}
