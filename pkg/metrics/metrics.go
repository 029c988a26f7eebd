package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectorlink_queue_depth",
			Help: "Number of claimable entries currently in the queue, by service",
		},
		[]string{"service"},
	)

	ClaimsHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vectorlink_claims_held",
			Help: "Number of task claims currently held, by service",
		},
		[]string{"service"},
	)

	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectorlink_tasks_claimed_total",
			Help: "Total number of tasks claimed by this worker",
		},
		[]string{"service"},
	)

	TasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectorlink_tasks_finished_total",
			Help: "Total number of tasks finished, by outcome",
		},
		[]string{"service", "outcome"},
	)

	// Lease metrics
	LeaseRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vectorlink_lease_renewals_total",
			Help: "Total number of lease renewal attempts, by outcome",
		},
		[]string{"outcome"},
	)

	LeaseRenewalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vectorlink_lease_renewal_duration_seconds",
			Help:    "Time taken to renew a lease",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Monitor metrics
	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vectorlink_monitor_scan_duration_seconds",
			Help:    "Time taken for a full monitor scan of the tasks prefix",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorlink_monitor_tasks_enqueued_total",
			Help: "Total number of tasks the monitor moved into the queue",
		},
	)

	OrphansRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorlink_monitor_orphans_recovered_total",
			Help: "Total number of orphaned claims recovered by the monitor",
		},
	)

	ParentsWokenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorlink_monitor_parents_woken_total",
			Help: "Total number of waiting parent tasks woken by the monitor",
		},
	)

	RecordsRewrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vectorlink_monitor_records_rewritten_total",
			Help: "Total number of unparseable task records rewritten as errors",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ClaimsHeld)
	prometheus.MustRegister(TasksClaimedTotal)
	prometheus.MustRegister(TasksFinishedTotal)
	prometheus.MustRegister(LeaseRenewalsTotal)
	prometheus.MustRegister(LeaseRenewalDuration)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(OrphansRecoveredTotal)
	prometheus.MustRegister(ParentsWokenTotal)
	prometheus.MustRegister(RecordsRewrittenTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
