package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quilt_containers_total",
			Help: "Current number of containers by state",
		},
		[]string{"state"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_create_duration_seconds",
			Help:    "Time taken to create a container, from request to RUNNING",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_start_duration_seconds",
			Help:    "Time taken to start a previously stopped container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_stop_duration_seconds",
			Help:    "Time taken to stop a container, including grace period",
			Buckets: prometheus.DefBuckets,
		},
	)

	StatusQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_status_query_duration_seconds",
			Help:    "Wall time of Status/List RPCs",
			Buckets: []float64{.0005, .001, .002, .005, .01, .02, .05, .1},
		},
	)

	IPAMPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ipam_pool_size",
			Help: "Total addresses in the IPAM pool",
		},
	)

	IPAMPoolFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ipam_pool_free",
			Help: "Free addresses remaining in the IPAM pool",
		},
	)

	FabricSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_fabric_setup_duration_seconds",
			Help:    "Time taken to attach a container to the network fabric",
			Buckets: prometheus.DefBuckets,
		},
	)

	FabricSetupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_fabric_setup_failures_total",
			Help: "Total fabric setup plans that rolled back",
		},
	)

	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_cleanup_queue_depth",
			Help: "Pending (unclaimed or retrying) cleanup tasks",
		},
	)

	CleanupTasksStuckTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_cleanup_tasks_stuck",
			Help: "Cleanup tasks that exhausted their retry budget",
		},
	)

	CleanupTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quilt_cleanup_task_duration_seconds",
			Help:    "Time taken to execute one cleanup task, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_reconciliation_cycles_total",
			Help: "Boot-time and periodic reconciliation cycles completed",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_api_requests_total",
			Help: "Total API requests by method and outcome",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		ContainerCreateDuration,
		ContainerStartDuration,
		ContainerStopDuration,
		StatusQueryDuration,
		IPAMPoolSize,
		IPAMPoolFree,
		FabricSetupDuration,
		FabricSetupFailuresTotal,
		CleanupQueueDepth,
		CleanupTasksStuckTotal,
		CleanupTaskDuration,
		ReconciliationCyclesTotal,
		APIRequestsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's wall time and reports it to a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
