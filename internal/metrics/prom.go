package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_dispatch_total", Help: "Job dispatch attempts by outcome"},
		[]string{"policy", "outcome"},
	)
	Results = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_results_total", Help: "Result deliveries to owners by outcome"},
		[]string{"outcome"},
	)
	Redeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_redeliveries_total", Help: "Mailbox redelivery attempts by outcome"},
		[]string{"outcome"},
	)
	Evictions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_worker_evictions_total", Help: "Workers evicted after a failed delivery"},
	)
	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_delivery_seconds", Help: "Handshake delivery latency"},
	)
	JobCPUShare = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_job_cpu_share",
			Help:    "Cpu share reported with job results",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"job_type"},
	)

	ActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_active_workers", Help: "Workers in the active set"})
	PendingJobs   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_pending_jobs", Help: "Rows in the task ledger"})
	QueuedEvents  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_queued_events", Help: "Events waiting for the dispatch loop"})
	ParkedParcels = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_parked_parcels", Help: "Messages held for offline accounts"})
	Throughput    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_throughput_per_minute", Help: "Completed jobs per minute since the last policy switch"})
	PolicyIndex   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_policy_index", Help: "Active load balancing policy index"})
)

// Collectors returns every relay collector for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Dispatches, Results, Redeliveries, Evictions, DeliveryLatency, JobCPUShare,
		ActiveWorkers, PendingJobs, QueuedEvents, ParkedParcels, Throughput, PolicyIndex,
	}
}

// NewRegistry returns a registry holding Collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(Collectors()...)
	return reg
}
