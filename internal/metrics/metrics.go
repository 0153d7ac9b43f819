package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors of a log shipping pipeline.
type Metrics struct {
	EventsEnqueued     prometheus.Counter
	EventsDropped      prometheus.Counter
	CaptureErrors      prometheus.Counter
	BatchesSubmitted   prometheus.Counter
	BatchesFailed      prometheus.Counter
	DocumentsSubmitted prometheus.Counter
	DocumentsFailed    prometheus.Counter
	FlushDurationSec   prometheus.Histogram
}

// Agent bundles the collectors of the file tailing daemon.
type Agent struct {
	FilesDiscovered prometheus.Counter
	FilesProcessed  prometheus.Counter
	FilesFailed     prometheus.Counter
	LinesRead       prometheus.Counter
	WorkersActive   prometheus.Gauge
	WorkersBusy     prometheus.Gauge
	ScaleUps        prometheus.Counter
	ScaleDowns      prometheus.Counter
}

// New creates the pipeline collectors and registers them on registerer. A
// nil registerer leaves them unregistered, which is what tests and disabled
// pipelines use. Collectors already present on registerer are reused, so
// pipelines built one after another on the same registry share counters.
func New(registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		EventsEnqueued: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_events_enqueued_total",
			Help: "Total number of log events accepted into the record queue.",
		})),
		EventsDropped: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_events_dropped_total",
			Help: "Total number of log events dropped because the queue was full or closed.",
		})),
		CaptureErrors: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_capture_errors_total",
			Help: "Total number of log events that could not be turned into documents.",
		})),
		BatchesSubmitted: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_batches_submitted_total",
			Help: "Total number of bulk submissions attempted.",
		})),
		BatchesFailed: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_batches_failed_total",
			Help: "Total number of bulk submissions that failed fully or partially.",
		})),
		DocumentsSubmitted: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_documents_submitted_total",
			Help: "Total number of documents accepted by the store.",
		})),
		DocumentsFailed: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_documents_failed_total",
			Help: "Total number of documents lost to failed submissions.",
		})),
		FlushDurationSec: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eslog_flush_duration_seconds",
			Help:    "Duration of bulk submissions in seconds.",
			Buckets: prometheus.DefBuckets,
		})),
	}
}

// NewAgent creates the daemon collectors, with the same registration rules as New.
func NewAgent(registerer prometheus.Registerer) *Agent {
	return &Agent{
		FilesDiscovered: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_files_discovered_total",
			Help: "Total number of distinct log files discovered.",
		})),
		FilesProcessed: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_files_processed_total",
			Help: "Total number of tail sessions finished.",
		})),
		FilesFailed: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_files_failed_total",
			Help: "Total number of files that could not be tailed.",
		})),
		LinesRead: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_lines_total",
			Help: "Total number of lines read from tailed files.",
		})),
		WorkersActive: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eslog_agent_workers_active",
			Help: "Number of running tail workers.",
		})),
		WorkersBusy: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eslog_agent_workers_busy",
			Help: "Number of workers currently tailing a file.",
		})),
		ScaleUps: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_scale_up_total",
			Help: "Total number of workers added by the scaler.",
		})),
		ScaleDowns: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eslog_agent_scale_down_total",
			Help: "Total number of workers removed by the scaler.",
		})),
	}
}

// RegisterQueueDepth exposes the current queue length as a gauge and returns
// a function removing it again. While one queue is registered on a
// registerer, further registrations are ignored until it is removed.
func RegisterQueueDepth(registerer prometheus.Registerer, depth func() int) (unregister func()) {
	if registerer == nil {
		return func() {}
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "eslog_queue_depth",
		Help: "Number of log events waiting in the record queue.",
	}, func() float64 { return float64(depth()) })
	if err := registerer.Register(gauge); err != nil {
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() { registerer.Unregister(gauge) })
	}
}

// register adds c to registerer and returns the collector to use: c itself,
// or the equivalent collector registered earlier. Other registration errors
// leave c working but unexported.
func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if registerer == nil {
		return c
	}
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
