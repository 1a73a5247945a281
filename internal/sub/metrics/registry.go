package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry encapsulates all metrics and provides a clean interface
// for recording metrics without global state
type Registry struct {
	registry *prometheus.Registry

	// Management processor metrics
	commandTotal        *prometheus.CounterVec
	subscribeTotal      *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	ackTotal            *prometheus.CounterVec
	pusherFailureTotal  *prometheus.CounterVec

	// Transport metrics
	frameTotal        *prometheus.CounterVec
	connectionsActive prometheus.Gauge

	// Ack store metrics
	storeOperationTotal    *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec

	// Pebble metrics
	storageReadBytes      prometheus.Counter
	storageCommitBytes    prometheus.Counter
	storageCommitDuration prometheus.Histogram

	// System health metrics
	systemInfo *prometheus.GaugeVec
	startTime  prometheus.Gauge
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		commandTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_commands_processed_total",
				Help: "Total number of log commands processed by the management processor",
			},
			[]string{"partition", "value_type", "intent", "status"}, // status: success, rejected, error, skipped
		),

		subscribeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_subscribe_total",
				Help: "Total number of subscribe requests by outcome",
			},
			[]string{"partition", "status"}, // status: success, rejected, abandoned, failed
		),

		activeSubscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "logsub_active_subscriptions",
				Help: "Current number of registered subscriptions",
			},
			[]string{"partition"},
		),

		ackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_ack_total",
				Help: "Total number of acknowledgements applied",
			},
			[]string{"partition", "status"}, // status: delivered, unknown, violation
		),

		pusherFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_pusher_failure_total",
				Help: "Total number of push processors stopped by a fatal error",
			},
			[]string{"partition"},
		),

		frameTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_transport_frames_total",
				Help: "Total number of frames offered to client channels",
			},
			[]string{"kind", "status"}, // status: sent, rejected
		),

		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsub_connections_active",
				Help: "Number of open client connections",
			},
		),

		storeOperationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logsub_ack_store_operation_total",
				Help: "Total number of ack store operations",
			},
			[]string{"operation", "status"}, // operation: get, put, get_processed, set_processed
		),

		storeOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logsub_ack_store_operation_duration_seconds",
				Help:    "Time spent on ack store operations",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		storageReadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logsub_storage_read_bytes_total",
				Help: "Bytes read from pebble point lookups",
			},
		),

		storageCommitBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "logsub_storage_commit_bytes_total",
				Help: "Bytes committed to pebble in batches",
			},
		),

		storageCommitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "logsub_storage_commit_duration_seconds",
				Help:    "Time spent committing pebble batches",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		systemInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "logsub_system_info",
				Help: "System information (value is always 1, labels contain info)",
			},
			[]string{"version", "instance"},
		),

		startTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "logsub_start_time_seconds",
				Help: "Unix timestamp when the application started",
			},
		),
	}

	// add default Go metrics (memory, GC, goroutines, etc.)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.commandTotal,
		r.subscribeTotal,
		r.activeSubscriptions,
		r.ackTotal,
		r.pusherFailureTotal,
		r.frameTotal,
		r.connectionsActive,
		r.storeOperationTotal,
		r.storeOperationDuration,
		r.storageReadBytes,
		r.storageCommitBytes,
		r.storageCommitDuration,
		r.systemInfo,
		r.startTime,
	)

	r.startTime.SetToCurrentTime()

	return r
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Gatherer exposes the underlying registry for scraping in tests and tools.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordCommand records a command handled by a partition's management processor
func (r *Registry) RecordCommand(partition int32, valueType, intent, status string) {
	r.commandTotal.WithLabelValues(partitionLabel(partition), valueType, intent, status).Inc()
}

// RecordSubscribe records the outcome of a subscribe request
func (r *Registry) RecordSubscribe(partition int32, status string) {
	r.subscribeTotal.WithLabelValues(partitionLabel(partition), status).Inc()
}

// SetActiveSubscriptions updates the registered subscription gauge
func (r *Registry) SetActiveSubscriptions(partition int32, count int) {
	r.activeSubscriptions.WithLabelValues(partitionLabel(partition)).Set(float64(count))
}

// RecordAck records an acknowledgement applied by a partition
func (r *Registry) RecordAck(partition int32, status string) {
	r.ackTotal.WithLabelValues(partitionLabel(partition), status).Inc()
}

// RecordPusherFailure records a push processor stopped by a fatal error
func (r *Registry) RecordPusherFailure(partition int32) {
	r.pusherFailureTotal.WithLabelValues(partitionLabel(partition)).Inc()
}

// RecordFrame records a frame offered to a client channel
func (r *Registry) RecordFrame(kind string, sent bool) {
	status := "sent"
	if !sent {
		status = "rejected"
	}
	r.frameTotal.WithLabelValues(kind, status).Inc()
}

// UpdateConnections sets the number of open client connections
func (r *Registry) UpdateConnections(active int) {
	r.connectionsActive.Set(float64(active))
}

// RecordStoreOperation records an ack store operation
func (r *Registry) RecordStoreOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	r.storeOperationTotal.WithLabelValues(operation, status).Inc()
	r.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRead implements pebblestore.MetricsHook
func (r *Registry) ObserveRead(_ time.Duration, bytes int) {
	r.storageReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit implements pebblestore.MetricsHook
func (r *Registry) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	r.storageCommitBytes.Add(float64(bytes))
	r.storageCommitDuration.Observe(elapsed.Seconds())
}

// SetSystemInfo sets system information metrics
func (r *Registry) SetSystemInfo(version, instance string) {
	r.systemInfo.WithLabelValues(version, instance).Set(1)
}

func partitionLabel(partition int32) string {
	return strconv.Itoa(int(partition))
}
