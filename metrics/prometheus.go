package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal       prometheus.Counter
	connectionsActive      prometheus.Gauge
	connectionsFailedTotal prometheus.Counter

	// Submission metrics
	messagesSentTotal   prometheus.Counter
	messagesFailedTotal prometheus.Counter
	messagesQueuedTotal prometheus.Counter
	messageSizeBytes    prometheus.Histogram

	// Throttling metrics
	rateLimitedTotal prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_connections_total",
			Help: "Total number of SMTP connections opened by the pool.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_connections_active",
			Help: "Number of currently open SMTP connections.",
		}),
		connectionsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_connections_failed_total",
			Help: "Total number of SMTP connections that failed to establish or errored.",
		}),

		messagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_messages_sent_total",
			Help: "Total number of messages accepted by the remote server.",
		}),
		messagesFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_messages_failed_total",
			Help: "Total number of message submissions that failed.",
		}),
		messagesQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_messages_queued_total",
			Help: "Total number of message submissions accepted into the queue.",
		}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtppool_message_size_bytes",
			Help:    "Size of sent messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtppool_rate_limited_total",
			Help: "Total number of dispatches delayed by the rate limiter.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtppool_queue_depth",
			Help: "Current number of queued submissions.",
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsFailedTotal,
		c.messagesSentTotal,
		c.messagesFailedTotal,
		c.messagesQueuedTotal,
		c.messageSizeBytes,
		c.rateLimitedTotal,
		c.queueDepth,
	)

	return c
}

// ConnectionCreated increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionCreated() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// ConnectionFailed increments the failed connections counter.
func (c *PrometheusCollector) ConnectionFailed() {
	c.connectionsFailedTotal.Inc()
}

// MessageQueued increments the queued submissions counter.
func (c *PrometheusCollector) MessageQueued() {
	c.messagesQueuedTotal.Inc()
}

// MessageSent increments the sent counter and observes the message size.
func (c *PrometheusCollector) MessageSent(sizeBytes int64) {
	c.messagesSentTotal.Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

// MessageFailed increments the failed submissions counter.
func (c *PrometheusCollector) MessageFailed() {
	c.messagesFailedTotal.Inc()
}

// RateLimited increments the rate-limited dispatch counter.
func (c *PrometheusCollector) RateLimited() {
	c.rateLimitedTotal.Inc()
}

// QueueDepth sets the queue depth gauge.
func (c *PrometheusCollector) QueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}
