// Package metrics provides interfaces and implementations for collecting
// SMTP pool metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording SMTP pool metrics.
type Collector interface {
	// Connection lifecycle metrics
	ConnectionCreated()
	ConnectionClosed()
	ConnectionFailed()

	// Submission metrics
	MessageQueued()
	MessageSent(sizeBytes int64)
	MessageFailed()

	// Throttling metrics
	RateLimited()

	// QueueDepth records the current number of queued submissions.
	QueueDepth(depth int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
