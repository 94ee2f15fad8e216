package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionCreated is a no-op.
func (n *NoopCollector) ConnectionCreated() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// ConnectionFailed is a no-op.
func (n *NoopCollector) ConnectionFailed() {}

// MessageQueued is a no-op.
func (n *NoopCollector) MessageQueued() {}

// MessageSent is a no-op.
func (n *NoopCollector) MessageSent(sizeBytes int64) {}

// MessageFailed is a no-op.
func (n *NoopCollector) MessageFailed() {}

// RateLimited is a no-op.
func (n *NoopCollector) RateLimited() {}

// QueueDepth is a no-op.
func (n *NoopCollector) QueueDepth(depth int) {}
