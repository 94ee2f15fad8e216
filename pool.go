// Package smtppool multiplexes mail submissions over a bounded set of
// pooled, authenticated SMTP connections. Submissions queue without bound
// and dispatch FIFO onto the first available connection; each completes
// exactly once. Connections are recycled after a configurable number of
// messages and dispatch can be throttled to a per-second rate.
package smtppool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/smtppool/metrics"
	"github.com/infodancer/smtppool/smtpconn"
)

// redispatchDelay spaces reconnect attempts after a resource error so a
// dead server does not trigger a reconnect storm.
const redispatchDelay = 100 * time.Millisecond

// Mail is what the pool sends: an envelope, access to headers, and the
// RFC 5322 byte stream. message.Message satisfies it.
type Mail interface {
	// Envelope returns the SMTP sender and recipients.
	Envelope() (from string, to []string)
	// Header returns the first value of the named header,
	// case-insensitively, or "" when absent.
	Header(name string) string
	// Reader returns the message bytes. It is consumed once per dispatch.
	Reader() io.Reader
}

// Envelope records the sender and recipients a message was submitted with.
type Envelope struct {
	From string
	To   []string
}

// Info reports a completed submission.
type Info struct {
	Envelope Envelope
	// MessageID is the Message-Id header value with angle brackets and
	// whitespace stripped, or "" when the header is absent.
	MessageID string
	// Accepted and Rejected partition the recipients by the server's RCPT
	// responses.
	Accepted []string
	Rejected []string
	// Size counts the message bytes streamed to the server.
	Size int64
}

type sendResult struct {
	info *Info
	err  error
}

// submission pairs a Mail with its one-shot completion. A submission is
// owned either by the queue or by exactly one resource, never both.
type submission struct {
	mail  Mail
	done  chan sendResult
	fired atomic.Bool
}

// complete resolves the submission at most once; later calls are dropped.
func (s *submission) complete(info *Info, err error) {
	if !s.fired.CompareAndSwap(false, true) {
		return
	}
	s.done <- sendResult{info: info, err: err}
}

// Pool coordinates mail submissions over pooled SMTP connections.
type Pool struct {
	opts      Options
	logger    *slog.Logger
	collector metrics.Collector

	// connFactory builds the connection for a new resource. Tests replace
	// it with scripted implementations.
	connFactory func(logger *slog.Logger) Conn

	mu        sync.Mutex
	queue     []*submission
	resources []*resource
	nextID    int64
	rate      rateWindow
	closed    bool
	idling    bool
	idleCh    chan struct{}
}

// New creates a pool. The options are normalized first: the well-known
// service catalog fills unset endpoint fields, then defaults apply.
func New(opts *Options) (*Pool, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.applyWellKnown()
	o.applyDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		opts:      o,
		logger:    o.Logger,
		collector: o.Collector,
		rate:      rateWindow{limit: o.RateLimit, delta: rateWindowDelta},
		idling:    true,
		idleCh:    make(chan struct{}, 1),
	}
	p.connFactory = func(logger *slog.Logger) Conn {
		cfg := o.connConfig()
		cfg.Logger = logger
		return smtpconn.New(cfg)
	}
	return p, nil
}

// NewURL creates a pool from a connection URL. See ParseURL for the
// accepted form.
func NewURL(raw string) (*Pool, error) {
	opts, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return New(opts)
}

// Name identifies this transport implementation.
func (p *Pool) Name() string {
	return Name
}

// Version reports the pool and connection implementation versions.
func (p *Pool) Version() string {
	return VersionString()
}

// Send queues mail and blocks until the submission completes or ctx is
// done. Results arrive exactly once. Canceling ctx while the submission is
// still queued withdraws it; a submission already in flight runs to
// completion on the wire and its late result is discarded.
func (p *Pool) Send(ctx context.Context, mail Mail) (*Info, error) {
	if mail == nil {
		return nil, errors.New("no mail message provided")
	}

	sub := &submission{mail: mail, done: make(chan sendResult, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.queue = append(p.queue, sub)
	depth := len(p.queue)
	p.mu.Unlock()

	p.collector.MessageQueued()
	p.collector.QueueDepth(depth)
	p.processQueue()

	select {
	case res := <-sub.done:
		return res.info, res.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	withdrawn := false
	for i, queued := range p.queue {
		if queued == sub {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			withdrawn = true
			break
		}
	}
	depth = len(p.queue)
	p.mu.Unlock()

	if withdrawn {
		p.collector.QueueDepth(depth)
		return nil, ctx.Err()
	}

	// In flight. Prefer a result that beat the cancellation.
	select {
	case res := <-sub.done:
		return res.info, res.err
	default:
		return nil, ctx.Err()
	}
}

// Verify opens a standalone connection, authenticating when credentials
// are configured, and closes it on success and failure paths both. Pooled
// resources are never touched.
func (p *Pool) Verify(ctx context.Context) error {
	conn := p.connFactory(p.logger.With("cid", "verify"))
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	if p.opts.Auth != nil {
		if err := conn.Login(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsIdle reports whether a submission would dispatch immediately: some
// resource is available, or the pool can still grow.
func (p *Pool) IsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isIdleLocked()
}

func (p *Pool) isIdleLocked() bool {
	if p.closed {
		return false
	}
	if len(p.resources) < p.opts.MaxConnections {
		return true
	}
	for _, r := range p.resources {
		if r.available {
			return true
		}
	}
	return false
}

// Idle signals transitions into the idle state with an empty queue.
// Signals are edge-triggered and coalesced: a receiver that is slow to
// drain sees at most one pending signal.
func (p *Pool) Idle() <-chan struct{} {
	return p.idleCh
}

// processQueue dispatches queued submissions in enqueue order onto the
// first available resource, creating resources while the pool may grow.
// It is safe for concurrent and reentrant invocation; every iteration
// re-locks so callers interleave per dispatch.
func (p *Pool) processQueue() {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			if p.isIdleLocked() && !p.idling {
				p.idling = true
				select {
				case p.idleCh <- struct{}{}:
				default:
				}
			}
			p.mu.Unlock()
			return
		}

		r := p.firstAvailableLocked()
		if r == nil {
			if len(p.resources) >= p.opts.MaxConnections {
				p.idling = false
				p.mu.Unlock()
				return
			}
			r = p.createResourceLocked()
		}

		sub := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		r.available = false
		r.stopIdleTimerLocked()
		p.rate.charge(time.Now())
		if !p.isIdleLocked() {
			p.idling = false
		}
		p.mu.Unlock()

		p.collector.QueueDepth(depth)
		go r.deliver(sub)
	}
}

func (p *Pool) firstAvailableLocked() *resource {
	for _, r := range p.resources {
		if r.available {
			return r
		}
	}
	return nil
}

// createResourceLocked adds a fresh resource. The caller binds it to a
// submission immediately.
func (p *Pool) createResourceLocked() *resource {
	p.nextID++
	r := newResource(p, p.nextID)
	p.resources = append(p.resources, r)
	r.logger.Debug("connection created", "pool_size", len(p.resources))
	return r
}

// removeResourceLocked drops r from the resource set.
func (p *Pool) removeResourceLocked(r *resource) {
	r.available = false
	r.stopIdleTimerLocked()
	for i, existing := range p.resources {
		if existing == r {
			p.resources = append(p.resources[:i], p.resources[i+1:]...)
			return
		}
	}
}

// scheduleDrain runs a queue drain after the delay.
func (p *Pool) scheduleDrain(delay time.Duration) {
	time.AfterFunc(delay, p.processQueue)
}

// Close marks the pool closed, cancels throttling, retires every available
// resource and fails queued submissions with ErrClosed. In-flight
// submissions run to completion; their resources observe the closure on
// re-admission and retire themselves. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.idling = false

	parked := p.clearRateWindowLocked()

	var avail []*resource
	for _, r := range p.resources {
		if r.available {
			avail = append(avail, r)
		}
	}
	for _, r := range avail {
		r.state = stateClosed
		p.removeResourceLocked(r)
	}

	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, r := range avail {
		r.conn.Close()
		p.collector.ConnectionClosed()
		r.logger.Debug("connection closed", "reason", "pool closed")
	}

	// Parked re-admissions observe the closed pool and retire their
	// connections.
	runParked(parked)

	for _, sub := range pending {
		sub.complete(nil, ErrClosed)
		p.collector.MessageFailed()
	}
	p.collector.QueueDepth(0)

	p.logger.Info("connection pool closed", "pending", len(pending))
}

func buildInfo(mail Mail, from string, to []string, result *smtpconn.Result) *Info {
	return &Info{
		Envelope:  Envelope{From: from, To: append([]string(nil), to...)},
		MessageID: messageID(mail),
		Accepted:  result.Accepted,
		Rejected:  result.Rejected,
		Size:      result.Size,
	}
}

// messageID extracts the Message-Id header value, stripping angle brackets
// and whitespace. Absent headers yield "".
func messageID(m Mail) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, m.Header("Message-Id"))
}
