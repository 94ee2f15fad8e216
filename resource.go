package smtppool

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/infodancer/smtppool/smtpconn"
)

// Conn is the connection surface a pooled resource drives. It is satisfied
// by *smtpconn.Client; tests substitute scripted implementations.
// Implementations need not be safe for concurrent use: the pool serializes
// calls per resource.
type Conn interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context) error
	Send(ctx context.Context, from string, to []string, r io.Reader) (*smtpconn.Result, error)
	Close() error
}

// resourceState tracks a pooled connection through its lifecycle.
type resourceState int

const (
	stateFresh resourceState = iota
	stateConnecting
	stateReady
	stateSending
	stateExhausted
	stateFailed
	stateClosed
)

func (s resourceState) String() string {
	switch s {
	case stateFresh:
		return "fresh"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateSending:
		return "sending"
	case stateExhausted:
		return "exhausted"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// resource is one pooled connection. State fields are guarded by the pool
// mutex; connection I/O happens outside the lock on the delivery goroutine
// that owns the resource while it is not available.
type resource struct {
	id     int64
	pool   *Pool
	conn   Conn
	logger *slog.Logger

	state     resourceState
	available bool
	connected bool
	messages  int
	idleTimer *time.Timer
}

func newResource(p *Pool, id int64) *resource {
	r := &resource{
		id:     id,
		pool:   p,
		logger: p.logger.With("cid", id),
		state:  stateFresh,
	}
	r.conn = p.connFactory(r.logger)
	return r
}

// deliver runs one submission to completion. Every error removes the
// resource from the pool before the submission's result is reported, so
// errors never leak across submission boundaries.
func (r *resource) deliver(sub *submission) {
	ctx := context.Background()
	p := r.pool

	if !r.connected {
		r.setState(stateConnecting)
		err := r.conn.Connect(ctx)
		if err == nil && p.opts.Auth != nil {
			err = r.conn.Login(ctx)
		}
		if err != nil {
			r.fail(sub, err)
			return
		}
		p.mu.Lock()
		r.connected = true
		r.state = stateSending
		p.mu.Unlock()
		p.collector.ConnectionCreated()
		r.logger.Debug("connection established", "host", p.opts.Host)
	} else {
		r.setState(stateSending)
	}

	from, to := sub.mail.Envelope()
	result, err := r.conn.Send(ctx, from, to, sub.mail.Reader())

	p.mu.Lock()
	r.messages++
	if err != nil {
		r.state = stateFailed
		p.removeResourceLocked(r)
		p.mu.Unlock()

		r.conn.Close()
		p.collector.ConnectionClosed()
		p.collector.MessageFailed()
		r.logger.Error("message delivery failed", "error", err.Error(), "messages", r.messages)
		sub.complete(nil, err)
		p.scheduleDrain(redispatchDelay)
		return
	}

	exhausted := r.messages >= p.opts.MaxMessages
	if exhausted {
		r.state = stateExhausted
		p.removeResourceLocked(r)
	}
	p.mu.Unlock()

	// The submission is answered before the resource moves on: teardown
	// and re-admission must never reach an already-completed submission.
	sub.complete(buildInfo(sub.mail, from, to, result), nil)
	p.collector.MessageSent(result.Size)

	if exhausted {
		r.conn.Close()
		p.collector.ConnectionClosed()
		r.logger.Debug("connection closed", "reason", "too many messages", "messages", r.messages)
		p.processQueue()
		return
	}
	p.admit(r.readmit)
}

// fail handles establishment errors: the submission gets the error, the
// resource leaves the pool, and a delayed drain lets the remaining queue
// retry on a fresh connection.
func (r *resource) fail(sub *submission, err error) {
	p := r.pool
	p.mu.Lock()
	r.state = stateFailed
	p.removeResourceLocked(r)
	p.mu.Unlock()

	r.conn.Close()
	p.collector.ConnectionFailed()
	p.collector.MessageFailed()
	r.logger.Error("connection failed", "error", err.Error())
	sub.complete(nil, err)
	p.scheduleDrain(redispatchDelay)
}

// readmit returns the resource to the available set once the rate limiter
// admits it. A pool closed in the meantime turns the availability signal
// into a close request.
func (r *resource) readmit() {
	p := r.pool
	p.mu.Lock()
	if p.closed {
		r.state = stateClosed
		p.removeResourceLocked(r)
		p.mu.Unlock()

		r.conn.Close()
		p.collector.ConnectionClosed()
		r.logger.Debug("connection closed", "reason", "pool closed")
		return
	}
	r.state = stateReady
	r.available = true
	r.startIdleTimerLocked()
	messages := r.messages
	p.mu.Unlock()

	// r.messages is captured under the lock: once available is set, a
	// dispatch may already be mutating the resource.
	r.logger.Debug("connection available", "messages", messages)
	p.processQueue()
}

func (r *resource) setState(s resourceState) {
	r.pool.mu.Lock()
	r.state = s
	r.pool.mu.Unlock()
}

// startIdleTimerLocked arms quiet retirement: an available connection that
// sits unused past the socket timeout is closed without affecting any
// submission.
func (r *resource) startIdleTimerLocked() {
	timeout := r.pool.opts.SocketTimeout
	if timeout <= 0 {
		timeout = smtpconn.DefaultSocketTimeout
	}
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(timeout, r.idleExpired)
}

func (r *resource) stopIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *resource) idleExpired() {
	p := r.pool
	p.mu.Lock()
	if !r.available || p.closed {
		p.mu.Unlock()
		return
	}
	r.state = stateClosed
	p.removeResourceLocked(r)
	p.mu.Unlock()

	r.conn.Close()
	p.collector.ConnectionClosed()
	r.logger.Debug("connection closed", "reason", "idle timeout", "messages", r.messages)
}
