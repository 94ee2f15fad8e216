package smtppool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/infodancer/smtppool/smtpconn"
)

// testMail is a minimal Mail implementation for pool tests.
type testMail struct {
	from    string
	to      []string
	headers map[string]string
	body    string
}

func (m *testMail) Envelope() (string, []string) {
	return m.from, append([]string(nil), m.to...)
}

func (m *testMail) Header(name string) string {
	for k, v := range m.headers {
		if textproto.CanonicalMIMEHeaderKey(k) == textproto.CanonicalMIMEHeaderKey(name) {
			return v
		}
	}
	return ""
}

func (m *testMail) Reader() io.Reader {
	return strings.NewReader(m.body)
}

func mailTo(body string) *testMail {
	return &testMail{
		from: "sender@example.org",
		to:   []string{"rcpt@example.org"},
		body: body,
	}
}

// fakeSend records one delivery a fake connection carried.
type fakeSend struct {
	from string
	to   []string
	body string
}

// fakeConn is a scripted Conn. Error fields, when set, fail the matching
// operation; failFrom fails sends whose envelope sender contains the
// substring. sendDelay holds each send open so tests can observe in-flight
// submissions.
type fakeConn struct {
	connectErr error
	loginErr   error
	sendErr    error
	failFrom   string
	sendDelay  time.Duration

	// inflight, when non-nil, is incremented for the duration of each
	// send so tests can watch parallelism.
	inflight *concurrencyGauge

	mu           sync.Mutex
	connectCalls int
	loginCalls   int
	sends        []fakeSend
	closeCalls   int
}

func (c *fakeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connectCalls++
	c.mu.Unlock()
	return c.connectErr
}

func (c *fakeConn) Login(ctx context.Context) error {
	c.mu.Lock()
	c.loginCalls++
	c.mu.Unlock()
	return c.loginErr
}

func (c *fakeConn) Send(ctx context.Context, from string, to []string, r io.Reader) (*smtpconn.Result, error) {
	if c.inflight != nil {
		c.inflight.enter()
		defer c.inflight.leave()
	}
	if c.sendDelay > 0 {
		time.Sleep(c.sendDelay)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if c.sendErr != nil {
		return nil, c.sendErr
	}
	if c.failFrom != "" && strings.Contains(from, c.failFrom) {
		return nil, &smtpconn.Error{Phase: smtpconn.PhaseSend, Err: errors.New("sender rejected")}
	}

	c.mu.Lock()
	c.sends = append(c.sends, fakeSend{from: from, to: append([]string(nil), to...), body: string(body)})
	c.mu.Unlock()

	return &smtpconn.Result{
		Accepted: append([]string(nil), to...),
		Size:     int64(len(body)),
	}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) sentBodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.sends {
		out = append(out, s.body)
	}
	return out
}

func (c *fakeConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func (c *fakeConn) closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// concurrencyGauge tracks the peak number of simultaneous callers.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

func (g *concurrencyGauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// fakeFactory hands out fake connections in order, repeating the last
// configuration when the script runs out. It records every connection it
// built.
type fakeFactory struct {
	mu     sync.Mutex
	script []*fakeConn
	built  []*fakeConn
}

func (f *fakeFactory) next(*slog.Logger) Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	var c *fakeConn
	if len(f.script) > 0 {
		c = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		} else {
			// Repeat the last entry's configuration on fresh connections.
			last := f.script[0]
			f.script = []*fakeConn{{
				connectErr: last.connectErr,
				loginErr:   last.loginErr,
				sendErr:    last.sendErr,
				failFrom:   last.failFrom,
				sendDelay:  last.sendDelay,
				inflight:   last.inflight,
			}}
		}
	} else {
		c = &fakeConn{}
	}
	f.built = append(f.built, c)
	return c
}

func (f *fakeFactory) connections() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.built...)
}

// newFakePool builds a pool whose connections come from the factory script.
func newFakePool(t *testing.T, opts *Options, script ...*fakeConn) (*Pool, *fakeFactory) {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := &fakeFactory{script: script}
	p.connFactory = f.next
	t.Cleanup(p.Close)
	return p, f
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func (p *Pool) queueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
