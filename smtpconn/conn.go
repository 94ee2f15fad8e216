// Package smtpconn implements a single client connection to an SMTP
// submission server: dialing, TLS negotiation, EHLO, SASL authentication
// and mail transactions. A Client drives exactly one socket and is not
// safe for concurrent use; callers serialize access.
package smtpconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Version identifies this connection implementation in the pool's version
// string.
const Version = "0.1.0"

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultConnectionTimeout = 2 * time.Minute
	DefaultGreetingTimeout   = 30 * time.Second
	DefaultSocketTimeout     = 10 * time.Minute
)

// DialFunc dials the raw socket for a connection. It exists so callers can
// route through proxies or inject listeners in tests.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Auth holds submission credentials. When XOAuth2 carries an access token
// it is preferred over the password.
type Auth struct {
	User    string
	Pass    string
	XOAuth2 string
}

// Config describes one SMTP connection.
type Config struct {
	Host string
	Port int

	// Secure opens an implicit-TLS session (submission port 465).
	Secure bool
	// IgnoreTLS disables opportunistic STARTTLS on plaintext sessions.
	IgnoreTLS bool
	// RequireTLS fails the connection when the server does not offer
	// STARTTLS.
	RequireTLS bool
	// TLSConfig is cloned before use; ServerName defaults to Host.
	TLSConfig *tls.Config

	// Name is the hostname announced in EHLO. Defaults to os.Hostname(),
	// then "localhost".
	Name string
	// LocalAddress binds the outgoing socket to a local IP.
	LocalAddress string

	// Auth enables Login when set. AuthMethod forces a mechanism instead
	// of negotiating one from the server's AUTH advertisement.
	Auth       *Auth
	AuthMethod string

	ConnectionTimeout time.Duration
	GreetingTimeout   time.Duration
	SocketTimeout     time.Duration

	// DialFunc overrides the default dialer.
	DialFunc DialFunc

	// Logger receives connection events. With Debug set, plaintext wire
	// traffic is transcribed at debug level.
	Logger *slog.Logger
	Debug  bool
}

// Result reports the outcome of one accepted transaction.
type Result struct {
	// Accepted and Rejected partition the envelope recipients by the
	// server's RCPT responses.
	Accepted []string
	Rejected []string
	// RejectedErrors holds one wrapped error per rejected recipient.
	RejectedErrors []error
	// Size counts the message bytes streamed during DATA, before
	// dot-encoding.
	Size int64
}

// Client is a single SMTP connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	conn       net.Conn
	cli        *smtp.Client
	transcript *transcriptConn
	connected  bool
	closed     bool
}

// New creates an unconnected client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger}
}

// Address returns the host:port the client dials.
func (c *Client) Address() string {
	host := c.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := c.cfg.Port
	if port == 0 {
		if c.cfg.Secure {
			port = 465
		} else {
			port = 25
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Connect dials the server, waits for the greeting, announces the client
// with EHLO and negotiates TLS according to the configuration. On return
// the session is ready for Login or Send.
//
// Plaintext sessions attempt an opportunistic STARTTLS upgrade unless
// IgnoreTLS is set. The upgrade attempt consumes the session when the
// server does not offer STARTTLS, so that case reconnects in plaintext
// (or fails, when RequireTLS is set).
func (c *Client) Connect(ctx context.Context) error {
	if c.connected {
		return newError(PhaseConnect, "already connected")
	}
	if c.closed {
		return newError(PhaseConnect, "connection closed")
	}

	addr := c.Address()
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return &Error{Phase: PhaseConnect, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	tryUpgrade := !c.cfg.Secure && !c.cfg.IgnoreTLS
	cli, err := c.handshake(ctx, conn, tryUpgrade)
	if err != nil && tryUpgrade && startTLSUnsupported(err) {
		if c.cfg.RequireTLS {
			return newError(PhaseConnect, "server does not support STARTTLS")
		}
		if conn, err = c.dial(ctx, addr); err != nil {
			return &Error{Phase: PhaseConnect, Err: fmt.Errorf("dial %s: %w", addr, err)}
		}
		cli, err = c.handshake(ctx, conn, false)
	}
	if err != nil {
		conn.Close()
		return &Error{Phase: PhaseConnect, Err: fmt.Errorf("handshake: %w", err)}
	}

	c.cli = cli
	c.connected = true
	return nil
}

// dial opens the raw socket, wrapping it for implicit TLS and the debug
// transcript as configured.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := c.cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = DefaultConnectionTimeout
	}
	dial := c.cfg.DialFunc
	if dial == nil {
		dialer := &net.Dialer{}
		if c.cfg.LocalAddress != "" {
			ip := net.ParseIP(c.cfg.LocalAddress)
			if ip == nil {
				return nil, fmt.Errorf("invalid local address %q", c.cfg.LocalAddress)
			}
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
		dial = dialer.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if c.cfg.Secure {
		conn = tls.Client(conn, c.tlsConfig())
	}
	if c.cfg.Debug {
		c.transcript = newTranscriptConn(conn, c.logger)
		conn = c.transcript
	}
	c.conn = conn
	return conn, nil
}

// handshake builds the protocol client on an open socket: greeting, EHLO
// with the configured name, and the STARTTLS upgrade when requested. The
// upgrade resets the library's hello state, so the EHLO that announced
// "localhost" before the upgrade is replaced by one carrying our name on
// the encrypted session.
func (c *Client) handshake(ctx context.Context, conn net.Conn, upgrade bool) (*smtp.Client, error) {
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	greet := c.cfg.GreetingTimeout
	if greet == 0 {
		greet = DefaultGreetingTimeout
	}
	// The library applies its own per-command timeout, which cannot be set
	// before the upgrade dialogue runs; the watchdog bounds the banner wait
	// and the pre-TLS exchange by the greeting timeout instead.
	watchdog := time.AfterFunc(greet, func() { conn.SetDeadline(time.Now()) })

	var cli *smtp.Client
	if upgrade {
		tlsCli, err := smtp.NewClientStartTLS(conn, c.tlsConfig())
		if err != nil {
			watchdog.Stop()
			return nil, err
		}
		if c.transcript != nil {
			c.transcript.mute()
		}
		c.logger.Debug("connection upgraded", "host", c.cfg.Host)
		cli = tlsCli
	} else {
		cli = smtp.NewClient(conn)
	}
	cli.CommandTimeout = c.socketTimeout()
	cli.SubmissionTimeout = c.socketTimeout()

	err := cli.Hello(c.heloName())
	watchdog.Stop()
	conn.SetDeadline(time.Time{})
	if err != nil {
		cli.Close()
		return nil, err
	}
	return cli, nil
}

// startTLSUnsupported reports the library error for a missing STARTTLS
// advertisement, the one upgrade failure that is safe to answer with a
// plaintext reconnect.
func startTLSUnsupported(err error) bool {
	return err != nil && strings.Contains(err.Error(), "server doesn't support STARTTLS")
}

// Login authenticates the session using the configured credentials. When
// the server advertises no AUTH support and no mechanism was forced, login
// is skipped: trusted relays commonly accept submissions unauthenticated.
func (c *Client) Login(ctx context.Context) error {
	if !c.connected {
		return newError(PhaseAuth, "not connected")
	}
	if c.cfg.Auth == nil {
		return nil
	}

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	ok, advertised := c.cli.Extension("AUTH")
	if !ok {
		if c.cfg.AuthMethod != "" {
			return newError(PhaseAuth, "server does not support AUTH %s", c.cfg.AuthMethod)
		}
		c.logger.Debug("server offers no authentication, skipping login", "host", c.cfg.Host)
		return nil
	}

	mech, client, err := c.saslClient(advertised)
	if err != nil {
		return err
	}
	if err := c.cli.Auth(client); err != nil {
		return &Error{Phase: PhaseAuth, Err: fmt.Errorf("auth %s: %w", mech, err)}
	}
	c.logger.Debug("authenticated", "mechanism", mech, "user", c.cfg.Auth.User)
	return nil
}

// saslClient picks the SASL mechanism: the forced method when configured,
// else XOAUTH2 when a token is present, else PLAIN, then LOGIN.
func (c *Client) saslClient(advertised string) (string, sasl.Client, error) {
	offered := make(map[string]bool)
	for _, m := range strings.Fields(advertised) {
		offered[strings.ToUpper(m)] = true
	}

	auth := c.cfg.Auth
	if method := strings.ToUpper(c.cfg.AuthMethod); method != "" {
		if !offered[method] {
			return "", nil, newError(PhaseAuth, "server does not support AUTH %s", method)
		}
		switch method {
		case sasl.Plain:
			return sasl.Plain, sasl.NewPlainClient("", auth.User, auth.Pass), nil
		case sasl.Login:
			return sasl.Login, sasl.NewLoginClient(auth.User, auth.Pass), nil
		case xoauth2Mech:
			return xoauth2Mech, NewXOAuth2Client(auth.User, auth.XOAuth2), nil
		default:
			return "", nil, newError(PhaseAuth, "unsupported auth method %s", method)
		}
	}

	switch {
	case auth.XOAuth2 != "" && offered[xoauth2Mech]:
		return xoauth2Mech, NewXOAuth2Client(auth.User, auth.XOAuth2), nil
	case offered[sasl.Plain]:
		return sasl.Plain, sasl.NewPlainClient("", auth.User, auth.Pass), nil
	case offered[sasl.Login]:
		return sasl.Login, sasl.NewLoginClient(auth.User, auth.Pass), nil
	}
	return "", nil, newError(PhaseAuth, "no supported authentication mechanism, server offers %q", advertised)
}

// Send runs one mail transaction: MAIL FROM, RCPT TO for every recipient,
// then DATA streaming r through the dot-encoder (bare LF becomes CRLF,
// leading dots are stuffed). Individual recipient rejections are collected
// and the transaction proceeds while at least one recipient is accepted.
func (c *Client) Send(ctx context.Context, from string, to []string, r io.Reader) (*Result, error) {
	if !c.connected {
		return nil, newError(PhaseSend, "not connected")
	}
	if err := validateLine(from); err != nil {
		return nil, &Error{Phase: PhaseSend, Err: err}
	}
	if len(to) == 0 {
		return nil, newError(PhaseSend, "no recipients defined")
	}
	for _, rcpt := range to {
		if err := validateLine(rcpt); err != nil {
			return nil, &Error{Phase: PhaseSend, Err: err}
		}
	}

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := c.cli.Mail(from, nil); err != nil {
		return nil, &Error{Phase: PhaseSend, Err: fmt.Errorf("MAIL FROM: %w", err)}
	}

	result := &Result{}
	for _, rcpt := range to {
		if err := c.cli.Rcpt(rcpt, nil); err != nil {
			result.Rejected = append(result.Rejected, rcpt)
			result.RejectedErrors = append(result.RejectedErrors, fmt.Errorf("RCPT TO %s: %w", rcpt, err))
			continue
		}
		result.Accepted = append(result.Accepted, rcpt)
	}
	if len(result.Accepted) == 0 {
		return nil, &Error{Phase: PhaseSend, Err: fmt.Errorf("all recipients rejected: %w", errors.Join(result.RejectedErrors...))}
	}

	w, err := c.cli.Data()
	if err != nil {
		return nil, &Error{Phase: PhaseSend, Err: fmt.Errorf("DATA: %w", err)}
	}
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return nil, &Error{Phase: PhaseSend, Err: fmt.Errorf("writing message: %w", err)}
	}
	if err := w.Close(); err != nil {
		return nil, &Error{Phase: PhaseSend, Err: fmt.Errorf("closing data stream: %w", err)}
	}
	result.Size = n
	return result, nil
}

// Noop probes the connection.
func (c *Client) Noop() error {
	if !c.connected {
		return newError(PhaseConnect, "not connected")
	}
	return c.cli.Noop()
}

// Close ends the session with QUIT when the server still answers and closes
// the socket. It is safe to call multiple times.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false

	if c.cli != nil {
		if err := c.cli.Quit(); err == nil {
			return nil
		}
		return c.cli.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) socketTimeout() time.Duration {
	if c.cfg.SocketTimeout > 0 {
		return c.cfg.SocketTimeout
	}
	return DefaultSocketTimeout
}

func (c *Client) tlsConfig() *tls.Config {
	cfg := c.cfg.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.cfg.Host
	}
	return cfg
}

func (c *Client) heloName() string {
	if c.cfg.Name != "" {
		return c.cfg.Name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// validateLine rejects envelope addresses that would break the dialogue.
func validateLine(line string) error {
	if strings.ContainsAny(line, "\n\r") {
		return fmt.Errorf("address %q must not contain CR or LF", line)
	}
	return nil
}

// transcriptConn logs wire traffic at debug level. After a STARTTLS
// upgrade the payload is ciphertext, so the transcript is muted first.
type transcriptConn struct {
	net.Conn
	logger *slog.Logger
	muted  atomic.Bool
}

func newTranscriptConn(conn net.Conn, logger *slog.Logger) *transcriptConn {
	return &transcriptConn{Conn: conn, logger: logger}
}

func (t *transcriptConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 && !t.muted.Load() {
		t.logger.Debug("wire", "dir", "read", "data", strings.TrimRight(string(p[:n]), "\r\n"))
	}
	return n, err
}

func (t *transcriptConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	if n > 0 && !t.muted.Load() {
		t.logger.Debug("wire", "dir", "write", "data", strings.TrimRight(string(p[:n]), "\r\n"))
	}
	return n, err
}

func (t *transcriptConn) mute() {
	t.muted.Store(true)
}
