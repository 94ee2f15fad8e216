// Package smtptest runs disposable in-process SMTP servers for tests.
// A Server accepts plaintext sessions on a loopback port, optionally
// authenticates with PLAIN, and captures delivered messages along with the
// identity of the connection that carried them. Behaviors needed by
// failure-path tests are switchable: rejecting matching senders or
// recipients, and stalling RCPT answers to trip client timeouts.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Config tunes server behavior.
type Config struct {
	// Username and Password enable AUTH PLAIN with these credentials.
	// Empty disables authentication.
	Username string
	Password string

	// RejectFrom rejects MAIL FROM commands whose sender contains the
	// substring.
	RejectFrom string
	// RejectRcpt rejects RCPT TO commands whose recipient contains the
	// substring.
	RejectRcpt string

	// StallRcpt delays the answer to RCPT TO commands whose recipient
	// contains the substring by StallFor (default 5s), so client socket
	// timeouts can be exercised.
	StallRcpt string
	StallFor  time.Duration

	// StartTLS advertises STARTTLS with an ephemeral self-signed
	// certificate. Clients must skip verification.
	StartTLS bool
}

// Message is one delivery the server accepted.
type Message struct {
	// ConnID identifies the connection that carried the message,
	// numbered in accept order from 1.
	ConnID int64
	// Helo is the name the client announced on the session.
	Helo string
	From string
	To   []string
	Body string
}

// Server is an in-process SMTP server.
type Server struct {
	// Addr is the host:port the server listens on.
	Addr string

	cfg Config
	srv *smtp.Server
	ln  net.Listener

	mu       sync.Mutex
	messages []Message
	conns    map[int64]net.Conn
	accepted int64
}

// Start listens on a random loopback port and serves until Close.
func Start(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		Addr:  ln.Addr().String(),
		cfg:   cfg,
		ln:    ln,
		conns: make(map[int64]net.Conn),
	}
	if s.cfg.StallFor == 0 {
		s.cfg.StallFor = 5 * time.Second
	}

	srv := smtp.NewServer(&backend{server: s})
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 30 * time.Second
	srv.WriteTimeout = 30 * time.Second
	if cfg.StartTLS {
		tlsCfg, err := selfSignedConfig()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("self-signed certificate: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	s.srv = srv

	go srv.Serve(ln)
	return s, nil
}

// Host and Port split the listen address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Messages returns a copy of the captured messages in delivery order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Accepted returns how many connections the server has accepted.
func (s *Server) Accepted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Open returns how many connections are currently open.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseAll force-closes every currently open connection.
func (s *Server) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

// Close stops the server and all its connections.
func (s *Server) Close() {
	s.srv.Close()
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	s := b.server
	s.mu.Lock()
	s.accepted++
	id := s.accepted
	s.conns[id] = c.Conn()
	s.mu.Unlock()
	return &session{server: s, conn: c, id: id}, nil
}

type session struct {
	server *Server
	conn   *smtp.Conn
	id     int64
	from   string
	to     []string
}

// AuthMechanisms advertises PLAIN when credentials are configured.
func (s *session) AuthMechanisms() []string {
	if s.server.cfg.Username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth serves the SASL exchange for the advertised mechanisms.
func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		return s.checkCredentials(username, password)
	}), nil
}

func (s *session) checkCredentials(username, password string) error {
	cfg := s.server.cfg
	if username != cfg.Username || password != cfg.Password {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "authentication credentials invalid",
		}
	}
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if r := s.server.cfg.RejectFrom; r != "" && strings.Contains(from, r) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 0},
			Message:      "sender rejected",
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	cfg := s.server.cfg
	if cfg.StallRcpt != "" && strings.Contains(to, cfg.StallRcpt) {
		time.Sleep(cfg.StallFor)
	}
	if cfg.RejectRcpt != "" && strings.Contains(to, cfg.RejectRcpt) {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "recipient rejected",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	srv := s.server
	srv.mu.Lock()
	srv.messages = append(srv.messages, Message{
		ConnID: s.id,
		Helo:   s.conn.Hostname(),
		From:   s.from,
		To:     append([]string(nil), s.to...),
		Body:   string(body),
	})
	srv.mu.Unlock()
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// selfSignedConfig generates a throwaway loopback certificate.
func selfSignedConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (s *session) Logout() error {
	s.server.mu.Lock()
	delete(s.server.conns, s.id)
	s.server.mu.Unlock()
	return nil
}
