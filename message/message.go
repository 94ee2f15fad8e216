// Package message builds RFC 5322 plain-text mail messages suitable for
// submission through a connection pool. A Message satisfies the pool's Mail
// interface: it exposes an envelope, case-insensitive header lookup and a
// byte stream of the rendered message.
package message

import (
	"io"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

type headerField struct {
	key   string
	value string
}

// Message assembles a mail message. The zero value is usable; setters
// return the message so calls can be chained.
type Message struct {
	fields []headerField
	body   string

	from string
	to   []string
	cc   []string
	bcc  []string

	envFrom string
	envTo   []string
	envSet  bool

	prepared bool
}

// New creates an empty message.
func New() *Message {
	return &Message{}
}

// SetFrom sets the From header and the default envelope sender. The address
// may carry a display name ("Alice <alice@example.org>").
func (m *Message) SetFrom(addr string) *Message {
	m.from = addr
	m.setHeader("From", addr)
	return m
}

// AddTo appends recipients to the To header and the default envelope.
func (m *Message) AddTo(addrs ...string) *Message {
	m.to = append(m.to, addrs...)
	m.setHeader("To", strings.Join(m.to, ", "))
	return m
}

// AddCc appends carbon-copy recipients.
func (m *Message) AddCc(addrs ...string) *Message {
	m.cc = append(m.cc, addrs...)
	m.setHeader("Cc", strings.Join(m.cc, ", "))
	return m
}

// AddBcc appends blind-carbon-copy recipients. They join the envelope but
// are never rendered into the header block.
func (m *Message) AddBcc(addrs ...string) *Message {
	m.bcc = append(m.bcc, addrs...)
	return m
}

// SetSubject sets the Subject header.
func (m *Message) SetSubject(subject string) *Message {
	m.setHeader("Subject", subject)
	return m
}

// SetBody sets the plain-text body.
func (m *Message) SetBody(body string) *Message {
	m.body = body
	return m
}

// SetHeader replaces any existing values of the named header.
func (m *Message) SetHeader(name, value string) *Message {
	m.setHeader(name, value)
	return m
}

// AddHeader appends a header without replacing existing values.
func (m *Message) AddHeader(name, value string) *Message {
	m.fields = append(m.fields, headerField{textproto.CanonicalMIMEHeaderKey(name), value})
	return m
}

// SetEnvelope overrides the envelope derived from the headers. An explicit
// envelope always wins over From/To/Cc/Bcc.
func (m *Message) SetEnvelope(from string, to []string) *Message {
	m.envFrom = from
	m.envTo = append([]string(nil), to...)
	m.envSet = true
	return m
}

func (m *Message) setHeader(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for i := range m.fields {
		if m.fields[i].key == key {
			m.fields[i].value = value
			return
		}
	}
	m.fields = append(m.fields, headerField{key, value})
}

// Header returns the first value of the named header, case-insensitively.
// It returns "" when the header is absent.
func (m *Message) Header(name string) string {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for i := range m.fields {
		if m.fields[i].key == key {
			return m.fields[i].value
		}
	}
	return ""
}

// Envelope returns the SMTP envelope. An envelope set with SetEnvelope is
// returned as-is; otherwise the sender comes from the From address and the
// recipients from To, Cc and Bcc in that order, deduplicated.
func (m *Message) Envelope() (string, []string) {
	if m.envSet {
		return m.envFrom, append([]string(nil), m.envTo...)
	}

	from := addressOf(m.from)

	seen := make(map[string]struct{})
	var to []string
	for _, list := range [][]string{m.to, m.cc, m.bcc} {
		for _, addr := range list {
			a := addressOf(addr)
			if a == "" {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			to = append(to, a)
		}
	}
	return from, to
}

// addressOf extracts the bare address from a possibly display-named form.
func addressOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if parsed, err := mail.ParseAddress(raw); err == nil {
		return parsed.Address
	}
	return raw
}

// prepare fills in generated headers once: Date, Message-Id, MIME-Version
// and Content-Type. The generated Message-Id is sticky so the identifier
// reported after sending matches the rendered message.
func (m *Message) prepare() {
	if m.prepared {
		return
	}
	m.prepared = true

	if m.Header("Date") == "" {
		m.AddHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	}
	if m.Header("Message-Id") == "" {
		from, _ := m.Envelope()
		domain := "localhost"
		if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
			domain = from[at+1:]
		}
		m.AddHeader("Message-Id", "<"+uuid.NewString()+"@"+domain+">")
	}
	if m.Header("Mime-Version") == "" {
		m.AddHeader("Mime-Version", "1.0")
	}
	if m.Header("Content-Type") == "" {
		m.AddHeader("Content-Type", "text/plain; charset=utf-8")
	}
}

// Reader renders the message and returns a reader over the bytes: headers
// in insertion order with CRLF endings, a blank line, then the body. The
// dot-encoding and final-line termination belong to the SMTP transport.
func (m *Message) Reader() io.Reader {
	m.prepare()

	var b strings.Builder
	for _, f := range m.fields {
		b.WriteString(f.key)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(m.body)

	return strings.NewReader(b.String())
}
