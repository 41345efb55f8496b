// Package compose builds outbound messages: recipients are validated, the
// subject is tagged with the thread marker, a unique Message-Id is assigned
// and reply threading headers are attached. Composition performs no I/O.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/tracyhatemice/rfqmail/internal/thread"
)

// ValidationError reports a draft rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Draft is the caller's description of a message to send.
type Draft struct {
	To          []string
	Subject     string
	Text        string
	HTML        string // optional; empty means plain text only
	InReplyTo   string // optional reply-target Message-Id, used verbatim
	ThreadToken string // optional conversation token
}

// Message is a composed, ready-to-render outbound message.
type Message struct {
	From       *mail.Address
	To         []*mail.Address
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References string
	MessageID  string // including angle brackets
	Date       time.Time
}

// Recipients returns the bare envelope addresses.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, a := range m.To {
		out = append(out, a.Address)
	}
	return out
}

// Composer composes messages on behalf of a fixed sender address.
type Composer struct {
	from   *mail.Address
	domain string
	now    func() time.Time
}

// New creates a Composer for the configured sender address. The domain part
// of the address qualifies generated message identifiers.
func New(from string) (*Composer, error) {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, &ValidationError{Field: "from", Reason: err.Error()}
	}
	domain := "localhost"
	if at := strings.LastIndexByte(addr.Address, '@'); at >= 0 && at < len(addr.Address)-1 {
		domain = addr.Address[at+1:]
	}
	return &Composer{from: addr, domain: domain, now: time.Now}, nil
}

// Compose validates d and returns the message to hand to a transport.
//
// In-Reply-To and References are both set to exactly d.InReplyTo; earlier
// references of the conversation are not accumulated.
func (c *Composer) Compose(d Draft) (*Message, error) {
	to, err := parseRecipients(d.To)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct{ name, value string }{
		{"subject", d.Subject},
		{"thread_token", d.ThreadToken},
		{"in_reply_to", d.InReplyTo},
	} {
		if strings.ContainsAny(f.value, "\r\n") {
			return nil, &ValidationError{Field: f.name, Reason: "must not contain line breaks"}
		}
	}

	msg := &Message{
		From:      c.from,
		To:        to,
		Subject:   thread.Tag(d.Subject, d.ThreadToken),
		Text:      d.Text,
		HTML:      d.HTML,
		MessageID: c.newMessageID(),
		Date:      c.now(),
	}
	if d.InReplyTo != "" {
		msg.InReplyTo = d.InReplyTo
		msg.References = d.InReplyTo
	}
	return msg, nil
}

func (c *Composer) newMessageID() string {
	return "<" + uuid.NewString() + "@" + c.domain + ">"
}

func parseRecipients(list []string) ([]*mail.Address, error) {
	if len(list) == 0 {
		return nil, &ValidationError{Field: "to", Reason: "at least one recipient is required"}
	}
	out := make([]*mail.Address, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, &ValidationError{Field: "to", Reason: "empty recipient"}
		}
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, &ValidationError{Field: "to", Reason: fmt.Sprintf("%q: %v", raw, err)}
		}
		out = append(out, addr)
	}
	return out, nil
}

// Render writes m as an RFC 5322 message. With an HTML body the message is
// multipart/alternative carrying both the plain and the HTML part.
func (m *Message) Render(w io.Writer) error {
	var h mail.Header
	h.SetDate(m.Date)
	h.SetAddressList("From", []*mail.Address{m.From})
	h.SetAddressList("To", m.To)
	h.SetSubject(m.Subject)
	h.Set("Message-Id", m.MessageID)
	if m.InReplyTo != "" {
		h.Set("In-Reply-To", m.InReplyTo)
		h.Set("References", m.References)
	}

	if m.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		body, err := mail.CreateSingleInlineWriter(w, h)
		if err != nil {
			return fmt.Errorf("create message writer: %w", err)
		}
		if _, err := io.WriteString(body, m.Text); err != nil {
			return fmt.Errorf("write text body: %w", err)
		}
		return body.Close()
	}

	mw, err := mail.CreateInlineWriter(w, h)
	if err != nil {
		return fmt.Errorf("create message writer: %w", err)
	}
	if err := writePart(mw, "text/plain", m.Text); err != nil {
		return err
	}
	if err := writePart(mw, "text/html", m.HTML); err != nil {
		return err
	}
	return mw.Close()
}

// Bytes renders m into memory.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := mw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}
