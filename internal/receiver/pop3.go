package receiver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/rfqmail/internal/mimeheader"
)

// errFlagsUnsupported is returned by MarkSeen on POP3 sessions.
var errFlagsUnsupported = errors.New("pop3 has no message flags")

// POP3Dialer opens POP3S sessions for maildrops without IMAP access.
//
// POP3 has no server-side search: with a subject filter a session reads the
// header block of every message (TOP n 0) and filters client-side. Bodies
// are only retrieved by Fetch. Every message counts as unseen and MarkSeen
// is not supported.
type POP3Dialer struct {
	host      string
	port      int
	username  string
	password  string
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewPOP3 creates a new POP3 dialer. Connections always use implicit TLS.
func NewPOP3(host string, port int, username, password string, timeout time.Duration, logger *slog.Logger) *POP3Dialer {
	return &POP3Dialer{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		timeout:   timeout,
		tlsConfig: &tls.Config{ServerName: host},
		logger:    logger,
	}
}

// WithTLSConfig replaces the TLS configuration used for new sessions.
func (d *POP3Dialer) WithTLSConfig(cfg *tls.Config) *POP3Dialer {
	d.tlsConfig = cfg
	return d
}

// Dial connects and authenticates.
func (d *POP3Dialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))

	// TLS is established by tlsDialer, not by the client.
	client := pop3client.New(pop3client.Opt{
		Host:        d.host,
		Port:        d.port,
		DialTimeout: d.timeout,
		Dialer:      &tlsDialer{ctx: ctx, config: d.tlsConfig, timeout: d.timeout},
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, &MailboxError{Op: "connect " + addr, Err: err}
	}

	if err := conn.Auth(d.username, d.password); err != nil {
		_ = conn.Quit()
		return nil, &MailboxError{Op: "auth " + d.username, Err: err}
	}

	d.logger.Debug("pop3 session opened", "addr", addr)
	return &pop3Session{conn: conn, logger: d.logger}, nil
}

// tlsDialer satisfies pop3client.Dialer with an implicit TLS connection
// bounded by a whole-session deadline.
type tlsDialer struct {
	ctx     context.Context
	config  *tls.Config
	timeout time.Duration
}

func (d *tlsDialer) Dial(network, address string) (net.Conn, error) {
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.timeout},
		Config:    d.config,
	}
	conn, err := td.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	if d.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.timeout))
	}
	return conn, nil
}

type pop3Session struct {
	conn   *pop3client.Conn
	logger *slog.Logger
}

func (s *pop3Session) Search(criteria Criteria) ([]uint32, error) {
	msgs, err := s.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 list: %w", err)
	}

	// Message numbers are assigned in arrival order.
	ids := make([]uint32, 0, len(msgs))
	for _, msg := range msgs {
		if criteria.SubjectContains != "" {
			// go-pop3's Top parses strictly; the raw header block is
			// decoded leniently like the rest of the mailbox.
			head, err := s.conn.Cmd("TOP", true, msg.ID, 0)
			if err != nil {
				s.logger.Warn("pop3 top failed", "msg_id", msg.ID, "error", err)
				continue
			}
			if !strings.Contains(subjectOf(head.Bytes()), criteria.SubjectContains) {
				continue
			}
		}
		ids = append(ids, uint32(msg.ID))
	}
	return ids, nil
}

func (s *pop3Session) Fetch(id uint32) ([]byte, error) {
	buf, err := s.conn.RetrRaw(int(id))
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", id, err)
	}
	return buf.Bytes(), nil
}

func (s *pop3Session) MarkSeen(uint32) error {
	return errFlagsUnsupported
}

func (s *pop3Session) Close() error {
	return s.conn.Quit()
}

// subjectOf returns the decoded Subject header of raw, or "" when the
// header block cannot be parsed.
func subjectOf(raw []byte) string {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	return mimeheader.Decode(e.Header.Get("Subject"))
}
