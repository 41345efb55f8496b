package sender

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tracyhatemice/rfqmail/internal/compose"
)

// TransportError is returned for any failure while submitting a message:
// connect, TLS negotiation, authentication or a rejected SMTP command.
// Sends are never retried here.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sender submits composed messages over authenticated, encrypted SMTP.
// It holds configuration only; every Send opens its own session.
type Sender struct {
	host      string
	port      int
	username  string
	password  string
	useTLS    bool
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// Option customizes a Sender.
type Option func(*Sender)

// WithTLSConfig overrides the TLS configuration used for the session.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Sender) { s.tlsConfig = cfg }
}

// WithTimeout bounds dialing and the whole SMTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(s *Sender) { s.timeout = d }
}

// New creates a new SMTP sender. With useTLS the connection uses implicit
// TLS; otherwise the server must accept STARTTLS or the send fails.
func New(host string, port int, username, password string, useTLS bool, logger *slog.Logger, opts ...Option) *Sender {
	s := &Sender{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		useTLS:    useTLS,
		timeout:   30 * time.Second,
		tlsConfig: &tls.Config{ServerName: host},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers msg to all of its recipients and returns the Message-Id
// assigned at composition.
func (s *Sender) Send(ctx context.Context, msg *compose.Message) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", &TransportError{Op: "render", Err: err}
	}

	client, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if s.username != "" && s.password != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := client.Auth(auth); err != nil {
			return "", &TransportError{Op: "auth", Err: err}
		}
	}

	if err := client.Mail(msg.From.Address, nil); err != nil {
		return "", &TransportError{Op: "MAIL FROM", Err: err}
	}
	for _, rcpt := range msg.Recipients() {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return "", &TransportError{Op: "RCPT TO " + rcpt, Err: err}
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", &TransportError{Op: "DATA", Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return "", &TransportError{Op: "write", Err: err}
	}
	if err := w.Close(); err != nil {
		return "", &TransportError{Op: "close data", Err: err}
	}

	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}

	s.logger.Info("message submitted",
		"msg_id", msg.MessageID,
		"recipients", len(msg.To),
		"bytes", len(raw),
	)
	return msg.MessageID, nil
}

// dial opens the connection and brings it to an encrypted state. A plaintext
// connection whose server does not offer STARTTLS is refused.
func (s *Sender) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err}
	}
	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	if s.useTLS {
		tlsConn := tls.Client(conn, s.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &TransportError{Op: "tls handshake", Err: err}
		}
		return smtp.NewClient(tlsConn), nil
	}

	client := smtp.NewClient(conn)
	// Extension hides greeting and EHLO failures; surface them first.
	if err := client.Hello("localhost"); err != nil {
		client.Close()
		return nil, &TransportError{Op: "ehlo", Err: err}
	}
	if ok, _ := client.Extension("STARTTLS"); !ok {
		client.Close()
		return nil, &TransportError{Op: "starttls", Err: fmt.Errorf("server %s does not offer STARTTLS", addr)}
	}
	if err := client.StartTLS(s.tlsConfig); err != nil {
		client.Close()
		return nil, &TransportError{Op: "starttls", Err: err}
	}
	return client, nil
}
