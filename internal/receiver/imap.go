package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPDialer opens IMAP sessions. The connection is always encrypted:
// implicit TLS when useTLS is set, mandatory STARTTLS otherwise.
type IMAPDialer struct {
	host      string
	port      int
	username  string
	password  string
	useTLS    bool
	folder    string
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *slog.Logger
}

// NewIMAP creates a new IMAP dialer.
func NewIMAP(host string, port int, username, password string, useTLS bool, folder string, timeout time.Duration, logger *slog.Logger) *IMAPDialer {
	if folder == "" {
		folder = "INBOX"
	}
	return &IMAPDialer{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		useTLS:    useTLS,
		folder:    folder,
		timeout:   timeout,
		tlsConfig: &tls.Config{ServerName: host},
		logger:    logger,
	}
}

// WithTLSConfig replaces the TLS configuration used for new sessions.
func (d *IMAPDialer) WithTLSConfig(cfg *tls.Config) *IMAPDialer {
	d.tlsConfig = cfg
	return d
}

// Dial connects, authenticates and selects the folder.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &MailboxError{Op: "connect " + addr, Err: err}
	}
	if d.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.timeout))
	}

	options := &imapclient.Options{TLSConfig: d.tlsConfig}
	var client *imapclient.Client
	if d.useTLS {
		tlsConn := tls.Client(conn, d.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &MailboxError{Op: "tls handshake", Err: err}
		}
		client = imapclient.New(tlsConn, options)
	} else {
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			conn.Close()
			return nil, &MailboxError{Op: "starttls", Err: err}
		}
	}

	if err := client.Login(d.username, d.password).Wait(); err != nil {
		client.Close()
		return nil, &MailboxError{Op: "login " + d.username, Err: err}
	}

	sess := &imapSession{client: client}
	if _, err := client.Select(d.folder, nil).Wait(); err != nil {
		sess.Close()
		return nil, &MailboxError{Op: "select " + d.folder, Err: err}
	}

	d.logger.Debug("imap session opened", "addr", addr, "folder", d.folder)
	return sess, nil
}

type imapSession struct {
	client *imapclient.Client
}

func (s *imapSession) Search(criteria Criteria) ([]uint32, error) {
	sc := &imap.SearchCriteria{}
	if criteria.UnseenOnly {
		sc.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if criteria.SubjectContains != "" {
		sc.Header = []imap.SearchCriteriaHeaderField{
			{Key: "Subject", Value: criteria.SubjectContains},
		}
	}

	data, err := s.client.UIDSearch(sc, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

// Fetch peeks at the full message so fetching alone never sets \Seen.
func (s *imapSession) Fetch(id uint32) ([]byte, error) {
	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(id)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})

	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("uid fetch %d: %w", id, err)
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("uid fetch %d: message not found", id)
	}
	return buffers[0].FindBodySection(section), nil
}

func (s *imapSession) MarkSeen(id uint32) error {
	return s.client.Store(imap.UIDSetNum(imap.UID(id)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
}

func (s *imapSession) Close() error {
	logoutErr := s.client.Logout().Wait()
	if err := s.client.Close(); err != nil && logoutErr == nil {
		return err
	}
	return logoutErr
}
