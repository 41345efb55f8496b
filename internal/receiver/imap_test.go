package receiver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/nalgeon/be"
)

const (
	imapUser = "quotes@example.com"
	imapPass = "hunter2"
)

func testCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	be.Err(t, err, nil)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	be.Err(t, err, nil)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// startIMAPServer serves an in-memory mailbox offering STARTTLS and returns
// its address.
func startIMAPServer(t *testing.T) (string, int) {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(imapUser, imapPass)
	be.Err(t, user.Create("INBOX", nil), nil)
	memServer.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:      imap.CapSet{imap.CapIMAP4rev1: {}},
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{testCert(t)}},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	be.Err(t, err, nil)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func clientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

// appendMessages stores messages 1..n in INBOX using a plain IMAP client.
func appendMessages(t *testing.T, host string, port int, subjects ...string) {
	t.Helper()
	c, err := imapclient.DialStartTLS(net.JoinHostPort(host, strconv.Itoa(port)), &imapclient.Options{TLSConfig: clientTLS()})
	be.Err(t, err, nil)
	defer c.Close()
	be.Err(t, c.Login(imapUser, imapPass).Wait(), nil)

	for i, subject := range subjects {
		raw := rawMessage(i+1, subject)
		cmd := c.Append("INBOX", int64(len(raw)), nil)
		_, err := cmd.Write(raw)
		be.Err(t, err, nil)
		be.Err(t, cmd.Close(), nil)
		_, err = cmd.Wait()
		be.Err(t, err, nil)
	}
	be.Err(t, c.Logout().Wait(), nil)
}

func seenFlags(t *testing.T, host string, port int) map[uint32]bool {
	t.Helper()
	c, err := imapclient.DialStartTLS(net.JoinHostPort(host, strconv.Itoa(port)), &imapclient.Options{TLSConfig: clientTLS()})
	be.Err(t, err, nil)
	defer c.Close()
	be.Err(t, c.Login(imapUser, imapPass).Wait(), nil)
	_, err = c.Select("INBOX", nil).Wait()
	be.Err(t, err, nil)

	var all imap.SeqSet
	all.AddRange(1, 0)
	msgs, err := c.Fetch(all, &imap.FetchOptions{UID: true, Flags: true}).Collect()
	be.Err(t, err, nil)

	out := make(map[uint32]bool)
	for _, m := range msgs {
		seen := false
		for _, f := range m.Flags {
			if f == imap.FlagSeen {
				seen = true
			}
		}
		out[uint32(m.UID)] = seen
	}
	return out
}

func newIMAPReader(host string, port int, password string) *Reader {
	logger := slog.New(slog.DiscardHandler)
	d := NewIMAP(host, port, imapUser, password, false, "INBOX", 5*time.Second, logger).
		WithTLSConfig(clientTLS())
	return New(d, logger)
}

func TestIMAPSearchThread(t *testing.T) {
	host, port := startIMAPServer(t)
	subjects := make([]string, 0, 6)
	for i := 1; i <= 5; i++ {
		subjects = append(subjects, fmt.Sprintf("Quote %d [RFQ:Q100]", i))
	}
	subjects = append(subjects, "Unrelated")
	appendMessages(t, host, port, subjects...)

	got, err := newIMAPReader(host, port, imapPass).Search(context.Background(), Query{ThreadToken: "Q100", Limit: 2})
	be.Err(t, err, nil)
	be.Equal(t, uids(got), []string{"5", "4"})
	be.Equal(t, got[0].Subject, "Quote 5 [RFQ:Q100]")
	be.Equal(t, got[0].Snippet, "Body of message 5.")

	// fetching peeks, so nothing became seen
	for _, seen := range seenFlags(t, host, port) {
		be.True(t, !seen)
	}
}

func TestIMAPSearchMarkSeenThenUnseen(t *testing.T) {
	host, port := startIMAPServer(t)
	appendMessages(t, host, port, "one", "two", "three")
	r := newIMAPReader(host, port, imapPass)

	got, err := r.Search(context.Background(), Query{Limit: 1, MarkSeen: true})
	be.Err(t, err, nil)
	be.Equal(t, uids(got), []string{"3"})

	flags := seenFlags(t, host, port)
	be.True(t, flags[3])
	be.True(t, !flags[2])

	got, err = r.Search(context.Background(), Query{UnseenOnly: true, Limit: 10})
	be.Err(t, err, nil)
	be.Equal(t, uids(got), []string{"2", "1"})
}

func TestIMAPSearchEmptyMailbox(t *testing.T) {
	host, port := startIMAPServer(t)

	got, err := newIMAPReader(host, port, imapPass).Search(context.Background(), Query{Limit: 10})
	be.Err(t, err, nil)
	be.Equal(t, len(got), 0)
}

func TestIMAPLoginRejected(t *testing.T) {
	host, port := startIMAPServer(t)

	_, err := newIMAPReader(host, port, "wrong").Search(context.Background(), Query{})
	var merr *MailboxError
	be.True(t, errors.As(err, &merr))
	be.Equal(t, merr.Op, "login "+imapUser)
}
