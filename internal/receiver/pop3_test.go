package receiver

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

const pop3User = "quotes@example.com"

// pop3Server is a minimal POP3S maildrop that records every command after
// authentication.
type pop3Server struct {
	password string
	messages [][]byte

	mu   sync.Mutex
	cmds []string
}

func startPOP3Server(t *testing.T, password string, messages ...[]byte) (*pop3Server, int) {
	t.Helper()
	srv := &pop3Server{password: password, messages: messages}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{testCert(t)}})
	be.Err(t, err, nil)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(c)
		}
	}()
	return srv, ln.Addr().(*net.TCPAddr).Port
}

// args returns the arguments of every recorded command named verb.
func (s *pop3Server) args(verb string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.cmds {
		if name, rest, _ := strings.Cut(c, " "); name == verb {
			out = append(out, rest)
		}
	}
	return out
}

func (s *pop3Server) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	reply := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	reply("+OK maildrop ready")
	var user string
	authed := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		verb := strings.ToUpper(fields[0])
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch verb {
		case "USER":
			user = arg
			reply("+OK")
			continue
		case "PASS":
			if user == pop3User && arg == s.password {
				authed = true
				reply("+OK logged in")
			} else {
				reply("-ERR invalid credentials")
			}
			continue
		case "NOOP":
			reply("+OK")
			continue
		case "QUIT":
			reply("+OK bye")
			return
		}
		if !authed {
			reply("-ERR not authenticated")
			continue
		}

		s.mu.Lock()
		s.cmds = append(s.cmds, strings.Join(fields, " "))
		s.mu.Unlock()

		switch verb {
		case "LIST":
			lines := []string{fmt.Sprintf("+OK %d messages", len(s.messages))}
			for i, m := range s.messages {
				lines = append(lines, fmt.Sprintf("%d %d", i+1, len(m)))
			}
			reply(append(lines, ".")...)
		case "TOP", "RETR":
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 || n > len(s.messages) {
				reply("-ERR no such message")
				continue
			}
			body := string(s.messages[n-1])
			if verb == "TOP" {
				head, _, _ := strings.Cut(body, "\r\n\r\n")
				body = head + "\r\n"
			}
			lines := []string{"+OK"}
			for _, l := range strings.Split(body, "\r\n") {
				if strings.HasPrefix(l, ".") {
					l = "." + l
				}
				lines = append(lines, l)
			}
			reply(append(lines, ".")...)
		default:
			reply("-ERR unknown command")
		}
	}
}

func newPOP3Dialer(port int, password string) *POP3Dialer {
	return NewPOP3("127.0.0.1", port, pop3User, password, 5*time.Second, slog.New(slog.DiscardHandler)).
		WithTLSConfig(clientTLS())
}

func TestPOP3SearchThreadReadsHeadersOnly(t *testing.T) {
	var msgs [][]byte
	for i := 1; i <= 4; i++ {
		msgs = append(msgs, rawMessage(i, fmt.Sprintf("Quote %d [RFQ:Q100]", i)))
	}
	msgs = append(msgs, rawMessage(5, "Unrelated"))
	srv, port := startPOP3Server(t, imapPass, msgs...)

	r := New(newPOP3Dialer(port, imapPass), slog.New(slog.DiscardHandler))
	got, err := r.Search(context.Background(), Query{ThreadToken: "Q100", Limit: 2})
	be.Err(t, err, nil)

	be.Equal(t, uids(got), []string{"4", "3"})
	be.Equal(t, got[0].Subject, "Quote 4 [RFQ:Q100]")
	be.Equal(t, got[0].Snippet, "Body of message 4.")
	be.Equal(t, got[0].ThreadToken, "Q100")
	// headers of every message, bodies of the retained ones only
	be.Equal(t, srv.args("TOP"), []string{"1 0", "2 0", "3 0", "4 0", "5 0"})
	be.Equal(t, srv.args("RETR"), []string{"4", "3"})
}

func TestPOP3SearchWithoutFilterRetrievesCappedOnly(t *testing.T) {
	srv, port := startPOP3Server(t, imapPass,
		rawMessage(1, "one"), rawMessage(2, "two"), rawMessage(3, "three"),
		rawMessage(4, "four"), rawMessage(5, "five"))

	r := New(newPOP3Dialer(port, imapPass), slog.New(slog.DiscardHandler))
	got, err := r.Search(context.Background(), Query{Limit: 2})
	be.Err(t, err, nil)

	be.Equal(t, uids(got), []string{"5", "4"})
	be.Equal(t, len(srv.args("TOP")), 0)
	be.Equal(t, srv.args("RETR"), []string{"5", "4"})
}

func TestPOP3EveryMessageUnseen(t *testing.T) {
	_, port := startPOP3Server(t, imapPass, rawMessage(1, "one"), rawMessage(2, "two"))

	r := New(newPOP3Dialer(port, imapPass), slog.New(slog.DiscardHandler))
	got, err := r.Search(context.Background(), Query{UnseenOnly: true, Limit: 10, MarkSeen: true})
	be.Err(t, err, nil)
	// mark-seen is unsupported but never fails the listing
	be.Equal(t, uids(got), []string{"2", "1"})
}

func TestPOP3MarkSeenUnsupported(t *testing.T) {
	_, port := startPOP3Server(t, imapPass, rawMessage(1, "one"))

	sess, err := newPOP3Dialer(port, imapPass).Dial(context.Background())
	be.Err(t, err, nil)
	defer sess.Close()

	be.True(t, errors.Is(sess.MarkSeen(1), errFlagsUnsupported))
}

func TestPOP3EmptyMaildrop(t *testing.T) {
	_, port := startPOP3Server(t, imapPass)

	r := New(newPOP3Dialer(port, imapPass), slog.New(slog.DiscardHandler))
	got, err := r.Search(context.Background(), Query{ThreadToken: "Q1", Limit: 10})
	be.Err(t, err, nil)
	be.Equal(t, len(got), 0)
}

func TestPOP3AuthRejected(t *testing.T) {
	_, port := startPOP3Server(t, imapPass, rawMessage(1, "one"))

	r := New(newPOP3Dialer(port, "wrong"), slog.New(slog.DiscardHandler))
	_, err := r.Search(context.Background(), Query{Limit: 10})
	var merr *MailboxError
	be.True(t, errors.As(err, &merr))
	be.Equal(t, merr.Op, "auth "+pop3User)
}
