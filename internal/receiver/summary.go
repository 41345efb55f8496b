package receiver

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	// Register charset decoders (windows-1252, iso-8859-*, koi8-r, etc.)
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/rfqmail/internal/mimeheader"
	"github.com/tracyhatemice/rfqmail/internal/thread"
)

const (
	snippetLen = 200
	// bodies are read up to this many bytes when building a snippet
	maxSnippetSource = 256 << 10
)

func summarize(id uint32, raw []byte) (Summary, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Summary{}, fmt.Errorf("parse message: %w", err)
	}

	subject := mimeheader.Decode(e.Header.Get("Subject"))
	s := Summary{
		UID:       strconv.FormatUint(uint64(id), 10),
		From:      mimeheader.Decode(e.Header.Get("From")),
		Subject:   subject,
		Date:      e.Header.Get("Date"),
		MessageID: e.Header.Get("Message-Id"),
		InReplyTo: e.Header.Get("In-Reply-To"),
		Snippet:   snippet(e),
	}
	if token, ok := thread.Extract(subject); ok {
		s.ThreadToken = token
	}
	return s, nil
}

// snippet prefers the first non-attachment text/plain part of a multipart
// message. A single-part message contributes its whole body.
func snippet(e *message.Entity) string {
	if mediaType, _, _ := e.Header.ContentType(); !strings.HasPrefix(mediaType, "multipart/") {
		return normalize(e.Body)
	}

	mr := mail.NewReader(e)
	defer mr.Close()
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return ""
		}

		h := partHeader(p)
		if strings.Contains(strings.ToLower(h.Get("Content-Disposition")), "attachment") {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && ct != "text/plain" {
			continue
		}
		return normalize(p.Body)
	}
}

func partHeader(p *mail.Part) message.Header {
	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		return h.Header
	case *mail.AttachmentHeader:
		return h.Header
	}
	return message.Header{}
}

// normalize collapses whitespace runs to single spaces and truncates the
// result to snippetLen characters. Read errors keep what was read so far.
func normalize(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, maxSnippetSource))
	text := strings.Join(strings.Fields(strings.ToValidUTF8(string(b), "�")), " ")
	if r := []rune(text); len(r) > snippetLen {
		return string(r[:snippetLen])
	}
	return text
}
