// Package mimeheader decodes internationalized mail header values.
//
// Decoding is lenient: values come from untrusted mail, so malformed
// encoded-words are left as-is, unknown charsets fall back to UTF-8 and
// undecodable bytes become U+FFFD. Decode never fails.
package mimeheader

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// charsetReader converts label-encoded input to UTF-8. Unknown labels are
// passed through untouched and repaired later by strings.ToValidUTF8.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	r, err := charset.Reader(label, input)
	if err != nil {
		return input, nil
	}
	return r, nil
}

// Decode returns header with every RFC 2047 encoded-word replaced by its
// decoded text. Segments are decoded independently, each with its own
// declared charset, and concatenated in order. An empty header yields "".
func Decode(header string) string {
	if header == "" {
		return ""
	}
	if !strings.Contains(header, "=?") {
		return header
	}

	decoded, err := wordDecoder.DecodeHeader(header)
	if err != nil {
		return decodeEach(header)
	}
	return strings.ToValidUTF8(decoded, "�")
}

// decodeEach is the fallback for headers the stdlib decoder rejects as a
// whole. It decodes space-separated tokens one by one and keeps any token
// that fails verbatim.
func decodeEach(header string) string {
	var b strings.Builder
	prevEncoded := false
	for i, tok := range strings.Split(header, " ") {
		out, err := wordDecoder.Decode(tok)
		encoded := err == nil
		if !encoded {
			out = tok
		}
		// Whitespace between adjacent encoded-words is not significant.
		if i > 0 && !(encoded && prevEncoded) {
			b.WriteByte(' ')
		}
		b.WriteString(out)
		prevEncoded = encoded
	}
	return strings.ToValidUTF8(b.String(), "�")
}
