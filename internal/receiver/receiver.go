package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tracyhatemice/rfqmail/internal/thread"
)

// Summary is the normalized view of one fetched message.
type Summary struct {
	UID         string `json:"uid"`
	From        string `json:"from"`
	Subject     string `json:"subject"`
	Date        string `json:"date"`
	Snippet     string `json:"snippet"`
	MessageID   string `json:"message_id"`
	InReplyTo   string `json:"in_reply_to"`
	ThreadToken string `json:"thread_token,omitempty"`
	ReplyToSent bool   `json:"reply_to_sent,omitempty"`
}

// Query selects messages for Reader.Search.
type Query struct {
	UnseenOnly  bool
	ThreadToken string
	Limit       int // hard cap on fetched messages; 0 fetches nothing
	MarkSeen    bool
}

// Criteria is the server-side search predicate. The zero value matches
// every message.
type Criteria struct {
	UnseenOnly      bool
	SubjectContains string
}

// Session is one authenticated retrieval session with the folder selected.
type Session interface {
	// Search returns matching message ids in ascending arrival order.
	Search(criteria Criteria) ([]uint32, error)
	// Fetch returns the raw RFC 5322 message.
	Fetch(id uint32) ([]byte, error)
	// MarkSeen flags the message as seen.
	MarkSeen(id uint32) error
	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens retrieval sessions. Implementations return *MailboxError.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// MailboxError is returned when the retrieval session cannot be opened or
// the search command is rejected.
type MailboxError struct {
	Op  string
	Err error
}

func (e *MailboxError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *MailboxError) Unwrap() error { return e.Err }

// Reader lists messages of the configured mailbox. Each Search uses its own
// session which is closed before Search returns.
type Reader struct {
	dialer Dialer
	logger *slog.Logger
}

// New creates a Reader on top of dialer.
func New(dialer Dialer, logger *slog.Logger) *Reader {
	return &Reader{dialer: dialer, logger: logger}
}

// Search runs q against the mailbox and returns summaries newest first.
// Messages that cannot be fetched or parsed are skipped and logged; an
// empty mailbox yields an empty slice.
func (r *Reader) Search(ctx context.Context, q Query) ([]Summary, error) {
	sess, err := r.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.logger.Debug("mailbox logout failed", "error", err)
		}
	}()

	criteria := Criteria{UnseenOnly: q.UnseenOnly}
	if q.ThreadToken != "" {
		criteria.SubjectContains = thread.Predicate(q.ThreadToken)
	}

	ids, err := sess.Search(criteria)
	if err != nil {
		return nil, &MailboxError{Op: "search", Err: err}
	}
	ids = newestFirst(ids, q.Limit)
	r.logger.Debug("mailbox search", "matches", len(ids), "unseen", q.UnseenOnly, "thread_token", q.ThreadToken)

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		raw, err := sess.Fetch(id)
		if err != nil || len(raw) == 0 {
			r.logger.Warn("fetch failed, skipping", "uid", id, "error", err)
			continue
		}

		s, err := summarize(id, raw)
		if err != nil {
			r.logger.Warn("unparseable message, skipping", "uid", id, "error", err)
			continue
		}
		summaries = append(summaries, s)

		if q.MarkSeen {
			if err := sess.MarkSeen(id); err != nil {
				r.logger.Warn("mark seen failed", "uid", id, "error", err)
			}
		}
	}
	return summaries, nil
}

// newestFirst reverses ascending ids and caps them to limit, so at most
// limit messages are ever fetched. A negative limit counts as zero.
func newestFirst(ids []uint32, limit int) []uint32 {
	limit = max(limit, 0)
	out := slices.Clone(ids)
	slices.Reverse(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
