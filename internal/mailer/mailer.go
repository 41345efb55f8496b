// Package mailer implements the two correspondence operations: sending a
// message into a thread and listing messages of the mailbox.
package mailer

import (
	"context"
	"log/slog"

	"github.com/tracyhatemice/rfqmail/internal/compose"
	"github.com/tracyhatemice/rfqmail/internal/receiver"
)

// Transport submits a composed message and returns its Message-Id.
type Transport interface {
	Send(ctx context.Context, msg *compose.Message) (string, error)
}

// Mailbox lists messages of the configured mailbox.
type Mailbox interface {
	Search(ctx context.Context, q receiver.Query) ([]receiver.Summary, error)
}

// Journal remembers sent Message-Ids. *sentlog.Log implements it.
type Journal interface {
	Record(messageID, threadToken string) error
	Lookup(messageID string) (string, bool)
}

// SendRequest is a request to send one message.
type SendRequest struct {
	To          []string
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	ThreadToken string
}

// SendResult describes a submitted message.
type SendResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
}

// Service wires the composer, transport and mailbox together. It has no
// mutable state of its own and is safe for concurrent use.
type Service struct {
	composer  *compose.Composer
	transport Transport
	mailbox   Mailbox
	journal   Journal
	logger    *slog.Logger
}

// New creates a Service. journal may be nil.
func New(
	composer *compose.Composer,
	transport Transport,
	mailbox Mailbox,
	journal Journal,
	logger *slog.Logger,
) *Service {
	return &Service{
		composer:  composer,
		transport: transport,
		mailbox:   mailbox,
		journal:   journal,
		logger:    logger,
	}
}

// Send composes and submits a message. Invalid drafts fail with
// *compose.ValidationError before any connection is opened; submission
// failures are *sender.TransportError.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	msg, err := s.composer.Compose(compose.Draft{
		To:          req.To,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		InReplyTo:   req.InReplyTo,
		ThreadToken: req.ThreadToken,
	})
	if err != nil {
		return nil, err
	}

	id, err := s.transport.Send(ctx, msg)
	if err != nil {
		s.logger.Error("send failed", "msg_id", msg.MessageID, "error", err)
		return nil, err
	}

	if s.journal != nil {
		if err := s.journal.Record(id, req.ThreadToken); err != nil {
			s.logger.Error("record sent message failed", "msg_id", id, "error", err)
		}
	}

	s.logger.Info("sent",
		"msg_id", id,
		"thread_token", req.ThreadToken,
		"recipients", len(msg.To),
	)
	return &SendResult{Status: "sent", MessageID: id, Subject: msg.Subject}, nil
}

// List returns mailbox summaries newest first, flagging replies to
// messages found in the journal.
func (s *Service) List(ctx context.Context, q receiver.Query) ([]receiver.Summary, error) {
	summaries, err := s.mailbox.Search(ctx, q)
	if err != nil {
		s.logger.Error("list failed", "error", err)
		return nil, err
	}

	if s.journal != nil {
		for i := range summaries {
			if summaries[i].InReplyTo == "" {
				continue
			}
			if _, ok := s.journal.Lookup(summaries[i].InReplyTo); ok {
				summaries[i].ReplyToSent = true
			}
		}
	}

	s.logger.Debug("listed", "count", len(summaries), "thread_token", q.ThreadToken)
	return summaries, nil
}
