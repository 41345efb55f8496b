// Package api exposes the mailer operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracyhatemice/rfqmail/internal/compose"
	"github.com/tracyhatemice/rfqmail/internal/mailer"
	"github.com/tracyhatemice/rfqmail/internal/receiver"
)

const (
	defaultLimit = 10
	maxBodyBytes = 10 << 20
)

// Service is the subset of *mailer.Service the handlers use.
type Service interface {
	Send(ctx context.Context, req mailer.SendRequest) (*mailer.SendResult, error)
	List(ctx context.Context, q receiver.Query) ([]receiver.Summary, error)
}

// Recipients accepts either a single address string or a list of them.
type Recipients []string

func (r *Recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = Recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("to must be a string or a list of strings")
	}
	*r = many
	return nil
}

type sendBody struct {
	To          Recipients `json:"to"`
	Subject     string     `json:"subject"`
	Text        string     `json:"text"`
	HTML        string     `json:"html"`
	InReplyTo   string     `json:"in_reply_to"`
	ThreadToken string     `json:"thread_token"`
}

type listResponse struct {
	Messages []receiver.Summary `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	svc    Service
	logger *slog.Logger
}

// New returns the HTTP handler serving the mail API.
func New(svc Service, logger *slog.Logger) http.Handler {
	h := &handler{svc: svc, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /email/send", h.send)
	mux.HandleFunc("GET /email/messages", h.messages)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	res, err := h.svc.Send(r.Context(), mailer.SendRequest{
		To:          body.To,
		Subject:     body.Subject,
		Text:        body.Text,
		HTML:        body.HTML,
		InReplyTo:   body.InReplyTo,
		ThreadToken: body.ThreadToken,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) messages(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	limit := defaultLimit
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	summaries, err := h.svc.List(r.Context(), receiver.Query{
		UnseenOnly:  flag(params.Get("unseen")),
		ThreadToken: params.Get("thread_token"),
		Limit:       limit,
		MarkSeen:    flag(params.Get("mark_seen")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []receiver.Summary{}
	}
	writeJSON(w, http.StatusOK, listResponse{Messages: summaries})
}

// fail writes err as a JSON error and logs upstream failures.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func flag(v string) bool {
	return strings.EqualFold(v, "true")
}

func statusFor(err error) int {
	var verr *compose.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
