// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

const maxWebhookBody = 10 << 20

// Reactor is what the public endpoints need from service.Reactor.
type Reactor interface {
	HandleEngagement(ctx context.Context, events []model.EngagementEvent) (*service.EngagementResult, error)
	HandleReply(ctx context.Context, reply model.InboundReply) (*service.ReplyResult, error)
	Unsubscribe(ctx context.Context, contactID int64) (*service.UnsubscribeResult, error)
}

// WebhookHandler serves the endpoints the mail provider and recipients hit.
// Anything that is not a store failure answers 2xx so the provider does not
// retry.
type WebhookHandler struct {
	Reactor Reactor
	Logger  *zap.Logger
}

func NewWebhookHandler(r Reactor, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{Reactor: r, Logger: logger}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/unsubscribe/{contactID}", h.Unsubscribe)
	r.Post("/unsubscribe/{contactID}", h.Unsubscribe)
	r.Post("/webhooks/inbound", h.InboundReply)
	r.Post("/webhooks/events", h.Events)
}

var unsubscribePage = template.Must(template.New("unsubscribe").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family:sans-serif;max-width:32em;margin:4em auto">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>
`))

type pageData struct {
	Title   string
	Message string
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = unsubscribePage.Execute(w, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ignored(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": service.ReplyIgnored, "reason": reason})
}

func (h *WebhookHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "contactID"), 10, 64)
	if err != nil || id <= 0 {
		renderPage(w, http.StatusBadRequest, pageData{
			Title:   "Link not recognized",
			Message: "This unsubscribe link looks incomplete. Please use the link from the email you received.",
		})
		return
	}

	res, err := h.Reactor.Unsubscribe(r.Context(), id)
	if err != nil {
		h.Logger.Error("unsubscribe failed", zap.Int64("contact_id", id), zap.Error(err))
		renderPage(w, http.StatusInternalServerError, pageData{
			Title:   "Something went wrong",
			Message: "We could not process your request. Please try again in a few minutes.",
		})
		return
	}
	if !res.Found {
		h.Logger.Info("unsubscribe for unknown contact", zap.Int64("contact_id", id))
	}
	renderPage(w, http.StatusOK, pageData{
		Title:   "You have been unsubscribed",
		Message: "You will not receive any more emails from us.",
	})
}

func decodeReply(r *http.Request) (model.InboundReply, error) {
	var reply model.InboundReply
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&reply)
		return reply, err
	}

	if err := r.ParseMultipartForm(maxWebhookBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return reply, err
	}
	reply = model.InboundReply{
		To:      r.FormValue("to"),
		From:    r.FormValue("from"),
		Subject: r.FormValue("subject"),
		Text:    r.FormValue("text"),
		HTML:    r.FormValue("html"),
	}
	return reply, nil
}

func (h *WebhookHandler) InboundReply(w http.ResponseWriter, r *http.Request) {
	reply, err := decodeReply(r)
	if err != nil {
		h.Logger.Warn("malformed inbound payload", zap.Error(err))
		ignored(w, "malformed payload")
		return
	}

	res, err := h.Reactor.HandleReply(r.Context(), reply)
	if err != nil {
		h.Logger.Error("inbound reply failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	var events []model.EngagementEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&events); err != nil {
		h.Logger.Warn("malformed engagement payload", zap.Error(err))
		ignored(w, "malformed payload")
		return
	}

	res, err := h.Reactor.HandleEngagement(r.Context(), events)
	if err != nil {
		h.Logger.Error("engagement batch failed", zap.Int("events", len(events)), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
