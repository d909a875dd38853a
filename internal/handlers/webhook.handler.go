package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/outreach-gateway/internal/model"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

type EventService interface {
	Ingest(ctx context.Context, ev model.ProviderEvent) error
}

type WebhookHandler struct {
	svc EventService
}

// RegisterWebhookRoutes mounts provider callbacks under g, normally /api/webhooks.
func RegisterWebhookRoutes(g *router.Group, h *WebhookHandler) {
	g.POST("/resend", h.Resend)
}

func NewWebhookHandler(svc EventService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

type resendEvent struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		EmailID string   `json:"email_id"`
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
	} `json:"data"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// Resend acknowledges every well-formed event, including ones for unknown
// emails, so the provider does not keep redelivering them.
func (h *WebhookHandler) Resend(ctx *xhttp.RequestCtx) {
	var body resendEvent
	if err := readJSON(ctx, &body); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ev := model.ProviderEvent{
		Type:              body.Type,
		ProviderMessageID: body.Data.EmailID,
		CreatedAt:         body.CreatedAt,
		Data: map[string]any{
			"from":    body.Data.From,
			"to":      body.Data.To,
			"subject": body.Data.Subject,
		},
	}
	logger.Info("provider webhook", "type", ev.Type, "emailId", ev.ProviderMessageID)

	if err := h.svc.Ingest(ctx, ev); err != nil {
		logger.Error("webhook ingest failed", "type", ev.Type, "emailId", ev.ProviderMessageID, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Webhook processing failed")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, receivedResponse{Received: true})
}
