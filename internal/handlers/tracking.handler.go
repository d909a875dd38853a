package handlers

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

// 1x1 transparent GIF
var pixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

type TrackingService interface {
	RecordOpen(ctx context.Context, contactID uuid.UUID, meta model.TrackingMeta) error
	RecordClick(ctx context.Context, messageID, linkID uuid.UUID, meta model.TrackingMeta) (string, error)
}

type TrackingHandler struct {
	svc TrackingService
}

// RegisterTrackingRoutes mounts the pixel and redirect endpoints. g is
// expected to be the /api/track group.
func RegisterTrackingRoutes(g *router.Group, h *TrackingHandler) {
	g.GET("/open/{contactId}", h.Open)
	g.GET("/click/{emailId}/{linkId}", h.Click)
}

func NewTrackingHandler(svc TrackingService) *TrackingHandler {
	return &TrackingHandler{svc: svc}
}

func trackingMeta(ctx *xhttp.RequestCtx) model.TrackingMeta {
	return model.TrackingMeta{
		UserAgent: string(ctx.Request.Header.UserAgent()),
		IP:        clientIP(ctx),
	}
}

// Open serves the pixel no matter what happened while recording.
func (h *TrackingHandler) Open(ctx *xhttp.RequestCtx) {
	defer writePixel(ctx)

	contactID, err := uuidParam(ctx, "contactId")
	if err != nil {
		logger.Debug("open with bad contact id", "contactId", ctx.UserValue("contactId"))
		return
	}
	if err := h.svc.RecordOpen(ctx, contactID, trackingMeta(ctx)); err != nil {
		logger.Error("record open failed", "contactId", contactID, "error", err)
	}
}

func writePixel(ctx *xhttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "image/gif")
	ctx.Response.Header.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
	ctx.Response.SetStatusCode(xhttp.StatusOK)
	ctx.Response.SetBodyRaw(pixel)
}

func (h *TrackingHandler) Click(ctx *xhttp.RequestCtx) {
	messageID, err := uuidParam(ctx, "emailId")
	if err != nil {
		writeError(ctx, xhttp.StatusNotFound, "Link not found")
		return
	}
	linkID, err := uuidParam(ctx, "linkId")
	if err != nil {
		writeError(ctx, xhttp.StatusNotFound, "Link not found")
		return
	}

	url, err := h.svc.RecordClick(ctx, messageID, linkID, trackingMeta(ctx))
	if err != nil {
		if errors.Is(err, repository.ErrLinkNotFound) {
			writeError(ctx, xhttp.StatusNotFound, "Link not found")
			return
		}
		logger.Error("record click failed", "emailId", messageID, "linkId", linkID, "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "Internal server error")
		return
	}
	ctx.Redirect(url, xhttp.StatusFound)
}
