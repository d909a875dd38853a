package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/services"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
)

type CampaignService interface {
	Create(ctx context.Context, c *model.Campaign) (*model.Campaign, error)
	Stats(ctx context.Context, campaignID uuid.UUID) (*model.CampaignStats, error)
	Warmup(ctx context.Context) (*services.WarmupStatus, error)
}

type DispatchService interface {
	EnqueueCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
	EnqueueContact(ctx context.Context, campaignID, contactID uuid.UUID) (*model.Message, error)
}

type CampaignHandler struct {
	campaigns CampaignService
	dispatch  DispatchService
}

func RegisterCampaignRoutes(g *router.Group, h *CampaignHandler) {
	g.POST("/campaigns", h.CreateCampaign)
	g.POST("/campaigns/{id}/send", h.SendCampaign)
	g.POST("/campaigns/{id}/contacts/{contactId}/send", h.SendToContact)
	g.GET("/campaigns/{id}/stats", h.CampaignStats)
	g.GET("/warmup", h.WarmupStatus)
}

func NewCampaignHandler(campaigns CampaignService, dispatch DispatchService) *CampaignHandler {
	return &CampaignHandler{campaigns: campaigns, dispatch: dispatch}
}

type createCampaignRequest struct {
	Name            string     `json:"name"`
	TemplateID      *uuid.UUID `json:"templateId"`
	FromName        string     `json:"fromName"`
	FromEmail       string     `json:"fromEmail"`
	ReplyTo         string     `json:"replyTo"`
	TrackingEnabled *bool      `json:"trackingEnabled"`
}

type queuedResponse struct {
	Queued int `json:"queued"`
}

func (h *CampaignHandler) CreateCampaign(ctx *xhttp.RequestCtx) {
	var req createCampaignRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c := &model.Campaign{
		Name:            req.Name,
		TemplateID:      req.TemplateID,
		FromName:        req.FromName,
		FromEmail:       req.FromEmail,
		ReplyTo:         req.ReplyTo,
		TrackingEnabled: true,
	}
	if req.TrackingEnabled != nil {
		c.TrackingEnabled = *req.TrackingEnabled
	}

	created, err := h.campaigns.Create(ctx, c)
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, created)
}

func (h *CampaignHandler) SendCampaign(ctx *xhttp.RequestCtx) {
	id, err := uuidParam(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}
	n, err := h.dispatch.EnqueueCampaign(ctx, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, queuedResponse{Queued: n})
}

func (h *CampaignHandler) SendToContact(ctx *xhttp.RequestCtx) {
	id, err := uuidParam(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}
	contactID, err := uuidParam(ctx, "contactId")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}
	msg, err := h.dispatch.EnqueueContact(ctx, id, contactID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, msg)
}

func (h *CampaignHandler) CampaignStats(ctx *xhttp.RequestCtx) {
	id, err := uuidParam(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}
	stats, err := h.campaigns.Stats(ctx, id)
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, stats)
}

func (h *CampaignHandler) WarmupStatus(ctx *xhttp.RequestCtx) {
	st, err := h.campaigns.Warmup(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, st)
}
