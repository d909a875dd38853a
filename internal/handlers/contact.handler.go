package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
)

type ContactService interface {
	Create(ctx context.Context, c *model.Contact) (*model.Contact, error)
	EnqueueValidation(ctx context.Context, contactID uuid.UUID, candidates []string) error
}

type ContactHandler struct {
	svc ContactService
}

func RegisterContactRoutes(g *router.Group, h *ContactHandler) {
	g.POST("/contacts", h.CreateContact)
	g.POST("/contacts/{id}/candidates", h.SubmitCandidates)
}

func NewContactHandler(svc ContactService) *ContactHandler {
	return &ContactHandler{svc: svc}
}

type createContactRequest struct {
	CampaignID   *uuid.UUID `json:"campaignId"`
	BusinessName string     `json:"businessName"`
	Email        *string    `json:"email"`
	Phone        string     `json:"phone"`
	Website      string     `json:"website"`
	Address      string     `json:"address"`
	Rating       *float64   `json:"rating"`
	ReviewCount  *int       `json:"reviewCount"`
	Categories   []string   `json:"categories"`
	FirstName    string     `json:"firstName"`
	LastName     string     `json:"lastName"`
	Title        string     `json:"title"`
}

type candidatesRequest struct {
	Candidates []string `json:"candidates"`
}

func (h *ContactHandler) CreateContact(ctx *xhttp.RequestCtx) {
	var req createContactRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c, err := h.svc.Create(ctx, &model.Contact{
		CampaignID:   req.CampaignID,
		BusinessName: req.BusinessName,
		Email:        req.Email,
		Phone:        req.Phone,
		Website:      req.Website,
		Address:      req.Address,
		Rating:       req.Rating,
		ReviewCount:  req.ReviewCount,
		Categories:   req.Categories,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Title:        req.Title,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, c)
}

func (h *ContactHandler) SubmitCandidates(ctx *xhttp.RequestCtx) {
	id, err := uuidParam(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}
	var req candidatesRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.svc.EnqueueValidation(ctx, id, req.Candidates); err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, map[string]bool{"queued": true})
}
