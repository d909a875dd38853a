package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/services"
	"github.com/nimasrn/outreach-gateway/internal/template"
	xhttp "github.com/nimasrn/outreach-gateway/pkg/http"
)

type TemplateService interface {
	Create(ctx context.Context, t *model.Template) (*model.Template, error)
	Validate(doc template.Document) services.TemplateCheck
}

type TemplateHandler struct {
	svc TemplateService
}

func RegisterTemplateRoutes(g *router.Group, h *TemplateHandler) {
	g.POST("/templates", h.CreateTemplate)
	g.POST("/templates/validate", h.ValidateTemplate)
}

func NewTemplateHandler(svc TemplateService) *TemplateHandler {
	return &TemplateHandler{svc: svc}
}

type templateRequest struct {
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtml"`
	BodyText string `json:"bodyText"`
}

func (h *TemplateHandler) CreateTemplate(ctx *xhttp.RequestCtx) {
	var req templateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	t, err := h.svc.Create(ctx, &model.Template{
		Name:     req.Name,
		Subject:  req.Subject,
		BodyHTML: req.BodyHTML,
		BodyText: req.BodyText,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusCreated, t)
}

// ValidateTemplate always answers 200; the verdict is in the body.
func (h *TemplateHandler) ValidateTemplate(ctx *xhttp.RequestCtx) {
	var req templateRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	check := h.svc.Validate(template.Document{
		Subject:  req.Subject,
		BodyHTML: req.BodyHTML,
		BodyText: req.BodyText,
	})
	writeJSON(ctx, xhttp.StatusOK, check)
}
