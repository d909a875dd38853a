package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/template"
)

type TemplateRepository interface {
	Create(ctx context.Context, t *model.Template) (*model.Template, error)
}

// TemplateCheck is the outcome of validating a template document.
type TemplateCheck struct {
	template.ValidationResult
	Variables []string `json:"variables"`
}

type TemplateService struct {
	templates TemplateRepository
	engine    *template.Engine
}

func NewTemplateService(templates TemplateRepository, engine *template.Engine) *TemplateService {
	return &TemplateService{templates: templates, engine: engine}
}

// Validate compiles every part of doc and lists the variables it uses.
func (s *TemplateService) Validate(doc template.Document) TemplateCheck {
	res := s.engine.ValidateDocument(doc)
	check := TemplateCheck{ValidationResult: res, Variables: []string{}}
	if !res.Valid {
		return check
	}
	check.Variables = s.variables(doc)
	return check
}

// Create validates t and stores it with its extracted variables.
func (s *TemplateService) Create(ctx context.Context, t *model.Template) (*model.Template, error) {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	doc := template.Document{Subject: t.Subject, BodyHTML: t.BodyHTML, BodyText: t.BodyText}
	check := s.Validate(doc)
	if !check.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, check.Error)
	}
	t.Variables = check.Variables
	return s.templates.Create(ctx, t)
}

func (s *TemplateService) variables(doc template.Document) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, src := range []string{doc.Subject, doc.BodyHTML, doc.BodyText} {
		for _, v := range s.engine.ExtractVariables(src) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
