package repository

import (
	"github.com/lib/pq"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

type TemplateEntity struct {
	pg.Model
	Name      string         `gorm:"column:name;not null"`
	Subject   string         `gorm:"column:subject;not null"`
	BodyHTML  string         `gorm:"column:body_html;not null"`
	BodyText  string         `gorm:"column:body_text"`
	Variables pq.StringArray `gorm:"column:variables;type:text[]"`
}

func (TemplateEntity) TableName() string {
	return "email_templates"
}

func toTemplateEntity(t *model.Template) *TemplateEntity {
	if t == nil {
		return nil
	}
	return &TemplateEntity{
		Model:     pg.Model{ID: t.ID, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt},
		Name:      t.Name,
		Subject:   t.Subject,
		BodyHTML:  t.BodyHTML,
		BodyText:  t.BodyText,
		Variables: pq.StringArray(t.Variables),
	}
}

func toTemplateModel(e *TemplateEntity) *model.Template {
	if e == nil {
		return nil
	}
	return &model.Template{
		ID:        e.ID,
		Name:      e.Name,
		Subject:   e.Subject,
		BodyHTML:  e.BodyHTML,
		BodyText:  e.BodyText,
		Variables: []string(e.Variables),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}
