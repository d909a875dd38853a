package repository

import (
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

type CampaignEntity struct {
	pg.Model
	Name            string     `gorm:"column:name;not null"`
	Status          string     `gorm:"column:status;not null;default:draft"`
	TemplateID      *uuid.UUID `gorm:"column:template_id;type:uuid"`
	FromName        string     `gorm:"column:from_name"`
	FromEmail       string     `gorm:"column:from_email"`
	ReplyTo         string     `gorm:"column:reply_to"`
	TrackingEnabled bool       `gorm:"column:tracking_enabled;not null;default:true"`
}

func (CampaignEntity) TableName() string {
	return "campaigns"
}

func toCampaignEntity(c *model.Campaign) *CampaignEntity {
	if c == nil {
		return nil
	}
	status := c.Status
	if status == "" {
		status = model.CampaignStatusDraft
	}
	return &CampaignEntity{
		Model:           pg.Model{ID: c.ID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt},
		Name:            c.Name,
		Status:          string(status),
		TemplateID:      c.TemplateID,
		FromName:        c.FromName,
		FromEmail:       c.FromEmail,
		ReplyTo:         c.ReplyTo,
		TrackingEnabled: c.TrackingEnabled,
	}
}

func toCampaignModel(e *CampaignEntity) *model.Campaign {
	if e == nil {
		return nil
	}
	return &model.Campaign{
		ID:              e.ID,
		Name:            e.Name,
		Status:          model.CampaignStatus(e.Status),
		TemplateID:      e.TemplateID,
		FromName:        e.FromName,
		FromEmail:       e.FromEmail,
		ReplyTo:         e.ReplyTo,
		TrackingEnabled: e.TrackingEnabled,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}
}
