package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

type MessageEntity struct {
	pg.Model
	ContactID         uuid.UUID  `gorm:"column:lead_id;type:uuid;not null;index"`
	CampaignID        uuid.UUID  `gorm:"column:campaign_id;type:uuid;not null;index"`
	TemplateID        *uuid.UUID `gorm:"column:template_id;type:uuid"`
	Subject           string     `gorm:"column:subject"`
	BodyHTML          string     `gorm:"column:body_html"`
	BodyText          string     `gorm:"column:body_text"`
	Status            string     `gorm:"column:status;not null;default:queued;index"`
	ProviderMessageID *string    `gorm:"column:provider_message_id;index"`
	Error             *string    `gorm:"column:error"`
	SentAt            *time.Time `gorm:"column:sent_at;index"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
	OpenedAt          *time.Time `gorm:"column:opened_at"`
	ClickedAt         *time.Time `gorm:"column:clicked_at"`
	BouncedAt         *time.Time `gorm:"column:bounced_at"`
}

func (MessageEntity) TableName() string {
	return "emails"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	status := m.Status
	if status == "" {
		status = model.MessageStatusQueued
	}
	return &MessageEntity{
		Model:             pg.Model{ID: m.ID, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ContactID:         m.ContactID,
		CampaignID:        m.CampaignID,
		TemplateID:        m.TemplateID,
		Subject:           m.Subject,
		BodyHTML:          m.BodyHTML,
		BodyText:          m.BodyText,
		Status:            string(status),
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		SentAt:            utcPtr(m.SentAt),
		DeliveredAt:       utcPtr(m.DeliveredAt),
		OpenedAt:          utcPtr(m.OpenedAt),
		ClickedAt:         utcPtr(m.ClickedAt),
		BouncedAt:         utcPtr(m.BouncedAt),
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:                e.ID,
		ContactID:         e.ContactID,
		CampaignID:        e.CampaignID,
		TemplateID:        e.TemplateID,
		Subject:           e.Subject,
		BodyHTML:          e.BodyHTML,
		BodyText:          e.BodyText,
		Status:            model.MessageStatus(e.Status),
		ProviderMessageID: e.ProviderMessageID,
		Error:             e.Error,
		SentAt:            e.SentAt,
		DeliveredAt:       e.DeliveredAt,
		OpenedAt:          e.OpenedAt,
		ClickedAt:         e.ClickedAt,
		BouncedAt:         e.BouncedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}
