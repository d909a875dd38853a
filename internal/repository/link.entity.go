package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
)

type LinkEntity struct {
	ID          uuid.UUID `gorm:"column:id;primaryKey;type:uuid"`
	MessageID   uuid.UUID `gorm:"column:email_id;type:uuid;not null;index:idx_email_links_email_url"`
	OriginalURL string    `gorm:"column:original_url;not null;index:idx_email_links_email_url"`
	ClickCount  int       `gorm:"column:click_count;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (LinkEntity) TableName() string {
	return "email_links"
}

func toLinkModel(e *LinkEntity) *model.Link {
	if e == nil {
		return nil
	}
	return &model.Link{
		ID:          e.ID,
		MessageID:   e.MessageID,
		OriginalURL: e.OriginalURL,
		ClickCount:  e.ClickCount,
		CreatedAt:   e.CreatedAt,
	}
}
