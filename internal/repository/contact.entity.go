package repository

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/pg"
)

type ContactEntity struct {
	pg.Model
	CampaignID   *uuid.UUID     `gorm:"column:campaign_id;type:uuid;index"`
	BusinessName string         `gorm:"column:business_name;not null"`
	Email        *string        `gorm:"column:email;index"`
	Phone        string         `gorm:"column:phone"`
	Website      string         `gorm:"column:website"`
	Address      string         `gorm:"column:address"`
	Rating       *float64       `gorm:"column:rating"`
	ReviewCount  *int           `gorm:"column:review_count"`
	Categories   pq.StringArray `gorm:"column:categories;type:text[]"`
	FirstName    string         `gorm:"column:first_name"`
	LastName     string         `gorm:"column:last_name"`
	Title        string         `gorm:"column:title"`
	Status       string         `gorm:"column:status;not null;default:pending;index"`
}

func (ContactEntity) TableName() string {
	return "leads"
}

func toContactEntity(c *model.Contact) *ContactEntity {
	if c == nil {
		return nil
	}
	status := c.Status
	if status == "" {
		status = model.ContactStatusPending
	}
	return &ContactEntity{
		Model:        pg.Model{ID: c.ID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt},
		CampaignID:   c.CampaignID,
		BusinessName: c.BusinessName,
		Email:        c.Email,
		Phone:        c.Phone,
		Website:      c.Website,
		Address:      c.Address,
		Rating:       c.Rating,
		ReviewCount:  c.ReviewCount,
		Categories:   pq.StringArray(c.Categories),
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Title:        c.Title,
		Status:       string(status),
	}
}

func toContactModel(e *ContactEntity) *model.Contact {
	if e == nil {
		return nil
	}
	return &model.Contact{
		ID:           e.ID,
		CampaignID:   e.CampaignID,
		BusinessName: e.BusinessName,
		Email:        e.Email,
		Phone:        e.Phone,
		Website:      e.Website,
		Address:      e.Address,
		Rating:       e.Rating,
		ReviewCount:  e.ReviewCount,
		Categories:   []string(e.Categories),
		FirstName:    e.FirstName,
		LastName:     e.LastName,
		Title:        e.Title,
		Status:       model.ContactStatus(e.Status),
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

func toContactModels(entities []*ContactEntity) []*model.Contact {
	if entities == nil {
		return nil
	}
	models := make([]*model.Contact, len(entities))
	for i, e := range entities {
		models[i] = toContactModel(e)
	}
	return models
}
