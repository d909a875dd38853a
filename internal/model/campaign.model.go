package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScraping  CampaignStatus = "scraping"
	CampaignStatusReady     CampaignStatus = "ready"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusPaused    CampaignStatus = "paused"
)

type Campaign struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Status          CampaignStatus `json:"status"`
	TemplateID      *uuid.UUID     `json:"templateId,omitempty"`
	FromName        string         `json:"fromName,omitempty"`
	FromEmail       string         `json:"fromEmail,omitempty"`
	ReplyTo         string         `json:"replyTo,omitempty"`
	TrackingEnabled bool           `json:"trackingEnabled"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Sender formats the From header, using fallback when the campaign sets none.
func (c *Campaign) Sender(fallbackName, fallbackEmail string) string {
	name, email := c.FromName, c.FromEmail
	if email == "" {
		email = fallbackEmail
	}
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// CampaignStats summarizes message outcomes of one campaign.
type CampaignStats struct {
	Total     int64   `json:"total"`
	Queued    int64   `json:"queued"`
	Sent      int64   `json:"sent"`
	Delivered int64   `json:"delivered"`
	Opened    int64   `json:"opened"`
	Clicked   int64   `json:"clicked"`
	Bounced   int64   `json:"bounced"`
	Failed    int64   `json:"failed"`
	OpenRate  float64 `json:"openRate"`
	ClickRate float64 `json:"clickRate"`
}
