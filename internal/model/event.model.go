package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSent         EventType = "sent"
	EventDelivered    EventType = "delivered"
	EventDelayed      EventType = "delayed"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventBounced      EventType = "bounced"
	EventComplained   EventType = "complained"
	EventUnsubscribed EventType = "unsubscribed"
)

type MessageEvent struct {
	ID        uuid.UUID      `json:"id"`
	MessageID uuid.UUID      `json:"emailId"`
	Type      EventType      `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Link is a tracked URL inside one message.
type Link struct {
	ID          uuid.UUID `json:"id"`
	MessageID   uuid.UUID `json:"emailId"`
	OriginalURL string    `json:"originalUrl"`
	ClickCount  int       `json:"clickCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ProviderEvent is a delivery notification from the email provider.
type ProviderEvent struct {
	Type              string         `json:"type"`
	ProviderMessageID string         `json:"emailId"`
	CreatedAt         time.Time      `json:"createdAt"`
	Data              map[string]any `json:"data,omitempty"`
}

// TrackingMeta is request detail stored with open and click events.
type TrackingMeta struct {
	UserAgent string `json:"userAgent,omitempty"`
	IP        string `json:"ip,omitempty"`
}
