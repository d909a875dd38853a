package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the lifecycle state of an outbound email.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusOpened    MessageStatus = "opened"
	MessageStatusClicked   MessageStatus = "clicked"
	MessageStatusReplied   MessageStatus = "replied"
	MessageStatusBounced   MessageStatus = "bounced"
	MessageStatusFailed    MessageStatus = "failed"
)

var messageRank = map[MessageStatus]int{
	MessageStatusQueued:    0,
	MessageStatusSending:   1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusOpened:    4,
	MessageStatusClicked:   5,
	MessageStatusReplied:   6,
}

func (s MessageStatus) Terminal() bool {
	return s == MessageStatusBounced || s == MessageStatusFailed
}

// Dispatchable is true while the send worker may still act on the message.
func (s MessageStatus) Dispatchable() bool {
	return s == MessageStatusQueued || s == MessageStatusSending
}

// CanAdvanceTo reports whether next moves the message forward. Terminal
// states never change; anything else may still end in a terminal state.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return messageRank[next] > messageRank[s]
}

type Message struct {
	ID                uuid.UUID     `json:"id"`
	ContactID         uuid.UUID     `json:"contactId"`
	CampaignID        uuid.UUID     `json:"campaignId"`
	TemplateID        *uuid.UUID    `json:"templateId,omitempty"`
	Subject           string        `json:"subject,omitempty"`
	BodyHTML          string        `json:"bodyHtml,omitempty"`
	BodyText          string        `json:"bodyText,omitempty"`
	Status            MessageStatus `json:"status"`
	ProviderMessageID *string       `json:"providerMessageId,omitempty"`
	Error             *string       `json:"error,omitempty"`
	SentAt            *time.Time    `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time    `json:"deliveredAt,omitempty"`
	OpenedAt          *time.Time    `json:"openedAt,omitempty"`
	ClickedAt         *time.Time    `json:"clickedAt,omitempty"`
	BouncedAt         *time.Time    `json:"bouncedAt,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Tag is a provider-side analytics label.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RenderedMessage is what crosses the transport boundary. It is never
// stored on its own.
type RenderedMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
	Tags    []Tag  `json:"tags,omitempty"`
	// IdempotencyKey lets the provider collapse repeated submissions.
	IdempotencyKey string `json:"-"`
}

type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

var AllMessageStatuses = []MessageStatus{
	MessageStatusQueued,
	MessageStatusSending,
	MessageStatusSent,
	MessageStatusDelivered,
	MessageStatusOpened,
	MessageStatusClicked,
	MessageStatusReplied,
	MessageStatusBounced,
	MessageStatusFailed,
}

// PredecessorsOf lists the statuses that may advance to next.
func PredecessorsOf(next MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range AllMessageStatuses {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}
