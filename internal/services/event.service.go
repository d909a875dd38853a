package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

const (
	bounceReason    = "Email bounced"
	complaintReason = "Spam complaint"
)

// providerEventTypes maps provider webhook types to stored event types.
var providerEventTypes = map[string]model.EventType{
	"email.sent":             model.EventSent,
	"email.delivered":        model.EventDelivered,
	"email.delivery_delayed": model.EventDelayed,
	"email.bounced":          model.EventBounced,
	"email.complained":       model.EventComplained,
}

type EventMessageRepository interface {
	GetByProviderID(ctx context.Context, providerMessageID string) (*model.Message, error)
	Advance(ctx context.Context, id uuid.UUID, next model.MessageStatus, extra map[string]interface{}) (bool, error)
	SetTimestampOnce(ctx context.Context, id uuid.UUID, column string, at time.Time) (bool, error)
}

// EventService ingests delivery notifications from the email provider.
type EventService struct {
	messages EventMessageRepository
	contacts TrackingContactRepository
	events   EventRepository
	now      func() time.Time
}

func NewEventService(messages EventMessageRepository, contacts TrackingContactRepository, events EventRepository) *EventService {
	return &EventService{
		messages: messages,
		contacts: contacts,
		events:   events,
		now:      time.Now,
	}
}

// Ingest records ev against the message it refers to. Unknown messages and
// event types are ignored. Only the first event of a type changes status.
func (s *EventService) Ingest(ctx context.Context, ev model.ProviderEvent) error {
	eventType, ok := providerEventTypes[ev.Type]
	if !ok {
		logger.Warn("unknown provider event type", "type", ev.Type)
		return nil
	}

	msg, err := s.messages.GetByProviderID(ctx, ev.ProviderMessageID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			logger.Warn("email not found for provider id", "providerMessageId", ev.ProviderMessageID)
			return nil
		}
		return fmt.Errorf("find message: %w", err)
	}

	seen, err := s.events.Exists(ctx, msg.ID, eventType)
	if err != nil {
		return fmt.Errorf("check previous events: %w", err)
	}

	metadata := map[string]any{
		"providerEventType": ev.Type,
		"providerMessageId": ev.ProviderMessageID,
	}
	if !ev.CreatedAt.IsZero() {
		metadata["timestamp"] = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	for _, k := range []string{"from", "to", "subject"} {
		if v, ok := ev.Data[k]; ok {
			metadata[k] = v
		}
	}
	if _, err := s.events.Create(ctx, &model.MessageEvent{MessageID: msg.ID, Type: eventType, Metadata: metadata}); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if seen {
		return nil
	}

	return s.apply(ctx, msg, eventType)
}

func (s *EventService) apply(ctx context.Context, msg *model.Message, eventType model.EventType) error {
	at := s.now()

	switch eventType {
	case model.EventDelivered:
		if msg.Status.Terminal() {
			logger.Info("delivery reported for finished email", "emailId", msg.ID, "status", msg.Status)
			return nil
		}
		if _, err := s.messages.SetTimestampOnce(ctx, msg.ID, "delivered_at", at); err != nil {
			return fmt.Errorf("set delivered_at: %w", err)
		}
		if _, err := s.messages.Advance(ctx, msg.ID, model.MessageStatusDelivered, nil); err != nil {
			return fmt.Errorf("advance message: %w", err)
		}
		logger.Info("email delivered", "emailId", msg.ID)

	case model.EventBounced:
		advanced, err := s.messages.Advance(ctx, msg.ID, model.MessageStatusBounced, map[string]interface{}{"error": bounceReason})
		if err != nil {
			return fmt.Errorf("advance message: %w", err)
		}
		if advanced {
			if _, err := s.messages.SetTimestampOnce(ctx, msg.ID, "bounced_at", at); err != nil {
				return fmt.Errorf("set bounced_at: %w", err)
			}
		}
		if _, err := s.contacts.AdvanceStatus(ctx, msg.ContactID, model.ContactStatusBounced); err != nil {
			return fmt.Errorf("advance contact: %w", err)
		}
		logger.Warn("email bounced", "emailId", msg.ID, "contactId", msg.ContactID)

	case model.EventComplained:
		if _, err := s.messages.Advance(ctx, msg.ID, model.MessageStatusFailed, map[string]interface{}{"error": complaintReason}); err != nil {
			return fmt.Errorf("advance message: %w", err)
		}
		if _, err := s.contacts.AdvanceStatus(ctx, msg.ContactID, model.ContactStatusUnsubscribed); err != nil {
			return fmt.Errorf("advance contact: %w", err)
		}
		logger.Warn("spam complaint", "emailId", msg.ID, "contactId", msg.ContactID)

	case model.EventDelayed:
		logger.Info("email delivery delayed", "emailId", msg.ID)
	}
	return nil
}
