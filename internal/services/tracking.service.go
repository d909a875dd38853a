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

type TrackingMessageRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
	LatestSentForContact(ctx context.Context, contactID uuid.UUID) (*model.Message, error)
	Advance(ctx context.Context, id uuid.UUID, next model.MessageStatus, extra map[string]interface{}) (bool, error)
	SetTimestampOnce(ctx context.Context, id uuid.UUID, column string, at time.Time) (bool, error)
}

type TrackingContactRepository interface {
	AdvanceStatus(ctx context.Context, id uuid.UUID, next model.ContactStatus) (bool, error)
}

type EventRepository interface {
	Create(ctx context.Context, ev *model.MessageEvent) (*model.MessageEvent, error)
	Exists(ctx context.Context, messageID uuid.UUID, t model.EventType) (bool, error)
}

type LinkRepository interface {
	Get(ctx context.Context, messageID, linkID uuid.UUID) (*model.Link, error)
	IncrementClicks(ctx context.Context, linkID uuid.UUID) error
}

// TrackingService records pixel opens and link clicks.
type TrackingService struct {
	messages TrackingMessageRepository
	contacts TrackingContactRepository
	events   EventRepository
	links    LinkRepository
	now      func() time.Time
}

func NewTrackingService(messages TrackingMessageRepository, contacts TrackingContactRepository, events EventRepository, links LinkRepository) *TrackingService {
	return &TrackingService{
		messages: messages,
		contacts: contacts,
		events:   events,
		links:    links,
		now:      time.Now,
	}
}

// RecordOpen attributes an open to the contact's latest sent message. The
// first open moves message and contact to opened; later ones are only logged.
// A contact with nothing sent is ignored.
func (s *TrackingService) RecordOpen(ctx context.Context, contactID uuid.UUID, meta model.TrackingMeta) error {
	msg, err := s.messages.LatestSentForContact(ctx, contactID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil
		}
		return fmt.Errorf("find sent message: %w", err)
	}

	now := s.now()
	seen, err := s.events.Exists(ctx, msg.ID, model.EventOpened)
	if err != nil {
		return fmt.Errorf("check previous opens: %w", err)
	}

	metadata := trackingMetadata(meta, now)
	if seen {
		metadata["subsequentOpen"] = true
	}
	if _, err := s.events.Create(ctx, &model.MessageEvent{MessageID: msg.ID, Type: model.EventOpened, Metadata: metadata}); err != nil {
		return fmt.Errorf("record open: %w", err)
	}
	if seen {
		return nil
	}

	if _, err := s.messages.SetTimestampOnce(ctx, msg.ID, "opened_at", now); err != nil {
		return fmt.Errorf("set opened_at: %w", err)
	}
	if _, err := s.messages.Advance(ctx, msg.ID, model.MessageStatusOpened, nil); err != nil {
		return fmt.Errorf("advance message: %w", err)
	}
	if _, err := s.contacts.AdvanceStatus(ctx, contactID, model.ContactStatusOpened); err != nil {
		return fmt.Errorf("advance contact: %w", err)
	}

	logger.Info("email opened", "contactId", contactID, "emailId", msg.ID)
	return nil
}

// RecordClick logs a click on a tracked link and returns the URL to
// redirect to. Only an unknown link is an error; bookkeeping failures are
// logged so the visitor still gets redirected.
func (s *TrackingService) RecordClick(ctx context.Context, messageID, linkID uuid.UUID, meta model.TrackingMeta) (string, error) {
	link, err := s.links.Get(ctx, messageID, linkID)
	if err != nil {
		return "", err
	}

	now := s.now()
	seen, err := s.events.Exists(ctx, messageID, model.EventClicked)
	if err != nil {
		logger.Error("check previous clicks failed", "emailId", messageID, "error", err)
		seen = true
	}

	metadata := trackingMetadata(meta, now)
	metadata["linkId"] = linkID.String()
	metadata["url"] = link.OriginalURL
	if _, err := s.events.Create(ctx, &model.MessageEvent{MessageID: messageID, Type: model.EventClicked, Metadata: metadata}); err != nil {
		logger.Error("record click failed", "emailId", messageID, "linkId", linkID, "error", err)
	}
	if err := s.links.IncrementClicks(ctx, linkID); err != nil {
		logger.Error("increment click count failed", "linkId", linkID, "error", err)
	}

	if !seen {
		s.firstClick(ctx, messageID, now)
	}

	logger.Info("link clicked", "emailId", messageID, "linkId", linkID)
	return link.OriginalURL, nil
}

func (s *TrackingService) firstClick(ctx context.Context, messageID uuid.UUID, now time.Time) {
	if _, err := s.messages.SetTimestampOnce(ctx, messageID, "clicked_at", now); err != nil {
		logger.Error("set clicked_at failed", "emailId", messageID, "error", err)
	}
	if _, err := s.messages.Advance(ctx, messageID, model.MessageStatusClicked, nil); err != nil {
		logger.Error("advance message failed", "emailId", messageID, "error", err)
	}

	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		logger.Error("load clicked message failed", "emailId", messageID, "error", err)
		return
	}
	if _, err := s.contacts.AdvanceStatus(ctx, msg.ContactID, model.ContactStatusClicked); err != nil {
		logger.Error("advance contact failed", "contactId", msg.ContactID, "error", err)
	}
}

func trackingMetadata(meta model.TrackingMeta, at time.Time) map[string]any {
	m := map[string]any{"timestamp": at.UTC().Format(time.RFC3339)}
	if meta.UserAgent != "" {
		m["userAgent"] = meta.UserAgent
	}
	if meta.IP != "" {
		m["ip"] = meta.IP
	}
	return m
}
