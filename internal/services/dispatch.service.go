package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

var (
	ErrNoTemplate         = errors.New("campaign must have a template before sending")
	ErrNoEligibleContacts = errors.New("no contacts available to send emails to")
	ErrContactNotEligible = errors.New("contact has no address or is not ready to be emailed")
	ErrAlreadyQueued      = errors.New("contact already has an email in this campaign")
)

type DispatchMessageRepository interface {
	Create(ctx context.Context, m *model.Message) (*model.Message, error)
	ExistsForContact(ctx context.Context, campaignID, contactID uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type DispatchContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Contact, error)
	ListEligible(ctx context.Context, campaignID uuid.UUID) ([]*model.Contact, error)
}

type DispatchCampaignRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.CampaignStatus) error
}

// JobPublisher is the producer side of a queue.
type JobPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// DispatchService turns contacts into queued messages and send jobs.
type DispatchService struct {
	messages  DispatchMessageRepository
	contacts  DispatchContactRepository
	campaigns DispatchCampaignRepository
	queue     JobPublisher
}

func NewDispatchService(messages DispatchMessageRepository, contacts DispatchContactRepository, campaigns DispatchCampaignRepository, queue JobPublisher) *DispatchService {
	return &DispatchService{
		messages:  messages,
		contacts:  contacts,
		campaigns: campaigns,
		queue:     queue,
	}
}

// EnqueueCampaign queues one message for every eligible contact of the
// campaign that has none yet and moves the campaign to sending. Send jobs are
// published once the messages are committed.
func (s *DispatchService) EnqueueCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.TemplateID == nil {
		return 0, ErrNoTemplate
	}

	contacts, err := s.contacts.ListEligible(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("list eligible contacts: %w", err)
	}
	if len(contacts) == 0 {
		return 0, ErrNoEligibleContacts
	}

	var created []*model.Message
	err = s.messages.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, c := range contacts {
			exists, err := s.messages.ExistsForContact(ctx, campaignID, c.ID)
			if err != nil {
				return fmt.Errorf("check existing message: %w", err)
			}
			if exists {
				continue
			}
			m, err := s.create(ctx, campaign, c.ID)
			if err != nil {
				return err
			}
			created = append(created, m)
		}
		return s.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusSending)
	})
	if err != nil {
		return 0, err
	}

	queued := 0
	var firstErr error
	for _, m := range created {
		if err := s.publish(ctx, m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		queued++
	}

	logger.Info("campaign queued", "campaignId", campaignID, "queued", queued, "eligible", len(contacts))
	return queued, firstErr
}

// EnqueueContact queues a single contact of the campaign.
func (s *DispatchService) EnqueueContact(ctx context.Context, campaignID, contactID uuid.UUID) (*model.Message, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.TemplateID == nil {
		return nil, ErrNoTemplate
	}

	contact, err := s.contacts.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if !contact.HasAddress() || !contact.Status.Reachable() {
		return nil, ErrContactNotEligible
	}

	var created *model.Message
	err = s.messages.WithinTransaction(ctx, func(ctx context.Context) error {
		exists, err := s.messages.ExistsForContact(ctx, campaignID, contactID)
		if err != nil {
			return fmt.Errorf("check existing message: %w", err)
		}
		if exists {
			return ErrAlreadyQueued
		}
		if created, err = s.create(ctx, campaign, contactID); err != nil {
			return err
		}
		return s.campaigns.UpdateStatus(ctx, campaignID, model.CampaignStatusSending)
	})
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *DispatchService) create(ctx context.Context, campaign *model.Campaign, contactID uuid.UUID) (*model.Message, error) {
	m, err := s.messages.Create(ctx, &model.Message{
		ContactID:  contactID,
		CampaignID: campaign.ID,
		TemplateID: campaign.TemplateID,
		Status:     model.MessageStatusQueued,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

func (s *DispatchService) publish(ctx context.Context, m *model.Message) error {
	job := model.SendJob{
		MessageID:  m.ID,
		ContactID:  m.ContactID,
		CampaignID: m.CampaignID,
		TemplateID: *m.TemplateID,
	}
	if _, err := s.queue.PublishJSON(ctx, job, nil); err != nil {
		// the row is already committed and will never see a worker
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if mErr := s.messages.MarkFailed(context.WithoutCancel(ctx), m.ID, reason); mErr != nil {
			logger.Error("mark unpublished message failed", "messageId", m.ID, "error", mErr)
		}
		return fmt.Errorf("publish send job: %w", err)
	}
	return nil
}
