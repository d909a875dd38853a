package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
)

type ContactRepository interface {
	Create(ctx context.Context, c *model.Contact) (*model.Contact, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Contact, error)
}

// ContactService stores discovered contacts and hands candidate addresses
// to the address worker.
type ContactService struct {
	contacts ContactRepository
	queue    JobPublisher
}

func NewContactService(contacts ContactRepository, queue JobPublisher) *ContactService {
	return &ContactService{contacts: contacts, queue: queue}
}

func (s *ContactService) Create(ctx context.Context, c *model.Contact) (*model.Contact, error) {
	c.BusinessName = strings.TrimSpace(c.BusinessName)
	if c.BusinessName == "" {
		return nil, fmt.Errorf("%w: businessName is required", ErrInvalidInput)
	}
	if c.Email != nil {
		e := strings.ToLower(strings.TrimSpace(*c.Email))
		c.Email = &e
		if e == "" {
			c.Email = nil
		}
	}
	c.Status = model.ContactStatusPending
	if c.HasAddress() {
		c.Status = model.ContactStatusEmailFound
	}
	return s.contacts.Create(ctx, c)
}

// EnqueueValidation publishes a job that picks the best of candidates for
// the contact.
func (s *ContactService) EnqueueValidation(ctx context.Context, contactID uuid.UUID, candidates []string) error {
	job := model.ValidateJob{ContactID: contactID, Candidates: dedupe(candidates)}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}
	if _, err := s.contacts.Get(ctx, contactID); err != nil {
		return err
	}
	if _, err := s.queue.PublishJSON(ctx, job, nil); err != nil {
		return fmt.Errorf("publish validate job: %w", err)
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
