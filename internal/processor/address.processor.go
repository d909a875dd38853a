package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/queue"
	"github.com/nimasrn/outreach-gateway/internal/repository"
	"github.com/nimasrn/outreach-gateway/internal/validator"
	"github.com/nimasrn/outreach-gateway/pkg/logger"
)

type AddressContactRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Contact, error)
	SetAddress(ctx context.Context, id uuid.UUID, email string) error
}

type AddressFinder interface {
	FindBest(ctx context.Context, addresses []string) (validator.Candidate, bool)
}

// AddressProcessor picks the best candidate address for a contact.
type AddressProcessor struct {
	contacts AddressContactRepository
	finder   AddressFinder
}

func NewAddressProcessor(contacts AddressContactRepository, finder AddressFinder) *AddressProcessor {
	return &AddressProcessor{
		contacts: contacts,
		finder:   finder,
	}
}

func (p *AddressProcessor) GetType() string {
	return "validate"
}

func (p *AddressProcessor) Process(ctx context.Context, qm *queue.Message) error {
	var job model.ValidateJob
	if err := json.Unmarshal(qm.Data, &job); err != nil {
		return permanent("malformed validate job", err)
	}
	if err := job.Validate(); err != nil {
		return permanent("invalid validate job", err)
	}

	contact, err := p.contacts.Get(ctx, job.ContactID)
	if err != nil {
		if errors.Is(err, repository.ErrContactNotFound) {
			return permanent("contact not found", err)
		}
		return err
	}

	best, ok := p.finder.FindBest(ctx, job.Candidates)
	if !ok {
		logger.Info("No valid address found", "contact_id", contact.ID, "candidates", len(job.Candidates))
		return nil
	}

	if err := p.contacts.SetAddress(ctx, contact.ID, best.Address); err != nil {
		return err
	}
	logger.Info("Address found",
		"contact_id", contact.ID,
		"address", best.Address,
		"confidence", best.Confidence)
	return nil
}
