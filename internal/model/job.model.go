package model

import (
	"errors"

	"github.com/google/uuid"
)

// SendJob is the queue envelope for one outbound email.
type SendJob struct {
	MessageID  uuid.UUID `json:"emailId"`
	ContactID  uuid.UUID `json:"leadId"`
	CampaignID uuid.UUID `json:"campaignId"`
	TemplateID uuid.UUID `json:"templateId"`
}

func (j SendJob) Validate() error {
	if j.MessageID == uuid.Nil {
		return errors.New("emailId is required")
	}
	if j.ContactID == uuid.Nil {
		return errors.New("leadId is required")
	}
	if j.CampaignID == uuid.Nil {
		return errors.New("campaignId is required")
	}
	if j.TemplateID == uuid.Nil {
		return errors.New("templateId is required")
	}
	return nil
}

// ValidateJob asks the address worker to pick the best candidate for a contact.
type ValidateJob struct {
	ContactID  uuid.UUID `json:"leadId"`
	Candidates []string  `json:"candidates"`
}

func (j ValidateJob) Validate() error {
	if j.ContactID == uuid.Nil {
		return errors.New("leadId is required")
	}
	if len(j.Candidates) == 0 {
		return errors.New("at least one candidate is required")
	}
	return nil
}
