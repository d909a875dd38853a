package fixtures

import (
	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
)

const MenuURL = "https://menu.example.com/specials"

var (
	IntroTemplate = model.Template{
		Name:     "intro",
		Subject:  "Quick question for {{businessName}}",
		BodyHTML: `<p>Hi {{firstName}},</p><p>{{spin "Loved|Enjoyed"}} your reviews. See <a href="` + MenuURL + `">our idea</a>.</p>`,
		BodyText: "Hi {{firstName}}, see " + MenuURL,
	}

	BrokenTemplate = model.Template{
		Name:     "broken",
		Subject:  "Hello",
		BodyHTML: "{{#if rating}}never closed",
		BodyText: "Hello",
	}
)

func NewTestContact(campaignID uuid.UUID, businessName string, email *string) *model.Contact {
	status := model.ContactStatusPending
	if email != nil {
		status = model.ContactStatusEmailFound
	}
	return &model.Contact{
		CampaignID:   &campaignID,
		BusinessName: businessName,
		Email:        email,
		Status:       status,
		Website:      "https://" + uuid.NewString()[:8] + ".example.com",
	}
}

func NewTemplateRequest(t model.Template) map[string]string {
	return map[string]string{
		"name":     t.Name,
		"subject":  t.Subject,
		"bodyHtml": t.BodyHTML,
		"bodyText": t.BodyText,
	}
}

func NewCampaignRequest(templateID uuid.UUID) map[string]interface{} {
	return map[string]interface{}{
		"name":       "spring outreach",
		"templateId": templateID,
		"fromName":   "Sam",
		"fromEmail":  "sam@agency.example.com",
	}
}

func NewContactRequest(campaignID uuid.UUID, businessName, email string) map[string]interface{} {
	req := map[string]interface{}{
		"campaignId":   campaignID,
		"businessName": businessName,
	}
	if email != "" {
		req["email"] = email
	}
	return req
}

// NewResendEvent builds a provider webhook body.
func NewResendEvent(eventType, providerMessageID string) map[string]interface{} {
	return map[string]interface{}{
		"type":       eventType,
		"created_at": "2026-03-05T14:31:00Z",
		"data": map[string]interface{}{
			"email_id": providerMessageID,
			"from":     "sam@agency.example.com",
			"to":       []string{"joe@diner.example.com"},
			"subject":  "Quick question",
		},
	}
}
