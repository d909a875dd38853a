// Package composer turns a stored template and a contact's variables into
// a message ready for the send transport.
package composer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nimasrn/outreach-gateway/internal/model"
	"github.com/nimasrn/outreach-gateway/internal/template"
)

const openPixel = `<img src="%s/api/track/open/%s" width="1" height="1" alt="" style="display:block" />`

// Renderer is the part of the template engine the composer needs.
type Renderer interface {
	Render(source string, vars template.Variables) (string, error)
	RenderText(source string, vars template.Variables) (string, error)
}

type Composer struct {
	renderer Renderer
	baseURL  string
}

func New(renderer Renderer, trackingBaseURL string) *Composer {
	return &Composer{
		renderer: renderer,
		baseURL:  strings.TrimRight(trackingBaseURL, "/"),
	}
}

type ComposeOptions struct {
	Template        template.Document
	Variables       template.Variables
	From            string
	To              string
	ReplyTo         string
	TrackingEnabled bool
	CampaignID      *uuid.UUID
	ContactID       *uuid.UUID
}

func (c *Composer) Compose(opts ComposeOptions) (*model.RenderedMessage, error) {
	subject, err := c.renderer.RenderText(opts.Template.Subject, opts.Variables)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := c.renderer.Render(opts.Template.BodyHTML, opts.Variables)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	text, err := c.renderer.RenderText(opts.Template.BodyText, opts.Variables)
	if err != nil {
		return nil, fmt.Errorf("text body: %w", err)
	}

	if opts.TrackingEnabled && opts.ContactID != nil {
		html += fmt.Sprintf(openPixel, c.baseURL, opts.ContactID.String())
	}

	return &model.RenderedMessage{
		From:    opts.From,
		To:      opts.To,
		Subject: subject,
		HTML:    html,
		Text:    text,
		ReplyTo: opts.ReplyTo,
		Tags:    tags(opts.CampaignID, opts.ContactID),
	}, nil
}

func tags(campaignID, contactID *uuid.UUID) []model.Tag {
	var out []model.Tag
	if campaignID != nil {
		out = append(out, model.Tag{Name: "campaign_id", Value: campaignID.String()})
	}
	if contactID != nil {
		out = append(out, model.Tag{Name: "lead_id", Value: contactID.String()})
	}
	return out
}
