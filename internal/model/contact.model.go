package model

import (
	"time"

	"github.com/google/uuid"
)

// ContactStatus is where a contact is in the outreach funnel.
type ContactStatus string

const (
	ContactStatusPending      ContactStatus = "pending"
	ContactStatusEmailFound   ContactStatus = "email_found"
	ContactStatusEmailSent    ContactStatus = "email_sent"
	ContactStatusOpened       ContactStatus = "opened"
	ContactStatusClicked      ContactStatus = "clicked"
	ContactStatusReplied      ContactStatus = "replied"
	ContactStatusBounced      ContactStatus = "bounced"
	ContactStatusUnsubscribed ContactStatus = "unsubscribed"
)

var contactRank = map[ContactStatus]int{
	ContactStatusPending:    0,
	ContactStatusEmailFound: 1,
	ContactStatusEmailSent:  2,
	ContactStatusOpened:     3,
	ContactStatusClicked:    4,
	ContactStatusReplied:    5,
}

// Reachable is false once a contact bounced or opted out.
func (s ContactStatus) Reachable() bool {
	return s != ContactStatusBounced && s != ContactStatusUnsubscribed
}

// CanAdvanceTo reports whether moving from s to next goes forward.
// Bounced and unsubscribed are final.
func (s ContactStatus) CanAdvanceTo(next ContactStatus) bool {
	if !s.Reachable() {
		return false
	}
	if !next.Reachable() {
		return true
	}
	return contactRank[next] > contactRank[s]
}

type Contact struct {
	ID           uuid.UUID     `json:"id"`
	CampaignID   *uuid.UUID    `json:"campaignId,omitempty"`
	BusinessName string        `json:"businessName"`
	Email        *string       `json:"email,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	Website      string        `json:"website,omitempty"`
	Address      string        `json:"address,omitempty"`
	Rating       *float64      `json:"rating,omitempty"`
	ReviewCount  *int          `json:"reviewCount,omitempty"`
	Categories   []string      `json:"categories,omitempty"`
	FirstName    string        `json:"firstName,omitempty"`
	LastName     string        `json:"lastName,omitempty"`
	Title        string        `json:"title,omitempty"`
	Status       ContactStatus `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasAddress reports whether the contact can be mailed at all.
func (c *Contact) HasAddress() bool {
	return c.Email != nil && *c.Email != ""
}

// Variables is the template data for this contact. firstName is left out
// when unknown so the renderer can derive it.
func (c *Contact) Variables() map[string]any {
	vars := map[string]any{
		"businessName": c.BusinessName,
		"location":     c.Address,
		"website":      c.Website,
		"phone":        c.Phone,
	}
	if c.FirstName != "" {
		vars["firstName"] = c.FirstName
	}
	if c.LastName != "" {
		vars["lastName"] = c.LastName
	}
	if c.Title != "" {
		vars["title"] = c.Title
	}
	if c.Rating != nil {
		vars["rating"] = *c.Rating
	}
	if c.ReviewCount != nil {
		vars["reviewCount"] = *c.ReviewCount
	}
	if len(c.Categories) > 0 {
		vars["category"] = c.Categories[0]
		vars["categories"] = c.Categories
	}
	if c.HasAddress() {
		vars["email"] = *c.Email
	}
	return vars
}

var AllContactStatuses = []ContactStatus{
	ContactStatusPending,
	ContactStatusEmailFound,
	ContactStatusEmailSent,
	ContactStatusOpened,
	ContactStatusClicked,
	ContactStatusReplied,
	ContactStatusBounced,
	ContactStatusUnsubscribed,
}

// ContactPredecessorsOf lists the statuses that may advance to next.
func ContactPredecessorsOf(next ContactStatus) []ContactStatus {
	var out []ContactStatus
	for _, s := range AllContactStatuses {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}
