// internal/model/contact.go
package model

import "time"

type Contact struct {
	ID           int64      `db:"id" json:"id"`
	CampaignID   int64      `db:"campaign_id" json:"campaign_id"`
	Email        string     `db:"email" json:"email"`
	FirstName    string     `db:"first_name" json:"first_name"`
	LastName     string     `db:"last_name" json:"last_name"`
	Company      string     `db:"company" json:"company"`
	Headline     string     `db:"headline" json:"headline"`
	Unsubscribed bool       `db:"unsubscribed" json:"unsubscribed"`
	Bounced      bool       `db:"bounced" json:"bounced"`
	Replied      bool       `db:"replied" json:"replied"`
	RepliedAt    *time.Time `db:"replied_at" json:"replied_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Suppressed reports whether the contact belongs to the suppression set.
func (c *Contact) Suppressed() bool {
	return c.Unsubscribed || c.Bounced
}

// Sendable reports whether anything may still be sent to the contact.
// A reply stops the sequence even though it does not suppress the address.
func (c *Contact) Sendable() bool {
	return !c.Suppressed() && !c.Replied
}

// ContactFlag names one of the boolean flags the reactor can raise.
type ContactFlag string

const (
	FlagUnsubscribed ContactFlag = "unsubscribed"
	FlagBounced      ContactFlag = "bounced"
	FlagReplied      ContactFlag = "replied"
)

// Organization is the company block returned by the lead source.
type Organization struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Lead is a raw candidate recipient, before it has passed the gate.
type Lead struct {
	Email        string       `json:"email"`
	FirstName    string       `json:"firstName"`
	LastName     string       `json:"lastName"`
	Organization Organization `json:"organization"`
	Headline     string       `json:"headline"`
}
