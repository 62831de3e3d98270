// internal/model/delivery_log.go
package model

import (
	"strings"
	"time"
)

// EngagementStatus is the furthest engagement a delivered message reached.
type EngagementStatus string

const (
	EngagementSent      EngagementStatus = "sent"
	EngagementDelivered EngagementStatus = "delivered"
	EngagementOpened    EngagementStatus = "opened"
	EngagementClicked   EngagementStatus = "clicked"
	EngagementBounced   EngagementStatus = "bounced"
)

func (s EngagementStatus) rank() int {
	switch s {
	case EngagementSent:
		return 0
	case EngagementDelivered:
		return 1
	case EngagementOpened:
		return 2
	case EngagementClicked:
		return 3
	case EngagementBounced:
		return 4
	}
	return -1
}

// Advance returns the status an entry currently at s holds after observing
// next. Bounces win over everything; otherwise the status only moves forward
// along sent < delivered < opened < clicked.
func (s EngagementStatus) Advance(next EngagementStatus) EngagementStatus {
	if next.rank() < 0 {
		return s
	}
	if next == EngagementBounced || s == EngagementBounced {
		return EngagementBounced
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type DeliveryLogEntry struct {
	ID                int64            `db:"id" json:"id"`
	ProviderMessageID string           `db:"provider_message_id" json:"provider_message_id"`
	QueueItemID       int64            `db:"queue_item_id" json:"queue_item_id"`
	CampaignID        int64            `db:"campaign_id" json:"campaign_id"`
	ContactID         int64            `db:"contact_id" json:"contact_id"`
	Status            EngagementStatus `db:"status" json:"status"`
	ReplyText         string           `db:"reply_text" json:"reply_text,omitempty"`
	RepliedAt         *time.Time       `db:"replied_at" json:"replied_at,omitempty"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// EventKind is a normalized provider engagement event.
type EventKind string

const (
	EventDelivered   EventKind = "delivered"
	EventOpened      EventKind = "opened"
	EventClicked     EventKind = "clicked"
	EventBounced     EventKind = "bounced"
	EventUnsubscribe EventKind = "unsubscribe"
	EventUnknown     EventKind = ""
)

// ParseEventKind maps provider event names onto the kinds we act on.
func ParseEventKind(name string) EventKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "delivered":
		return EventDelivered
	case "open", "opened":
		return EventOpened
	case "click", "clicked":
		return EventClicked
	case "bounce", "bounced", "dropped":
		return EventBounced
	case "unsubscribe", "unsubscribed", "group_unsubscribe", "spamreport":
		return EventUnsubscribe
	}
	return EventUnknown
}

// Engagement returns the delivery log status the event maps to, if any.
func (k EventKind) Engagement() (EngagementStatus, bool) {
	switch k {
	case EventDelivered:
		return EngagementDelivered, true
	case EventOpened:
		return EngagementOpened, true
	case EventClicked:
		return EngagementClicked, true
	case EventBounced:
		return EngagementBounced, true
	case EventUnsubscribe, EventUnknown:
		return "", false
	}
	return "", false
}

// EngagementEvent is one entry of a provider engagement webhook batch.
type EngagementEvent struct {
	Event                string `json:"event"`
	ProviderMessageID    string `json:"provider_message_id"`
	// ProviderMessageIDAlt carries the camelCase key some senders post.
	ProviderMessageIDAlt string `json:"providerMessageId"`
	SGMessageID          string `json:"sg_message_id"`
	EventID              string `json:"sg_event_id"`
	Email                string `json:"email"`
	Timestamp            int64  `json:"timestamp"`
}

// MessageID returns the provider message id the event refers to. SendGrid
// appends a filter suffix to its message ids ("<id>.filterdrecv-..."), the
// part before the first dot is what the send call returned.
func (e EngagementEvent) MessageID() string {
	if e.ProviderMessageID != "" {
		return e.ProviderMessageID
	}
	if e.ProviderMessageIDAlt != "" {
		return e.ProviderMessageIDAlt
	}
	id := e.SGMessageID
	if i := strings.IndexByte(id, '.'); i > 0 {
		id = id[:i]
	}
	return id
}

// InboundReply is the parsed payload of the inbound-reply webhook.
type InboundReply struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// Body returns the text part, falling back to the html part.
func (r InboundReply) Body() string {
	if strings.TrimSpace(r.Text) != "" {
		return r.Text
	}
	return r.HTML
}
