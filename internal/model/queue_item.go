// internal/model/queue_item.go
package model

import "time"

// QueueStatus is the lifecycle state of a queue item.
//
// pending -> sending -> sent | failed
// pending -> cancelled
//
// sending is the claim marker a dispatcher sets before it touches the
// transport; only one dispatcher can win that transition for an item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSending   QueueStatus = "sending"
	QueueSent      QueueStatus = "sent"
	QueueFailed    QueueStatus = "failed"
	QueueCancelled QueueStatus = "cancelled"
)

// AllQueueStatuses lists every status in lifecycle order.
var AllQueueStatuses = []QueueStatus{QueuePending, QueueSending, QueueSent, QueueFailed, QueueCancelled}

// Terminal reports whether no transition leaves s.
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueSent, QueueFailed, QueueCancelled:
		return true
	case QueuePending, QueueSending:
		return false
	}
	return false
}

// CanTransition reports whether the state machine has an edge from s to next.
func (s QueueStatus) CanTransition(next QueueStatus) bool {
	switch s {
	case QueuePending:
		return next == QueueSending || next == QueueCancelled
	case QueueSending:
		return next == QueueSent || next == QueueFailed
	case QueueSent, QueueFailed, QueueCancelled:
		return false
	}
	return false
}

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueuePending, QueueSending, QueueSent, QueueFailed, QueueCancelled:
		return true
	}
	return false
}

// FailureSuppressed is the failure reason recorded when the contact became
// ineligible between enqueue and dispatch.
const FailureSuppressed = "suppressed"

type QueueItem struct {
	ID                int64       `db:"id" json:"id"`
	CampaignID        int64       `db:"campaign_id" json:"campaign_id"`
	ContactID         int64       `db:"contact_id" json:"contact_id"`
	VariationID       int64       `db:"variation_id" json:"variation_id"`
	Step              int         `db:"step" json:"step"`
	ScheduledFor      time.Time   `db:"scheduled_for" json:"scheduled_for"`
	Status            QueueStatus `db:"status" json:"status"`
	ClaimedAt         *time.Time  `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt            *time.Time  `db:"sent_at" json:"sent_at,omitempty"`
	CancelledAt       *time.Time  `db:"cancelled_at" json:"cancelled_at,omitempty"`
	FailureReason     string      `db:"failure_reason" json:"failure_reason,omitempty"`
	ProviderMessageID string      `db:"provider_message_id" json:"provider_message_id,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

// OutboundMessage is a ready-to-send message handed to the queue manager.
type OutboundMessage struct {
	CampaignID  int64 `json:"campaign_id"`
	ContactID   int64 `json:"contact_id"`
	VariationID int64 `json:"variation_id"`
	Step        int   `json:"step,omitempty"`
}
