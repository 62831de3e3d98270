// internal/service/reactor.go
package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-dispatch/internal/cache"
	"github.com/unclebandit/outreach-dispatch/internal/metrics"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
)

const maxStatusSwapAttempts = 5

// Reactor applies provider callbacks to contacts, queue items and delivery
// logs. Every entry point is safe to call again with the same input.
type Reactor struct {
	Contacts     repository.ContactRepositoryInterface
	QueueItems   repository.QueueItemRepositoryInterface
	DeliveryLogs repository.DeliveryLogRepositoryInterface
	// Deduper is optional; without it redelivered events are still harmless,
	// they just do the lookups again.
	Deduper cache.EventDeduper

	Now    func() time.Time
	Logger *zap.Logger
}

func (r *Reactor) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reactor) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// suppress raises flag on the contact and cancels its pending items. The
// cancel runs even when the flag was already set, so a retry completes an
// earlier attempt that failed half way.
func (r *Reactor) suppress(ctx context.Context, contactID int64, flag model.ContactFlag) (changed bool, cancelled int, err error) {
	changed, err = r.Contacts.SetFlag(ctx, contactID, flag)
	if err != nil {
		return false, 0, err
	}
	cancelled, err = r.QueueItems.CancelPendingForContact(ctx, contactID, r.now())
	if err != nil {
		return changed, 0, err
	}
	metrics.CascadeCancelledTotal.Add(float64(cancelled))
	if changed || cancelled > 0 {
		r.logger().Info("contact suppressed",
			zap.Int64("contact_id", contactID),
			zap.String("flag", string(flag)),
			zap.Bool("changed", changed),
			zap.Int("cancelled", cancelled),
		)
	}
	return changed, cancelled, nil
}

// ---------------------------------------------------------------- engagement

type EngagementResult struct {
	Applied    int `json:"applied"`
	Ignored    int `json:"ignored"`
	Duplicates int `json:"duplicates"`
}

// HandleEngagement applies a batch of provider events. Events for unknown
// message ids and event kinds we do not track are ignored.
func (r *Reactor) HandleEngagement(ctx context.Context, events []model.EngagementEvent) (*EngagementResult, error) {
	result := &EngagementResult{}
	for _, ev := range events {
		deduped := false
		if r.Deduper != nil && ev.EventID != "" {
			first, err := r.Deduper.FirstSeen(ctx, ev.EventID)
			if err != nil {
				r.logger().Warn("event dedup unavailable", zap.String("event_id", ev.EventID), zap.Error(err))
			} else if !first {
				result.Duplicates++
				metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev), "duplicate").Inc()
				continue
			} else {
				deduped = true
			}
		}

		applied, err := r.applyEvent(ctx, ev)
		if err != nil {
			if deduped {
				_ = r.Deduper.Forget(ctx, ev.EventID)
			}
			metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev), "error").Inc()
			return result, err
		}
		if applied {
			result.Applied++
			metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev), "applied").Inc()
		} else {
			result.Ignored++
			metrics.WebhookEventsTotal.WithLabelValues(eventLabel(ev), "ignored").Inc()
		}
	}
	return result, nil
}

func eventLabel(ev model.EngagementEvent) string {
	if k := model.ParseEventKind(ev.Event); k != model.EventUnknown {
		return string(k)
	}
	return "unknown"
}

func (r *Reactor) applyEvent(ctx context.Context, ev model.EngagementEvent) (bool, error) {
	kind := model.ParseEventKind(ev.Event)
	if kind == model.EventUnknown {
		return false, nil
	}

	var entry *model.DeliveryLogEntry
	if id := ev.MessageID(); id != "" {
		var err error
		entry, err = r.DeliveryLogs.GetByProviderMessageID(ctx, id)
		if err != nil {
			return false, err
		}
	}

	if kind == model.EventUnsubscribe {
		contactID, err := r.eventContact(ctx, entry, ev.Email)
		if err != nil || contactID == 0 {
			return false, err
		}
		_, _, err = r.suppress(ctx, contactID, model.FlagUnsubscribed)
		return err == nil, err
	}

	if entry == nil {
		return false, nil
	}
	status, _ := kind.Engagement()
	if err := r.advance(ctx, entry, status); err != nil {
		return false, err
	}
	if status == model.EngagementBounced {
		if _, _, err := r.suppress(ctx, entry.ContactID, model.FlagBounced); err != nil {
			return false, err
		}
	}
	return true, nil
}

// eventContact resolves the contact an event is about, by delivery log entry
// first and by recipient address otherwise. Zero means unknown.
func (r *Reactor) eventContact(ctx context.Context, entry *model.DeliveryLogEntry, email string) (int64, error) {
	if entry != nil {
		return entry.ContactID, nil
	}
	if strings.TrimSpace(email) == "" {
		return 0, nil
	}
	c, err := r.Contacts.GetByEmail(ctx, email)
	if err != nil || c == nil {
		return 0, err
	}
	return c.ID, nil
}

// advance moves the entry's status forward with compare-and-swap, re-reading
// it when a concurrent event got there first.
func (r *Reactor) advance(ctx context.Context, entry *model.DeliveryLogEntry, observed model.EngagementStatus) error {
	current := entry
	for attempt := 0; attempt < maxStatusSwapAttempts; attempt++ {
		next := current.Status.Advance(observed)
		if next == current.Status {
			return nil
		}
		swapped, err := r.DeliveryLogs.UpdateStatus(ctx, current.ID, current.Status, next)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
		current, err = r.DeliveryLogs.GetByProviderMessageID(ctx, entry.ProviderMessageID)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
	}
	r.logger().Warn("delivery status kept changing, giving up",
		zap.String("provider_message_id", entry.ProviderMessageID),
		zap.String("observed", string(observed)),
	)
	return nil
}

// --------------------------------------------------------------------- reply

const (
	ReplyProcessed = "processed"
	ReplyIgnored   = "ignored"
)

type ReplyResult struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	ContactID int64  `json:"contact_id,omitempty"`
	Cancelled int    `json:"cancelled"`
}

// ParseSender extracts the address from a From header value. It accepts
// RFC 5322 forms, falls back to the text between angle brackets, then to the
// first token containing an @. The result is lowercased.
func ParseSender(from string) (string, bool) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", false
	}

	candidate := ""
	if addr, err := mail.ParseAddress(from); err == nil {
		candidate = addr.Address
	} else if open := strings.LastIndex(from, "<"); open >= 0 {
		if end := strings.Index(from[open:], ">"); end > 0 {
			candidate = from[open+1 : open+end]
		}
	}
	if candidate == "" {
		for _, tok := range strings.Fields(from) {
			if strings.Contains(tok, "@") {
				candidate = strings.Trim(tok, `<>"',;()`)
				break
			}
		}
	}

	candidate = strings.ToLower(strings.TrimSpace(candidate))
	local, domain, ok := strings.Cut(candidate, "@")
	if !ok || local == "" || domain == "" || strings.ContainsAny(candidate, " <>") {
		return "", false
	}
	return candidate, true
}

// HandleReply marks the sender as replied, stores the first reply on their
// latest delivery log entry and cancels their pending items. Unparseable or
// unknown senders are ignored.
func (r *Reactor) HandleReply(ctx context.Context, reply model.InboundReply) (*ReplyResult, error) {
	addr, ok := ParseSender(reply.From)
	if !ok {
		metrics.WebhookEventsTotal.WithLabelValues("reply", "ignored").Inc()
		return &ReplyResult{Status: ReplyIgnored, Reason: "unparseable sender"}, nil
	}
	contact, err := r.Contacts.GetByEmail(ctx, addr)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		metrics.WebhookEventsTotal.WithLabelValues("reply", "ignored").Inc()
		return &ReplyResult{Status: ReplyIgnored, Reason: "unknown sender"}, nil
	}

	changed, err := r.Contacts.SetFlag(ctx, contact.ID, model.FlagReplied)
	if err != nil {
		return nil, err
	}
	if _, err := r.DeliveryLogs.RecordFirstReply(ctx, contact.ID, reply.Body(), r.now()); err != nil {
		return nil, err
	}
	// Runs whether or not the flag was new; see suppress.
	cancelled, err := r.QueueItems.CancelPendingForContact(ctx, contact.ID, r.now())
	if err != nil {
		return nil, err
	}
	metrics.CascadeCancelledTotal.Add(float64(cancelled))
	metrics.WebhookEventsTotal.WithLabelValues("reply", "applied").Inc()

	r.logger().Info("reply recorded",
		zap.Int64("contact_id", contact.ID),
		zap.Bool("first", changed),
		zap.Int("cancelled", cancelled),
	)
	result := &ReplyResult{Status: ReplyProcessed, ContactID: contact.ID, Cancelled: cancelled}
	if !changed {
		result.Reason = "already replied"
	}
	return result, nil
}

// --------------------------------------------------------------- unsubscribe

type UnsubscribeResult struct {
	ContactID           int64 `json:"contact_id"`
	Found               bool  `json:"found"`
	AlreadyUnsubscribed bool  `json:"already_unsubscribed"`
	Cancelled           int   `json:"cancelled"`
}

// Unsubscribe suppresses the contact. An unknown id is reported through
// Found, not as an error, so the link never shows a failure page.
func (r *Reactor) Unsubscribe(ctx context.Context, contactID int64) (*UnsubscribeResult, error) {
	result := &UnsubscribeResult{ContactID: contactID}
	contact, err := r.Contacts.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return result, nil
	}
	result.Found = true

	changed, cancelled, err := r.suppress(ctx, contactID, model.FlagUnsubscribed)
	if err != nil {
		return nil, err
	}
	result.AlreadyUnsubscribed = !changed
	result.Cancelled = cancelled
	metrics.WebhookEventsTotal.WithLabelValues("unsubscribe_link", "applied").Inc()
	return result, nil
}
