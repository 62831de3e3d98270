// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/metrics"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/transport"
)

const (
	DefaultSendTimeout = 15 * time.Second
	DefaultPacing      = 2 * time.Second
)

type DispatchResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeFailed:
		return "failed"
	case outcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// Dispatcher turns due queue items into transport calls. One Process call is
// one run: items are handled one at a time, spaced by Pacing.
type Dispatcher struct {
	QueueItems repository.QueueItemRepositoryInterface
	Contacts   repository.ContactRepositoryInterface
	Variations repository.VariationRepositoryInterface
	Transport  transport.Transport

	FromEmail     string
	FromName      string
	PublicBaseURL string
	SendTimeout   time.Duration
	Pacing        time.Duration

	Now    func() time.Time
	Logger *zap.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return d.SendTimeout
}

func (d *Dispatcher) limiter() *rate.Limiter {
	if d.Pacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d.Pacing), 1)
}

// transportReady is false while the transport is known to refuse sends.
func (d *Dispatcher) transportReady() bool {
	if r, ok := d.Transport.(transport.Readiness); ok {
		return r.Ready()
	}
	return true
}

// Process handles up to limit due items, earliest first. A run stops early
// when ctx is done or the transport becomes unavailable; items it did not get
// to stay pending and count as skipped. A store failure ends the run and is
// returned together with the counts so far.
func (d *Dispatcher) Process(ctx context.Context, limit int) (*DispatchResult, error) {
	if limit <= 0 {
		return nil, appErrors.NewValidation("limit", "must be positive")
	}
	log := d.logger()
	result := &DispatchResult{}

	due, err := d.QueueItems.ListDue(ctx, d.now(), limit)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return result, nil
	}

	limiter := d.limiter()
	for i, item := range due {
		if ctx.Err() != nil || !d.transportReady() {
			result.Skipped += len(due) - i
			metrics.DispatchOutcomesTotal.WithLabelValues(outcomeSkipped.String()).Add(float64(len(due) - i))
			log.Warn("dispatch run halted",
				zap.Int("remaining", len(due)-i),
				zap.Bool("cancelled", ctx.Err() != nil),
			)
			break
		}

		out, err := d.dispatchOne(ctx, limiter, item)
		metrics.DispatchOutcomesTotal.WithLabelValues(out.String()).Inc()
		switch out {
		case outcomeSent:
			result.Sent++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}
		if err != nil {
			log.Error("dispatch run aborted", zap.Int64("queue_item_id", item.ID), zap.Error(err))
			return result, err
		}
	}

	log.Info("dispatch run finished",
		zap.Int("due", len(due)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, limiter *rate.Limiter, item *model.QueueItem) (outcome, error) {
	log := d.logger().With(zap.Int64("queue_item_id", item.ID), zap.Int64("contact_id", item.ContactID))

	// Pace before claiming so a cancelled wait leaves the item pending.
	if err := limiter.Wait(ctx); err != nil {
		log.Debug("pacing wait cancelled")
		return outcomeSkipped, nil
	}

	claimed, err := d.QueueItems.Claim(ctx, item.ID, d.now())
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		log.Debug("claim lost")
		return outcomeSkipped, nil
	}

	// From here on the item is ours and must reach a terminal state even if
	// the run is cancelled.
	record := context.WithoutCancel(ctx)

	contact, err := d.Contacts.GetByID(ctx, item.ContactID)
	if err != nil {
		return outcomeFailed, d.fail(record, item.ID, "contact lookup failed: "+err.Error(), err)
	}
	if contact == nil {
		return outcomeFailed, d.fail(record, item.ID, "contact not found", nil)
	}
	if !contact.Sendable() {
		log.Info("recipient suppressed at send time")
		return outcomeFailed, d.fail(record, item.ID, model.FailureSuppressed, nil)
	}

	variation, err := d.Variations.GetByID(ctx, item.VariationID)
	if err != nil {
		return outcomeFailed, d.fail(record, item.ID, "variation lookup failed: "+err.Error(), err)
	}
	if variation == nil {
		return outcomeFailed, d.fail(record, item.ID, "variation not found", nil)
	}

	composed := Compose(variation, contact, d.PublicBaseURL)
	msg := transport.NewMessage(d.FromEmail, contact.Email,
		transport.WithNames(d.FromName, ""),
		transport.WithSubject(composed.Subject),
		transport.WithText(composed.Text),
		transport.WithHTML(composed.HTML),
		transport.CustomArg("queue_item_id", strconv.FormatInt(item.ID, 10)),
		transport.CustomArg("contact_id", strconv.FormatInt(contact.ID, 10)),
		transport.CustomArg("campaign_id", strconv.FormatInt(item.CampaignID, 10)),
	)

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout())
	start := time.Now()
	providerID, err := d.Transport.Send(sendCtx, msg)
	cancel()
	if err != nil {
		metrics.TransportSendDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		reason := err.Error()
		if errors.Is(err, transport.ErrUnavailable) {
			reason = "transport unavailable"
		}
		log.Warn("send failed", zap.Error(err))
		return outcomeFailed, d.fail(record, item.ID, reason, nil)
	}
	metrics.TransportSendDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	entry := &model.DeliveryLogEntry{
		CampaignID: item.CampaignID,
		ContactID:  contact.ID,
		Status:     model.EngagementSent,
	}
	if err := d.QueueItems.MarkSent(record, item.ID, providerID, d.now(), entry); err != nil {
		// The provider accepted the message; the item stays in sending so
		// nobody sends it again.
		log.Error("sent but not recorded", zap.String("provider_message_id", providerID), zap.Error(err))
		return outcomeSent, err
	}
	log.Info("sent", zap.String("provider_message_id", providerID))
	return outcomeSent, nil
}

// fail records reason on a claimed item. cause is a store error that should
// end the run once the item is settled.
func (d *Dispatcher) fail(ctx context.Context, id int64, reason string, cause error) error {
	if err := d.QueueItems.MarkFailed(ctx, id, reason, d.now()); err != nil {
		return err
	}
	return cause
}
