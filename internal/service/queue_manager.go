// internal/service/queue_manager.go
package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/metrics"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
)

// Consecutive scheduled sends are spaced by a uniform draw from
// [MinJitter, MaxJitter).
const (
	MinJitter = 15 * time.Minute
	MaxJitter = 30 * time.Minute
)

func defaultJitter() time.Duration {
	return MinJitter + time.Duration(rand.Int63n(int64(MaxJitter - MinJitter)))
}

type EnqueueResult struct {
	Queued   int                `json:"queued"`
	Rejected int                `json:"rejected"`
	Message  string             `json:"message"`
	Items    []*model.QueueItem `json:"items"`
}

type QueueManager struct {
	Campaigns  repository.CampaignRepositoryInterface
	QueueItems repository.QueueItemRepositoryInterface
	Logger     *zap.Logger

	// Now and Jitter are replaced in tests.
	Now    func() time.Time
	Jitter func() time.Duration
}

func (m *QueueManager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *QueueManager) jitter() time.Duration {
	if m.Jitter != nil {
		return m.Jitter()
	}
	return defaultJitter()
}

func (m *QueueManager) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func validateOutbound(items []model.OutboundMessage, dailyLimit int) error {
	if len(items) == 0 {
		return appErrors.NewValidation("items", "at least one message is required")
	}
	if dailyLimit < 0 {
		return appErrors.NewValidation("daily_limit", "must not be negative")
	}
	campaignID := items[0].CampaignID
	for i, it := range items {
		if it.CampaignID <= 0 {
			return appErrors.NewValidation("campaign_id", fmt.Sprintf("missing on item %d", i))
		}
		if it.CampaignID != campaignID {
			return appErrors.NewValidation("campaign_id", "all items must belong to one campaign")
		}
		if it.ContactID <= 0 {
			return appErrors.NewValidation("contact_id", fmt.Sprintf("missing on item %d", i))
		}
		if it.VariationID <= 0 {
			return appErrors.NewValidation("variation_id", fmt.Sprintf("missing on item %d", i))
		}
	}
	return nil
}

// Enqueue admits as many items as the campaign's remaining daily allowance
// permits, in input order, and persists them as pending with jittered
// schedule times. Every item created since UTC midnight counts against the
// allowance, whatever its status. Either all admitted items are stored or
// none are.
func (m *QueueManager) Enqueue(ctx context.Context, items []model.OutboundMessage, dailyLimit int, startAt *time.Time) (*EnqueueResult, error) {
	if err := validateOutbound(items, dailyLimit); err != nil {
		return nil, err
	}
	campaignID := items[0].CampaignID
	now := m.now()

	var planned []*model.QueueItem
	var todayCount int
	err := m.QueueItems.CreateBatch(ctx, campaignID, startOfUTCDay(now), func(createdToday int) ([]*model.QueueItem, error) {
		todayCount = createdToday
		remaining := max(0, dailyLimit-createdToday)
		admit := min(remaining, len(items))

		at := now
		if startAt != nil {
			at = startAt.UTC()
		}
		planned = make([]*model.QueueItem, 0, admit)
		for i := 0; i < admit; i++ {
			if i > 0 {
				at = at.Add(m.jitter())
			}
			planned = append(planned, &model.QueueItem{
				CampaignID:   campaignID,
				ContactID:    items[i].ContactID,
				VariationID:  items[i].VariationID,
				Step:         items[i].Step,
				ScheduledFor: at,
				Status:       model.QueuePending,
			})
		}
		return planned, nil
	})
	if err != nil {
		m.logger().Error("enqueue failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
		return nil, fmt.Errorf("enqueue for campaign %d: %w", campaignID, err)
	}

	result := &EnqueueResult{
		Queued:   len(planned),
		Rejected: len(items) - len(planned),
		Items:    planned,
	}
	switch {
	case result.Rejected == 0:
		result.Message = fmt.Sprintf("%d messages queued", result.Queued)
	case result.Queued == 0:
		result.Message = fmt.Sprintf("daily limit of %d reached, %d messages rejected", dailyLimit, result.Rejected)
	default:
		result.Message = fmt.Sprintf("%d messages queued, %d rejected by the daily limit of %d",
			result.Queued, result.Rejected, dailyLimit)
	}

	metrics.QueueItemsEnqueuedTotal.Add(float64(result.Queued))
	m.logger().Info("enqueued",
		zap.Int64("campaign_id", campaignID),
		zap.Int("created_today", todayCount),
		zap.Int("queued", result.Queued),
		zap.Int("rejected", result.Rejected),
	)
	return result, nil
}

// EnqueueForCampaign enqueues against the campaign's current daily limit and
// activates a draft campaign once something was queued.
func (m *QueueManager) EnqueueForCampaign(ctx context.Context, campaignID int64, items []model.OutboundMessage, startAt *time.Time) (*EnqueueResult, error) {
	campaign, err := m.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].CampaignID == 0 {
			items[i].CampaignID = campaignID
		}
	}

	result, err := m.Enqueue(ctx, items, campaign.DailyLimit, startAt)
	if err != nil {
		return nil, err
	}
	if result.Queued > 0 && campaign.Status == model.CampaignDraft {
		if err := m.Campaigns.UpdateStatus(ctx, campaignID, model.CampaignActive); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Requeue creates a fresh pending item for a failed one. The failed item is
// left untouched; the new one goes through the same daily limit.
func (m *QueueManager) Requeue(ctx context.Context, itemID int64) (*EnqueueResult, error) {
	item, err := m.QueueItems.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, appErrors.NewNotFound("queue item", itemID)
	}
	if item.Status != model.QueueFailed {
		return nil, appErrors.NewValidation("status", fmt.Sprintf("only failed items can be requeued, item is %s", item.Status))
	}
	return m.EnqueueForCampaign(ctx, item.CampaignID, []model.OutboundMessage{{
		CampaignID:  item.CampaignID,
		ContactID:   item.ContactID,
		VariationID: item.VariationID,
		Step:        item.Step,
	}}, nil)
}
