// internal/service/campaign_service.go
package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
)

// CampaignService covers the small amount of campaign and variation
// bookkeeping the dispatch pipeline needs around it.
type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	ContactRepo   repository.ContactRepositoryInterface
	VariationRepo repository.VariationRepositoryInterface
	QueueRepo     repository.QueueItemRepositoryInterface
	PublicBaseURL string
	Logger        *zap.Logger
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, name string, dailyLimit int) (*model.Campaign, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if dailyLimit < 0 {
		return nil, appErrors.NewValidation("daily_limit", "must not be negative")
	}
	c := &model.Campaign{Name: name, DailyLimit: dailyLimit, Status: model.CampaignDraft}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCampaignDetailsWithStats returns the campaign with its queue item counts
// per status plus a total.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.QueueRepo.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": 0}
	for _, st := range model.AllQueueStatuses {
		stats[string(st)] = counts[st]
		stats["total"] += counts[st]
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

// UpdateDailyLimit changes the cap. It applies from the next enqueue on.
func (s *CampaignService) UpdateDailyLimit(ctx context.Context, campaignID int64, limit int) error {
	if limit < 0 {
		return appErrors.NewValidation("daily_limit", "must not be negative")
	}
	return s.CampaignRepo.UpdateDailyLimit(ctx, campaignID, limit)
}

// CreateVariation stores generated content for a contact. The text is opaque
// here; it only has to be present.
func (s *CampaignService) CreateVariation(ctx context.Context, contactID int64, subject, body string) (*model.EmailVariation, error) {
	if strings.TrimSpace(subject) == "" {
		return nil, appErrors.NewValidation("subject", "is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, appErrors.NewValidation("body", "is required")
	}
	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, appErrors.NewNotFound("contact", contactID)
	}

	v := &model.EmailVariation{
		CampaignID: contact.CampaignID,
		ContactID:  contact.ID,
		Subject:    subject,
		Body:       body,
	}
	if err := s.VariationRepo.Create(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *CampaignService) UpdateVariation(ctx context.Context, id int64, subject, body string) error {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return appErrors.NewValidation("variation", "subject and body are required")
	}
	return s.VariationRepo.UpdateContent(ctx, id, subject, body)
}

// RenderPreview composes the variation exactly as the dispatcher would send
// it.
func (s *CampaignService) RenderPreview(ctx context.Context, variationID int64) (*ComposedMessage, error) {
	v, err := s.VariationRepo.GetByID(ctx, variationID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, appErrors.NewNotFound("variation", variationID)
	}
	contact, err := s.ContactRepo.GetByID(ctx, v.ContactID)
	if err != nil {
		return nil, err
	}
	if contact == nil {
		return nil, appErrors.NewNotFound("contact", v.ContactID)
	}
	composed := Compose(v, contact, s.PublicBaseURL)
	return &composed, nil
}
