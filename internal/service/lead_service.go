// internal/service/lead_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
)

// LeadSource finds candidate recipients. It may return no leads at all.
type LeadSource interface {
	Search(ctx context.Context, query string) ([]model.Lead, error)
}

// NoNewLeadsMessage is reported when nothing survives the gate.
const NoNewLeadsMessage = "no new valid leads"

type ImportResult struct {
	Gate     *GateResult      `json:"gate"`
	Contacts []*model.Contact `json:"contacts"`
	Message  string           `json:"message"`
}

type LeadService struct {
	Campaigns repository.CampaignRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Gate      *Gate
	Source    LeadSource
	Logger    *zap.Logger
}

func (s *LeadService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Import gates candidates and stores the admitted ones as contacts of the
// campaign.
func (s *LeadService) Import(ctx context.Context, campaignID int64, candidates []model.Lead) (*ImportResult, error) {
	if campaignID <= 0 {
		return nil, appErrors.NewValidation("campaign_id", "must be positive")
	}
	if _, err := s.Campaigns.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}

	gate, err := s.Gate.Filter(ctx, candidates)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{Gate: gate, Contacts: []*model.Contact{}}
	if len(gate.Admitted) == 0 {
		result.Message = NoNewLeadsMessage
		return result, nil
	}

	created, err := s.Contacts.CreateMany(ctx, campaignID, gate.Admitted)
	if err != nil {
		return nil, err
	}
	result.Contacts = created
	if len(created) == 0 {
		result.Message = NoNewLeadsMessage
	} else {
		result.Message = fmt.Sprintf("%d new leads imported", len(created))
	}

	s.logger().Info("leads imported",
		zap.Int64("campaign_id", campaignID),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", len(created)),
	)
	return result, nil
}

// SourceAndImport asks the lead source for candidates and imports them. A
// failing source degrades to an empty result.
func (s *LeadService) SourceAndImport(ctx context.Context, campaignID int64, query string) (*ImportResult, error) {
	if s.Source == nil {
		return nil, appErrors.NewValidation("source", "no lead source configured")
	}
	leads, err := s.Source.Search(ctx, query)
	if err != nil {
		s.logger().Warn("lead source unavailable",
			zap.Int64("campaign_id", campaignID),
			zap.Error(appErrors.NewUpstream("lead source", err)),
		)
		return &ImportResult{
			Gate:     &GateResult{Admitted: []model.Lead{}, Rejected: []Rejection{}},
			Contacts: []*model.Contact{},
			Message:  "lead source unavailable",
		}, nil
	}
	return s.Import(ctx, campaignID, leads)
}

// FileLeadSource serves leads from a JSON array on disk, matching the query
// against headline, organization and email.
type FileLeadSource struct {
	Path string
}

func (f *FileLeadSource) Search(_ context.Context, query string) ([]model.Lead, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	var leads []model.Lead
	if err := json.Unmarshal(raw, &leads); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return leads, nil
	}
	out := leads[:0]
	for _, l := range leads {
		haystack := strings.ToLower(l.Headline + " " + l.Organization.Name + " " + l.Email)
		if strings.Contains(haystack, q) {
			out = append(out, l)
		}
	}
	return out, nil
}
