// internal/repository/campaign_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error
	UpdateDailyLimit(ctx context.Context, id int64, limit int) error
}

type CampaignRepository struct {
	DB *sqlx.DB
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
		INSERT INTO campaigns (name, status, daily_limit, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := r.DB.QueryRowxContext(ctx, query, c.Name, c.Status, c.DailyLimit, c.CreatedAt).Scan(&c.ID)
	return appErrors.Persistence("create campaign", err)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	query := `
		SELECT id, name, status, daily_limit, created_at, updated_at
		FROM campaigns WHERE id = $1
	`
	var c model.Campaign
	if err := r.DB.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, appErrors.Persistence("get campaign", err)
	}
	return &c, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int64, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`
	return r.execOne(ctx, "update campaign status", id, query, status, id)
}

func (r *CampaignRepository) UpdateDailyLimit(ctx context.Context, id int64, limit int) error {
	query := `UPDATE campaigns SET daily_limit = $1, updated_at = NOW() WHERE id = $2`
	return r.execOne(ctx, "update campaign daily limit", id, query, limit, id)
}

func (r *CampaignRepository) execOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return appErrors.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return appErrors.Persistence(op, err)
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
