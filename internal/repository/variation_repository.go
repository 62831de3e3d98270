// internal/repository/variation_repository.go
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

type VariationRepositoryInterface interface {
	Create(ctx context.Context, v *model.EmailVariation) error
	GetByID(ctx context.Context, id int64) (*model.EmailVariation, error)
	// UpdateContent rewrites subject and body. Once a queue item using the
	// variation is in flight or sent it returns ErrVariationLocked.
	UpdateContent(ctx context.Context, id int64, subject, body string) error
}

type VariationRepository struct {
	DB *sqlx.DB
}

func (r *VariationRepository) Create(ctx context.Context, v *model.EmailVariation) error {
	v.CreatedAt = time.Now().UTC()
	query := `
		INSERT INTO email_variations (campaign_id, contact_id, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.DB.QueryRowxContext(ctx, query, v.CampaignID, v.ContactID, v.Subject, v.Body, v.CreatedAt).Scan(&v.ID)
	return appErrors.Persistence("create variation", err)
}

func (r *VariationRepository) GetByID(ctx context.Context, id int64) (*model.EmailVariation, error) {
	var v model.EmailVariation
	err := r.DB.GetContext(ctx, &v, `
		SELECT id, campaign_id, contact_id, subject, body, created_at, updated_at
		FROM email_variations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Persistence("get variation", err)
	}
	return &v, nil
}

func (r *VariationRepository) UpdateContent(ctx context.Context, id int64, subject, body string) error {
	err := withTx(ctx, r.DB, nil, func(tx *sqlx.Tx) error {
		var locked bool
		err := tx.GetContext(ctx, &locked, `
			SELECT EXISTS (
				SELECT 1 FROM queue_items
				WHERE variation_id = $1 AND status IN ('sending', 'sent')
			)`, id)
		if err != nil {
			return err
		}
		if locked {
			return appErrors.ErrVariationLocked
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE email_variations SET subject = $1, body = $2, updated_at = NOW()
			WHERE id = $3`, subject, body, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.NewNotFound("variation", id)
		}
		return nil
	})
	return appErrors.Persistence("update variation", err)
}

var _ VariationRepositoryInterface = (*VariationRepository)(nil)
