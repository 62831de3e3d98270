// internal/repository/delivery_log_repository.go
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

type DeliveryLogRepositoryInterface interface {
	// GetByProviderMessageID returns nil when no entry carries the id.
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryLogEntry, error)
	// UpdateStatus swaps the status only if it is still `from`.
	UpdateStatus(ctx context.Context, id int64, from, to model.EngagementStatus) (bool, error)
	// RecordFirstReply stores the reply on the contact's latest entry unless
	// a reply was already recorded there.
	RecordFirstReply(ctx context.Context, contactID int64, text string, at time.Time) (bool, error)
}

type DeliveryLogRepository struct {
	DB *sqlx.DB
}

func (r *DeliveryLogRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*model.DeliveryLogEntry, error) {
	var e model.DeliveryLogEntry
	err := r.DB.GetContext(ctx, &e, `
		SELECT id, provider_message_id, queue_item_id, campaign_id, contact_id, status,
			reply_text, replied_at, created_at, updated_at
		FROM delivery_logs WHERE provider_message_id = $1`, providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Persistence("get delivery log", err)
	}
	return &e, nil
}

func (r *DeliveryLogRepository) UpdateStatus(ctx context.Context, id int64, from, to model.EngagementStatus) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE delivery_logs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, appErrors.Persistence("update delivery log status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.Persistence("update delivery log status", err)
	}
	return n == 1, nil
}

func (r *DeliveryLogRepository) RecordFirstReply(ctx context.Context, contactID int64, text string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE delivery_logs SET reply_text = $1, replied_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM delivery_logs WHERE contact_id = $3
			ORDER BY created_at DESC, id DESC LIMIT 1
		) AND replied_at IS NULL`, text, at, contactID)
	if err != nil {
		return false, appErrors.Persistence("record reply", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.Persistence("record reply", err)
	}
	return n == 1, nil
}

var _ DeliveryLogRepositoryInterface = (*DeliveryLogRepository)(nil)
