// internal/repository/queue_item_repository.go
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

// BatchPlanner decides, given how many items the campaign already created
// since the window start, which new items to insert. It runs while the
// campaign's enqueue lock is held.
type BatchPlanner func(createdSince int) ([]*model.QueueItem, error)

type QueueItemRepositoryInterface interface {
	// CreateBatch serializes enqueues per campaign: it counts the items
	// created since `since`, asks plan for the rows to add and inserts them,
	// all or nothing.
	CreateBatch(ctx context.Context, campaignID int64, since time.Time, plan BatchPlanner) error
	GetByID(ctx context.Context, id int64) (*model.QueueItem, error)
	// ListDue returns pending items scheduled at or before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.QueueItem, error)
	// Claim moves a pending item to sending. False means another dispatcher
	// (or the reactor) got there first.
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	// MarkSent completes a claimed item and writes its delivery log entry in
	// the same transaction.
	MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time, entry *model.DeliveryLogEntry) error
	MarkFailed(ctx context.Context, id int64, reason string, now time.Time) error
	// CancelPendingForContact cancels every pending item of the contact and
	// returns how many were cancelled.
	CancelPendingForContact(ctx context.Context, contactID int64, now time.Time) (int, error)
	CountByStatus(ctx context.Context, campaignID int64) (map[model.QueueStatus]int, error)
}

type QueueItemRepository struct {
	DB *sqlx.DB
}

const queueItemColumns = `id, campaign_id, contact_id, variation_id, step, scheduled_for, status,
	claimed_at, sent_at, cancelled_at, failure_reason, provider_message_id, created_at, updated_at`

func (r *QueueItemRepository) CreateBatch(ctx context.Context, campaignID int64, since time.Time, plan BatchPlanner) error {
	err := withTx(ctx, r.DB, nil, func(tx *sqlx.Tx) error {
		// Released at commit or rollback.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, campaignID); err != nil {
			return err
		}

		var count int
		if err := tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM queue_items
			WHERE campaign_id = $1 AND created_at >= $2`, campaignID, since); err != nil {
			return err
		}

		items, err := plan(count)
		if err != nil {
			return err
		}

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO queue_items (campaign_id, contact_id, variation_id, step, scheduled_for, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			RETURNING id, created_at, updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range items {
			it.Status = model.QueuePending
			if err := stmt.QueryRowxContext(ctx,
				it.CampaignID, it.ContactID, it.VariationID, it.Step, it.ScheduledFor, it.Status,
			).Scan(&it.ID, &it.CreatedAt, &it.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	return appErrors.Persistence("enqueue", err)
}

func (r *QueueItemRepository) GetByID(ctx context.Context, id int64) (*model.QueueItem, error) {
	var it model.QueueItem
	err := r.DB.GetContext(ctx, &it, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Persistence("get queue item", err)
	}
	return &it, nil
}

func (r *QueueItemRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.QueueItem, error) {
	items := []*model.QueueItem{}
	err := r.DB.SelectContext(ctx, &items, `
		SELECT `+queueItemColumns+` FROM queue_items
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, appErrors.Persistence("list due queue items", err)
	}
	return items, nil
}

func (r *QueueItemRepository) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items SET status = 'sending', claimed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'pending'`, now, id)
	if err != nil {
		return false, appErrors.Persistence("claim queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, appErrors.Persistence("claim queue item", err)
	}
	return n == 1, nil
}

func (r *QueueItemRepository) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time, entry *model.DeliveryLogEntry) error {
	err := withTx(ctx, r.DB, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'sent', sent_at = $1, provider_message_id = $2, updated_at = $1
			WHERE id = $3 AND status = 'sending'`, sentAt, providerMessageID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return appErrors.ErrInvalidTransition
		}

		entry.ProviderMessageID = providerMessageID
		entry.QueueItemID = id
		if entry.Status == "" {
			entry.Status = model.EngagementSent
		}
		return tx.QueryRowxContext(ctx, `
			INSERT INTO delivery_logs (provider_message_id, queue_item_id, campaign_id, contact_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
			RETURNING id, created_at, updated_at`,
			entry.ProviderMessageID, entry.QueueItemID, entry.CampaignID, entry.ContactID, entry.Status, sentAt,
		).Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt)
	})
	return appErrors.Persistence("mark queue item sent", err)
}

func (r *QueueItemRepository) MarkFailed(ctx context.Context, id int64, reason string, now time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items SET status = 'failed', failure_reason = $1, updated_at = $2
		WHERE id = $3 AND status = 'sending'`, reason, now, id)
	if err != nil {
		return appErrors.Persistence("mark queue item failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.ErrInvalidTransition
	}
	return nil
}

func (r *QueueItemRepository) CancelPendingForContact(ctx context.Context, contactID int64, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE queue_items SET status = 'cancelled', cancelled_at = $1, updated_at = $1
		WHERE contact_id = $2 AND status = 'pending'`, now, contactID)
	if err != nil {
		return 0, appErrors.Persistence("cancel pending queue items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, appErrors.Persistence("cancel pending queue items", err)
	}
	return int(n), nil
}

func (r *QueueItemRepository) CountByStatus(ctx context.Context, campaignID int64) (map[model.QueueStatus]int, error) {
	rows, err := r.DB.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM queue_items WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, appErrors.Persistence("count queue items", err)
	}
	defer rows.Close()

	stats := make(map[model.QueueStatus]int, len(model.AllQueueStatuses))
	for _, s := range model.AllQueueStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status model.QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, appErrors.Persistence("count queue items", err)
		}
		stats[status] = count
	}
	return stats, appErrors.Persistence("count queue items", rows.Err())
}

var _ QueueItemRepositoryInterface = (*QueueItemRepository)(nil)
