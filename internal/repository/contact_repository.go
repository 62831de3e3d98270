// internal/repository/contact_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
)

// EmailSnapshot holds, for a set of candidate emails, the ones that are
// suppressed and the ones that already belong to a contact. Both sets are
// read from the same snapshot and keyed by lowercase email.
type EmailSnapshot struct {
	Suppressed map[string]struct{}
	Existing   map[string]struct{}
}

func newEmailSnapshot() *EmailSnapshot {
	return &EmailSnapshot{
		Suppressed: make(map[string]struct{}),
		Existing:   make(map[string]struct{}),
	}
}

// ContactRepositoryInterface defines methods used by service
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Contact, error)
	GetByEmail(ctx context.Context, email string) (*model.Contact, error)
	EmailSets(ctx context.Context, emails []string) (*EmailSnapshot, error)
	CreateMany(ctx context.Context, campaignID int64, leads []model.Lead) ([]*model.Contact, error)
	// SetFlag raises flag on the contact and reports whether it was not
	// already set.
	SetFlag(ctx context.Context, id int64, flag model.ContactFlag) (bool, error)
}

type ContactRepository struct {
	DB *sqlx.DB
}

const contactColumns = `id, campaign_id, email, first_name, last_name, company, headline,
	unsubscribed, bounced, replied, replied_at, created_at`

// GetByID returns nil when the contact does not exist.
func (r *ContactRepository) GetByID(ctx context.Context, id int64) (*model.Contact, error) {
	var c model.Contact
	err := r.DB.GetContext(ctx, &c, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Persistence("get contact", err)
	}
	return &c, nil
}

// GetByEmail matches case-insensitively and returns nil when absent.
func (r *ContactRepository) GetByEmail(ctx context.Context, email string) (*model.Contact, error) {
	var c model.Contact
	err := r.DB.GetContext(ctx, &c,
		`SELECT `+contactColumns+` FROM contacts WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Persistence("get contact by email", err)
	}
	return &c, nil
}

// EmailSets runs both membership reads in one read-only repeatable-read
// transaction so they see the same snapshot. Only the candidate emails are
// looked up; the expression indexes on lower(email) serve both queries.
func (r *ContactRepository) EmailSets(ctx context.Context, emails []string) (*EmailSnapshot, error) {
	snap := newEmailSnapshot()
	if len(emails) == 0 {
		return snap, nil
	}

	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err := withTx(ctx, r.DB, opts, func(tx *sqlx.Tx) error {
		var suppressed []string
		if err := tx.SelectContext(ctx, &suppressed,
			`SELECT lower(email) FROM contacts
			 WHERE lower(email) = ANY($1) AND (unsubscribed OR bounced)`,
			pq.Array(emails)); err != nil {
			return err
		}
		var existing []string
		if err := tx.SelectContext(ctx, &existing,
			`SELECT lower(email) FROM contacts WHERE lower(email) = ANY($1)`,
			pq.Array(emails)); err != nil {
			return err
		}
		for _, e := range suppressed {
			snap.Suppressed[e] = struct{}{}
		}
		for _, e := range existing {
			snap.Existing[e] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, appErrors.Persistence("load email sets", err)
	}
	return snap, nil
}

// CreateMany inserts one contact per lead. A lead whose email was taken by a
// concurrent import since the gate read is skipped rather than failing the
// batch; only the inserted contacts are returned.
func (r *ContactRepository) CreateMany(ctx context.Context, campaignID int64, leads []model.Lead) ([]*model.Contact, error) {
	created := make([]*model.Contact, 0, len(leads))
	err := withTx(ctx, r.DB, nil, func(tx *sqlx.Tx) error {
		for _, l := range leads {
			var c model.Contact
			err := tx.GetContext(ctx, &c, `
				INSERT INTO contacts (campaign_id, email, first_name, last_name, company, headline)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT ((lower(email))) DO NOTHING
				RETURNING `+contactColumns,
				campaignID, l.Email, l.FirstName, l.LastName, l.Organization.Name, l.Headline)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			created = append(created, &c)
		}
		return nil
	})
	if err != nil {
		return nil, appErrors.Persistence("create contacts", err)
	}
	return created, nil
}

func flagAssignment(flag model.ContactFlag) (column, set string, err error) {
	switch flag {
	case model.FlagUnsubscribed:
		return "unsubscribed", "unsubscribed = TRUE", nil
	case model.FlagBounced:
		return "bounced", "bounced = TRUE", nil
	case model.FlagReplied:
		return "replied", "replied = TRUE, replied_at = COALESCE(c.replied_at, NOW())", nil
	}
	return "", "", fmt.Errorf("unknown contact flag %q", flag)
}

func (r *ContactRepository) SetFlag(ctx context.Context, id int64, flag model.ContactFlag) (bool, error) {
	column, set, err := flagAssignment(flag)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
		WITH prev AS (SELECT id, %[1]s AS was FROM contacts WHERE id = $1 FOR UPDATE)
		UPDATE contacts c SET %[2]s
		FROM prev WHERE c.id = prev.id
		RETURNING prev.was
	`, column, set)

	var was bool
	if err := r.DB.GetContext(ctx, &was, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, appErrors.NewNotFound("contact", id)
		}
		return false, appErrors.Persistence("set contact flag", err)
	}
	return !was, nil
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
