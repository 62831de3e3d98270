package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-dispatch/internal/db"
	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
)

var (
	pgOnce sync.Once
	pgDB   *sqlx.DB
	pgErr  error
)

// newTestDB connects to TEST_DATABASE_URL, migrates once per run and
// truncates every table. Without the variable the test is skipped.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pgOnce.Do(func() {
		pgDB, pgErr = db.Open(context.Background(), dsn)
		if pgErr == nil {
			pgErr = db.Migrate(pgDB, nil)
		}
	})
	require.NoError(t, pgErr)
	pgDB.MustExec(`TRUNCATE delivery_logs, queue_items, email_variations, contacts, campaigns RESTART IDENTITY CASCADE`)
	return pgDB
}

type pgFixture struct {
	campaigns  *CampaignRepository
	contacts   *ContactRepository
	variations *VariationRepository
	queue      *QueueItemRepository
	logs       *DeliveryLogRepository
}

func newPGFixture(t *testing.T) *pgFixture {
	d := newTestDB(t)
	return &pgFixture{
		campaigns:  &CampaignRepository{DB: d},
		contacts:   &ContactRepository{DB: d},
		variations: &VariationRepository{DB: d},
		queue:      &QueueItemRepository{DB: d},
		logs:       &DeliveryLogRepository{DB: d},
	}
}

func TestPostgresLifecycle(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	camp := &model.Campaign{Name: "Q3 outreach", DailyLimit: 50}
	require.NoError(t, f.campaigns.Create(ctx, camp))
	got, err := f.campaigns.GetByID(ctx, camp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, got.Status)

	_, err = f.campaigns.GetByID(ctx, camp.ID+100)
	assert.True(t, appErrors.IsNotFound(err))

	contacts, err := f.contacts.CreateMany(ctx, camp.ID, []model.Lead{
		{Email: "Jane@X.com", FirstName: "Jane"},
		{Email: "jane@x.com"},
		{Email: "bob@y.com", Organization: model.Organization{Name: "Acme"}},
	})
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	jane, bob := contacts[0], contacts[1]
	assert.Equal(t, "Acme", bob.Company)

	v := &model.EmailVariation{CampaignID: camp.ID, ContactID: jane.ID, Subject: "hi", Body: "hello {first_name}"}
	require.NoError(t, f.variations.Create(ctx, v))

	now := time.Now().UTC().Truncate(time.Microsecond)
	dayStart := now.Truncate(24 * time.Hour)
	items := []*model.QueueItem{
		{CampaignID: camp.ID, ContactID: jane.ID, VariationID: v.ID, ScheduledFor: now.Add(-time.Minute)},
		{CampaignID: camp.ID, ContactID: jane.ID, VariationID: v.ID, Step: 1, ScheduledFor: now.Add(time.Hour)},
	}
	require.NoError(t, f.queue.CreateBatch(ctx, camp.ID, dayStart, func(n int) ([]*model.QueueItem, error) {
		assert.Zero(t, n)
		return items, nil
	}))
	require.NoError(t, f.queue.CreateBatch(ctx, camp.ID, dayStart, func(n int) ([]*model.QueueItem, error) {
		assert.Equal(t, 2, n)
		return nil, nil
	}))

	due, err := f.queue.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, items[0].ID, due[0].ID)

	ok, err := f.queue.Claim(ctx, due[0].ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.queue.Claim(ctx, due[0].ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	entry := &model.DeliveryLogEntry{CampaignID: camp.ID, ContactID: jane.ID}
	require.NoError(t, f.queue.MarkSent(ctx, due[0].ID, "pm-1", now, entry))
	assert.ErrorIs(t, f.variations.UpdateContent(ctx, v.ID, "x", "y"), appErrors.ErrVariationLocked)

	logEntry, err := f.logs.GetByProviderMessageID(ctx, "pm-1")
	require.NoError(t, err)
	require.NotNil(t, logEntry)
	swapped, err := f.logs.UpdateStatus(ctx, logEntry.ID, model.EngagementSent, model.EngagementOpened)
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = f.logs.UpdateStatus(ctx, logEntry.ID, model.EngagementSent, model.EngagementClicked)
	require.NoError(t, err)
	assert.False(t, swapped)

	first, err := f.logs.RecordFirstReply(ctx, jane.ID, "thanks", now)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = f.logs.RecordFirstReply(ctx, jane.ID, "again", now)
	require.NoError(t, err)
	assert.False(t, first)

	changed, err := f.contacts.SetFlag(ctx, jane.ID, model.FlagUnsubscribed)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.contacts.SetFlag(ctx, jane.ID, model.FlagUnsubscribed)
	require.NoError(t, err)
	assert.False(t, changed)

	cancelled, err := f.queue.CancelPendingForContact(ctx, jane.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	snap, err := f.contacts.EmailSets(ctx, []string{"jane@x.com", "bob@y.com", "new@z.com"})
	require.NoError(t, err)
	assert.Contains(t, snap.Suppressed, "jane@x.com")
	assert.Len(t, snap.Existing, 2)

	found, err := f.contacts.GetByEmail(ctx, "JANE@x.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.True(t, found.Unsubscribed)

	stats, err := f.queue.CountByStatus(ctx, camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.QueueSent])
	assert.Equal(t, 1, stats[model.QueueCancelled])
	assert.Equal(t, 0, stats[model.QueuePending])
}
