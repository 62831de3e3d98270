package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/service"
)

func outbound(campaignID int64, n int) []model.OutboundMessage {
	out := make([]model.OutboundMessage, n)
	for i := range out {
		out[i] = model.OutboundMessage{CampaignID: campaignID, ContactID: int64(i + 1), VariationID: int64(i + 1)}
	}
	return out
}

func TestEnqueueRespectsDailyLimit(t *testing.T) {
	f := newFixture(t, 50)
	qm := f.queueManager()

	res, err := qm.Enqueue(context.Background(), outbound(f.campaign.ID, 60), 50, nil)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Queued)
	assert.Equal(t, 10, res.Rejected)
	assert.Len(t, res.Items, 50)
	assert.Contains(t, res.Message, "10 rejected")

	// The first 50 in input order were admitted.
	assert.Equal(t, int64(1), res.Items[0].ContactID)
	assert.Equal(t, int64(50), res.Items[49].ContactID)

	res, err = qm.Enqueue(context.Background(), outbound(f.campaign.ID, 5), 50, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Queued)
	assert.Equal(t, 5, res.Rejected)
	assert.Contains(t, res.Message, "daily limit of 50 reached")
}

func TestEnqueueScheduleSpacing(t *testing.T) {
	f := newFixture(t, 100)
	start := testNow.Add(time.Hour)

	res, err := f.queueManager().Enqueue(context.Background(), outbound(f.campaign.ID, 20), 100, &start)
	require.NoError(t, err)
	require.Len(t, res.Items, 20)

	assert.Equal(t, start, res.Items[0].ScheduledFor)
	for i := 1; i < len(res.Items); i++ {
		gap := res.Items[i].ScheduledFor.Sub(res.Items[i-1].ScheduledFor)
		assert.GreaterOrEqual(t, gap, service.MinJitter)
		assert.Less(t, gap, service.MaxJitter)
	}
	for _, it := range res.Items {
		assert.Equal(t, model.QueuePending, it.Status)
		assert.NotZero(t, it.ID)
	}
}

func TestEnqueueDefaultsStartToNow(t *testing.T) {
	f := newFixture(t, 10)
	qm := f.queueManager()
	qm.Jitter = func() time.Duration { return 20 * time.Minute }

	res, err := qm.Enqueue(context.Background(), outbound(f.campaign.ID, 3), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, testNow, res.Items[0].ScheduledFor)
	assert.Equal(t, testNow.Add(40*time.Minute), res.Items[2].ScheduledFor)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, 10)
	qm := f.queueManager()
	ctx := context.Background()

	cases := []struct {
		name  string
		items []model.OutboundMessage
		limit int
	}{
		{"empty", nil, 10},
		{"negative limit", outbound(f.campaign.ID, 1), -1},
		{"missing campaign", []model.OutboundMessage{{ContactID: 1, VariationID: 1}}, 10},
		{"missing contact", []model.OutboundMessage{{CampaignID: f.campaign.ID, VariationID: 1}}, 10},
		{"missing variation", []model.OutboundMessage{{CampaignID: f.campaign.ID, ContactID: 1}}, 10},
		{"mixed campaigns", []model.OutboundMessage{
			{CampaignID: f.campaign.ID, ContactID: 1, VariationID: 1},
			{CampaignID: f.campaign.ID + 1, ContactID: 2, VariationID: 2},
		}, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := qm.Enqueue(ctx, tc.items, tc.limit, nil)
			require.Error(t, err)
			assert.True(t, appErrors.IsValidation(err))
		})
	}
	assert.Empty(t, f.store.QueueItemsForContact(1))
}

func TestEnqueuePersistenceFailureWritesNothing(t *testing.T) {
	f := newFixture(t, 10)
	f.store.SetFailure("CreateBatch", errors.New("disk full"))

	_, err := f.queueManager().Enqueue(context.Background(), outbound(f.campaign.ID, 3), 10, nil)
	require.Error(t, err)
	assert.True(t, appErrors.IsPersistence(err))

	stats, err := f.store.QueueItems().CountByStatus(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Zero(t, stats[model.QueuePending])
}

func TestConcurrentEnqueuesNeverExceedLimit(t *testing.T) {
	f := newFixture(t, 25)
	qm := f.queueManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	queued := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := qm.Enqueue(context.Background(), outbound(f.campaign.ID, 7), 25, nil)
			if assert.NoError(t, err) {
				mu.Lock()
				queued += res.Queued
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, queued)
	stats, err := f.store.QueueItems().CountByStatus(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, stats[model.QueuePending])
}

func TestEnqueueCapArithmetic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := repository.NewMemoryStore()
		store.Now = func() time.Time { return testNow }
		c := &model.Campaign{Name: "c", DailyLimit: 1}
		require.NoError(rt, store.Campaigns().Create(context.Background(), c))
		qm := &service.QueueManager{
			Campaigns:  store.Campaigns(),
			QueueItems: store.QueueItems(),
			Now:        func() time.Time { return testNow },
		}

		limit := rapid.IntRange(0, 40).Draw(rt, "limit")
		batches := rapid.SliceOfN(rapid.IntRange(1, 15), 1, 6).Draw(rt, "batches")

		total := 0
		for _, n := range batches {
			res, err := qm.Enqueue(context.Background(), outbound(c.ID, n), limit, nil)
			require.NoError(rt, err)

			want := min(n, max(0, limit-total))
			require.Equal(rt, want, res.Queued)
			require.Equal(rt, n-want, res.Rejected)
			for i := 1; i < len(res.Items); i++ {
				gap := res.Items[i].ScheduledFor.Sub(res.Items[i-1].ScheduledFor)
				require.GreaterOrEqual(rt, gap, service.MinJitter)
				require.Less(rt, gap, service.MaxJitter)
			}
			total += res.Queued
		}
		require.LessOrEqual(rt, total, limit)
	})
}

func TestEnqueueCountsFromUTCMidnight(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	yesterday := testNow.Add(-24 * time.Hour)
	f.store.Now = func() time.Time { return yesterday }
	qm := f.queueManager()
	qm.Now = func() time.Time { return yesterday }
	res, err := qm.Enqueue(ctx, outbound(f.campaign.ID, 3), 3, nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.Queued)

	f.store.Now = func() time.Time { return testNow }
	res, err = f.queueManager().Enqueue(ctx, outbound(f.campaign.ID, 3), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Queued)
}

func TestEnqueueForCampaignActivatesDraft(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	require.Equal(t, model.CampaignDraft, f.campaign.Status)

	res, err := f.queueManager().EnqueueForCampaign(ctx, f.campaign.ID, outbound(0, 7), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Queued)
	assert.Equal(t, 2, res.Rejected)

	c, err := f.store.Campaigns().GetByID(ctx, f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignActive, c.Status)

	_, err = f.queueManager().EnqueueForCampaign(ctx, 999, outbound(0, 1), nil)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRequeue(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	contact, v := f.addContact(t, "pat@x.com")
	items := f.enqueue(t, testNow, [2]int64{contact.ID, v.ID})
	qm := f.queueManager()

	_, err := qm.Requeue(ctx, items[0].ID)
	assert.True(t, appErrors.IsValidation(err), "pending items cannot be requeued")

	ok, err := f.store.QueueItems().Claim(ctx, items[0].ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.QueueItems().MarkFailed(ctx, items[0].ID, "smtp 550", testNow))

	res, err := qm.Requeue(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Queued)
	assert.NotEqual(t, items[0].ID, res.Items[0].ID)
	assert.Equal(t, model.QueueFailed, f.item(t, items[0].ID).Status)
	assert.Equal(t, 1, f.pendingFor(contact.ID))

	_, err = qm.Requeue(ctx, 12345)
	assert.True(t, appErrors.IsNotFound(err))
}
