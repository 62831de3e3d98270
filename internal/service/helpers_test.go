package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-dispatch/internal/model"
	"github.com/unclebandit/outreach-dispatch/internal/repository"
	"github.com/unclebandit/outreach-dispatch/internal/service"
	"github.com/unclebandit/outreach-dispatch/internal/transport"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeTransport records every message and fails for addresses in failFor.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []transport.Message
	failFor map[string]error
	block   bool
	ready   bool
	seq     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: map[string]error{}, ready: true}
}

func (f *fakeTransport) Send(ctx context.Context, m transport.Message) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[m.To]; ok {
		return "", err
	}
	f.seq++
	f.sent = append(f.sent, m)
	return fmt.Sprintf("pm-%d", f.seq), nil
}

func (f *fakeTransport) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeTransport) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.To
	}
	return out
}

type fixture struct {
	store    *repository.MemoryStore
	campaign *model.Campaign
}

func newFixture(t *testing.T, dailyLimit int) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	c := &model.Campaign{Name: "Spring outreach", DailyLimit: dailyLimit}
	require.NoError(t, store.Campaigns().Create(context.Background(), c))
	return &fixture{store: store, campaign: c}
}

// addContact creates a contact with one variation.
func (f *fixture) addContact(t *testing.T, email string) (*model.Contact, *model.EmailVariation) {
	t.Helper()
	ctx := context.Background()
	created, err := f.store.Contacts().CreateMany(ctx, f.campaign.ID, []model.Lead{{
		Email:        email,
		FirstName:    "Pat",
		LastName:     "Lee",
		Organization: model.Organization{Name: "Acme"},
	}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	v := &model.EmailVariation{
		CampaignID: f.campaign.ID,
		ContactID:  created[0].ID,
		Subject:    "Quick question, {first_name}",
		Body:       "Hi {first_name},\n\nHow is {company} handling outreach?",
	}
	require.NoError(t, f.store.Variations().Create(ctx, v))
	return created[0], v
}

func (f *fixture) queueManager() *service.QueueManager {
	return &service.QueueManager{
		Campaigns:  f.store.Campaigns(),
		QueueItems: f.store.QueueItems(),
		Now:        func() time.Time { return testNow },
	}
}

// enqueue schedules one message per contact starting at `at`.
func (f *fixture) enqueue(t *testing.T, at time.Time, pairs ...[2]int64) []*model.QueueItem {
	t.Helper()
	msgs := make([]model.OutboundMessage, len(pairs))
	for i, p := range pairs {
		msgs[i] = model.OutboundMessage{CampaignID: f.campaign.ID, ContactID: p[0], VariationID: p[1]}
	}
	res, err := f.queueManager().Enqueue(context.Background(), msgs, 1000, &at)
	require.NoError(t, err)
	require.Equal(t, len(pairs), res.Queued)
	return res.Items
}

func (f *fixture) dispatcher(tr transport.Transport) *service.Dispatcher {
	return &service.Dispatcher{
		QueueItems:    f.store.QueueItems(),
		Contacts:      f.store.Contacts(),
		Variations:    f.store.Variations(),
		Transport:     tr,
		FromEmail:     "me@sender.com",
		FromName:      "Sam Sender",
		PublicBaseURL: "https://out.example.com",
		SendTimeout:   time.Second,
		Now:           func() time.Time { return testNow },
	}
}

func (f *fixture) reactor() *service.Reactor {
	return &service.Reactor{
		Contacts:     f.store.Contacts(),
		QueueItems:   f.store.QueueItems(),
		DeliveryLogs: f.store.DeliveryLogs(),
		Now:          func() time.Time { return testNow },
	}
}

func (f *fixture) item(t *testing.T, id int64) *model.QueueItem {
	t.Helper()
	it, err := f.store.QueueItems().GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, it)
	return it
}

func (f *fixture) pendingFor(contactID int64) int {
	n := 0
	for _, it := range f.store.QueueItemsForContact(contactID) {
		if it.Status == model.QueuePending {
			n++
		}
	}
	return n
}
