// internal/repository/memory_store.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/outreach-dispatch/internal/errors"
	"github.com/unclebandit/outreach-dispatch/internal/model"
)

// MemoryStore keeps every entity in maps behind one mutex. Each repository
// interface is served by a view (Campaigns, Contacts, ...) over the same
// data, with the same guarded transitions as the Postgres repositories.
// Values are copied in and out so callers never alias stored state.
type MemoryStore struct {
	mu sync.Mutex

	campaigns      map[int64]model.Campaign
	contacts       map[int64]model.Contact
	contactByEmail map[string]int64
	variations     map[int64]model.EmailVariation
	queueItems     map[int64]model.QueueItem
	deliveryLogs   map[int64]model.DeliveryLogEntry
	logByProvider  map[string]int64

	nextID int64

	failures map[string]error

	// Now stamps created_at columns.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:      make(map[int64]model.Campaign),
		contacts:       make(map[int64]model.Contact),
		contactByEmail: make(map[string]int64),
		variations:     make(map[int64]model.EmailVariation),
		queueItems:     make(map[int64]model.QueueItem),
		deliveryLogs:   make(map[int64]model.DeliveryLogEntry),
		logByProvider:  make(map[string]int64),
		failures:       make(map[string]error),
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetFailure makes every later call of op (a method name such as
// "CreateBatch") fail with err until cleared with a nil err.
func (s *MemoryStore) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// fail must be called with mu held.
func (s *MemoryStore) fail(op string) error {
	if err, ok := s.failures[op]; ok {
		return appErrors.Persistence(op, err)
	}
	return nil
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Campaigns() CampaignRepositoryInterface       { return memCampaigns{s} }
func (s *MemoryStore) Contacts() ContactRepositoryInterface         { return memContacts{s} }
func (s *MemoryStore) Variations() VariationRepositoryInterface     { return memVariations{s} }
func (s *MemoryStore) QueueItems() QueueItemRepositoryInterface     { return memQueueItems{s} }
func (s *MemoryStore) DeliveryLogs() DeliveryLogRepositoryInterface { return memDeliveryLogs{s} }

// QueueItemsForContact lists the contact's items ordered by id.
func (s *MemoryStore) QueueItemsForContact(contactID int64) []model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QueueItem
	for _, it := range s.queueItems {
		if it.ContactID == contactID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------- campaigns

type memCampaigns struct{ s *MemoryStore }

func (m memCampaigns) Create(_ context.Context, c *model.Campaign) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Campaigns.Create"); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.ID = s.id()
	c.CreatedAt = s.Now()
	s.campaigns[c.ID] = *c
	return nil
}

func (m memCampaigns) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Campaigns.GetByID"); err != nil {
		return nil, err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return &c, nil
}

func (m memCampaigns) update(id int64, fn func(c *model.Campaign)) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Campaigns.Update"); err != nil {
		return err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	fn(&c)
	now := s.Now()
	c.UpdatedAt = &now
	s.campaigns[id] = c
	return nil
}

func (m memCampaigns) UpdateStatus(_ context.Context, id int64, status model.CampaignStatus) error {
	return m.update(id, func(c *model.Campaign) { c.Status = status })
}

func (m memCampaigns) UpdateDailyLimit(_ context.Context, id int64, limit int) error {
	return m.update(id, func(c *model.Campaign) { c.DailyLimit = limit })
}

// ----------------------------------------------------------------- contacts

type memContacts struct{ s *MemoryStore }

func (m memContacts) GetByID(_ context.Context, id int64) (*model.Contact, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Contacts.GetByID"); err != nil {
		return nil, err
	}
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m memContacts) GetByEmail(_ context.Context, email string) (*model.Contact, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Contacts.GetByEmail"); err != nil {
		return nil, err
	}
	id, ok := s.contactByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	c := s.contacts[id]
	return &c, nil
}

func (m memContacts) EmailSets(_ context.Context, emails []string) (*EmailSnapshot, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Contacts.EmailSets"); err != nil {
		return nil, err
	}
	snap := newEmailSnapshot()
	for _, e := range emails {
		id, ok := s.contactByEmail[strings.ToLower(e)]
		if !ok {
			continue
		}
		snap.Existing[strings.ToLower(e)] = struct{}{}
		c := s.contacts[id]
		if c.Suppressed() {
			snap.Suppressed[strings.ToLower(e)] = struct{}{}
		}
	}
	return snap, nil
}

func (m memContacts) CreateMany(_ context.Context, campaignID int64, leads []model.Lead) ([]*model.Contact, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Contacts.CreateMany"); err != nil {
		return nil, err
	}
	created := make([]*model.Contact, 0, len(leads))
	for _, l := range leads {
		key := strings.ToLower(l.Email)
		if _, taken := s.contactByEmail[key]; taken {
			continue
		}
		c := model.Contact{
			ID:         s.id(),
			CampaignID: campaignID,
			Email:      l.Email,
			FirstName:  l.FirstName,
			LastName:   l.LastName,
			Company:    l.Organization.Name,
			Headline:   l.Headline,
			CreatedAt:  s.Now(),
		}
		s.contacts[c.ID] = c
		s.contactByEmail[key] = c.ID
		out := c
		created = append(created, &out)
	}
	return created, nil
}

func (m memContacts) SetFlag(_ context.Context, id int64, flag model.ContactFlag) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Contacts.SetFlag"); err != nil {
		return false, err
	}
	c, ok := s.contacts[id]
	if !ok {
		return false, appErrors.NewNotFound("contact", id)
	}
	var was bool
	switch flag {
	case model.FlagUnsubscribed:
		was, c.Unsubscribed = c.Unsubscribed, true
	case model.FlagBounced:
		was, c.Bounced = c.Bounced, true
	case model.FlagReplied:
		was, c.Replied = c.Replied, true
		if c.RepliedAt == nil {
			now := s.Now()
			c.RepliedAt = &now
		}
	default:
		return false, fmt.Errorf("unknown contact flag %q", flag)
	}
	s.contacts[id] = c
	return !was, nil
}

// --------------------------------------------------------------- variations

type memVariations struct{ s *MemoryStore }

func (m memVariations) Create(_ context.Context, v *model.EmailVariation) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Variations.Create"); err != nil {
		return err
	}
	v.ID = s.id()
	v.CreatedAt = s.Now()
	s.variations[v.ID] = *v
	return nil
}

func (m memVariations) GetByID(_ context.Context, id int64) (*model.EmailVariation, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Variations.GetByID"); err != nil {
		return nil, err
	}
	v, ok := s.variations[id]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m memVariations) UpdateContent(_ context.Context, id int64, subject, body string) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Variations.UpdateContent"); err != nil {
		return err
	}
	for _, it := range s.queueItems {
		if it.VariationID == id && (it.Status == model.QueueSending || it.Status == model.QueueSent) {
			return appErrors.ErrVariationLocked
		}
	}
	v, ok := s.variations[id]
	if !ok {
		return appErrors.NewNotFound("variation", id)
	}
	v.Subject, v.Body = subject, body
	now := s.Now()
	v.UpdatedAt = &now
	s.variations[id] = v
	return nil
}

// -------------------------------------------------------------- queue items

type memQueueItems struct{ s *MemoryStore }

// CreateBatch holds the store mutex across count, plan and insert, which
// serializes enqueues the way the advisory lock does in Postgres.
func (m memQueueItems) CreateBatch(_ context.Context, campaignID int64, since time.Time, plan BatchPlanner) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, it := range s.queueItems {
		if it.CampaignID == campaignID && !it.CreatedAt.Before(since) {
			count++
		}
	}
	items, err := plan(count)
	if err != nil {
		return err
	}
	if err := s.fail("CreateBatch"); err != nil {
		return err
	}

	now := s.Now()
	for _, it := range items {
		it.ID = s.id()
		it.Status = model.QueuePending
		it.CreatedAt = now
		it.UpdatedAt = now
		s.queueItems[it.ID] = *it
	}
	return nil
}

func (m memQueueItems) GetByID(_ context.Context, id int64) (*model.QueueItem, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("QueueItems.GetByID"); err != nil {
		return nil, err
	}
	it, ok := s.queueItems[id]
	if !ok {
		return nil, nil
	}
	return &it, nil
}

func (m memQueueItems) ListDue(_ context.Context, now time.Time, limit int) ([]*model.QueueItem, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ListDue"); err != nil {
		return nil, err
	}
	due := []*model.QueueItem{}
	for _, it := range s.queueItems {
		if it.Status == model.QueuePending && !it.ScheduledFor.After(now) {
			c := it
			due = append(due, &c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// transition must be called with mu held.
func (s *MemoryStore) transition(id int64, from, to model.QueueStatus, fn func(it *model.QueueItem)) bool {
	it, ok := s.queueItems[id]
	if !ok || it.Status != from || !from.CanTransition(to) {
		return false
	}
	it.Status = to
	fn(&it)
	s.queueItems[id] = it
	return true
}

func (m memQueueItems) Claim(_ context.Context, id int64, now time.Time) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Claim"); err != nil {
		return false, err
	}
	return s.transition(id, model.QueuePending, model.QueueSending, func(it *model.QueueItem) {
		it.ClaimedAt = &now
		it.UpdatedAt = now
	}), nil
}

func (m memQueueItems) MarkSent(_ context.Context, id int64, providerMessageID string, sentAt time.Time, entry *model.DeliveryLogEntry) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkSent"); err != nil {
		return err
	}
	if _, dup := s.logByProvider[providerMessageID]; dup {
		return appErrors.Persistence("mark queue item sent", fmt.Errorf("duplicate provider message id %q", providerMessageID))
	}
	ok := s.transition(id, model.QueueSending, model.QueueSent, func(it *model.QueueItem) {
		it.SentAt = &sentAt
		it.ProviderMessageID = providerMessageID
		it.UpdatedAt = sentAt
	})
	if !ok {
		return appErrors.ErrInvalidTransition
	}

	entry.ID = s.id()
	entry.ProviderMessageID = providerMessageID
	entry.QueueItemID = id
	if entry.Status == "" {
		entry.Status = model.EngagementSent
	}
	entry.CreatedAt = sentAt
	entry.UpdatedAt = sentAt
	s.deliveryLogs[entry.ID] = *entry
	s.logByProvider[providerMessageID] = entry.ID
	return nil
}

func (m memQueueItems) MarkFailed(_ context.Context, id int64, reason string, now time.Time) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MarkFailed"); err != nil {
		return err
	}
	ok := s.transition(id, model.QueueSending, model.QueueFailed, func(it *model.QueueItem) {
		it.FailureReason = reason
		it.UpdatedAt = now
	})
	if !ok {
		return appErrors.ErrInvalidTransition
	}
	return nil
}

func (m memQueueItems) CancelPendingForContact(_ context.Context, contactID int64, now time.Time) (int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CancelPendingForContact"); err != nil {
		return 0, err
	}
	n := 0
	for id, it := range s.queueItems {
		if it.ContactID != contactID {
			continue
		}
		if s.transition(id, model.QueuePending, model.QueueCancelled, func(it *model.QueueItem) {
			it.CancelledAt = &now
			it.UpdatedAt = now
		}) {
			n++
		}
	}
	return n, nil
}

func (m memQueueItems) CountByStatus(_ context.Context, campaignID int64) (map[model.QueueStatus]int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CountByStatus"); err != nil {
		return nil, err
	}
	stats := make(map[model.QueueStatus]int, len(model.AllQueueStatuses))
	for _, st := range model.AllQueueStatuses {
		stats[st] = 0
	}
	for _, it := range s.queueItems {
		if it.CampaignID == campaignID {
			stats[it.Status]++
		}
	}
	return stats, nil
}

// ------------------------------------------------------------ delivery logs

type memDeliveryLogs struct{ s *MemoryStore }

func (m memDeliveryLogs) GetByProviderMessageID(_ context.Context, providerMessageID string) (*model.DeliveryLogEntry, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeliveryLogs.GetByProviderMessageID"); err != nil {
		return nil, err
	}
	id, ok := s.logByProvider[providerMessageID]
	if !ok {
		return nil, nil
	}
	e := s.deliveryLogs[id]
	return &e, nil
}

func (m memDeliveryLogs) UpdateStatus(_ context.Context, id int64, from, to model.EngagementStatus) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeliveryLogs.UpdateStatus"); err != nil {
		return false, err
	}
	e, ok := s.deliveryLogs[id]
	if !ok || e.Status != from {
		return false, nil
	}
	e.Status = to
	e.UpdatedAt = s.Now()
	s.deliveryLogs[id] = e
	return true, nil
}

func (m memDeliveryLogs) RecordFirstReply(_ context.Context, contactID int64, text string, at time.Time) (bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeliveryLogs.RecordFirstReply"); err != nil {
		return false, err
	}
	var latest *model.DeliveryLogEntry
	for _, e := range s.deliveryLogs {
		if e.ContactID != contactID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) ||
			(e.CreatedAt.Equal(latest.CreatedAt) && e.ID > latest.ID) {
			latest = &e
		}
	}
	if latest == nil || latest.RepliedAt != nil {
		return false, nil
	}
	latest.ReplyText = text
	latest.RepliedAt = &at
	latest.UpdatedAt = at
	s.deliveryLogs[latest.ID] = *latest
	return true, nil
}

var (
	_ CampaignRepositoryInterface    = memCampaigns{}
	_ ContactRepositoryInterface     = memContacts{}
	_ VariationRepositoryInterface   = memVariations{}
	_ QueueItemRepositoryInterface   = memQueueItems{}
	_ DeliveryLogRepositoryInterface = memDeliveryLogs{}
)
