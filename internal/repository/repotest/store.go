// Package repotest provides an in-memory repository.Store for tests.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/repository"
)

type Store struct {
	mu        sync.Mutex
	campaigns map[string]*model.Campaign
	contacts  map[string]*model.Contact
	byKey     map[string]string
	records   map[string]*model.EmailRecord
	order     []string

	// Fail hooks let tests inject storage errors.
	FailUpsert       func(c *model.Contact) error
	FailCreateRecord func(rec *model.EmailRecord) error
	FailCreate       error
}

func New() *Store {
	return &Store{
		campaigns: map[string]*model.Campaign{},
		contacts:  map[string]*model.Contact{},
		byKey:     map[string]string{},
		records:   map[string]*model.EmailRecord{},
	}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) CreateCampaign(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate != nil {
		return s.FailCreate
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCampaigns(_ context.Context, offset, limit int) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*model.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Store) IncrementCampaignStats(_ context.Context, id string, d model.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.TotalEmails += d.Total
	c.SentCount += d.Sent
	c.FailedCount += d.Failed
	return nil
}

func (s *Store) GetCampaignStats(_ context.Context, id string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := map[string]int{"queued": 0, "sending": 0, "sent": 0, "failed": 0, "bounced": 0}
	for _, r := range s.records {
		if r.CampaignID == id {
			stats[string(r.Status)]++
		}
	}
	return stats, nil
}

func (s *Store) UpsertContact(_ context.Context, c *model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsert != nil {
		if err := s.FailUpsert(c); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	key := c.NaturalKey()
	if id, ok := s.byKey[key]; ok {
		existing := s.contacts[id]
		existing.Publication = c.Publication
		if c.Email != nil {
			existing.Email = c.Email
		}
		if c.Article != nil {
			existing.Article = c.Article
		}
		existing.UpdatedAt = now
		*c = *existing
		return nil
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.contacts[c.ID] = &cp
	s.byKey[key] = c.ID
	return nil
}

func (s *Store) GetContact(_ context.Context, id string) (*model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, appErrors.NewContactNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UnsubscribeContact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return appErrors.NewContactNotFound(id)
	}
	c.Unsubscribed = true
	return nil
}

func (s *Store) CreateEmailRecord(_ context.Context, rec *model.EmailRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreateRecord != nil {
		if err := s.FailCreateRecord(rec); err != nil {
			return false, err
		}
	}
	for _, id := range s.order {
		r := s.records[id]
		if r.CampaignID == rec.CampaignID && r.ContactID == rec.ContactID {
			*rec = *r
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.EmailQueued
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return true, nil
}

func (s *Store) GetEmailRecord(_ context.Context, id string) (*model.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, appErrors.NewEmailRecordNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListEmailRecords(_ context.Context, campaignID string) ([]*model.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.EmailRecord{}
	for _, id := range s.order {
		if r := s.records[id]; r.CampaignID == campaignID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpdateEmailStatus(_ context.Context, u model.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[u.ID]
	if !ok {
		return appErrors.NewEmailRecordNotFound(u.ID)
	}
	if !r.Status.CanTransition(u.Status) {
		return appErrors.NewInvalidTransition(u.ID, string(r.Status), string(u.Status))
	}
	r.Status = u.Status
	if u.Body != nil {
		r.Body = *u.Body
	}
	if u.ProviderID != nil {
		v := *u.ProviderID
		r.ProviderID = &v
	}
	if u.Error != nil {
		v := *u.Error
		r.LastError = &v
	}
	if u.SentAt != nil {
		v := *u.SentAt
		r.SentAt = &v
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) MarkOpened(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return appErrors.NewEmailRecordNotFound(id)
	}
	if r.OpenedAt == nil {
		r.OpenedAt = &at
	}
	return nil
}

// Campaigns returns the number of stored campaigns.
func (s *Store) Campaigns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.campaigns)
}
