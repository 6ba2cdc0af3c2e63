// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-backend/internal/clock"
	"github.com/unclebandit/outreach-backend/internal/discovery"
	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/generator"
	"github.com/unclebandit/outreach-backend/internal/lock"
	"github.com/unclebandit/outreach-backend/internal/logging"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/queue"
	"github.com/unclebandit/outreach-backend/internal/repository"
	"github.com/unclebandit/outreach-backend/internal/scheduler"
)

// Generator always returns content for a contact, falling back to a
// template when the model cannot.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) generator.Content
}

type Config struct {
	Tier           scheduler.Tier
	Concurrency    int
	MaxQueueDepth  int
	StallThreshold int
	DefaultSender  model.SenderIdentity
	// LeaseRenewal is how often a running scheduler refreshes its lease.
	LeaseRenewal time.Duration
}

// CampaignService runs the dispatch pipeline: discovery, per-contact
// generation and persistence, then paced delivery through one scheduler per
// campaign.
type CampaignService struct {
	store      repository.Store
	discovery  discovery.Source
	generator  Generator
	dispatcher scheduler.Dispatcher
	clock      clock.Clock
	leases     lock.Factory
	events     queue.Publisher
	cfg        Config
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

func NewCampaignService(store repository.Store, src discovery.Source, gen Generator, dispatcher scheduler.Dispatcher, cfg Config, logger *zap.Logger) *CampaignService {
	if cfg.Tier == "" {
		cfg.Tier = scheduler.Medium
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DefaultSender.Name == "" {
		cfg.DefaultSender.Name = "PR Team"
	}
	if cfg.DefaultSender.Title == "" {
		cfg.DefaultSender.Title = "Communications"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CampaignService{
		store:      store,
		discovery:  src,
		generator:  gen,
		dispatcher: dispatcher,
		clock:      clock.Real{},
		events:     queue.NopPublisher{},
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*run),
	}
}

func (s *CampaignService) WithClock(c clock.Clock) *CampaignService {
	s.clock = c
	return s
}

// WithLeases makes every scheduler hold a lease for its campaign.
func (s *CampaignService) WithLeases(f lock.Factory) *CampaignService {
	s.leases = f
	return s
}

func (s *CampaignService) WithEvents(p queue.Publisher) *CampaignService {
	if p != nil {
		s.events = p
	}
	return s
}

type StartRequest struct {
	Company     string `json:"company"`
	Topic       string `json:"topic"`
	SenderName  string `json:"senderName,omitempty"`
	SenderTitle string `json:"senderTitle,omitempty"`
	Speed       string `json:"speed,omitempty"`
}

type CampaignResult struct {
	CampaignID string `json:"campaignId"`
	Queued     int    `json:"queued"`
}

// RunCampaign discovers contacts, prepares one email per contact and queues
// them in discovery order. It returns once every job is submitted; delivery
// continues in the background.
func (s *CampaignService) RunCampaign(ctx context.Context, req StartRequest) (*CampaignResult, error) {
	company := strings.TrimSpace(req.Company)
	topic := strings.TrimSpace(req.Topic)
	if company == "" || topic == "" {
		return nil, fmt.Errorf("%w: company and topic are required", appErrors.ErrInvalidInput)
	}
	tier := s.cfg.Tier
	if req.Speed != "" {
		t, err := scheduler.ParseTier(req.Speed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", appErrors.ErrInvalidInput, err)
		}
		tier = t
	}
	sender := model.SenderIdentity{
		Name:  orDefault(req.SenderName, s.cfg.DefaultSender.Name),
		Title: orDefault(req.SenderTitle, s.cfg.DefaultSender.Title),
	}

	// 1. Discover before creating any state
	found, err := s.discovery.Discover(ctx, topic)
	if err != nil {
		if !appErrors.IsDiscoveryFailure(err) {
			err = appErrors.NewDiscoveryUnavailable(topic, err)
		}
		s.logger.Warn("discovery failed", zap.String("topic", topic), zap.Error(err))
		return nil, err
	}
	candidates := discovery.Dedupe(found)
	if len(candidates) == 0 {
		return nil, appErrors.NewNoContactsFound(topic)
	}

	// 2. Take the scheduler lease before any row exists
	campaign := &model.Campaign{
		ID:        uuid.NewString(),
		Company:   company,
		Topic:     topic,
		Sender:    sender,
		CreatedAt: s.clock.Now().UTC(),
	}
	r, err := s.startRun(campaign.ID, tier)
	if err != nil {
		return nil, fmt.Errorf("start dispatch: %w", err)
	}

	// 3. Create the campaign row, then feed the scheduler
	if err := s.store.CreateCampaign(ctx, campaign); err != nil {
		s.abortRun(r)
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	s.logger.Info("campaign started",
		zap.String("campaign_id", campaign.ID),
		zap.String("topic", topic),
		zap.Int("contacts", len(candidates)),
		zap.String("tier", string(tier)))

	queued := s.submit(context.WithoutCancel(ctx), r, campaign, candidates)
	return &CampaignResult{CampaignID: campaign.ID, Queued: queued}, nil
}

type prepared struct {
	seq int
	job *model.DispatchJob
}

// submit prepares contacts on a bounded pool and enqueues the results in
// discovery order. A contact that fails leaves a gap that is skipped.
func (s *CampaignService) submit(ctx context.Context, r *run, campaign *model.Campaign, candidates []discovery.Candidate) int {
	results := make(chan prepared, len(candidates))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	go func() {
		for i, c := range candidates {
			g.Go(func() error {
				job, err := s.prepare(ctx, campaign, i, c)
				if err != nil {
					s.contactFailed(ctx, campaign.ID, err)
				}
				results <- prepared{seq: i, job: job}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	pending := make(map[int]*model.DispatchJob)
	next, queued := 0, 0
	for p := range results {
		pending[p.seq] = p.job
		for {
			job, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if job == nil {
				continue
			}
			if err := r.queue.Enqueue(ctx, *job); err != nil {
				s.logger.Warn("job not enqueued",
					zap.String("campaign_id", campaign.ID),
					zap.String("email_record_id", job.EmailRecordID),
					zap.Error(err))
				continue
			}
			queued++
		}
	}

	s.advance(r, 0, -1)
	return queued
}

// prepare turns one candidate into a persisted record and its job.
func (s *CampaignService) prepare(ctx context.Context, campaign *model.Campaign, seq int, c discovery.Candidate) (*model.DispatchJob, error) {
	contact := c.Contact()
	name := contact.Name

	// 1. Upsert the contact by natural key
	if err := s.store.UpsertContact(ctx, &contact); err != nil {
		return nil, appErrors.NewContactProcessing(name, "upsert", err)
	}
	if contact.Unsubscribed {
		return nil, appErrors.NewContactProcessing(name, "unsubscribed", errors.New("contact has unsubscribed"))
	}
	to := contact.Address()
	if to == "" {
		return nil, appErrors.NewContactProcessing(name, "address", errors.New("no deliverable address"))
	}

	// 2. Generate, never failing the contact
	content := s.generator.Generate(ctx, generator.Request{
		Contact: contact,
		Company: campaign.Company,
		Topic:   campaign.Topic,
		Sender:  campaign.Sender,
	})

	// 3. Persist the record in queued state
	rec := &model.EmailRecord{
		ID:         uuid.NewString(),
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Subject:    content.Subject,
		Body:       content.HTML,
		Status:     model.EmailQueued,
	}
	created, err := s.store.CreateEmailRecord(ctx, rec)
	if err != nil {
		return nil, appErrors.NewContactProcessing(name, "persist", err)
	}
	if !created {
		return nil, appErrors.NewContactProcessing(name, "persist", fmt.Errorf("contact already has email %s in this campaign", rec.ID))
	}
	if err := s.store.IncrementCampaignStats(ctx, campaign.ID, model.StatsDelta{Total: 1}); err != nil {
		s.logger.Error("increment campaign total", zap.String("campaign_id", campaign.ID), zap.Error(err))
	}

	return &model.DispatchJob{
		EmailRecordID: rec.ID,
		CampaignID:    campaign.ID,
		To:            to,
		Subject:       rec.Subject,
		HTML:          rec.Body,
		Seq:           seq,
	}, nil
}

func (s *CampaignService) contactFailed(ctx context.Context, campaignID string, err error) {
	fields := []zap.Field{zap.String("campaign_id", campaignID), zap.Error(err)}
	var cerr *appErrors.ErrContactProcessing
	if errors.As(err, &cerr) {
		fields = append(fields, zap.String("stage", cerr.Stage))
	}
	s.logger.Warn("contact skipped", fields...)
	s.publish(ctx, queue.Event{Type: queue.EventContactFailed, CampaignID: campaignID, Detail: err.Error()})
}

// onOutcome rolls a terminal outcome into the campaign counters.
func (s *CampaignService) onOutcome(r *run, o model.Outcome) {
	ctx := s.ctx
	if !o.Skipped {
		delta := model.StatsDelta{Sent: 1}
		event := queue.Event{Type: queue.EventEmailSent, CampaignID: o.Job.CampaignID, EmailRecordID: o.Job.EmailRecordID}
		if !o.Succeeded() {
			delta = model.StatsDelta{Failed: 1}
			event.Type = queue.EventEmailFailed
			if o.Err != nil {
				event.Detail = o.Err.Error()
			}
		}
		if err := s.store.IncrementCampaignStats(context.WithoutCancel(ctx), o.Job.CampaignID, delta); err != nil {
			s.logger.Error("increment campaign stats",
				zap.String("campaign_id", o.Job.CampaignID),
				zap.String("email_record_id", o.Job.EmailRecordID),
				zap.Error(err))
		}
		s.publish(ctx, event)
	}
	s.advance(r, 1, 0)
}

func (s *CampaignService) onStall(st scheduler.Status) {
	s.publish(s.ctx, queue.Event{
		Type:       queue.EventSchedulerStalled,
		CampaignID: st.CampaignID,
		Detail:     st.Stall().Error(),
	})
}

func (s *CampaignService) publish(ctx context.Context, e queue.Event) {
	if e.At.IsZero() {
		e.At = s.clock.Now().UTC()
	}
	if err := s.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Warn("publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

type PreviewRequest struct {
	Company     string `json:"company"`
	Topic       string `json:"topic"`
	Name        string `json:"name"`
	Publication string `json:"publication"`
	Article     string `json:"article,omitempty"`
	Email       string `json:"email,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
	SenderTitle string `json:"senderTitle,omitempty"`
}

// Preview generates content for a single contact without persisting it.
func (s *CampaignService) Preview(ctx context.Context, req PreviewRequest) (generator.Content, error) {
	if strings.TrimSpace(req.Company) == "" || strings.TrimSpace(req.Topic) == "" {
		return generator.Content{}, fmt.Errorf("%w: company and topic are required", appErrors.ErrInvalidInput)
	}
	contact := discovery.Candidate{Name: req.Name, Publication: req.Publication, Article: req.Article, Email: req.Email}.Contact()
	s.logger.Debug("preview", zap.String("topic", req.Topic), logging.Email(contact.Address()))
	return s.generator.Generate(ctx, generator.Request{
		Contact: contact,
		Company: strings.TrimSpace(req.Company),
		Topic:   strings.TrimSpace(req.Topic),
		Sender: model.SenderIdentity{
			Name:  orDefault(req.SenderName, s.cfg.DefaultSender.Name),
			Title: orDefault(req.SenderTitle, s.cfg.DefaultSender.Title),
		},
	}), nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int) ([]*model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.store.ListCampaigns(ctx, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

type CampaignDetails struct {
	*model.Campaign
	Dispatching bool           `json:"dispatching"`
	Stats       map[string]int `json:"stats"`
}

func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*CampaignDetails, error) {
	campaign, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total
	return &CampaignDetails{Campaign: campaign, Dispatching: s.Dispatching(id), Stats: stats}, nil
}

func (s *CampaignService) ListEmails(ctx context.Context, campaignID string) ([]*model.EmailRecord, error) {
	if _, err := s.store.GetCampaign(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.store.ListEmailRecords(ctx, campaignID)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return strings.TrimSpace(s)
}
