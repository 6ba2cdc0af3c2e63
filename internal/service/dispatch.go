// internal/service/dispatch.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/queue"
	"github.com/unclebandit/outreach-backend/internal/scheduler"
)

// LeaseKey names the lease a campaign's scheduler holds.
func LeaseKey(campaignID string) string {
	return "campaign:" + campaignID + ":scheduler"
}

// run is one campaign's live dispatch: its queue, its scheduler and the
// bookkeeping that decides when nothing is left to send.
type run struct {
	campaignID string
	queue      *queue.DispatchQueue
	sched      *scheduler.Scheduler

	mu        sync.Mutex
	producers int
	settled   int
	finished  bool
	cancelled bool
}

func (s *CampaignService) startRun(campaignID string, tier scheduler.Tier) (*run, error) {
	r := &run{
		campaignID: campaignID,
		queue:      queue.New(s.cfg.MaxQueueDepth).WithClock(s.clock.Now),
		producers:  1,
	}
	opts := []scheduler.Option{
		scheduler.WithLogger(s.logger),
		scheduler.WithStallThreshold(s.cfg.StallThreshold),
		scheduler.WithOutcomeHook(func(o model.Outcome) { s.onOutcome(r, o) }),
		scheduler.WithStallHook(s.onStall),
	}
	if s.leases != nil {
		opts = append(opts,
			scheduler.WithLease(s.leases(LeaseKey(campaignID))),
			scheduler.WithLeaseRenewal(s.cfg.LeaseRenewal))
	}
	r.sched = scheduler.New(campaignID, r.queue, s.dispatcher, s.clock, opts...)
	if err := r.sched.Start(s.ctx, tier); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[campaignID] = r
	s.mu.Unlock()

	// A scheduler that stops on its own, e.g. after losing its lease, ends the run.
	go func() {
		<-r.sched.Done()
		r.mu.Lock()
		r.finished = true
		r.mu.Unlock()
	}()
	return r, nil
}

// abortRun tears down a run that never received work.
func (s *CampaignService) abortRun(r *run) {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.sched.Cancel()
	<-r.sched.Done()

	s.mu.Lock()
	delete(s.runs, r.campaignID)
	s.mu.Unlock()
}

// advance records settled outcomes and producer exits. Once no producer is
// left and every enqueued job has settled, the scheduler is stopped.
func (s *CampaignService) advance(r *run, settled, producers int) {
	r.mu.Lock()
	r.settled += settled
	r.producers += producers
	done := !r.finished && r.producers == 0 && r.settled >= r.queue.Enqueued()
	if done {
		r.finished = true
	}
	r.mu.Unlock()

	if done {
		r.sched.Cancel()
		s.logger.Info("campaign dispatch complete",
			zap.String("campaign_id", r.campaignID),
			zap.Int("settled", r.queue.Enqueued()))
	}
}

// reserve registers a producer unless the run has finished.
func (r *run) reserve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.producers++
	return true
}

func (r *run) dispatching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.finished
}

func (s *CampaignService) lookup(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// active returns the live run for id, or a not-found / not-dispatching error.
func (s *CampaignService) active(ctx context.Context, id string) (*run, error) {
	if r := s.lookup(id); r != nil && r.dispatching() {
		return r, nil
	}
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return nil, appErrors.ErrNotDispatching
}

// Dispatching reports whether the campaign still has work in flight in this
// process. Counters are only final once this is false.
func (s *CampaignService) Dispatching(id string) bool {
	r := s.lookup(id)
	return r != nil && r.dispatching()
}

type DispatchStatus struct {
	scheduler.Status
	Dispatching bool `json:"dispatching"`
	Cancelled   bool `json:"cancelled"`
}

// Status reports scheduler progress. Campaigns without a run in this process
// are described from their stored counters.
func (s *CampaignService) Status(ctx context.Context, id string) (*DispatchStatus, error) {
	if r := s.lookup(id); r != nil {
		r.mu.Lock()
		cancelled := r.cancelled
		r.mu.Unlock()
		return &DispatchStatus{Status: r.sched.Status(), Dispatching: r.dispatching(), Cancelled: cancelled}, nil
	}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	remaining := c.TotalEmails - c.SentCount - c.FailedCount
	if remaining < 0 {
		remaining = 0
	}
	return &DispatchStatus{Status: scheduler.Status{
		CampaignID: id,
		Sent:       c.SentCount,
		Failed:     c.FailedCount,
		Total:      c.TotalEmails,
		Remaining:  remaining,
		Closed:     true,
	}}, nil
}

func (s *CampaignService) Pause(ctx context.Context, id string) error {
	r, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	r.sched.Pause()
	s.logger.Info("campaign paused", zap.String("campaign_id", id))
	return nil
}

func (s *CampaignService) Resume(ctx context.Context, id string) error {
	r, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	r.sched.Resume()
	s.logger.Info("campaign resumed", zap.String("campaign_id", id))
	return nil
}

func (s *CampaignService) SetSpeed(ctx context.Context, id, speed string) error {
	tier, err := scheduler.ParseTier(speed)
	if err != nil {
		return fmt.Errorf("%w: %v", appErrors.ErrInvalidInput, err)
	}
	r, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	r.sched.SetTier(tier)
	s.logger.Info("campaign speed changed", zap.String("campaign_id", id), zap.String("tier", string(tier)))
	return nil
}

// Cancel stops releases for good. Jobs still queued keep their queued
// records; nothing is discarded.
func (s *CampaignService) Cancel(ctx context.Context, id string) error {
	r, err := s.active(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.finished = true
	r.cancelled = true
	r.mu.Unlock()

	r.sched.Cancel()
	s.logger.Info("campaign cancelled",
		zap.String("campaign_id", id),
		zap.Int("left_queued", r.queue.Len()))
	return nil
}

// Resend moves a failed record back to queued and submits a fresh job for
// it. This is the only way a failed email is sent again.
func (s *CampaignService) Resend(ctx context.Context, emailID string) error {
	rec, err := s.store.GetEmailRecord(ctx, emailID)
	if err != nil {
		return err
	}
	if rec.Status != model.EmailFailed {
		return appErrors.NewInvalidTransition(emailID, string(rec.Status), string(model.EmailQueued))
	}
	r, err := s.active(ctx, rec.CampaignID)
	if err != nil {
		return err
	}
	if !r.reserve() {
		return appErrors.ErrNotDispatching
	}
	defer s.advance(r, 0, -1)

	contact, err := s.store.GetContact(ctx, rec.ContactID)
	if err != nil {
		return err
	}
	if contact.Unsubscribed || contact.Address() == "" {
		return appErrors.NewContactProcessing(contact.Name, "resend", fmt.Errorf("contact cannot receive email"))
	}

	// 1. failed -> queued, guarded by the store
	if err := s.store.UpdateEmailStatus(ctx, model.StatusUpdate{ID: emailID, Status: model.EmailQueued}); err != nil {
		return err
	}
	// 2. the failure no longer counts toward the campaign
	if err := s.store.IncrementCampaignStats(ctx, rec.CampaignID, model.StatsDelta{Failed: -1}); err != nil {
		s.logger.Error("decrement failed count", zap.String("campaign_id", rec.CampaignID), zap.Error(err))
	}
	// 3. fresh job at the back of the queue
	job := model.DispatchJob{
		EmailRecordID: rec.ID,
		CampaignID:    rec.CampaignID,
		To:            contact.Address(),
		Subject:       rec.Subject,
		HTML:          rec.Body,
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue resend: %w", err)
	}
	r.sched.Resubmitted()
	s.logger.Info("email resubmitted", zap.String("campaign_id", rec.CampaignID), zap.String("email_record_id", emailID))
	return nil
}

// Shutdown stops every scheduler loop and waits for in-flight sends.
func (s *CampaignService) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		select {
		case <-r.sched.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
