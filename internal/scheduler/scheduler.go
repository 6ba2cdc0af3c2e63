package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-backend/internal/clock"
	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/lock"
	"github.com/unclebandit/outreach-backend/internal/model"
)

// Source is the dispatch queue as seen by the scheduler. The scheduler is the
// only caller of DequeueNext.
type Source interface {
	DequeueNext(ctx context.Context) (model.DispatchJob, error)
	Enqueued() int
	Close()
}

// Dispatcher performs one send. It must not retry.
type Dispatcher interface {
	Send(ctx context.Context, job model.DispatchJob) model.Outcome
}

type Status struct {
	CampaignID          string     `json:"campaignId"`
	Sent                int        `json:"sent"`
	Failed              int        `json:"failed"`
	Skipped             int        `json:"skipped"`
	Remaining           int        `json:"remaining"`
	Total               int        `json:"total"`
	Tier                Tier       `json:"tier"`
	Running             bool       `json:"running"`
	Paused              bool       `json:"paused"`
	Closed              bool       `json:"closed"`
	Stalled             bool       `json:"stalled"`
	LeaseLost           bool       `json:"leaseLost,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	NextReleaseAt       *time.Time `json:"nextReleaseAt,omitempty"`
}

// Stall returns the stall error when the scheduler is stalled.
func (s Status) Stall() error {
	if !s.Stalled {
		return nil
	}
	return &appErrors.ErrSchedulerStalled{CampaignID: s.CampaignID, ConsecutiveFailures: s.ConsecutiveFailures}
}

type Option func(*Scheduler)

// WithStallThreshold sets how many consecutive failures mark the scheduler
// stalled. Zero disables stall detection.
func WithStallThreshold(n int) Option {
	return func(s *Scheduler) { s.stallThreshold = n }
}

// WithOutcomeHook runs on the cadence goroutine after every send whose outcome
// is settled in the store. Retried and unrecorded sends do not reach it.
func WithOutcomeHook(fn func(model.Outcome)) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// WithStallHook runs once each time the scheduler becomes stalled.
func WithStallHook(fn func(Status)) Option {
	return func(s *Scheduler) { s.onStall = fn }
}

// WithLease requires the lease to be acquired before the loop starts.
func WithLease(l lock.Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// WithLeaseRenewal extends the lease every d while the loop runs, paused or
// not. Zero renews only on release.
func WithLeaseRenewal(d time.Duration) Option {
	return func(s *Scheduler) { s.renewEvery = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler releases at most one job per tier interval from its source to its
// dispatcher. One instance serves one campaign.
type Scheduler struct {
	campaignID string
	source     Source
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *zap.Logger
	lease      lock.Lease
	renewEvery time.Duration
	keepalive  sync.WaitGroup

	stallThreshold int
	onOutcome      func(model.Outcome)
	onStall        func(Status)

	mu          sync.Mutex
	tier        Tier
	running     bool
	cancelled   bool
	paused      bool
	pausedAt    time.Time
	resumed     bool
	lastRelease time.Time
	nextRelease time.Time
	sent        int
	failed      int
	skipped     int
	resubmitted int
	consecutive int
	stalled     bool
	leaseLost   bool
	lastErr     string
	wake        chan struct{}
	stop        context.CancelFunc
	done        chan struct{}
}

func New(campaignID string, source Source, dispatcher Dispatcher, clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		campaignID: campaignID,
		source:     source,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     zap.NewNop(),
		tier:       Medium,
		wake:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("campaign_id", campaignID))
	return s
}

// Start launches the cadence loop. The first release happens immediately.
// ctx bounds the loop's lifetime, not a single call.
func (s *Scheduler) Start(ctx context.Context, tier Tier) error {
	s.mu.Lock()
	if s.running || s.cancelled {
		s.mu.Unlock()
		return appErrors.ErrSchedulerRunning
	}
	s.running = true
	s.mu.Unlock()

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx)
		if err != nil || !ok {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			if err != nil {
				return err
			}
			return appErrors.ErrLockHeld
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.tier = tier
	s.nextRelease = s.clock.Now()
	s.stop = cancel
	s.mu.Unlock()

	s.logger.Info("scheduler started", zap.String("tier", string(tier)))
	if s.lease != nil && s.renewEvery > 0 {
		s.keepalive.Add(1)
		go s.keepLease(loopCtx)
	}
	go s.run(loopCtx, cancel)
	return nil
}

// Pause halts releases before the next one is due. An in-flight send is not
// interrupted.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.cancelled {
		return
	}
	s.paused = true
	s.pausedAt = s.clock.Now()
	s.broadcastLocked()
}

// Resume continues releasing. The first release after a resume is at least
// one full interval after the pause point.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.resumed = true
	s.applyFloorLocked()
	s.broadcastLocked()
}

// SetTier switches throughput; the new interval applies to the next release.
func (s *Scheduler) SetTier(t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tier = t
	if !s.lastRelease.IsZero() {
		s.nextRelease = s.lastRelease.Add(t.Interval())
	}
	if s.resumed {
		s.applyFloorLocked()
	}
	s.broadcastLocked()
}

func (s *Scheduler) applyFloorLocked() {
	floor := s.pausedAt.Add(s.tier.Interval())
	if floor.After(s.nextRelease) {
		s.nextRelease = floor
	}
}

// Cancel closes the source and stops the loop. Jobs still queued stay queued.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	stop := s.stop
	s.broadcastLocked()
	s.mu.Unlock()

	s.source.Close()
	if stop != nil {
		stop()
	} else {
		// never started
		s.closeDone()
	}
}

// Done is closed when the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.source.Enqueued() - s.resubmitted
	st := Status{
		CampaignID:          s.campaignID,
		Sent:                s.sent,
		Failed:              s.failed,
		Skipped:             s.skipped,
		Total:               total,
		Remaining:           total - s.sent - s.failed - s.skipped,
		Tier:                s.tier,
		Running:             s.running && !s.cancelled,
		Paused:              s.paused,
		Closed:              s.cancelled,
		Stalled:             s.stalled,
		LeaseLost:           s.leaseLost,
		ConsecutiveFailures: s.consecutive,
		LastError:           s.lastErr,
	}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if st.Running && !s.paused {
		next := s.nextRelease
		st.NextReleaseAt = &next
	}
	return st
}

// Resubmitted records that a failed job went back on the source. Its failure
// no longer counts and the extra enqueue does not grow the total.
func (s *Scheduler) Resubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed > 0 {
		s.failed--
	}
	s.resubmitted++
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc) {
	defer s.closeDone()
	defer s.releaseLease()
	defer s.keepalive.Wait()
	defer cancel()

	var held *model.DispatchJob
	for {
		s.mu.Lock()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		paused := s.paused
		wait := s.nextRelease.Sub(s.clock.Now())
		wake := s.wake
		s.mu.Unlock()

		if paused {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		if wait > 0 {
			timer := s.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-wake:
				timer.Stop()
			case <-timer.C():
			}
			continue
		}

		if held == nil {
			job, err := s.source.DequeueNext(ctx)
			if err != nil {
				if !errors.Is(err, appErrors.ErrQueueClosed) && ctx.Err() == nil {
					s.logger.Error("dequeue failed", zap.Error(err))
				}
				return
			}
			held = &job
		}

		// State may have changed while waiting for a job.
		s.mu.Lock()
		now := s.clock.Now()
		if s.cancelled {
			s.mu.Unlock()
			return
		}
		if s.paused || now.Before(s.nextRelease) {
			s.mu.Unlock()
			continue
		}
		job := *held
		held = nil
		s.lastRelease = now
		s.nextRelease = now.Add(s.tier.Interval())
		s.mu.Unlock()

		if !s.extendLease(ctx) {
			return
		}
		outcome := s.dispatcher.Send(context.WithoutCancel(ctx), job)
		if outcome.Retry {
			held = &job
		}
		s.record(outcome)
	}
}

func (s *Scheduler) record(o model.Outcome) {
	s.mu.Lock()
	var stalledNow bool
	switch {
	case o.Retry, o.Unrecorded:
		s.consecutive++
		if o.Err != nil {
			s.lastErr = o.Err.Error()
		}
		stalledNow = s.checkStallLocked()
	case o.Skipped:
		s.skipped++
	case o.Succeeded():
		s.sent++
		s.consecutive = 0
		s.stalled = false
	default:
		s.failed++
		s.consecutive++
		if o.Err != nil {
			s.lastErr = o.Err.Error()
		}
		stalledNow = s.checkStallLocked()
	}
	s.mu.Unlock()

	if o.Unrecorded {
		s.logger.Error("send outcome not recorded", zap.String("email_record_id", o.Job.EmailRecordID), zap.Error(o.Err))
	}
	if s.onOutcome != nil && o.Settled() {
		s.onOutcome(o)
	}
	if stalledNow {
		st := s.Status()
		s.logger.Warn("scheduler stalled", zap.Error(st.Stall()))
		if s.onStall != nil {
			s.onStall(st)
		}
	}
}

func (s *Scheduler) checkStallLocked() bool {
	if s.stallThreshold > 0 && s.consecutive >= s.stallThreshold && !s.stalled {
		s.stalled = true
		return true
	}
	return false
}

// extendLease refreshes the lease. It returns false, after stopping the
// scheduler, once the lease belongs to someone else.
func (s *Scheduler) extendLease(ctx context.Context) bool {
	if s.lease == nil {
		return true
	}
	err := s.lease.Extend(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, appErrors.ErrLeaseLost):
		s.logger.Error("scheduler lease lost, stopping", zap.Error(err))
		s.mu.Lock()
		s.leaseLost = true
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.Cancel()
		return false
	default:
		if ctx.Err() == nil {
			s.logger.Warn("scheduler lease extend failed", zap.Error(err))
		}
		return true
	}
}

func (s *Scheduler) keepLease(ctx context.Context) {
	defer s.keepalive.Done()
	ticker := time.NewTicker(s.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.extendLease(ctx) {
				return
			}
		}
	}
}

func (s *Scheduler) releaseLease() {
	if s.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx); err != nil {
		s.logger.Warn("scheduler lease release failed", zap.Error(err))
	}
}

func (s *Scheduler) closeDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}
