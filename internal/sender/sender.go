package sender

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/logging"
	"github.com/unclebandit/outreach-backend/internal/model"
)

// DisabledProviderID is recorded as the provider id when delivery is off.
const DisabledProviderID = "dev-mode"

// Provider is the delivery service.
type Provider interface {
	Deliver(ctx context.Context, to, subject, html string) (string, error)
}

// StatusStore is the part of the state store the sender writes.
type StatusStore interface {
	UpdateEmailStatus(ctx context.Context, u model.StatusUpdate) error
}

type Config struct {
	// Enabled false skips the provider call; everything else is identical.
	Enabled bool
	Timeout time.Duration
	// RecordAttempts bounds the writes of the terminal status. Backoff is
	// the first retry delay; it doubles up to maxBackoff.
	RecordAttempts int
	Backoff        time.Duration
}

const (
	claimAttempts = 3
	maxBackoff    = 5 * time.Second
)

type Sender struct {
	store    StatusStore
	provider Provider
	tracker  Tracker
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

func New(store StatusStore, provider Provider, tracker Tracker, cfg Config, logger *zap.Logger) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = 10
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{store: store, provider: provider, tracker: tracker, cfg: cfg, now: time.Now, logger: logger}
}

// WithClock overrides the sent_at source.
func (s *Sender) WithClock(now func() time.Time) *Sender {
	s.now = now
	return s
}

// Send claims the record, delivers once and records the outcome. It never
// retries delivery. A failed claim comes back as Retry; a terminal status the
// store never accepted comes back as Unrecorded.
func (s *Sender) Send(ctx context.Context, job model.DispatchJob) model.Outcome {
	log := s.logger.With(zap.String("email_record_id", job.EmailRecordID), zap.String("campaign_id", job.CampaignID))
	html := s.tracker.Instrument(job.HTML, job.EmailRecordID)

	if err := s.write(ctx, model.StatusUpdate{
		ID:     job.EmailRecordID,
		Status: model.EmailSending,
		Body:   &html,
	}, claimAttempts); err != nil {
		var bad *appErrors.ErrInvalidTransition
		if errors.As(err, &bad) {
			log.Warn("email already claimed", zap.Error(err))
			return model.Outcome{Job: job, Skipped: true, Err: err}
		}
		log.Warn("could not claim email for sending", zap.Error(err))
		return model.Outcome{Job: job, Retry: true, Err: err}
	}

	var providerID string
	if s.cfg.Enabled {
		deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		id, err := s.provider.Deliver(deliverCtx, job.To, job.Subject, html)
		cancel()
		if err != nil {
			derr := appErrors.NewDelivery(job.EmailRecordID, err)
			msg := err.Error()
			log.Warn("delivery failed", logging.Email(job.To), zap.Error(err))
			out := model.Outcome{Job: job, Status: model.EmailFailed, Err: derr}
			if ferr := s.finish(ctx, log, model.StatusUpdate{ID: job.EmailRecordID, Status: model.EmailFailed, Error: &msg}); ferr != nil {
				out.Unrecorded, out.Err = true, ferr
			}
			return out
		}
		providerID = id
	} else {
		providerID = DisabledProviderID
	}

	sentAt := s.now().UTC()
	out := model.Outcome{Job: job, Status: model.EmailSent, ProviderID: providerID, SentAt: sentAt}
	if err := s.finish(ctx, log, model.StatusUpdate{
		ID:         job.EmailRecordID,
		Status:     model.EmailSent,
		ProviderID: &providerID,
		SentAt:     &sentAt,
	}); err != nil {
		out.Unrecorded, out.Err = true, err
		return out
	}
	log.Info("email sent", logging.Email(job.To), zap.String("provider_id", providerID))
	return out
}

// finish writes the terminal status, retrying the write (never the delivery).
// An invalid transition means the record already moved on and is not retried.
func (s *Sender) finish(ctx context.Context, log *zap.Logger, u model.StatusUpdate) error {
	err := s.write(ctx, u, s.cfg.RecordAttempts)
	var bad *appErrors.ErrInvalidTransition
	if errors.As(err, &bad) {
		log.Warn("record outcome", zap.String("status", string(u.Status)), zap.Error(err))
		return nil
	}
	if err != nil {
		log.Error("record outcome", zap.String("status", string(u.Status)), zap.Error(err))
	}
	return err
}

// write applies u, retrying transient errors with doubling backoff.
func (s *Sender) write(ctx context.Context, u model.StatusUpdate, attempts int) error {
	delay := s.cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = s.store.UpdateEmailStatus(ctx, u)
		var bad *appErrors.ErrInvalidTransition
		if err == nil || errors.As(err, &bad) || attempt >= attempts {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay = min(delay*2, maxBackoff)
	}
}
