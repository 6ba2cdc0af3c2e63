// internal/service/worker.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/queue"
)

// BounceStore defines the methods the bounce worker needs
type BounceStore interface {
	UpdateEmailStatus(ctx context.Context, u model.StatusUpdate) error
}

// BounceWorker applies provider bounce notices to email records.
type BounceWorker struct {
	Store  BounceStore
	Logger *zap.Logger
}

func NewBounceWorker(store BounceStore, logger *zap.Logger) *BounceWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BounceWorker{Store: store, Logger: logger}
}

// Handle moves a sent record to bounced. Unknown records and records that
// were never sent are rejected permanently; anything else is retried.
func (w *BounceWorker) Handle(ctx context.Context, n queue.BounceNotice) error {
	reason := n.Reason
	if reason == "" {
		reason = "bounced"
	}
	err := w.Store.UpdateEmailStatus(ctx, model.StatusUpdate{
		ID:     n.EmailRecordID,
		Status: model.EmailBounced,
		Error:  &reason,
	})
	if err == nil {
		w.Logger.Info("email bounced", zap.String("email_record_id", n.EmailRecordID), zap.String("reason", reason))
		return nil
	}

	var bad *appErrors.ErrInvalidTransition
	if errors.As(err, &bad) || appErrors.IsNotFound(err) {
		return queue.Permanent{Err: err}
	}
	return fmt.Errorf("apply bounce for %s: %w", n.EmailRecordID, err)
}
