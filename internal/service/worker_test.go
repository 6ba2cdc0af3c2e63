package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/queue"
	"github.com/unclebandit/outreach-backend/internal/repository/repotest"
	"github.com/unclebandit/outreach-backend/internal/service"
)

func seedEmail(t *testing.T, store *repotest.Store, status ...model.EmailStatus) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateCampaign(ctx, &model.Campaign{ID: "c1", Company: "Dumroo.ai", Topic: "AI"}))
	addr := "editor@wired.com"
	contact := &model.Contact{Name: "Jane", Publication: "Wired", Email: &addr}
	require.NoError(t, store.UpsertContact(ctx, contact))
	rec := &model.EmailRecord{CampaignID: "c1", ContactID: contact.ID, Subject: "s", Body: "b"}
	_, err := store.CreateEmailRecord(ctx, rec)
	require.NoError(t, err)
	for _, st := range status {
		require.NoError(t, store.UpdateEmailStatus(ctx, model.StatusUpdate{ID: rec.ID, Status: st}))
	}
	return rec.ID
}

func TestBounceWorkerMarksSentAsBounced(t *testing.T) {
	store := repotest.New()
	id := seedEmail(t, store, model.EmailSending, model.EmailSent)
	w := service.NewBounceWorker(store, nil)

	require.NoError(t, w.Handle(context.Background(), queue.BounceNotice{EmailRecordID: id, Reason: "mailbox full"}))

	rec, err := store.GetEmailRecord(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.EmailBounced, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "mailbox full", *rec.LastError)
}

func TestBounceWorkerRejectsPermanently(t *testing.T) {
	store := repotest.New()
	queued := seedEmail(t, store)
	w := service.NewBounceWorker(store, nil)

	var perm queue.Permanent
	err := w.Handle(context.Background(), queue.BounceNotice{EmailRecordID: queued})
	assert.True(t, errors.As(err, &perm), "queued record cannot bounce: %v", err)

	err = w.Handle(context.Background(), queue.BounceNotice{EmailRecordID: "missing"})
	assert.True(t, errors.As(err, &perm), "unknown record: %v", err)
}

type brokenStore struct{}

func (brokenStore) UpdateEmailStatus(context.Context, model.StatusUpdate) error {
	return errors.New("connection refused")
}

func TestBounceWorkerRetriesTransientErrors(t *testing.T) {
	w := service.NewBounceWorker(brokenStore{}, nil)
	err := w.Handle(context.Background(), queue.BounceNotice{EmailRecordID: "e1"})
	require.Error(t, err)
	var perm queue.Permanent
	assert.False(t, errors.As(err, &perm))
}
