package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

var recordCols = []string{"id", "campaign_id", "contact_id", "subject", "body", "status",
	"provider_id", "last_error", "sent_at", "opened_at", "created_at", "updated_at"}

func TestCreateCampaign(t *testing.T) {
	store, mock := newMock(t)
	c := &model.Campaign{ID: "c1", Company: "Dumroo.ai", Topic: "AI Teaching Tools",
		Sender: model.SenderIdentity{Name: "PR Team", Title: "Communications"}}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaigns")).
		WithArgs("c1", "Dumroo.ai", "AI Teaching Tools", "PR Team", "Communications", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.CreateCampaign(context.Background(), c))
	assert.False(t, c.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCampaignNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("SELECT id, company, topic").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := store.GetCampaign(context.Background(), "missing")
	var nf *appErrors.ErrCampaignNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.CampaignID)
}

func TestIncrementCampaignStatsIsSingleUpdate(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("SET total_emails = total_emails + $2")).
		WithArgs("c1", 0, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.IncrementCampaignStats(context.Background(), "c1", model.StatsDelta{Sent: 1}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCampaignStatsZeroDeltaIsNoop(t *testing.T) {
	store, mock := newMock(t)
	require.NoError(t, store.IncrementCampaignStats(context.Background(), "c1", model.StatsDelta{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementCampaignStatsUnknownCampaign(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE campaigns").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.IncrementCampaignStats(context.Background(), "gone", model.StatsDelta{Failed: 1})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestUpsertContact(t *testing.T) {
	store, mock := newMock(t)
	email := "editor@wired.com"
	c := &model.Contact{Name: "Jane Doe", Publication: "Wired", Email: &email}
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (natural_key) DO UPDATE")).
		WithArgs(sqlmock.AnyArg(), "email:editor@wired.com", "Jane Doe", "Wired", email, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "publication", "email", "article", "unsubscribed", "created_at", "updated_at"}).
			AddRow("existing-id", "Jane Doe", "Wired", email, "Old article", false, now, now))

	require.NoError(t, store.UpsertContact(context.Background(), c))
	assert.Equal(t, "existing-id", c.ID)
	assert.Equal(t, "Old article", c.ArticleTitle())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEmailRecordReturnsExisting(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE campaign_id=$1 AND contact_id=$2")).
		WithArgs("c1", "k1").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("e1", "c1", "k1", "Story idea", "<p>hi</p>", "queued", nil, nil, nil, nil, now, now))

	rec := &model.EmailRecord{CampaignID: "c1", ContactID: "k1", Subject: "new"}
	created, err := store.CreateEmailRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", rec.ID)
	assert.Equal(t, "Story idea", rec.Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEmailRecordInserts(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE campaign_id=$1 AND contact_id=$2")).
		WithArgs("c1", "k1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_records")).
		WithArgs(sqlmock.AnyArg(), "c1", "k1", "Story idea: AI", "<p>body</p>", "queued", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &model.EmailRecord{CampaignID: "c1", ContactID: "k1", Subject: "Story idea: AI", Body: "<p>body</p>"}
	created, err := store.CreateEmailRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.EmailQueued, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEmailStatus(t *testing.T) {
	store, mock := newMock(t)
	provider := "msg-123"
	sentAt := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$1 AND status = ANY($7)")).
		WithArgs("e1", "sent", nil, provider, nil, sentAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateEmailStatus(context.Background(), model.StatusUpdate{
		ID: "e1", Status: model.EmailSent, ProviderID: &provider, SentAt: &sentAt,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEmailStatusRejectsBackwardMove(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE email_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM email_records")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := store.UpdateEmailStatus(context.Background(), model.StatusUpdate{ID: "e1", Status: model.EmailSent})
	var bad *appErrors.ErrInvalidTransition
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, "failed", bad.From)
	assert.Equal(t, "sent", bad.To)
}

func TestUpdateEmailStatusMissingRecord(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE email_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM email_records").WillReturnError(sql.ErrNoRows)

	err := store.UpdateEmailStatus(context.Background(), model.StatusUpdate{ID: "e9", Status: model.EmailSending})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestUpdateEmailStatusDatabaseError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("UPDATE email_records").WillReturnError(errors.New("connection reset"))

	err := store.UpdateEmailStatus(context.Background(), model.StatusUpdate{ID: "e1", Status: model.EmailSending})
	assert.ErrorContains(t, err, "connection reset")
}

func TestGetCampaignStats(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 2).AddRow("failed", 1))

	stats, err := store.GetCampaignStats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats["sent"])
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 0, stats["queued"])
}
