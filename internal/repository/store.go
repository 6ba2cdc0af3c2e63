package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/outreach-backend/internal/model"
)

// Store is the campaign state store the pipeline reads and writes through.
// Every method is safe to retry at the call site.
type Store interface {
	CampaignRepositoryInterface
	ContactRepositoryInterface
	EmailRecordRepositoryInterface
}

type CampaignRepositoryInterface interface {
	CreateCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int) ([]*model.Campaign, int, error)
	IncrementCampaignStats(ctx context.Context, campaignID string, delta model.StatsDelta) error
	GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error)
}

type ContactRepositoryInterface interface {
	UpsertContact(ctx context.Context, c *model.Contact) error
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	UnsubscribeContact(ctx context.Context, id string) error
}

type EmailRecordRepositoryInterface interface {
	CreateEmailRecord(ctx context.Context, rec *model.EmailRecord) (bool, error)
	GetEmailRecord(ctx context.Context, id string) (*model.EmailRecord, error)
	ListEmailRecords(ctx context.Context, campaignID string) ([]*model.EmailRecord, error)
	UpdateEmailStatus(ctx context.Context, u model.StatusUpdate) error
	MarkOpened(ctx context.Context, id string, at time.Time) error
}

// Postgres is the lib/pq backed Store.
type Postgres struct {
	*CampaignRepository
	*ContactRepository
	*EmailRecordRepository
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		CampaignRepository:    &CampaignRepository{DB: db},
		ContactRepository:     &ContactRepository{DB: db},
		EmailRecordRepository: &EmailRecordRepository{DB: db},
	}
}

var _ Store = (*Postgres)(nil)
