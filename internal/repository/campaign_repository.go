package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
)

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO campaigns (id, company, topic, sender_name, sender_title, total_emails, sent_count, failed_count, created_at)
        VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6)
    `
	if _, err := r.DB.ExecContext(ctx, query, c.ID, c.Company, c.Topic, c.Sender.Name, c.Sender.Title, c.CreatedAt); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	query := `
        SELECT id, company, topic, sender_name, sender_title, total_emails, sent_count, failed_count, created_at
        FROM campaigns WHERE id=$1
    `
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int) ([]*model.Campaign, int, error) {
	query := `
        SELECT id, company, topic, sender_name, sender_title, total_emails, sent_count, failed_count, created_at
        FROM campaigns ORDER BY created_at DESC LIMIT $1 OFFSET $2
    `
	rows, err := r.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}
	return campaigns, total, nil
}

// IncrementCampaignStats applies delta in a single UPDATE so concurrent
// outcome reporters never lose an increment.
func (r *CampaignRepository) IncrementCampaignStats(ctx context.Context, campaignID string, delta model.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	query := `
        UPDATE campaigns
        SET total_emails = total_emails + $2,
            sent_count = sent_count + $3,
            failed_count = failed_count + $4
        WHERE id=$1
    `
	res, err := r.DB.ExecContext(ctx, query, campaignID, delta.Total, delta.Sent, delta.Failed)
	if err != nil {
		return fmt.Errorf("increment campaign stats: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

// GetCampaignStats counts email records per status.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM email_records WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{
		string(model.EmailQueued):  0,
		string(model.EmailSending): 0,
		string(model.EmailSent):    0,
		string(model.EmailFailed):  0,
		string(model.EmailBounced): 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Company, &c.Topic, &c.Sender.Name, &c.Sender.Title,
		&c.TotalEmails, &c.SentCount, &c.FailedCount, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
