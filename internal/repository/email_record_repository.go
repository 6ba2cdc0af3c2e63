package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
)

type EmailRecordRepository struct {
	DB *sql.DB
}

const emailRecordColumns = `id, campaign_id, contact_id, subject, body, status, provider_id, last_error, sent_at, opened_at, created_at, updated_at`

// CreateEmailRecord is idempotent per (campaign, contact): when a record
// already exists it is copied into rec and false is returned.
func (r *EmailRecordRepository) CreateEmailRecord(ctx context.Context, rec *model.EmailRecord) (bool, error) {
	// 1. Check if record already exists
	existing, err := r.getByPair(ctx, rec.CampaignID, rec.ContactID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		*rec = *existing
		return false, nil
	}

	// 2. Insert new record
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.EmailQueued
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	query := `
        INSERT INTO email_records (id, campaign_id, contact_id, subject, body, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        ON CONFLICT (campaign_id, contact_id) DO NOTHING
    `
	res, err := r.DB.ExecContext(ctx, query, rec.ID, rec.CampaignID, rec.ContactID, rec.Subject, rec.Body, rec.Status, now)
	if err != nil {
		return false, fmt.Errorf("create email record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// lost a race with a concurrent insert for the same pair
		existing, err := r.getByPair(ctx, rec.CampaignID, rec.ContactID)
		if err != nil {
			return false, err
		}
		if existing != nil {
			*rec = *existing
		}
		return false, nil
	}
	return true, nil
}

func (r *EmailRecordRepository) getByPair(ctx context.Context, campaignID, contactID string) (*model.EmailRecord, error) {
	query := `SELECT ` + emailRecordColumns + ` FROM email_records WHERE campaign_id=$1 AND contact_id=$2`
	rec, err := scanEmailRecord(r.DB.QueryRowContext(ctx, query, campaignID, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get email record: %w", err)
	}
	return rec, nil
}

func (r *EmailRecordRepository) GetEmailRecord(ctx context.Context, id string) (*model.EmailRecord, error) {
	query := `SELECT ` + emailRecordColumns + ` FROM email_records WHERE id=$1`
	rec, err := scanEmailRecord(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEmailRecordNotFound(id)
		}
		return nil, fmt.Errorf("get email record: %w", err)
	}
	return rec, nil
}

func (r *EmailRecordRepository) ListEmailRecords(ctx context.Context, campaignID string) ([]*model.EmailRecord, error) {
	query := `SELECT ` + emailRecordColumns + ` FROM email_records WHERE campaign_id=$1 ORDER BY created_at`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list email records: %w", err)
	}
	defer rows.Close()

	records := []*model.EmailRecord{}
	for rows.Next() {
		rec, err := scanEmailRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateEmailStatus applies u only when the stored status may legally move to
// u.Status. The guard runs inside the UPDATE so concurrent writers cannot
// both win.
func (r *EmailRecordRepository) UpdateEmailStatus(ctx context.Context, u model.StatusUpdate) error {
	if !u.Status.Valid() {
		return appErrors.NewInvalidTransition(u.ID, "", string(u.Status))
	}
	prev := u.Status.PreviousStates()
	from := make([]string, len(prev))
	for i, s := range prev {
		from[i] = string(s)
	}

	query := `
        UPDATE email_records
        SET status=$2,
            body=COALESCE($3, body),
            provider_id=COALESCE($4, provider_id),
            last_error=COALESCE($5, last_error),
            sent_at=COALESCE($6, sent_at),
            updated_at=NOW()
        WHERE id=$1 AND status = ANY($7)
    `
	res, err := r.DB.ExecContext(ctx, query, u.ID, u.Status, u.Body, u.ProviderID, u.Error, u.SentAt, pq.Array(from))
	if err != nil {
		return fmt.Errorf("update email status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM email_records WHERE id=$1`, u.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.NewEmailRecordNotFound(u.ID)
	}
	if err != nil {
		return fmt.Errorf("update email status: %w", err)
	}
	return appErrors.NewInvalidTransition(u.ID, current, string(u.Status))
}

// MarkOpened records the first open only.
func (r *EmailRecordRepository) MarkOpened(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE email_records SET opened_at=$2 WHERE id=$1 AND opened_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("mark opened: %w", err)
	}
	return nil
}

func scanEmailRecord(row rowScanner) (*model.EmailRecord, error) {
	var rec model.EmailRecord
	var status string
	err := row.Scan(&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Subject, &rec.Body, &status,
		&rec.ProviderID, &rec.LastError, &rec.SentAt, &rec.OpenedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.EmailStatus(status)
	return &rec, nil
}

var _ EmailRecordRepositoryInterface = (*EmailRecordRepository)(nil)
