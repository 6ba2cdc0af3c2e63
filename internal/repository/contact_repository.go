package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/model"
)

type ContactRepository struct {
	DB *sql.DB
}

// UpsertContact inserts or updates by natural key. Publication is last write
// wins; address and article only overwrite when the new value is set. The
// stored row is copied back into c.
func (r *ContactRepository) UpsertContact(ctx context.Context, c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	query := `
        INSERT INTO contacts (id, natural_key, name, publication, email, article, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
        ON CONFLICT (natural_key) DO UPDATE
        SET publication = EXCLUDED.publication,
            email = COALESCE(EXCLUDED.email, contacts.email),
            article = COALESCE(EXCLUDED.article, contacts.article),
            updated_at = EXCLUDED.updated_at
        RETURNING id, name, publication, email, article, unsubscribed, created_at, updated_at
    `
	row := r.DB.QueryRowContext(ctx, query, c.ID, c.NaturalKey(), c.Name, c.Publication, c.Email, c.Article, now)
	if err := scanContactInto(row, c); err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (r *ContactRepository) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	query := `
        SELECT id, name, publication, email, article, unsubscribed, created_at, updated_at
        FROM contacts WHERE id=$1
    `
	var c model.Contact
	if err := scanContactInto(r.DB.QueryRowContext(ctx, query, id), &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

func (r *ContactRepository) UnsubscribeContact(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contacts SET unsubscribed=TRUE, updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("unsubscribe contact: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewContactNotFound(id)
	}
	return nil
}

func scanContactInto(row rowScanner, c *model.Contact) error {
	return row.Scan(&c.ID, &c.Name, &c.Publication, &c.Email, &c.Article, &c.Unsubscribed, &c.CreatedAt, &c.UpdatedAt)
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
