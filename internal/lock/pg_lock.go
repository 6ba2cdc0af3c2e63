package lock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
)

// PGLease is a row in scheduler_leases with an owner token and an expiry.
// No connection is held between calls; an expired row can be taken over.
type PGLease struct {
	db    *sql.DB
	key   string
	owner string
	ttl   time.Duration
}

func NewPGLease(db *sql.DB, key string, ttl time.Duration) *PGLease {
	b := make([]byte, 16)
	rand.Read(b)
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PGLease{db: db, key: key, owner: hex.EncodeToString(b), ttl: ttl}
}

func (l *PGLease) interval() string {
	return fmt.Sprintf("%d milliseconds", l.ttl.Milliseconds())
}

func (l *PGLease) Acquire(ctx context.Context) (bool, error) {
	query := `
		INSERT INTO scheduler_leases (key, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (key) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE scheduler_leases.expires_at < NOW() OR scheduler_leases.owner = EXCLUDED.owner
		RETURNING owner
	`
	var owner string
	err := l.db.QueryRowContext(ctx, query, l.key, l.owner, l.interval()).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return owner == l.owner, nil
}

func (l *PGLease) Extend(ctx context.Context) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE scheduler_leases SET expires_at = NOW() + $3::interval WHERE key = $1 AND owner = $2`,
		l.key, l.owner, l.interval())
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease %s: %w", l.key, appErrors.ErrLeaseLost)
	}
	return nil
}

func (l *PGLease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM scheduler_leases WHERE key = $1 AND owner = $2`, l.key, l.owner)
	return err
}
