// Package lock provides the per-campaign scheduler lease.
package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is held by exactly one cadence loop per campaign.
type Lease interface {
	// Acquire tries to take the lease. It never blocks waiting for a holder.
	Acquire(ctx context.Context) (bool, error)
	// Extend refreshes the lease TTL where the backend has one. It returns
	// an error wrapping appErrors.ErrLeaseLost once another holder owns it.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Factory creates leases by key.
type Factory func(key string) Lease

// NewFactory picks Redis when a client is given, the Postgres lease table when
// a database is given, and an in-process lock otherwise.
func NewFactory(client *redis.Client, db *sql.DB, ttl time.Duration) Factory {
	switch {
	case client != nil:
		return func(key string) Lease { return NewRedisLock(client, key, ttl) }
	case db != nil:
		return func(key string) Lease { return NewPGLease(db, key, ttl) }
	default:
		local := NewLocal()
		return local.Lease
	}
}

// Local is an in-process lock table.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocal() *Local {
	return &Local{held: map[string]bool{}}
}

func (l *Local) Lease(key string) Lease {
	return &localLease{table: l, key: key}
}

type localLease struct {
	table *Local
	key   string
	owned bool
}

func (l *localLease) Acquire(context.Context) (bool, error) {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.table.held[l.key] {
		return l.owned, nil
	}
	l.table.held[l.key] = true
	l.owned = true
	return true, nil
}

func (l *localLease) Extend(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	if l.owned {
		delete(l.table.held, l.key)
		l.owned = false
	}
	return nil
}
