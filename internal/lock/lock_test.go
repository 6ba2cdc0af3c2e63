package lock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockExclusive(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "campaign:c1:scheduler", time.Minute)
	b := NewRedisLock(client, "campaign:c1:scheduler", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lease")

	// b cannot release a's lease
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("lock:campaign:c1:scheduler"))

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockExtend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	l := NewRedisLock(client, "k", 10*time.Second)
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Second)
	require.NoError(t, l.Extend(ctx))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("lock:k"), "extend should push expiry out")

	mr.FastForward(20 * time.Second)
	assert.ErrorIs(t, l.Extend(ctx), appErrors.ErrLeaseLost, "expired lease cannot be extended")
}

func TestLocalLease(t *testing.T) {
	ctx := context.Background()
	table := NewLocal()
	a, b := table.Lease("x"), table.Lease("x")

	ok, _ := a.Acquire(ctx)
	assert.True(t, ok)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)

	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok, "non-owner release must not free the lease")

	require.NoError(t, a.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok)
}

func newPGLease(t *testing.T) (*PGLease, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGLease(db, "campaign:c1:scheduler", time.Minute), mock
}

func TestPGLeaseAcquireAndRelease(t *testing.T) {
	l, mock := newPGLease(t)
	mock.ExpectQuery("INSERT INTO scheduler_leases").
		WithArgs("campaign:c1:scheduler", l.owner, "60000 milliseconds").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow(l.owner))
	mock.ExpectExec("DELETE FROM scheduler_leases").
		WithArgs("campaign:c1:scheduler", l.owner).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLeaseHeldElsewhere(t *testing.T) {
	l, mock := newPGLease(t)
	mock.ExpectQuery("INSERT INTO scheduler_leases").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}))

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPGLeaseExtend(t *testing.T) {
	l, mock := newPGLease(t)
	mock.ExpectExec("UPDATE scheduler_leases SET expires_at").
		WithArgs("campaign:c1:scheduler", l.owner, "60000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scheduler_leases SET expires_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Extend(context.Background()))
	assert.ErrorIs(t, l.Extend(context.Background()), appErrors.ErrLeaseLost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLeaseHoldsNoConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("INSERT INTO scheduler_leases").
			WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("x"))
	}
	mock.MatchExpectationsInOrder(false)

	// three campaigns on a one-connection pool must not block each other
	for i := 0; i < 3; i++ {
		l := NewPGLease(db, "campaign:"+string(rune('a'+i))+":scheduler", time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := l.Acquire(ctx)
		cancel()
		require.NoError(t, err)
	}
}

func TestNewFactoryDefaultsToLocal(t *testing.T) {
	f := NewFactory(nil, nil, time.Minute)
	a, b := f("k"), f("k")
	ok, _ := a.Acquire(context.Background())
	assert.True(t, ok)
	ok, _ = b.Acquire(context.Background())
	assert.False(t, ok)
}
