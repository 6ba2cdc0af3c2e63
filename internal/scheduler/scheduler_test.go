package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unclebandit/outreach-backend/internal/clock"
	appErrors "github.com/unclebandit/outreach-backend/internal/errors"
	"github.com/unclebandit/outreach-backend/internal/lock"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	clock *clock.Fake
	fail  error

	mu    sync.Mutex
	sends []sendRecord
	sent  chan string
}

type sendRecord struct {
	id string
	at time.Time
}

func newDispatcher(clk *clock.Fake) *recordingDispatcher {
	return &recordingDispatcher{clock: clk, sent: make(chan string, 100)}
}

func (d *recordingDispatcher) Send(_ context.Context, job model.DispatchJob) model.Outcome {
	d.mu.Lock()
	d.sends = append(d.sends, sendRecord{id: job.EmailRecordID, at: d.clock.Now()})
	d.mu.Unlock()
	d.sent <- job.EmailRecordID
	if d.fail != nil {
		return model.Outcome{Job: job, Status: model.EmailFailed, Err: d.fail}
	}
	return model.Outcome{Job: job, Status: model.EmailSent, ProviderID: "p-" + job.EmailRecordID}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

func (d *recordingDispatcher) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Time, len(d.sends))
	for i, s := range d.sends {
		out[i] = s.at
	}
	return out
}

func fill(t *testing.T, q *queue.DispatchQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), model.DispatchJob{EmailRecordID: fmt.Sprint(i), CampaignID: "c1"}))
	}
}

func startScheduler(t *testing.T, q *queue.DispatchQueue, d Dispatcher, clk clock.Clock, tier Tier, opts ...Option) *Scheduler {
	t.Helper()
	s := New("c1", q, d, clk, opts...)
	require.NoError(t, s.Start(context.Background(), tier))
	t.Cleanup(func() {
		s.Cancel()
		<-s.Done()
	})
	return s
}

// advanceUntil steps the fake clock while the scheduler waits on a timer.
func advanceUntil(t *testing.T, clk *clock.Fake, step time.Duration, cond func() bool) {
	t.Helper()
	for i := 0; !cond(); i++ {
		if i > 1000 {
			t.Fatal("condition never reached")
		}
		clk.BlockUntil(1)
		clk.Advance(step)
	}
}

// waitForTimer blocks until the loop is parked on a single timer due at want.
func waitForTimer(t *testing.T, clk *clock.Fake, want time.Time) {
	t.Helper()
	require.Eventually(t, func() bool {
		next, ok := clk.NextDeadline()
		return ok && next.Equal(want) && clk.Waiters() == 1
	}, time.Second, time.Millisecond)
}

func TestSlowTierSpacing(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 3)
	d := newDispatcher(clk)

	startScheduler(t, q, d, clk, Slow)
	<-d.sent

	advanceUntil(t, clk, 10*time.Second, func() bool { return d.count() >= 3 })

	times := d.times()
	require.Len(t, times, 3)
	assert.Equal(t, t0, times[0], "first release is immediate")
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 60*time.Second)
	}
}

func TestSendsFollowQueueOrder(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 4)
	d := newDispatcher(clk)

	startScheduler(t, q, d, clk, Fast)
	advanceUntil(t, clk, time.Second, func() bool { return d.count() >= 4 })

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sends {
		assert.Equal(t, fmt.Sprint(i), s.id)
	}
}

func TestPauseResumeWaitsFullIntervalFromPausePoint(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 2)
	d := newDispatcher(clk)

	s := startScheduler(t, q, d, clk, Slow)
	<-d.sent

	clk.BlockUntil(1)
	clk.Advance(20 * time.Second)
	pausedAt := clk.Now()
	s.Pause()
	s.Resume()
	waitForTimer(t, clk, pausedAt.Add(60*time.Second))

	advanceUntil(t, clk, 10*time.Second, func() bool { return d.count() >= 2 })

	times := d.times()
	assert.Equal(t, pausedAt.Add(60*time.Second), times[1])
}

func TestPauseHoldsReleases(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 2)
	d := newDispatcher(clk)

	s := startScheduler(t, q, d, clk, Fast)
	<-d.sent
	s.Pause()

	for i := 0; i < 6; i++ {
		clk.Advance(10 * time.Second)
	}
	select {
	case id := <-d.sent:
		t.Fatalf("job %s released while paused", id)
	case <-time.After(30 * time.Millisecond):
	}
	st := s.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.Remaining)

	s.Resume()
	<-d.sent
	assert.Equal(t, 2, d.count())
}

func TestTierSwitchAppliesToNextRelease(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 2)
	d := newDispatcher(clk)

	s := startScheduler(t, q, d, clk, Slow)
	<-d.sent
	s.SetTier(Fast)
	waitForTimer(t, clk, t0.Add(5*time.Second))

	advanceUntil(t, clk, time.Second, func() bool { return d.count() >= 2 })
	times := d.times()
	assert.Equal(t, 5*time.Second, times[1].Sub(times[0]))
	assert.Equal(t, Fast, s.Status().Tier)
}

func TestCancelLeavesJobsQueued(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 3)
	d := newDispatcher(clk)

	s := New("c1", q, d, clk)
	require.NoError(t, s.Start(context.Background(), Fast))
	<-d.sent

	s.Cancel()
	<-s.Done()

	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Closed())
	st := s.Status()
	assert.True(t, st.Closed)
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 2, st.Remaining)
}

func TestStatusCounts(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 3)
	d := newDispatcher(clk)

	var outcomes []model.Outcome
	var mu sync.Mutex
	s := startScheduler(t, q, d, clk, Fast, WithOutcomeHook(func(o model.Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}))

	advanceUntil(t, clk, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) >= 3
	})

	st := s.Status()
	assert.Equal(t, 3, st.Sent)
	assert.Equal(t, 0, st.Remaining)
	assert.Equal(t, 3, st.Total)
	assert.False(t, st.Stalled)
}

func TestRepeatedFailuresSurfaceStall(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 3)
	d := newDispatcher(clk)
	d.fail = errors.New("provider outage")

	stalls := make(chan Status, 3)
	s := startScheduler(t, q, d, clk, Fast,
		WithStallThreshold(2),
		WithStallHook(func(st Status) { stalls <- st }))

	advanceUntil(t, clk, time.Second, func() bool { return d.count() >= 3 })

	st := <-stalls
	assert.True(t, st.Stalled)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	var stalled *appErrors.ErrSchedulerStalled
	require.ErrorAs(t, s.Status().Stall(), &stalled)
	assert.Equal(t, "c1", stalled.CampaignID)
	assert.Equal(t, "provider outage", s.Status().LastError)
	assert.False(t, s.Status().Paused, "stall never auto-pauses")
	assert.Len(t, stalls, 0, "stall hook fires once per streak")
}

func TestStartTwice(t *testing.T) {
	clk := clock.NewFake(t0)
	s := startScheduler(t, queue.New(0), newDispatcher(clk), clk, Medium)
	assert.ErrorIs(t, s.Start(context.Background(), Medium), appErrors.ErrSchedulerRunning)
}

func TestLeaseHeldElsewhere(t *testing.T) {
	clk := clock.NewFake(t0)
	table := lock.NewLocal()
	held := table.Lease("campaign:c1:scheduler")
	ok, _ := held.Acquire(context.Background())
	require.True(t, ok)

	s := New("c1", queue.New(0), newDispatcher(clk), clk, WithLease(table.Lease("campaign:c1:scheduler")))
	assert.ErrorIs(t, s.Start(context.Background(), Fast), appErrors.ErrLockHeld)
}

// claimOnceDispatcher asks for a retry the first time it sees each job.
type claimOnceDispatcher struct {
	*recordingDispatcher
	seen map[string]bool
}

func (d *claimOnceDispatcher) Send(ctx context.Context, job model.DispatchJob) model.Outcome {
	if !d.seen[job.EmailRecordID] {
		d.seen[job.EmailRecordID] = true
		d.sent <- "retry:" + job.EmailRecordID
		return model.Outcome{Job: job, Retry: true, Err: errors.New("connection reset")}
	}
	return d.recordingDispatcher.Send(ctx, job)
}

func TestRetryHoldsJobForNextRelease(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 2)
	d := &claimOnceDispatcher{recordingDispatcher: newDispatcher(clk), seen: map[string]bool{}}

	var mu sync.Mutex
	var settled []string
	s := startScheduler(t, q, d, clk, Fast, WithOutcomeHook(func(o model.Outcome) {
		mu.Lock()
		settled = append(settled, o.Job.EmailRecordID)
		mu.Unlock()
	}))
	assert.Equal(t, "retry:0", <-d.sent)

	advanceUntil(t, clk, time.Second, func() bool { return d.count() >= 2 })

	d.mu.Lock()
	assert.Equal(t, "0", d.sends[0].id, "the retried job keeps its place")
	assert.Equal(t, t0.Add(5*time.Second), d.sends[0].at)
	d.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settled) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"0", "1"}, settled, "retries never reach the outcome hook")
	mu.Unlock()
	st := s.Status()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 0, st.Failed)
	assert.Equal(t, "connection reset", st.LastError)
}

func TestResubmittedKeepsTotal(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 3)
	d := newDispatcher(clk)
	d.fail = errors.New("throttled")

	s := startScheduler(t, q, d, clk, Fast)
	advanceUntil(t, clk, time.Second, func() bool { return s.Status().Failed == 3 })

	require.NoError(t, q.Enqueue(context.Background(), model.DispatchJob{EmailRecordID: "0", CampaignID: "c1"}))
	s.Resubmitted()

	st := s.Status()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Failed)
	assert.Equal(t, 1, st.Remaining)
}

type countingLease struct {
	mu      sync.Mutex
	extends int
	loseAt  int
}

func (l *countingLease) Acquire(context.Context) (bool, error) { return true, nil }
func (l *countingLease) Release(context.Context) error         { return nil }

func (l *countingLease) Extend(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.loseAt > 0 && l.extends >= l.loseAt {
		return appErrors.ErrLeaseLost
	}
	return nil
}

func (l *countingLease) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extends
}

func TestLeaseRenewedWhilePaused(t *testing.T) {
	clk := clock.NewFake(t0)
	lease := &countingLease{}
	s := startScheduler(t, queue.New(0), newDispatcher(clk), clk, Slow,
		WithLease(lease), WithLeaseRenewal(time.Millisecond))
	s.Pause()

	assert.Eventually(t, func() bool { return lease.count() >= 3 }, time.Second, time.Millisecond)
}

func TestLostLeaseStopsScheduler(t *testing.T) {
	clk := clock.NewFake(t0)
	q := queue.New(0)
	fill(t, q, 2)
	lease := &countingLease{loseAt: 1}
	s := startScheduler(t, q, newDispatcher(clk), clk, Slow,
		WithLease(lease), WithLeaseRenewal(time.Millisecond))
	s.Pause()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler kept running without its lease")
	}
	st := s.Status()
	assert.True(t, st.LeaseLost)
	assert.True(t, st.Closed)
	assert.True(t, q.Closed())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("SLOW")
	require.NoError(t, err)
	assert.Equal(t, Slow, tier)
	assert.Equal(t, 60*time.Second, Slow.Interval())
	assert.Equal(t, 30*time.Second, Medium.Interval())
	assert.Equal(t, 5*time.Second, Fast.Interval())

	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, Medium, tier)

	_, err = ParseTier("warp")
	assert.Error(t, err)
}
