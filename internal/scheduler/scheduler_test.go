package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/crawl/crawltest"
)

type fakeCompletion struct {
	policy    crawl.RetryPolicy
	queue     *crawltest.QueueStore
	clock     crawl.Clock
	evaluated chan string
}

func newFakeCompletion(queue *crawltest.QueueStore, clock crawl.Clock) *fakeCompletion {
	return &fakeCompletion{
		policy:    crawl.RetryPolicy{Base: 15 * time.Minute, Jitter: 0, MaxRetries: 3},
		queue:     queue,
		clock:     clock,
		evaluated: make(chan string, 16),
	}
}

func (f *fakeCompletion) FailItem(ctx context.Context, item crawl.QueueItem, errMsg string) (bool, error) {
	delay, give := f.policy.Next(item.RetryCount + 1)
	if give {
		return true, f.queue.MarkFailed(ctx, item.ID, f.clock.Now(), errMsg)
	}
	return false, f.queue.ScheduleRetry(ctx, item.ID, f.clock.Now().Add(delay), errMsg)
}

func (f *fakeCompletion) EvaluateCompletion(_ context.Context, jobID string) error {
	select {
	case f.evaluated <- jobID:
	default:
	}
	return nil
}

type schedFixture struct {
	sched   *Scheduler
	queue   *crawltest.QueueStore
	jobs    *crawltest.JobStore
	fetcher *crawltest.Fetcher
	clock   *crawltest.Clock
	comp    *fakeCompletion
}

func newSchedFixture(t *testing.T, cfg Config) *schedFixture {
	t.Helper()
	f := &schedFixture{
		queue:   crawltest.NewQueueStore(),
		jobs:    crawltest.NewJobStore(),
		fetcher: crawltest.NewFetcher(),
		clock:   crawltest.NewClock(time.Unix(1_700_000_000, 0).UTC()),
	}
	f.comp = newFakeCompletion(f.queue, f.clock)
	f.sched = New(f.queue, f.jobs, f.fetcher, f.comp, f.clock, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.sched.Start(ctx)
	t.Cleanup(f.sched.Stop)
	return f
}

func (f *schedFixture) addRunningJob(t *testing.T, jobID string) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.jobs.Create(context.Background(), crawl.Job{
		ID: jobID, Status: crawl.JobPending, CreatedAt: now,
	}))
	require.NoError(t, f.jobs.MarkStarted(context.Background(), jobID, now))
}

func (f *schedFixture) enqueue(t *testing.T, id, jobID string, kind crawl.URLKind) {
	t.Helper()
	priority := crawl.PriorityProduct
	if kind != crawl.KindProduct {
		priority = crawl.PriorityDiscovery
	}
	_, err := f.queue.Enqueue(context.Background(), crawl.QueueItem{
		ID: id, JobID: jobID, URL: "https://cjdropshipping.com/" + id,
		Kind: kind, Priority: priority, CreatedAt: f.clock.Now(),
	})
	require.NoError(t, err)
}

func TestScheduler_SubmitsReadyItem(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond})
	f.addRunningJob(t, "job1")
	f.enqueue(t, "item1", "job1", crawl.KindSearch)

	f.sched.Kick("job1", 0, true)

	require.Eventually(t, func() bool {
		return len(f.fetcher.Submissions()) == 1
	}, time.Second, 5*time.Millisecond)

	sub := f.fetcher.Submissions()[0]
	require.Equal(t, "crawl-job1-search-item1", sub.PostID)

	item, err := f.queue.Get(context.Background(), "item1")
	require.NoError(t, err)
	require.Equal(t, crawl.ItemSubmitted, item.Status)

	job, err := f.jobs.Get(context.Background(), "job1")
	require.NoError(t, err)
	require.Equal(t, 1, job.Progress.SearchURLsSubmitted)
}

func TestScheduler_DrainsWholeQueue(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: 3 * time.Millisecond})
	f.addRunningJob(t, "job1")
	f.enqueue(t, "s1", "job1", crawl.KindSearch)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		f.enqueue(t, id, "job1", crawl.KindProduct)
	}

	f.sched.Kick("job1", 0, true)

	require.Eventually(t, func() bool {
		return len(f.fetcher.Submissions()) == 5
	}, 2*time.Second, 5*time.Millisecond)

	// The discovery item outranks products.
	require.Contains(t, f.fetcher.Submissions()[0].PostID, "-search-")
}

func TestScheduler_IgnoresNonRunningJobs(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: time.Millisecond})
	now := f.clock.Now()
	require.NoError(t, f.jobs.Create(context.Background(), crawl.Job{
		ID: "job1", Status: crawl.JobPending, CreatedAt: now,
	}))
	require.NoError(t, f.jobs.MarkStarted(context.Background(), "job1", now))
	require.NoError(t, f.jobs.SetStatus(context.Background(), "job1", crawl.JobCancelled,
		[]crawl.JobStatus{crawl.JobRunning}, "", now))
	f.enqueue(t, "item1", "job1", crawl.KindProduct)

	f.sched.Kick("job1", 0, false)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.fetcher.Submissions())
}

func TestScheduler_WarmupGateHoldsProducts(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{
		DelayMin:    time.Millisecond,
		DelayMax:    time.Millisecond,
		WarmupDepth: 15,
		GateRecheck: time.Hour,
	})
	f.addRunningJob(t, "job1")

	// A search in flight plus a shallow product backlog: the gate holds.
	f.enqueue(t, "s1", "job1", crawl.KindSearch)
	require.NoError(t, f.queue.MarkSubmitted(context.Background(), "s1", f.clock.Now()))
	f.enqueue(t, "p1", "job1", crawl.KindProduct)
	f.enqueue(t, "p2", "job1", crawl.KindProduct)

	f.sched.Kick("job1", 0, false)
	time.Sleep(80 * time.Millisecond)
	require.Empty(t, f.fetcher.Submissions())

	// A discovery-result kick bypasses the gate.
	f.sched.Kick("job1", 0, true)
	require.Eventually(t, func() bool {
		return len(f.fetcher.Submissions()) >= 1
	}, time.Second, 5*time.Millisecond)
	require.Contains(t, f.fetcher.Submissions()[0].PostID, "-product-")
}

func TestScheduler_GateReleasesWhenNoDiscoveryInFlight(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{
		DelayMin:    time.Millisecond,
		DelayMax:    time.Millisecond,
		WarmupDepth: 15,
	})
	f.addRunningJob(t, "job1")
	f.enqueue(t, "p1", "job1", crawl.KindProduct)

	f.sched.Kick("job1", 0, false)
	require.Eventually(t, func() bool {
		return len(f.fetcher.Submissions()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_SyncSubmitFailureEntersRetryPath(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: time.Millisecond})
	f.addRunningJob(t, "job1")
	f.enqueue(t, "item1", "job1", crawl.KindProduct)
	f.fetcher.Err = errors.New("fetcher: status 503: unavailable")

	f.sched.Kick("job1", 0, true)

	require.Eventually(t, func() bool {
		item, err := f.queue.Get(context.Background(), "item1")
		return err == nil && item.Status == crawl.ItemPending && item.RetryCount == 1
	}, time.Second, 5*time.Millisecond)

	item, err := f.queue.Get(context.Background(), "item1")
	require.NoError(t, err)
	require.NotNil(t, item.NextAttemptAt)
	require.True(t, strings.Contains(item.ErrorMessage, "503"))
}

func TestScheduler_EvaluatesCompletionWhenDrained(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: time.Millisecond})
	f.addRunningJob(t, "job1")

	f.sched.Kick("job1", 0, false)

	select {
	case jobID := <-f.comp.evaluated:
		require.Equal(t, "job1", jobID)
	case <-time.After(time.Second):
		t.Fatal("completion was never evaluated")
	}
}

func TestScheduler_KickCollapsing(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: time.Millisecond})

	f.sched.Kick("job1", time.Hour, false)
	f.sched.Kick("job1", 2*time.Hour, true)

	f.sched.mu.Lock()
	w := f.sched.wakes["job1"]
	require.NotNil(t, w)
	firstDue := w.due
	require.True(t, w.discovery, "later discovery kick must be absorbed into the pending wake")
	f.sched.mu.Unlock()

	// An earlier kick pulls the wake forward and keeps the discovery flag.
	f.sched.Kick("job1", 30*time.Minute, false)
	f.sched.mu.Lock()
	w = f.sched.wakes["job1"]
	require.NotNil(t, w)
	require.True(t, w.due.Before(firstDue))
	require.True(t, w.discovery)
	require.Len(t, f.sched.wakes, 1)
	f.sched.mu.Unlock()
}

func TestScheduler_PacingDelayBounds(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: 5 * time.Second, DelayMax: 15 * time.Second})
	distinct := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		d := f.sched.pacingDelay()
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.Less(t, d, 15*time.Second)
		distinct[d] = true
	}
	// Uniform draws over a 10s span must not collapse to a handful of
	// values.
	require.Greater(t, len(distinct), 50)
}

func TestSweeper_RevivesStaleAndKicksIdleJobs(t *testing.T) {
	t.Parallel()

	f := newSchedFixture(t, Config{DelayMin: time.Millisecond, DelayMax: time.Millisecond})
	f.addRunningJob(t, "job1")
	f.enqueue(t, "stale1", "job1", crawl.KindProduct)
	require.NoError(t, f.queue.MarkSubmitted(context.Background(), "stale1", f.clock.Now()))

	f.clock.Advance(45 * time.Minute)

	sweeper := NewSweeper(f.queue, f.sched, f.clock, time.Minute, 30*time.Minute, nil)
	sweeper.sweep(context.Background())

	require.Eventually(t, func() bool {
		return len(f.fetcher.Submissions()) == 1
	}, time.Second, 5*time.Millisecond)

	item, err := f.queue.Get(context.Background(), "stale1")
	require.NoError(t, err)
	require.Equal(t, crawl.ItemSubmitted, item.Status)
	require.Equal(t, 1, item.RetryCount)
}
