package webhook_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/puma10/ecomm-arb/internal/coordinator"
	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/crawl/crawltest"
	"github.com/puma10/ecomm-arb/internal/exclusion"
	"github.com/puma10/ecomm-arb/internal/fetcher"
	"github.com/puma10/ecomm-arb/internal/scheduler"
	"github.com/puma10/ecomm-arb/internal/webhook"
)

// pipeline wires the real coordinator, scheduler, and webhook handler over
// in-memory stores, with the test playing the part of the remote fetcher.
type pipeline struct {
	coord    *coordinator.Coordinator
	sched    *scheduler.Scheduler
	hook     *webhook.Handler
	queue    *crawltest.QueueStore
	jobs     *crawltest.JobStore
	fetcher  *crawltest.Fetcher
	scorer   *crawltest.Scorer
	dedup    *crawltest.Dedup
	payloads *fakePayloads
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		queue:    crawltest.NewQueueStore(),
		jobs:     crawltest.NewJobStore(),
		fetcher:  crawltest.NewFetcher(),
		scorer:   crawltest.NewScorer(),
		dedup:    crawltest.NewDedup(),
		payloads: &fakePayloads{pages: map[string][]byte{}},
	}
	clock := crawltest.NewClock(time.Unix(1_700_000_000, 0).UTC())
	ids := crawltest.NewIDs()
	cache := exclusion.NewCache(emptyRuleStore{}, time.Minute)
	policy := crawl.RetryPolicy{Base: 15 * time.Minute, Jitter: 5 * time.Minute, MaxRetries: 3}

	kicker := &lateKicker{}
	p.coord = coordinator.New(p.jobs, p.queue, cache, kicker, clock, ids, policy, nil)
	p.sched = scheduler.New(p.queue, p.jobs, p.fetcher, p.coord, clock, scheduler.Config{
		DelayMin:    time.Millisecond,
		DelayMax:    3 * time.Millisecond,
		WarmupDepth: 2,
		GateRecheck: 10 * time.Millisecond,
	}, nil)
	kicker.target = p.sched

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	p.sched.Start(ctx)
	t.Cleanup(p.sched.Stop)

	p.hook = webhook.New(
		p.queue, p.jobs, p.payloads, p.dedup, exclusion.NewFilter(cache), p.scorer, nil,
		p.coord, p.sched, clock, ids,
		webhook.Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond},
		nil,
	)
	return p
}

// lateKicker lets the coordinator be built before the scheduler.
type lateKicker struct {
	target crawl.Kicker
}

func (k *lateKicker) Kick(jobID string, delay time.Duration, discovery bool) {
	if k.target != nil {
		k.target.Kick(jobID, delay, discovery)
	}
}

// waitSubmissions blocks until the fetcher has seen n submissions.
func (p *pipeline) waitSubmissions(t *testing.T, n int) []crawltest.Submission {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.fetcher.Submissions()) >= n
	}, 3*time.Second, 2*time.Millisecond)
	return p.fetcher.Submissions()
}

// answer delivers a successful callback for the given submission.
func (p *pipeline) answer(sub crawltest.Submission) {
	payloadURL := "payload://" + sub.URL
	p.hook.HandlePayload(context.Background(), fetcher.WebhookPayload{
		Status: "ok",
		Results: []fetcher.WebhookResult{{
			Success:    true,
			URL:        sub.URL,
			PostID:     sub.PostID,
			PayloadURL: payloadURL,
		}},
	})
	p.hook.Wait()
}

func (p *pipeline) setPage(url string, html []byte) {
	p.payloads.pages["payload://"+url] = html
}

func TestScenario_SingleKeywordHappyPath(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()

	searchURL := "https://cjdropshipping.com/search/garden+tools.html"
	p.setPage(searchURL, searchPageHTML([]string{
		"/product/pruner-p-100.html",
		"/product/kneeler-p-200.html",
		"/product/chainsaw-p-300.html",
	}, ""))
	p.setPage("https://cjdropshipping.com/product/pruner-p-100.html",
		productPageHTML("100", "Garden Pruner", 10, "US"))
	p.setPage("https://cjdropshipping.com/product/kneeler-p-200.html",
		productPageHTML("200", "Garden Kneeler", 30, "US"))
	p.setPage("https://cjdropshipping.com/product/chainsaw-p-300.html",
		productPageHTML("300", "Garden Chainsaw", 60, "US"))

	job, seeded, err := p.coord.StartJob(ctx, crawl.JobConfig{
		Keywords:          []string{"garden tools"},
		PriceMin:          5,
		PriceMax:          50,
		IncludeWarehouses: []string{"US"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, seeded)

	subs := p.waitSubmissions(t, 1)
	require.Equal(t, searchURL, subs[0].URL)
	p.answer(subs[0])

	// Three product pages get submitted and answered.
	subs = p.waitSubmissions(t, 4)
	for _, sub := range subs[1:] {
		p.answer(sub)
	}

	require.Eventually(t, func() bool {
		job, err := p.jobs.Get(ctx, job.ID)
		return err == nil && job.Status == crawl.JobCompleted
	}, 3*time.Second, 5*time.Millisecond)

	final, err := p.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, final.Progress.ProductsPassedScoring)
	require.Equal(t, 1, final.Progress.ProductsSkippedFiltered)
	require.Equal(t, 3, final.Progress.ProductsParsed)
	require.Equal(t, 1, final.Progress.SearchURLsCompleted)
	require.Equal(t, 3, final.Progress.ProductURLsCompleted)

	ids := map[string]bool{}
	for _, c := range p.scorer.Candidates() {
		ids[c.Product.ID] = true
	}
	require.Equal(t, map[string]bool{"100": true, "200": true}, ids)
}

func TestScenario_DedupOnRediscovery(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()
	p.dedup.Remember(ctx, "100")

	searchURL := "https://cjdropshipping.com/search/garden+tools.html"
	p.setPage(searchURL, searchPageHTML([]string{
		"/product/pruner-p-100.html",
		"/product/rake-p-400.html",
	}, ""))
	p.setPage("https://cjdropshipping.com/product/rake-p-400.html",
		productPageHTML("400", "Garden Rake", 15, "US"))

	job, _, err := p.coord.StartJob(ctx, crawl.JobConfig{Keywords: []string{"garden tools"}})
	require.NoError(t, err)

	subs := p.waitSubmissions(t, 1)
	p.answer(subs[0])

	subs = p.waitSubmissions(t, 2)
	p.answer(subs[1])

	require.Eventually(t, func() bool {
		job, err := p.jobs.Get(ctx, job.ID)
		return err == nil && job.Status == crawl.JobCompleted
	}, 3*time.Second, 5*time.Millisecond)

	var productItems int
	for _, item := range p.queue.Items(job.ID) {
		if item.Kind == crawl.KindProduct {
			productItems++
		}
	}
	require.Equal(t, 1, productItems)

	final, err := p.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, final.Progress.ProductURLsSkippedExisting)
	require.Equal(t, 1, final.Progress.ProductURLsSubmitted)
}

func TestScenario_CancellationWithInFlightItems(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	ctx := context.Background()

	searchURL := "https://cjdropshipping.com/search/garden+tools.html"
	var paths []string
	for i := 0; i < 5; i++ {
		paths = append(paths, fmt.Sprintf("/product/thing-p-%d.html", 1000+i))
	}
	p.setPage(searchURL, searchPageHTML(paths, ""))

	job, _, err := p.coord.StartJob(ctx, crawl.JobConfig{Keywords: []string{"garden tools"}})
	require.NoError(t, err)

	subs := p.waitSubmissions(t, 1)
	p.answer(subs[0])

	// Let some product submissions go out, then cancel.
	p.waitSubmissions(t, 3)
	require.NoError(t, p.coord.CancelJob(ctx, job.ID))

	// A wake-up racing the cancel may still land one submission; once the
	// cancel is visible the stream stops.
	time.Sleep(100 * time.Millisecond)
	submittedAfterCancel := len(p.fetcher.Submissions())

	// Late callbacks for in-flight items are acknowledged and discarded.
	for _, sub := range p.fetcher.Submissions()[1:] {
		p.answer(sub)
	}
	time.Sleep(50 * time.Millisecond)

	final, err := p.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.JobCancelled, final.Status)
	require.Equal(t, submittedAfterCancel, len(p.fetcher.Submissions()))

	// The ghost callbacks must not have completed any product item.
	for _, item := range p.queue.Items(job.ID) {
		if item.Kind == crawl.KindProduct {
			require.NotEqual(t, crawl.ItemCompleted, item.Status)
		}
	}
}
