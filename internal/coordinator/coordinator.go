// Package coordinator owns the crawl job lifecycle: creation, progress
// accounting, retry decisions, completion detection, and cancellation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/catalog"
	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/exclusion"
	"github.com/puma10/ecomm-arb/internal/metrics"
)

// Coordinator drives job state. Queue items are mutated here only through
// the retry path; the webhook handler owns the success path.
type Coordinator struct {
	jobs   crawl.JobStore
	queue  crawl.QueueStore
	rules  *exclusion.Cache
	kicker crawl.Kicker
	clock  crawl.Clock
	ids    crawl.IDGenerator
	policy crawl.RetryPolicy
	logger *zap.Logger
}

// New builds a Coordinator.
func New(
	jobs crawl.JobStore,
	queue crawl.QueueStore,
	rules *exclusion.Cache,
	kicker crawl.Kicker,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	policy crawl.RetryPolicy,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Coordinator{
		jobs:   jobs,
		queue:  queue,
		rules:  rules,
		kicker: kicker,
		clock:  clock,
		ids:    ids,
		policy: policy,
		logger: logger,
	}
}

// StartJob creates a job from the config, seeds the queue with one search
// item per keyword, and kicks the scheduler with no delay. Returns the job
// and the number of seeds queued.
func (c *Coordinator) StartJob(ctx context.Context, cfg crawl.JobConfig) (crawl.Job, int, error) {
	if len(cfg.Keywords) == 0 {
		return crawl.Job{}, 0, fmt.Errorf("at least one keyword required")
	}

	merged, err := c.mergePersistentRules(ctx, cfg)
	if err != nil {
		return crawl.Job{}, 0, err
	}

	now := c.clock.Now()
	job := crawl.Job{
		ID:        c.ids.JobID(),
		Status:    crawl.JobPending,
		Config:    merged,
		CreatedAt: now,
		Logs: []crawl.LogEntry{{
			TS:    now,
			Level: "info",
			Msg:   "starting crawl for keywords: " + strings.Join(cfg.Keywords, ", "),
		}},
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		return crawl.Job{}, 0, err
	}

	seeded := 0
	for _, keyword := range cfg.Keywords {
		item := crawl.QueueItem{
			ID:        c.ids.ItemID(),
			JobID:     job.ID,
			URL:       catalog.SearchURL(keyword, 1),
			Kind:      crawl.KindSearch,
			Keyword:   keyword,
			Priority:  crawl.PriorityDiscovery,
			CreatedAt: now,
		}
		inserted, err := c.queue.Enqueue(ctx, item)
		if err != nil {
			return crawl.Job{}, 0, fmt.Errorf("seed queue: %w", err)
		}
		if inserted {
			seeded++
		}
	}

	if err := c.jobs.MarkStarted(ctx, job.ID, now); err != nil {
		return crawl.Job{}, 0, err
	}
	job.Status = crawl.JobRunning
	job.StartedAt = &now

	_ = c.jobs.AppendLog(ctx, job.ID, "info",
		fmt.Sprintf("queued %d searches", seeded), now)

	// The first submission of a new job is not delayed.
	c.kicker.Kick(job.ID, 0, true)
	c.logger.Info("crawl job started",
		zap.String("job_id", job.ID),
		zap.Int("seeds", seeded),
	)
	return job, seeded, nil
}

// mergePersistentRules folds the persistent country and category rules
// into the job's exclude sets so the snapshot is self-contained.
func (c *Coordinator) mergePersistentRules(ctx context.Context, cfg crawl.JobConfig) (crawl.JobConfig, error) {
	if c.rules == nil {
		return cfg, nil
	}
	rules, err := c.rules.Rules(ctx)
	if err != nil {
		return crawl.JobConfig{}, err
	}
	for country := range rules.Countries {
		cfg.ExcludeWarehouses = appendUnique(cfg.ExcludeWarehouses, strings.ToUpper(country))
	}
	for category := range rules.Categories {
		cfg.ExcludeCategories = appendUnique(cfg.ExcludeCategories, category)
	}
	return cfg, nil
}

// CancelJob cancels a job. Idempotent: cancelling an already-terminal job
// is a no-op. In-flight submissions drain as ghost callbacks.
func (c *Coordinator) CancelJob(ctx context.Context, jobID string) error {
	err := c.jobs.SetStatus(ctx, jobID, crawl.JobCancelled,
		[]crawl.JobStatus{crawl.JobPending, crawl.JobRunning}, "", c.clock.Now())
	if errors.Is(err, crawl.ErrConflict) {
		// Already terminal; repeated cancels must behave like the first.
		if _, getErr := c.jobs.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return nil
	}
	if err != nil {
		return err
	}
	metrics.ObserveJob(string(crawl.JobCancelled))
	_ = c.jobs.AppendLog(ctx, jobID, "warn", "crawl cancelled", c.clock.Now())
	c.logger.Info("crawl job cancelled", zap.String("job_id", jobID))
	return nil
}

// FailItem runs the retry ladder for a failed queue item. The returned
// flag reports whether the item went terminal.
func (c *Coordinator) FailItem(ctx context.Context, item crawl.QueueItem, errMsg string) (failed bool, err error) {
	now := c.clock.Now()
	attempt := item.RetryCount + 1

	delay, give := c.policy.Next(attempt)
	if give {
		if err := c.queue.MarkFailed(ctx, item.ID, now, errMsg); err != nil {
			return false, err
		}
		_ = c.jobs.ApplyProgress(ctx, item.JobID, crawl.Progress{Errors: 1})
		_ = c.jobs.AppendLog(ctx, item.JobID, "error",
			fmt.Sprintf("gave up on %s after %d retries: %s", item.Kind, item.RetryCount, truncate(errMsg, 80)), now)
		c.logger.Warn("queue item failed permanently",
			zap.String("job_id", item.JobID),
			zap.String("item_id", item.ID),
			zap.Int("retries", item.RetryCount),
			zap.String("error", errMsg),
		)
		return true, nil
	}

	next := now.Add(delay)
	if err := c.queue.ScheduleRetry(ctx, item.ID, next, errMsg); err != nil {
		return false, err
	}
	_ = c.jobs.ApplyProgress(ctx, item.JobID, crawl.Progress{Errors: 1})
	_ = c.jobs.AppendLog(ctx, item.JobID, "warn",
		fmt.Sprintf("retry %d for %s in %.0f minutes", attempt, item.Kind, delay.Minutes()), now)
	c.logger.Info("queue item scheduled for retry",
		zap.String("job_id", item.JobID),
		zap.String("item_id", item.ID),
		zap.Int("retry", attempt),
		zap.Duration("delay", delay),
	)
	return false, nil
}

// EvaluateCompletion marks the job completed once the queue has drained:
// nothing pending and nothing submitted.
func (c *Coordinator) EvaluateCompletion(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != crawl.JobRunning {
		return nil
	}

	counts, err := c.queue.CountByState(ctx, jobID)
	if err != nil {
		return err
	}
	if counts[crawl.ItemPending] > 0 || counts[crawl.ItemSubmitted] > 0 {
		return nil
	}

	now := c.clock.Now()
	err = c.jobs.SetStatus(ctx, jobID, crawl.JobCompleted,
		[]crawl.JobStatus{crawl.JobRunning}, "", now)
	if errors.Is(err, crawl.ErrConflict) {
		// Lost the race to another evaluator; the job is already terminal.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.ObserveJob(string(crawl.JobCompleted))
	_ = c.jobs.AppendLog(ctx, jobID, "info",
		fmt.Sprintf("crawl completed: %d urls processed, %d failed",
			counts[crawl.ItemCompleted], counts[crawl.ItemFailed]), now)
	c.logger.Info("crawl job completed",
		zap.String("job_id", jobID),
		zap.Int("completed", counts[crawl.ItemCompleted]),
		zap.Int("failed", counts[crawl.ItemFailed]),
	)
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list
		}
	}
	return append(list, v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
