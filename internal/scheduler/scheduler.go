// Package scheduler paces fetcher submissions: it reshapes the bursty
// output of the webhook path into a randomized, priority-aware stream.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/metrics"
)

// Completion is the slice of the coordinator the scheduler drives.
type Completion interface {
	FailItem(ctx context.Context, item crawl.QueueItem, errMsg string) (bool, error)
	EvaluateCompletion(ctx context.Context, jobID string) error
}

// Config tunes the pacing behavior.
type Config struct {
	// DelayMin/DelayMax bound the uniform random delay between
	// consecutive submissions within one job.
	DelayMin time.Duration
	DelayMax time.Duration
	// WarmupDepth withholds product submissions while fewer than this many
	// items are ready and search or pagination items are still in flight,
	// so random selection has something to shuffle.
	WarmupDepth int
	// GateRecheck is how soon to look again while the warm-up gate holds.
	GateRecheck time.Duration
	// RetryRecheck is how soon to look again when every pending item is
	// still inside its backoff window.
	RetryRecheck time.Duration
}

func (c Config) withDefaults() Config {
	if c.GateRecheck <= 0 {
		c.GateRecheck = 15 * time.Second
	}
	if c.RetryRecheck <= 0 {
		c.RetryRecheck = time.Minute
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	return c
}

type wake struct {
	timer     *time.Timer
	due       time.Time
	discovery bool
}

// Scheduler owns one logical pacing timeline per job. Kicks are
// edge-triggered and collapsing: at most one wake-up is pending per job.
type Scheduler struct {
	queue      crawl.QueueStore
	jobs       crawl.JobStore
	fetcher    crawl.Fetcher
	completion Completion
	clock      crawl.Clock
	cfg        Config
	logger     *zap.Logger

	mu     sync.Mutex
	wakes  map[string]*wake
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler. Start must be called before Kick has any effect.
func New(
	queue crawl.QueueStore,
	jobs crawl.JobStore,
	fetcher crawl.Fetcher,
	completion Completion,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		queue:      queue,
		jobs:       jobs,
		fetcher:    fetcher,
		completion: completion,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		wakes:      map[string]*wake{},
	}
}

// Start arms the scheduler against the given context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop cancels pending wake-ups and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for jobID, w := range s.wakes {
		w.timer.Stop()
		delete(s.wakes, jobID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Kick schedules a wake-up for the job after delay. Concurrent kicks
// collapse: an earlier pending wake-up absorbs later ones, a later one is
// pulled forward. discovery marks wakes caused by a seed or pagination
// result, which bypass the warm-up gate.
func (s *Scheduler) Kick(jobID string, delay time.Duration, discovery bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	due := s.clock.Now().Add(delay)
	if existing, ok := s.wakes[jobID]; ok {
		discovery = discovery || existing.discovery
		if !due.Before(existing.due) {
			existing.discovery = discovery
			return
		}
		existing.timer.Stop()
		delete(s.wakes, jobID)
	}

	w := &wake{due: due, discovery: discovery}
	w.timer = time.AfterFunc(delay, func() { s.fire(jobID) })
	s.wakes[jobID] = w
}

// kickIfIdle schedules a wake-up only when none is pending; the sweeper
// uses it so a recovered item does not preempt an active pacing timeline.
func (s *Scheduler) kickIfIdle(jobID string, delay time.Duration) {
	s.mu.Lock()
	_, pending := s.wakes[jobID]
	s.mu.Unlock()
	if !pending {
		s.Kick(jobID, delay, false)
	}
}

func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	w, ok := s.wakes[jobID]
	if ok {
		delete(s.wakes, jobID)
	}
	ctx := s.ctx
	if !ok || ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	// Registered under the lock so Stop cannot start waiting in between.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runOnce(ctx, jobID, w.discovery)
	}()
}

// runOnce performs one wake-up: claim, gate, submit, and schedule the next
// wake. No database row lock is held across the fetcher call.
func (s *Scheduler) runOnce(ctx context.Context, jobID string, discovery bool) {
	now := s.clock.Now()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("scheduler job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != crawl.JobRunning {
		return
	}

	item, err := s.queue.ClaimNextReady(ctx, jobID, now)
	if errors.Is(err, crawl.ErrNotFound) {
		s.handleDrained(ctx, jobID, now)
		return
	}
	if err != nil {
		s.logger.Error("claim next ready failed", zap.String("job_id", jobID), zap.Error(err))
		s.Kick(jobID, s.cfg.RetryRecheck, false)
		return
	}

	if item.Kind == crawl.KindProduct && !discovery && s.gateHolds(ctx, jobID, now) {
		s.Kick(jobID, s.cfg.GateRecheck, false)
		return
	}

	if err := s.queue.MarkSubmitted(ctx, item.ID, now); err != nil {
		if errors.Is(err, crawl.ErrConflict) {
			// Another claimer won the race; just reschedule.
			s.Kick(jobID, s.pacingDelay(), false)
			return
		}
		s.logger.Error("mark submitted failed", zap.String("item_id", item.ID), zap.Error(err))
		return
	}

	postID := crawl.CorrelationID(item.JobID, item.Kind, item.ID)
	if err := s.fetcher.Submit(ctx, item.URL, postID); err != nil {
		s.logger.Warn("fetcher submit failed",
			zap.String("job_id", jobID),
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		item.Status = crawl.ItemSubmitted
		if _, failErr := s.completion.FailItem(ctx, item, err.Error()); failErr != nil {
			s.logger.Error("retry scheduling failed", zap.String("item_id", item.ID), zap.Error(failErr))
		}
		s.Kick(jobID, s.pacingDelay(), false)
		return
	}

	metrics.ObserveSubmission(string(item.Kind))
	s.recordSubmission(ctx, item, now)
	s.scheduleNext(ctx, jobID, now)
}

func (s *Scheduler) handleDrained(ctx context.Context, jobID string, now time.Time) {
	waiting, err := s.queue.CountWaitingRetry(ctx, jobID, now)
	if err != nil {
		s.logger.Error("count waiting retries failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if waiting > 0 {
		s.Kick(jobID, s.cfg.RetryRecheck, false)
		return
	}
	if err := s.completion.EvaluateCompletion(ctx, jobID); err != nil {
		s.logger.Error("completion evaluation failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// gateHolds reports whether the warm-up gate should defer product
// submissions: the ready queue is still shallow and discovery pages are in
// flight that will deepen it.
func (s *Scheduler) gateHolds(ctx context.Context, jobID string, now time.Time) bool {
	if s.cfg.WarmupDepth <= 0 {
		return false
	}
	ready, err := s.queue.CountReady(ctx, jobID, now)
	if err != nil {
		s.logger.Warn("count ready failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	metrics.SetQueueReady(jobID, ready)
	if ready >= s.cfg.WarmupDepth {
		return false
	}
	inflight, err := s.queue.CountDiscoveryInFlight(ctx, jobID)
	if err != nil {
		s.logger.Warn("count discovery in flight failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return inflight > 0
}

func (s *Scheduler) recordSubmission(ctx context.Context, item crawl.QueueItem, now time.Time) {
	var delta crawl.Progress
	switch item.Kind {
	case crawl.KindSearch, crawl.KindPagination:
		delta.SearchURLsSubmitted = 1
	case crawl.KindProduct:
		delta.ProductURLsSubmitted = 1
	}
	if err := s.jobs.ApplyProgress(ctx, item.JobID, delta); err != nil {
		s.logger.Warn("progress update failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
	label := item.Keyword
	if label == "" {
		label = string(item.Kind)
	}
	_ = s.jobs.AppendLog(ctx, item.JobID, "info",
		fmt.Sprintf("submitted %s: %s", item.Kind, label), now)
	s.logger.Info("submitted url to fetcher",
		zap.String("job_id", item.JobID),
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.Int("retry", item.RetryCount),
	)
}

func (s *Scheduler) scheduleNext(ctx context.Context, jobID string, now time.Time) {
	ready, err := s.queue.CountReady(ctx, jobID, now)
	if err != nil {
		s.logger.Error("count ready failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.SetQueueReady(jobID, ready)
	if ready > 0 {
		s.Kick(jobID, s.pacingDelay(), false)
		return
	}
	waiting, err := s.queue.CountWaitingRetry(ctx, jobID, now)
	if err == nil && waiting > 0 {
		s.Kick(jobID, s.cfg.RetryRecheck, false)
	}
	// Otherwise the webhook path kicks again when in-flight items land.
}

// pacingDelay draws a uniform random delay from [DelayMin, DelayMax).
func (s *Scheduler) pacingDelay() time.Duration {
	d := s.cfg.DelayMin
	if span := s.cfg.DelayMax - s.cfg.DelayMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	metrics.ObservePacingDelay(d)
	return d
}
