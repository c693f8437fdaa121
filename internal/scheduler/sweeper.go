package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// Sweeper is the crash-recovery safety net: it revives stale submissions
// whose callbacks never arrived and re-kicks jobs whose delayed retries
// elapsed without a scheduled wake-up.
type Sweeper struct {
	queue      crawl.QueueStore
	scheduler  *Scheduler
	clock      crawl.Clock
	interval   time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewSweeper builds a Sweeper.
func NewSweeper(
	queue crawl.QueueStore,
	scheduler *Scheduler,
	clock crawl.Clock,
	interval, staleAfter time.Duration,
	logger *zap.Logger,
) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		queue:      queue,
		scheduler:  scheduler,
		clock:      clock,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Run blocks, sweeping on the interval until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep performs one pass. Exported through Run only; split out so tests
// can drive passes directly.
func (s *Sweeper) sweep(ctx context.Context) {
	now := s.clock.Now()

	if s.staleAfter > 0 {
		revived, err := s.queue.ReviveStale(ctx, now.Add(-s.staleAfter), now)
		if err != nil {
			s.logger.Error("revive stale submissions failed", zap.Error(err))
		} else if revived > 0 {
			s.logger.Warn("revived stale submissions", zap.Int("count", revived))
		}
	}

	jobs, err := s.queue.JobsWithReady(ctx, now)
	if err != nil {
		s.logger.Error("list jobs with ready items failed", zap.Error(err))
		return
	}
	for _, jobID := range jobs {
		s.scheduler.kickIfIdle(jobID, 0)
	}
}
