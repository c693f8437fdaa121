// Package webhook ingests fetcher callbacks: it correlates results to
// queue items, parses payloads, expands discovered URLs back into the
// queue, and drives queue progression.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/catalog"
	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/exclusion"
	"github.com/puma10/ecomm-arb/internal/fetcher"
	"github.com/puma10/ecomm-arb/internal/metrics"
)

// PayloadFetcher downloads stored page payloads.
type PayloadFetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Coordinator is the slice of the job coordinator the handler drives.
type Coordinator interface {
	FailItem(ctx context.Context, item crawl.QueueItem, errMsg string) (bool, error)
	EvaluateCompletion(ctx context.Context, jobID string) error
}

// Config tunes the handler.
type Config struct {
	// DelayMin/DelayMax bound the pacing delay used when nudging the
	// scheduler after a result.
	DelayMin time.Duration
	DelayMax time.Duration
	// MaxPagesPerKeyword caps pagination expansion per search.
	MaxPagesPerKeyword int
	// ProcessTimeout bounds one background processing pass.
	ProcessTimeout time.Duration
	// OnSelfTest runs when a selftest correlation id round-trips.
	OnSelfTest func()
}

func (c Config) withDefaults() Config {
	if c.MaxPagesPerKeyword <= 0 {
		c.MaxPagesPerKeyword = 10
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = time.Minute
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	return c
}

// Handler processes webhook callbacks. The ingress-visible part is cheap
// and database-only; payload download and parsing run on background
// goroutines so the fetcher gets its 200 inside the ingress budget.
type Handler struct {
	queue    crawl.QueueStore
	jobs     crawl.JobStore
	payloads PayloadFetcher
	dedup    crawl.DedupIndex
	filter   *exclusion.Filter
	scorer   crawl.Scorer
	blobs    crawl.BlobStore
	coord    Coordinator
	kicker   crawl.Kicker
	clock    crawl.Clock
	ids      crawl.IDGenerator
	cfg      Config
	logger   *zap.Logger

	wg sync.WaitGroup
}

// New builds a Handler. blobs may be nil to disable block-page archiving.
func New(
	queue crawl.QueueStore,
	jobs crawl.JobStore,
	payloads PayloadFetcher,
	dedup crawl.DedupIndex,
	filter *exclusion.Filter,
	scorer crawl.Scorer,
	blobs crawl.BlobStore,
	coord Coordinator,
	kicker crawl.Kicker,
	clock crawl.Clock,
	ids crawl.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Handler{
		queue:    queue,
		jobs:     jobs,
		payloads: payloads,
		dedup:    dedup,
		filter:   filter,
		scorer:   scorer,
		blobs:    blobs,
		coord:    coord,
		kicker:   kicker,
		clock:    clock,
		ids:      ids,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Wait blocks until all background processing has finished. Used by tests
// and graceful shutdown.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HandlePayload processes every result in a callback. It never returns an
// error to the caller: the fetcher must always receive 200.
func (h *Handler) HandlePayload(ctx context.Context, payload fetcher.WebhookPayload) {
	for _, result := range payload.Flatten() {
		h.handleResult(ctx, result)
	}
}

func (h *Handler) handleResult(ctx context.Context, result fetcher.WebhookResult) {
	jobID, kind, itemID, ok := crawl.ParseCorrelationID(result.PostID)
	if !ok {
		metrics.ObserveWebhookResult(metrics.OutcomeMalformed)
		h.logger.Warn("malformed correlation id", zap.String("post_id", result.PostID))
		return
	}

	if kind == crawl.KindSelfTest {
		metrics.SetSelfTestOK(true)
		h.logger.Info("webhook self-test round-trip succeeded")
		if h.cfg.OnSelfTest != nil {
			h.cfg.OnSelfTest()
		}
		return
	}

	item, err := h.queue.Get(ctx, itemID)
	if errors.Is(err, crawl.ErrNotFound) {
		metrics.ObserveWebhookResult(metrics.OutcomeGhost)
		h.logger.Info("ghost callback for unknown item",
			zap.String("job_id", jobID), zap.String("item_id", itemID))
		return
	}
	if err != nil {
		h.logger.Error("queue item lookup failed", zap.String("item_id", itemID), zap.Error(err))
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if errors.Is(err, crawl.ErrNotFound) || (err == nil && job.Status == crawl.JobCancelled) {
		metrics.ObserveWebhookResult(metrics.OutcomeGhost)
		h.logger.Info("ghost callback for missing or cancelled job", zap.String("job_id", jobID))
		return
	}
	if err != nil {
		h.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	if item.Status != crawl.ItemSubmitted {
		metrics.ObserveWebhookResult(metrics.OutcomeDuplicate)
		h.logger.Info("duplicate callback",
			zap.String("item_id", item.ID), zap.String("status", string(item.Status)))
		return
	}

	if !result.Success || result.PayloadURL == "" {
		metrics.ObserveWebhookResult(metrics.OutcomeFailed)
		errMsg := result.Error
		if errMsg == "" {
			errMsg = "fetcher reported failure"
		}
		_ = h.jobs.AppendLog(ctx, jobID, "warn",
			fmt.Sprintf("fetch failed for %s: %s", item.Kind, truncate(errMsg, 60)), h.clock.Now())
		h.failItem(ctx, item, errMsg, "")
		return
	}

	metrics.ObserveWebhookResult(metrics.OutcomeOK)
	_ = h.jobs.AppendLog(ctx, jobID, "info",
		fmt.Sprintf("received %s result", item.Kind), h.clock.Now())

	// Payload download and parsing can exceed the ingress budget; finish
	// them off-callback. The background pass owns the item transition.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		bgCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ProcessTimeout)
		defer cancel()
		h.processResult(bgCtx, job, item, result)
	}()
}

func (h *Handler) processResult(ctx context.Context, job crawl.Job, item crawl.QueueItem, result fetcher.WebhookResult) {
	// The job may have been cancelled between ack and processing; in-flight
	// items then drain without side effects.
	current, err := h.jobs.Get(ctx, job.ID)
	if err != nil || current.Status == crawl.JobCancelled {
		return
	}

	payload, err := h.payloads.Download(ctx, result.PayloadURL)
	if err != nil {
		h.failItem(ctx, item, fmt.Sprintf("download payload: %v", err), "")
		return
	}

	switch item.Kind {
	case crawl.KindSearch, crawl.KindPagination:
		h.processDiscovery(ctx, current, item, payload)
	case crawl.KindProduct:
		h.processProduct(ctx, current, item, result.URL, payload)
	default:
		h.logger.Warn("unexpected url kind", zap.String("kind", string(item.Kind)))
	}
}

// processDiscovery expands a search or pagination result: queue follow-up
// pages (search pages only) and the new product URLs it discovered.
func (h *Handler) processDiscovery(ctx context.Context, job crawl.Job, item crawl.QueueItem, payload []byte) {
	res, err := catalog.ParseSearch(payload)
	if err != nil {
		h.handleParseFailure(ctx, item, payload, err)
		return
	}
	now := h.clock.Now()

	paginated := 0
	if item.Kind == crawl.KindSearch && res.TotalPages > 1 {
		last := min(res.TotalPages, h.cfg.MaxPagesPerKeyword)
		for page := 2; page <= last; page++ {
			inserted, err := h.queue.Enqueue(ctx, crawl.QueueItem{
				ID:        h.ids.ItemID(),
				JobID:     job.ID,
				URL:       catalog.SearchURL(item.Keyword, page),
				Kind:      crawl.KindPagination,
				Keyword:   item.Keyword,
				Priority:  crawl.PriorityDiscovery,
				CreatedAt: now,
			})
			if err != nil {
				h.logger.Error("enqueue pagination failed", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			if inserted {
				paginated++
			}
		}
	}

	newURLs, skipped, err := h.filterDiscovered(ctx, res.ProductURLs)
	if err != nil {
		h.failItem(ctx, item, fmt.Sprintf("dedup lookup: %v", err), "")
		return
	}
	queued := 0
	for _, url := range newURLs {
		inserted, err := h.queue.Enqueue(ctx, crawl.QueueItem{
			ID:        h.ids.ItemID(),
			JobID:     job.ID,
			URL:       url,
			Kind:      crawl.KindProduct,
			Keyword:   item.Keyword,
			Priority:  crawl.PriorityProduct,
			CreatedAt: now,
		})
		if err != nil {
			h.logger.Error("enqueue product failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if inserted {
			queued++
		}
	}

	if err := h.queue.MarkCompleted(ctx, item.ID, now); err != nil {
		// A concurrent delivery already completed this item; its pass owns
		// the counters.
		if !errors.Is(err, crawl.ErrConflict) {
			h.logger.Error("mark discovery completed failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		return
	}

	_ = h.jobs.ApplyProgress(ctx, job.ID, crawl.Progress{
		SearchURLsCompleted:        1,
		ProductURLsFound:           len(res.ProductURLs),
		ProductURLsSkippedExisting: skipped,
	})
	_ = h.jobs.AppendLog(ctx, job.ID, "info",
		fmt.Sprintf("search %q: %d products found, %d new queued, %d known, %d extra pages",
			item.Keyword, len(res.ProductURLs), queued, skipped, paginated), now)
	h.logger.Info("discovery page processed",
		zap.String("job_id", job.ID),
		zap.String("keyword", item.Keyword),
		zap.Int("found", len(res.ProductURLs)),
		zap.Int("queued", queued),
		zap.Int("skipped_existing", skipped),
		zap.Int("pagination_queued", paginated),
	)

	// Discovery results bypass the warm-up gate so the funnel keeps
	// feeding itself.
	h.kicker.Kick(job.ID, h.pacingDelay(), true)
	_ = h.coord.EvaluateCompletion(ctx, job.ID)
}

// filterDiscovered drops URLs whose product ids are already persisted.
func (h *Handler) filterDiscovered(ctx context.Context, urls []string) (fresh []string, skipped int, err error) {
	ids := make([]string, 0, len(urls))
	byURL := make(map[string]string, len(urls))
	for _, url := range urls {
		if id := catalog.ExtractProductID(url); id != "" {
			ids = append(ids, id)
			byURL[url] = id
		}
	}
	existing, err := h.dedup.Existing(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, url := range urls {
		id, ok := byURL[url]
		if !ok {
			continue
		}
		if existing[id] {
			skipped++
			continue
		}
		fresh = append(fresh, url)
	}
	return fresh, skipped, nil
}

func (h *Handler) processProduct(ctx context.Context, job crawl.Job, item crawl.QueueItem, sourceURL string, payload []byte) {
	rec, err := catalog.ParseProduct(payload)
	if errors.Is(err, catalog.ErrProductRemoved) {
		h.completeProduct(ctx, job.ID, item, crawl.Progress{ProductURLsCompleted: 1}, "product removed from catalog")
		return
	}
	if err != nil {
		h.handleParseFailure(ctx, item, payload, err)
		return
	}

	existing, err := h.dedup.Existing(ctx, []string{rec.ID})
	if err == nil && existing[rec.ID] {
		h.completeProduct(ctx, job.ID, item, crawl.Progress{
			ProductURLsCompleted:       1,
			ProductURLsSkippedExisting: 1,
		}, "already persisted")
		return
	}

	_ = h.jobs.ApplyProgress(ctx, job.ID, crawl.Progress{ProductsParsed: 1})

	decision, err := h.filter.Evaluate(ctx, rec, job.Config)
	if err != nil {
		h.failItem(ctx, item, fmt.Sprintf("exclusion rules: %v", err), "")
		return
	}
	if !decision.Admitted {
		h.completeProduct(ctx, job.ID, item, crawl.Progress{
			ProductURLsCompleted:    1,
			ProductsSkippedFiltered: 1,
		}, "filtered: "+decision.Reason)
		return
	}

	accepted, err := h.scorer.Submit(ctx, crawl.Candidate{
		JobID:     job.ID,
		Keyword:   item.Keyword,
		SourceURL: sourceURL,
		Product:   rec,
	})
	if err != nil {
		h.failItem(ctx, item, fmt.Sprintf("scoring handoff: %v", err), "")
		return
	}

	delta := crawl.Progress{ProductURLsCompleted: 1}
	note := "scored"
	if accepted {
		delta.ProductsScored = 1
		delta.ProductsPassedScoring = 1
	} else {
		delta.ProductURLsSkippedExisting = 1
		note = "already persisted"
	}
	h.completeProduct(ctx, job.ID, item, delta, note)
}

// completeProduct finishes a product item. The guarded transition makes
// duplicate deliveries side-effect free: only the winning pass applies
// counters.
func (h *Handler) completeProduct(ctx context.Context, jobID string, item crawl.QueueItem, delta crawl.Progress, note string) {
	now := h.clock.Now()
	if err := h.queue.MarkCompleted(ctx, item.ID, now); err != nil {
		if !errors.Is(err, crawl.ErrConflict) {
			h.logger.Error("mark product completed failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		return
	}
	_ = h.jobs.ApplyProgress(ctx, jobID, delta)
	_ = h.jobs.AppendLog(ctx, jobID, "info",
		fmt.Sprintf("product %s: %s", item.ID, note), now)
	h.kicker.Kick(jobID, h.pacingDelay(), false)
	_ = h.coord.EvaluateCompletion(ctx, jobID)
}

func (h *Handler) handleParseFailure(ctx context.Context, item crawl.QueueItem, payload []byte, err error) {
	kind := catalog.KindOf(err)
	if kind != "" {
		metrics.ObserveParseFailure(string(kind))
	}
	if catalog.IsBlocked(err) && h.blobs != nil {
		path := fmt.Sprintf("blocked/%s/%s.html", item.JobID, item.ID)
		if uri, putErr := h.blobs.PutObject(ctx, path, "text/html", payload); putErr != nil {
			h.logger.Warn("block page archive failed", zap.Error(putErr))
		} else {
			h.logger.Warn("archived suspected block page",
				zap.String("job_id", item.JobID),
				zap.String("item_id", item.ID),
				zap.String("uri", uri),
			)
		}
	}
	h.failItem(ctx, item, fmt.Sprintf("parse %s: %v", kind, err), kind)
}

// failItem routes an item into the retry ladder and keeps the job moving.
func (h *Handler) failItem(ctx context.Context, item crawl.QueueItem, errMsg string, parseKind catalog.ParseKind) {
	failed, err := h.coord.FailItem(ctx, item, errMsg)
	if err != nil {
		if !errors.Is(err, crawl.ErrConflict) {
			h.logger.Error("retry handling failed", zap.String("item_id", item.ID), zap.Error(err))
		}
		return
	}
	if failed {
		// A shape failure on this final attempt right after a shape failure
		// on the previous one is reported as a likely catalog page change.
		// Only those two attempts are compared, and syntax failures are not
		// reported this way.
		if parseKind == catalog.ParseShape && containsShapeError(item.ErrorMessage) {
			metrics.ObserveParseShapeExhausted()
			h.logger.Error("catalog page shape may have changed",
				zap.String("job_id", item.JobID),
				zap.String("url", item.URL),
			)
			_ = h.jobs.AppendLog(ctx, item.JobID, "error",
				"repeated shape failures: catalog page structure may have changed", h.clock.Now())
		}
		_ = h.coord.EvaluateCompletion(ctx, item.JobID)
	}
	h.kicker.Kick(item.JobID, h.pacingDelay(), false)
}

func (h *Handler) pacingDelay() time.Duration {
	d := h.cfg.DelayMin
	if span := h.cfg.DelayMax - h.cfg.DelayMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	return d
}

func containsShapeError(prevErr string) bool {
	return len(prevErr) >= len("parse shape") && prevErr[:len("parse shape")] == "parse shape"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
