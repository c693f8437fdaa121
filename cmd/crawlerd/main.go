// Package main wires together the crawl orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/api"
	"github.com/puma10/ecomm-arb/internal/catalog"
	clocksystem "github.com/puma10/ecomm-arb/internal/clock/system"
	"github.com/puma10/ecomm-arb/internal/config"
	"github.com/puma10/ecomm-arb/internal/coordinator"
	"github.com/puma10/ecomm-arb/internal/crawl"
	"github.com/puma10/ecomm-arb/internal/dedup"
	"github.com/puma10/ecomm-arb/internal/exclusion"
	"github.com/puma10/ecomm-arb/internal/fetcher"
	idgen "github.com/puma10/ecomm-arb/internal/id/uuid"
	"github.com/puma10/ecomm-arb/internal/logging"
	"github.com/puma10/ecomm-arb/internal/metrics"
	pubmemory "github.com/puma10/ecomm-arb/internal/publisher/memory"
	pubps "github.com/puma10/ecomm-arb/internal/publisher/pubsub"
	"github.com/puma10/ecomm-arb/internal/scheduler"
	"github.com/puma10/ecomm-arb/internal/scoring"
	blobLocal "github.com/puma10/ecomm-arb/internal/storage/local"
	"github.com/puma10/ecomm-arb/internal/store/postgres"
	"github.com/puma10/ecomm-arb/internal/webhook"
)

const scoringTopic = "scoring.candidates"

// lateKicker breaks the construction cycle between the coordinator and
// the scheduler.
type lateKicker struct {
	mu sync.RWMutex
	s  crawl.Kicker
}

func (k *lateKicker) bind(s crawl.Kicker) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.s = s
}

func (k *lateKicker) Kick(jobID string, delay time.Duration, discovery bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.s != nil {
		k.s.Kick(jobID, delay, discovery)
	}
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxOpenConns)
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema init failed", zap.Error(err))
	}

	queueStore := postgres.NewQueueStore(pool, cfg.MaxRetries)
	jobStore := postgres.NewJobStore(pool)
	exclusionStore := postgres.NewExclusionStore(pool)
	scoredStore := postgres.NewScoredStore(pool)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, dedup cache disabled", zap.Error(err))
			redisClient = nil
		}
	}
	dedupIndex := dedup.New(scoredStore, redisClient, logger.Named("dedup"))

	rulesCache := exclusion.NewCache(exclusionStore,
		time.Duration(cfg.Crawl.RulesCacheTTLSecs)*time.Second)
	filter := exclusion.NewFilter(rulesCache)

	var publisher crawl.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		ps, err := pubps.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() { _ = ps.Close() }()
		publisher = ps
	} else {
		logger.Info("pubsub not configured, candidate events stay in memory")
		publisher = pubmemory.New()
	}
	scorer := scoring.NewBridge(scoredStore, publisher, pubsubTopic(cfg), dedupIndex, logger.Named("scoring"))

	fetcherClient := fetcher.New(fetcher.Config{
		APIKey:         cfg.Fetcher.APIKey,
		BaseURL:        cfg.Fetcher.BaseURL,
		WebhookBaseURL: cfg.Webhook.BaseURL,
		Timeout:        time.Duration(cfg.Fetcher.SubmitTimeoutSecs) * time.Second,
	}, logger.Named("fetcher"))

	var blobs crawl.BlobStore
	if cfg.Archive.Dir != "" {
		store, err := blobLocal.New(cfg.Archive.Dir)
		if err != nil {
			logger.Warn("block-page archive disabled", zap.Error(err))
		} else {
			blobs = store
		}
	}

	clock := clocksystem.New()
	ids := idgen.New()
	policy := crawl.RetryPolicy{
		Base:       cfg.RetryBase(),
		Jitter:     cfg.RetryJitter(),
		MaxRetries: cfg.MaxRetries,
	}

	kicker := &lateKicker{}
	coord := coordinator.New(jobStore, queueStore, rulesCache, kicker, clock, ids, policy, logger.Named("coordinator"))

	delayMin, delayMax := cfg.SubmitDelayBounds()
	sched := scheduler.New(queueStore, jobStore, fetcherClient, coord, clock, scheduler.Config{
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		WarmupDepth: cfg.Warmup.QueueDepth,
	}, logger.Named("scheduler"))
	kicker.bind(sched)
	sched.Start(ctx)
	defer sched.Stop()

	selfTestDone := make(chan struct{})
	var selfTestOnce sync.Once

	payloads := catalog.NewPayloadClient(time.Duration(cfg.Fetcher.FetchTimeoutSecs) * time.Second)
	hook := webhook.New(
		queueStore, jobStore, payloads, dedupIndex, filter, scorer, blobs,
		coord, sched, clock, ids,
		webhook.Config{
			DelayMin:           delayMin,
			DelayMax:           delayMax,
			MaxPagesPerKeyword: cfg.Crawl.MaxPagesPerKeyword,
			OnSelfTest: func() {
				selfTestOnce.Do(func() { close(selfTestDone) })
			},
		},
		logger.Named("webhook"),
	)

	sweeper := scheduler.NewSweeper(queueStore, sched, clock,
		time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second,
		time.Duration(cfg.Sweeper.StaleAfterMins)*time.Minute,
		logger.Named("sweeper"))
	go sweeper.Run(ctx)

	server := api.NewServer(coord, jobStore, exclusionStore, rulesCache, hook, ids, clock, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		IngressTimeout: time.Duration(cfg.Webhook.IngressTimeoutSecs) * time.Second,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	go runWebhookSelfTest(ctx, cfg, fetcherClient, ids, selfTestDone, logger)

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	hook.Wait()
	logger.Info("shutdown complete")
}

func pubsubTopic(cfg config.Config) string {
	if cfg.PubSub.Topic != "" {
		return cfg.PubSub.Topic
	}
	return scoringTopic
}

// runWebhookSelfTest posts a synthetic URL through the fetcher so a
// misconfigured WEBHOOK_BASE_URL is loud at startup instead of silently
// producing jobs that never hear back.
func runWebhookSelfTest(
	ctx context.Context,
	cfg config.Config,
	client *fetcher.Client,
	ids crawl.IDGenerator,
	done <-chan struct{},
	logger *zap.Logger,
) {
	if cfg.Fetcher.APIKey == "" || cfg.Webhook.BaseURL == "" {
		logger.Warn("webhook self-test skipped: fetcher or webhook base url not configured")
		return
	}
	metrics.SetSelfTestOK(false)

	postID := crawl.CorrelationID("boot", crawl.KindSelfTest, ids.ItemID())
	if err := client.Submit(ctx, "https://example.com/", postID); err != nil {
		logger.Warn("webhook self-test submission failed", zap.Error(err))
		return
	}

	wait := time.Duration(cfg.Sweeper.SelfTestWaitSecs) * time.Second
	select {
	case <-done:
		logger.Info("webhook self-test passed")
	case <-time.After(wait):
		logger.Warn("webhook self-test callback never arrived; check WEBHOOK_BASE_URL",
			zap.Duration("waited", wait))
	case <-ctx.Done():
	}
}
