// Package main wires together the notecrawler service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoluflow/notecrawler/internal/api"
	"github.com/xiaoluflow/notecrawler/internal/clock/system"
	"github.com/xiaoluflow/notecrawler/internal/config"
	"github.com/xiaoluflow/notecrawler/internal/dedup"
	"github.com/xiaoluflow/notecrawler/internal/events"
	eventsinks "github.com/xiaoluflow/notecrawler/internal/events/sinks"
	"github.com/xiaoluflow/notecrawler/internal/fetch/headless"
	"github.com/xiaoluflow/notecrawler/internal/fetch/web"
	"github.com/xiaoluflow/notecrawler/internal/hash/sha256"
	"github.com/xiaoluflow/notecrawler/internal/id/uuid"
	"github.com/xiaoluflow/notecrawler/internal/identity"
	"github.com/xiaoluflow/notecrawler/internal/logging"
	"github.com/xiaoluflow/notecrawler/internal/media"
	"github.com/xiaoluflow/notecrawler/internal/metrics"
	"github.com/xiaoluflow/notecrawler/internal/orchestrator"
	"github.com/xiaoluflow/notecrawler/internal/parse"
	"github.com/xiaoluflow/notecrawler/internal/pipeline"
	"github.com/xiaoluflow/notecrawler/internal/proxy"
	pubsubpublisher "github.com/xiaoluflow/notecrawler/internal/publisher/pubsub"
	"github.com/xiaoluflow/notecrawler/internal/ratelimit"
	"github.com/xiaoluflow/notecrawler/internal/scheduler"
	"github.com/xiaoluflow/notecrawler/internal/sink"
	"github.com/xiaoluflow/notecrawler/internal/spider"
	"github.com/xiaoluflow/notecrawler/internal/storage/gcs"
	"github.com/xiaoluflow/notecrawler/internal/storage/local"
	memorystorage "github.com/xiaoluflow/notecrawler/internal/storage/memory"
	"github.com/xiaoluflow/notecrawler/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("notecrawler starting",
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.Bool("proxy_enabled", cfg.Proxy.Enabled),
		zap.Bool("pubsub_enabled", cfg.PubSub.Enabled),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled))

	clock := system.New()
	hasher := sha256.New()

	proxyAddrs, err := cfg.Proxy.LoadAddresses()
	if err != nil {
		logger.Fatal("proxy list load failed", zap.Error(err))
	}
	pool := proxy.New(proxy.Config{
		Enabled:        cfg.Proxy.Enabled,
		Addresses:      proxyAddrs,
		FailurePenalty: cfg.Proxy.FailurePenalty,
		SuccessReward:  cfg.Proxy.SuccessReward,
		HealthFloor:    cfg.Proxy.HealthFloor,
		CooldownBase:   cfg.Proxy.CooldownBase(),
		CooldownMax:    cfg.Proxy.CooldownMax(),
	}, clock, logger)
	limiter := ratelimit.New(ratelimit.Config{
		Delay:           cfg.RateLimit.Delay(),
		JitterFraction:  cfg.RateLimit.JitterFraction,
		GlobalPerMinute: cfg.RateLimit.GlobalPerMinute,
	}, clock)
	transport := web.New(web.Config{
		Timeout:     cfg.Crawler.FetchTimeout(),
		MaxParallel: cfg.Crawler.Workers,
	}, clock, logger)

	var renderer spider.Fetcher
	if cfg.Headless.Enabled {
		chrome, err := headless.New(headless.Config{
			MaxParallel: cfg.Headless.MaxParallel,
			NavTimeout:  cfg.Headless.NavTimeout(),
		}, clock, logger)
		if err != nil {
			logger.Warn("headless renderer unavailable", zap.Error(err))
		} else {
			renderer = chrome
			defer func() {
				if err := chrome.Close(context.Background()); err != nil {
					logger.Warn("headless renderer close failed", zap.Error(err))
				}
			}()
		}
	}

	pipe := pipeline.New(pipeline.Config{
		MaxAttempts:    cfg.Crawler.MaxAttempts,
		BackoffInitial: cfg.Crawler.BackoffInitial(),
		BackoffMax:     cfg.Crawler.BackoffMax(),
		FetchTimeout:   cfg.Crawler.FetchTimeout(),
	}, pipeline.Options{
		Transport:  transport,
		Renderer:   renderer,
		Proxies:    pool,
		Limiter:    limiter,
		Identities: identity.New(nil),
		Logger:     logger,
	})

	var (
		noteStore spider.NoteStore
		jobStore  spider.JobStore
		deadStore spider.DeadLetterStore
	)
	if cfg.Postgres.DSN != "" {
		pgPool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.Postgres.DSN})
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		defer pgPool.Close()
		notes, err := postgres.NewNoteStore(pgPool, cfg.Postgres.NotesTable)
		if err != nil {
			logger.Fatal("note store init failed", zap.Error(err))
		}
		jobs, err := postgres.NewJobStore(pgPool, cfg.Postgres.JobsTable)
		if err != nil {
			logger.Fatal("job store init failed", zap.Error(err))
		}
		letters, err := postgres.NewDeadLetterStore(pgPool, cfg.Postgres.DeadLetterTable)
		if err != nil {
			logger.Fatal("dead letter store init failed", zap.Error(err))
		}
		noteStore, jobStore, deadStore = notes, jobs, letters
	} else {
		logger.Warn("postgres dsn not set, notes and job history will not survive restarts")
		noteStore = memorystorage.NewNoteStore()
		jobStore = memorystorage.NewJobStore()
		deadStore = memorystorage.NewDeadLetterStore()
	}

	var seen spider.SeenStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}()
		seen = dedup.NewRedisSeenStore(rdb, cfg.Dedup.TTL())
	} else {
		logger.Warn("redis addr not set, dedup set will not survive restarts")
		seen = dedup.NewMemorySeenStore(cfg.Dedup.TTL(), clock)
	}
	validator := dedup.NewValidator(dedup.Config{
		MinContentLength: cfg.Dedup.MinContentLength,
		MaxContentLength: cfg.Dedup.MaxContentLength,
	}, seen, hasher, clock, logger)

	var blobs spider.BlobStore
	switch cfg.Storage.Provider {
	case "gcs":
		store, err := gcs.Connect(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			logger.Fatal("gcs connect failed", zap.Error(err))
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		}()
		blobs = store
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			logger.Fatal("local blob store init failed", zap.Error(err))
		}
		blobs = store
	default:
		blobs = memorystorage.NewBlobStore()
	}

	var mirror sink.MediaMirror
	if cfg.Storage.MirrorMedia {
		mirror = media.New(blobs, media.Config{Prefix: cfg.Storage.Prefix}, logger)
	}

	var (
		publisher  spider.Publisher
		notesTopic string
	)
	eventSinks := []events.Sink{eventsinks.NewLogSink(logger)}
	if cfg.PubSub.Enabled {
		p, err := pubsubpublisher.Connect(ctx, pubsubpublisher.Config{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.NotesTopic,
		})
		if err != nil {
			logger.Fatal("pubsub connect failed", zap.Error(err))
		}
		defer func() {
			if err := p.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}()
		publisher = p
		notesTopic = cfg.PubSub.NotesTopic
		eventSinks = append(eventSinks, eventsinks.NewPublisherSink(p, cfg.PubSub.JobsTopic))
	}
	hub := events.NewHub(events.Config{Logger: logger}, eventSinks...)

	snk := sink.New(sink.Config{
		QueueSize:      cfg.Sink.QueueSize,
		MaxAttempts:    cfg.Sink.MaxAttempts,
		BackoffInitial: cfg.Sink.BackoffInitial(),
		BackoffMax:     cfg.Sink.BackoffMax(),
		Topic:          notesTopic,
	}, sink.Options{
		Notes:       noteStore,
		DeadLetters: deadStore,
		Events:      publisher,
		Mirror:      mirror,
		Clock:       clock,
		Logger:      logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Workers:          cfg.Crawler.Workers,
		DefaultKeyword:   cfg.Crawler.DefaultKeyword,
		DefaultMaxPages:  cfg.Crawler.MaxPagesDefault,
		MaxPagesLimit:    cfg.Crawler.MaxPagesLimit,
		ErrorRateCeiling: cfg.Crawler.ErrorRateCeiling,
		RequireProxy:     cfg.Proxy.Required,
	}, orchestrator.Options{
		Spiders:   []spider.Definition{parse.XiaohongshuDefinition()},
		Fetcher:   pipe,
		Validator: validator,
		Sink:      snk,
		Jobs:      jobStore,
		IDs:       uuid.New(),
		Proxies:   pool,
		Events:    hub,
		Clock:     clock,
		Logger:    logger,
	})

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(orch, api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		APIKey:         apiKey,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The sink outlives the run group's context: it drains the notes the
	// orchestrator's workers enqueue while shutting down.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snk.Run(sinkCtx)
		return nil
	})
	if cfg.Scheduler.Enabled {
		entries := make([]scheduler.Entry, 0, len(cfg.Scheduler.Entries))
		for _, e := range cfg.Scheduler.Entries {
			entries = append(entries, scheduler.Entry{
				Spider:     e.Spider,
				Keyword:    e.Keyword,
				MaxPages:   e.MaxPages,
				Every:      e.Every,
				RunOnStart: e.RunOnStart,
			})
		}
		sched := scheduler.New(orch, entries, logger)
		g.Go(func() error {
			if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown error", zap.Error(err))
		}
		stopSink()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service failed", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Close(closeCtx); err != nil {
		logger.Warn("event hub close failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
