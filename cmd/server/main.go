// Command server runs the full Veriscope pipeline in one process: AIS
// ingestion, port-call detection, baseline building, signal evaluation,
// alert dispatch, DLQ and outbox draining, and the REST/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/veriscope/veriscope/internal/ais"
	"github.com/veriscope/veriscope/internal/baseline"
	"github.com/veriscope/veriscope/internal/cache"
	"github.com/veriscope/veriscope/internal/config"
	"github.com/veriscope/veriscope/internal/delivery"
	"github.com/veriscope/veriscope/internal/dispatch"
	"github.com/veriscope/veriscope/internal/outbox"
	"github.com/veriscope/veriscope/internal/portcall"
	"github.com/veriscope/veriscope/internal/sched"
	"github.com/veriscope/veriscope/internal/server/rest"
	"github.com/veriscope/veriscope/internal/server/websocket"
	"github.com/veriscope/veriscope/internal/signal"
	"github.com/veriscope/veriscope/internal/storage"
)

const (
	// defaultTenant is the tenant alert runs are dispatched for until
	// multi-tenant scheduling lands.
	defaultTenant = "default"

	dispatchInterval    = 15 * time.Minute
	dlqDrainInterval    = time.Minute
	outboxDrainInterval = 30 * time.Second
	outboxDrainBatch    = 25

	shutdownTimeout = 30 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.DatabaseURL, 0, 0)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if err := store.SeedPorts(ctx, defaultPorts); err != nil {
		logger.Error("port seeding failed", "err", err)
		os.Exit(1)
	}

	var signalCache *cache.Cache
	if cfg.RedisAddr != "" {
		signalCache, err = cache.New(ctx, cfg.RedisAddr, cache.DefaultTTL, logger)
		if err != nil {
			// The cache is an accelerator; the API serves without it.
			logger.Warn("redis unavailable, signal cache disabled",
				"addr", cfg.RedisAddr, "err", err)
			signalCache = nil
		}
	}

	ob, err := outbox.Open(cfg.OutboxPath)
	if err != nil {
		logger.Error("outbox init failed", "path", cfg.OutboxPath, "err", err)
		os.Exit(1)
	}

	broadcaster := websocket.NewBroadcaster(logger, 0)

	engine := signal.NewEngine(store, logger)
	evaluate := func(ctx context.Context, day time.Time) error {
		written, err := engine.EvaluateDay(ctx, day, nil)
		if err != nil {
			return err
		}
		if written == 0 {
			return nil
		}
		if _, err := signalCache.InvalidateSignals(ctx, ""); err != nil {
			logger.Warn("cache invalidation failed", "err", err)
		}
		signals, _, err := store.QuerySignals(ctx, storage.SignalQuery{
			DayFrom: &day,
			DayTo:   &day,
			Limit:   1000,
		})
		if err != nil {
			logger.Warn("signal fan-out query failed",
				"day", day.Format("2006-01-02"), "err", err)
			return nil
		}
		for i := range signals {
			broadcaster.Publish(signals[i])
		}
		return nil
	}
	builder := baseline.NewBuilder(store, logger, 0, evaluate)

	detector := portcall.NewDetector(store, logger)
	if err := detector.Rebuild(ctx); err != nil {
		logger.Error("port-call state rebuild failed", "err", err)
		os.Exit(1)
	}
	go detector.Run(ctx, 0)

	ingestor := ais.NewIngestor(store, ais.Options{
		UpstreamURL: cfg.AIS.UpstreamURL,
		UpstreamKey: cfg.AIS.UpstreamKey,
		QueueSize:   cfg.AIS.MaxQueueSize,
		DedupSize:   cfg.AIS.MaxHashSetSize,
		BatchSize:   cfg.AIS.BatchSize,
		Workers:     cfg.AIS.Workers,
		Logger:      logger,
	})
	if err := ingestor.Start(ctx); err != nil {
		logger.Error("ais ingestor start failed", "err", err)
		os.Exit(1)
	}

	webhook := delivery.NewWebhookSender(cfg.Alerting.WebhookRetryAttempts,
		time.Duration(cfg.Alerting.WebhookTimeoutMS)*time.Millisecond)
	email := delivery.NewEmailSender(ob)
	dispatcher := dispatch.New(store, webhook, email, logger, dispatch.Options{
		RateLimitPerEndpoint: cfg.Alerting.RateLimitPerEndpoint,
		DedupeTTLHours:       cfg.Alerting.DedupeTTLHours,
		DLQMaxAttempts:       cfg.Alerting.DLQMaxAttempts,
	})
	drainer := delivery.NewDrainer(store, webhook, email, logger,
		0, cfg.Alerting.DLQMaxAttempts, cfg.Alerting.DedupeTTLHours)

	tasks := []*sched.Task{
		builder.Task(),
		{
			Name:     "alert-dispatch",
			Interval: dispatchInterval,
			Fn: func(ctx context.Context) error {
				res, err := dispatcher.Run(ctx, defaultTenant, "", nil)
				if err != nil {
					return err
				}
				logger.Info("alert run finished",
					"run_id", res.RunID,
					"status", res.Status,
					"candidates", res.Summary.CandidatesTotal,
					"sent", res.Summary.SentTotal,
					"failed", res.Summary.FailedTotal)
				return nil
			},
			Logger: logger,
		},
		{
			Name:     "dlq-drain",
			Interval: dlqDrainInterval,
			Fn:       drainer.Drain,
			Logger:   logger,
		},
		{
			Name:     "outbox-drain",
			Interval: outboxDrainInterval,
			Fn: func(ctx context.Context) error {
				return ob.Drain(ctx, outbox.LogTransport{Logger: logger},
					outboxDrainBatch, logger)
			},
			Logger: logger,
		},
	}
	for _, task := range tasks {
		if err := task.Start(ctx); err != nil {
			logger.Error("task start failed", "task", task.Name, "err", err)
			os.Exit(1)
		}
	}

	apiServer := rest.NewServer(store, signalCache, ingestor.Stats, ob.Depth)
	router := rest.NewRouter(apiServer, store, rest.AuthConfig{
		Pepper:       cfg.APIKeyPepper,
		OverrideKey:  cfg.AlertsAPIKey,
		OverrideUser: cfg.AlertsUserID,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/signals", websocket.NewHandler(broadcaster, logger, 0))
	mux.Handle("/", router)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	broadcaster.Close()

	for _, task := range tasks {
		task.Stop()
	}
	ingestor.Stop()
	cancel() // stops the port-call detector loop

	store.Close(shutdownCtx)
	if err := ob.Close(); err != nil {
		logger.Error("outbox close failed", "err", err)
	}
	if err := signalCache.Close(); err != nil {
		logger.Error("cache close failed", "err", err)
	}

	logger.Info("shutdown complete")
}

// newLogger builds the process-wide JSON logger writing to stderr.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
