package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rawblock/btn-forensics/internal/api"
	"github.com/rawblock/btn-forensics/internal/bitcoin"
	"github.com/rawblock/btn-forensics/internal/config"
	"github.com/rawblock/btn-forensics/internal/db"
	"github.com/rawblock/btn-forensics/internal/engine"
	"github.com/rawblock/btn-forensics/internal/graph"
	"github.com/rawblock/btn-forensics/internal/stream"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	// CONFIG_FILE is optional; everything can come from the environment or .env
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("[Engine] invalid configuration", "err", err)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	logger.Info("[Engine] starting transaction-graph forensics engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := api.Deps{
		Sessions: api.NewRegistry(cfg.Server.MaxSessions),
		Hub:      api.NewHub(logger),
		Limiter:  api.NewRateLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst),
		SessionOptions: engine.Options{
			Centrality: graph.CentralityOptions{
				SampleSize: cfg.Analysis.CentralitySampleSize,
				Seed:       cfg.Analysis.CentralitySeed,
			},
			Workers: cfg.Analysis.Workers,
			Logger:  logger,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
		Logger:         logger,
	}

	if cfg.Database.URL != "" {
		store, err := db.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Warn("[Engine] PostgreSQL unavailable, continuing without persisting findings", "err", err)
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				logger.Warn("[Engine] DB schema init failed", "err", err)
			}
			deps.Store = store
		}
	}

	if cfg.Kafka.Brokers != "" {
		pub, err := stream.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			logger.Warn("[Engine] Kafka unavailable, findings will not be published", "err", err)
		} else {
			defer pub.Close()
			deps.Publisher = pub
		}
	}

	if cfg.Bitcoin.User != "" {
		client, err := bitcoin.NewClient(bitcoin.Config{
			Host:    cfg.Bitcoin.Host,
			User:    cfg.Bitcoin.User,
			Pass:    cfg.Bitcoin.Pass,
			Network: cfg.Bitcoin.Network,
		}, logger)
		if err != nil {
			logger.Warn("[Engine] Bitcoin RPC unavailable, block ranges disabled", "err", err)
		} else {
			defer client.Shutdown()
			deps.Blocks = client.Source()
		}
	}

	go deps.Hub.Run()
	go deps.Limiter.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("[Engine] listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("[Engine] server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("[Engine] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[Engine] graceful shutdown failed", "err", err)
	}
}
