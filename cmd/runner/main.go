// Package main wires storage, the pipeline runner, the cron scheduler, and
// the admin API into one long-running process.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/search-transparency/runner/internal/aliasing"
	"github.com/search-transparency/runner/internal/api"
	"github.com/search-transparency/runner/internal/api/middleware"
	"github.com/search-transparency/runner/internal/config"
	"github.com/search-transparency/runner/internal/events"
	"github.com/search-transparency/runner/internal/pipeline"
	"github.com/search-transparency/runner/internal/scheduler"
	"github.com/search-transparency/runner/internal/storage"
)

const (
	version = "1.0.0-dev"
	name    = "runner"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: serverConfig.LogLevel}))

	logger.Info("starting search transparency runner", slog.String("service", name), slog.String("version", version))

	store, apiKeyStore, err := newStores(logger)
	if err != nil {
		logger.Error("failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", ""))
	publisher := events.NewPublisher(brokers, config.GetEnvStr("KAFKA_RUN_EVENTS_TOPIC", "pipeline.run-events"), logger)
	defer publisher.Close()

	aliasingCfg, _ := aliasing.LoadConfigFromEnv() // never errors; invalid/missing config degrades to a no-op
	resolver := aliasing.NewResolver(aliasingCfg)
	logger.Info("loaded domain pattern overrides", slog.Int("patternCount", resolver.GetPatternCount()))

	pipelineCfg := pipeline.LoadConfig()
	runner := pipeline.NewRunner(store, publisher, resolver, pipelineCfg, logger, nil, nil, nil)

	sched, err := scheduler.New(scheduler.LoadConfig(), func(ctx context.Context) error {
		return runner.RunOnce(ctx)
	}, logger)
	if err != nil {
		logger.Error("failed to initialize scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sched.Stop()

	server := api.NewServer(&serverConfig, apiKeyStore, rateLimiter, store, runner)

	go watchSignals(logger, sched)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("search transparency runner stopped")
}

// newStores selects a Postgres-backed store when DATABASE_URL is configured,
// falling back to the in-memory store for local development.
func newStores(logger *slog.Logger) (storage.Store, storage.APIKeyStore, error) {
	dbCfg := storage.LoadConfig()
	if dbCfg.Validate() != nil {
		logger.Warn("DATABASE_URL not configured, using in-memory storage")

		return storage.NewInMemoryStore(), storage.NewInMemoryKeyStore(), nil
	}

	conn, err := storage.NewConnection(dbCfg)
	if err != nil {
		return nil, nil, err
	}

	columnarStore, err := storage.NewColumnarStore(conn, logger)
	if err != nil {
		return nil, nil, err
	}

	apiKeyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return nil, nil, err
	}

	return columnarStore, apiKeyStore, nil
}

// watchSignals triggers an immediate pipeline run on SIGUSR1, letting
// operators kick off a one-off run without waiting for the next cron tick.
func watchSignals(logger *slog.Logger, sched *scheduler.Scheduler) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)

	for range sig {
		logger.Info("received SIGUSR1, triggering pipeline run")
		sched.Trigger(context.Background())
	}
}
