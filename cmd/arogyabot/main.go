// Package main contains the entrypoint for the health assistant service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arogyamitra/arogyabot/internal/config"
	"github.com/arogyamitra/arogyabot/internal/database"
	"github.com/arogyamitra/arogyabot/internal/dispatch"
	"github.com/arogyamitra/arogyabot/internal/gateway"
	"github.com/arogyamitra/arogyabot/internal/gemini"
	"github.com/arogyamitra/arogyabot/internal/logger"
	"github.com/arogyamitra/arogyabot/internal/pipeline"
	"github.com/arogyamitra/arogyabot/internal/scheduler"
	"github.com/arogyamitra/arogyabot/internal/server"
	"github.com/arogyamitra/arogyabot/internal/triage"
	"github.com/arogyamitra/arogyabot/internal/worker"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all application components (config, logger, db, ai client,
// pipeline, http server, scheduler), blocks until shutdown, and returns an
// exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.New(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	responder, err := gemini.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	messenger := dispatch.NewTwilioMessenger(cfg.Twilio, log)
	filter := triage.NewFilter(cfg.Triage.Keywords, cfg.Triage.Response)
	orchestrator := pipeline.NewOrchestrator(store, responder, messenger, filter, cfg.Database.HistoryWindow, log)

	pool := worker.NewPool(cfg.Worker.MaxConcurrent, log)
	srv := server.New(cfg, orchestrator, pool, log)

	sched, err := scheduler.New(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	if cfg.Gateway.Enabled {
		poller := gateway.NewPoller(gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Token), orchestrator, log)
		// Singleton mode keeps poll cycles strictly sequential.
		if err := sched.AddIntervalJob("gateway_poll", cfg.Gateway.PollInterval, true, poller.PollOnce); err != nil {
			log.Error("Failed to schedule gateway poll", "error", err)
			return 1
		}
	}

	if err := sched.AddCronJob("db_maintenance", "0 4 * * *", store.RunMaintenance); err != nil {
		log.Error("Failed to schedule database maintenance", "error", err)
		return 1
	}

	log.Info("Starting service...")
	runErr := runComponents(ctx, log, srv, pool, sched)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Service stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}

// runComponents starts the HTTP server, worker pool, and scheduler, and
// blocks until the context is cancelled or a component fails.
func runComponents(ctx context.Context, log *slog.Logger, srv *server.Server, pool *worker.Pool, sched *scheduler.Scheduler) error {
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("Scheduler shutdown error", "error", err)
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gCtx)
	})
	g.Go(func() error {
		return srv.Run(gCtx)
	})

	return g.Wait()
}
