// cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-backend/internal/app"
	"github.com/unclebandit/outreach-backend/internal/config"
	"github.com/unclebandit/outreach-backend/internal/controller"
	"github.com/unclebandit/outreach-backend/internal/db"
	"github.com/unclebandit/outreach-backend/internal/handler"
	"github.com/unclebandit/outreach-backend/internal/lock"
	"github.com/unclebandit/outreach-backend/internal/logging"
	"github.com/unclebandit/outreach-backend/internal/model"
	"github.com/unclebandit/outreach-backend/internal/repository"
	"github.com/unclebandit/outreach-backend/internal/scheduler"
	"github.com/unclebandit/outreach-backend/internal/sender"
	"github.com/unclebandit/outreach-backend/internal/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init DB
	conn, err := db.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	store := repository.NewPostgres(conn)

	// Collaborators
	src, err := app.Discovery(cfg.Discovery, logger)
	if err != nil {
		return err
	}
	composer, err := app.Composer(ctx, cfg.Generator, logger)
	if err != nil {
		return err
	}
	dispatcher, err := app.Sender(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	events, closer, err := app.Publisher(cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	leases, err := leaseFactory(cfg, conn, logger)
	if err != nil {
		return err
	}

	tier, err := scheduler.ParseTier(cfg.Dispatch.SpeedTier)
	if err != nil {
		return err
	}
	campaignService := service.NewCampaignService(store, src, composer, dispatcher, service.Config{
		Tier:           tier,
		Concurrency:    cfg.Dispatch.Concurrency,
		MaxQueueDepth:  cfg.Dispatch.MaxQueueDepth,
		StallThreshold: cfg.Dispatch.StallThreshold,
		DefaultSender:  model.SenderIdentity{Name: cfg.Generator.DefaultSender, Title: cfg.Generator.DefaultTitle},
		LeaseRenewal:   cfg.Dispatch.LeaseTTL() / 3,
	}, logger).
		WithLeases(leases).
		WithEvents(events)

	campaignHandler := handler.NewCampaignHandler(campaignService, logger)
	trackingController := controller.NewTrackingController(store, sender.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.Secret), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	campaignHandler.Routes(r)
	trackingController.Routes(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return campaignService.Shutdown(shutdownCtx)
}

// leaseFactory prefers Redis and falls back to the Postgres lease table.
func leaseFactory(cfg *config.Config, conn *sql.DB, logger *zap.Logger) (lock.Factory, error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set, scheduler leases use the Postgres lease table")
		return lock.NewFactory(nil, conn, cfg.Dispatch.LeaseTTL()), nil
	}
	client, err := lock.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	return lock.NewFactory(client, conn, cfg.Dispatch.LeaseTTL()), nil
}
