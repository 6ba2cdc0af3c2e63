// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-backend/internal/app"
	"github.com/unclebandit/outreach-backend/internal/config"
	"github.com/unclebandit/outreach-backend/internal/db"
	"github.com/unclebandit/outreach-backend/internal/logging"
	"github.com/unclebandit/outreach-backend/internal/queue"
	"github.com/unclebandit/outreach-backend/internal/repository"
	"github.com/unclebandit/outreach-backend/internal/service"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.AMQP.URL == "" {
		logger.Fatal("AMQP_URL is required for the bounce worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to DB
	conn, err := db.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer conn.Close()

	// Connect to RabbitMQ
	ch, closer, err := app.AMQPChannel(cfg.AMQP.URL)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", zap.Error(err))
	}
	defer closer.Close()

	worker := service.NewBounceWorker(repository.NewPostgres(conn), logger)
	if err := run(ctx, ch, cfg.AMQP, worker, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, ch queue.Channel, cfg config.AMQPConfig, worker *service.BounceWorker, logger *zap.Logger) error {
	consumer, err := queue.NewBounceConsumer(ch, cfg.BounceQueue, cfg.MaxRetries, logger)
	if err != nil {
		return err
	}
	logger.Info("worker running, waiting for bounce notices", zap.String("queue", cfg.BounceQueue))
	return consumer.Run(ctx, worker.Handle)
}
