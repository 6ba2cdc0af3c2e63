// internal/app/wire.go
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-backend/internal/config"
	"github.com/unclebandit/outreach-backend/internal/discovery"
	"github.com/unclebandit/outreach-backend/internal/generator"
	"github.com/unclebandit/outreach-backend/internal/queue"
	"github.com/unclebandit/outreach-backend/internal/sender"
)

// Discovery picks the configured discovery source.
func Discovery(cfg config.DiscoveryConfig, logger *zap.Logger) (discovery.Source, error) {
	switch cfg.Mode {
	case "command":
		return discovery.NewCommandSource(cfg.Command, cfg.Timeout(), logger)
	case "", "rss":
		return discovery.NewNewsSource(cfg.FeedURL, cfg.Limit, cfg.Timeout(), logger), nil
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", cfg.Mode)
	}
}

// Composer builds the generator. Without an API key every email uses the
// fallback template.
func Composer(ctx context.Context, cfg config.GeneratorConfig, logger *zap.Logger) (*generator.Composer, error) {
	var m generator.Model
	if cfg.APIKey != "" {
		gm, err := generator.NewGeminiModel(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		m = gm
	} else {
		logger.Warn("GOOGLE_API_KEY not set, emails will use the fallback template")
	}
	return generator.NewComposer(m, cfg.Timeout(), logger), nil
}

// Sender wires SES when delivery is enabled, otherwise the disabled mode.
func Sender(ctx context.Context, cfg *config.Config, store sender.StatusStore, logger *zap.Logger) (*sender.Sender, error) {
	var provider sender.Provider
	if cfg.Email.Enabled {
		client, err := sender.NewSESClient(ctx, cfg.Email.Region, cfg.Email.AccessKeyID, cfg.Email.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		provider = sender.NewSESProvider(client, cfg.Email.FromName, cfg.Email.FromEmail)
	} else {
		logger.Warn("email delivery disabled, records are marked sent without calling the provider")
	}
	tracker := sender.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	return sender.New(store, provider, tracker, sender.Config{Enabled: cfg.Email.Enabled, Timeout: cfg.Email.Timeout()}, logger), nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// AMQPChannel dials the broker. The closer shuts channel and connection.
func AMQPChannel(url string) (*amqp.Channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, closerFunc(func() error {
		ch.Close()
		return conn.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Publisher returns the AMQP event publisher, or a no-op one when no broker
// is configured.
func Publisher(cfg config.AMQPConfig, logger *zap.Logger) (queue.Publisher, io.Closer, error) {
	if cfg.URL == "" {
		logger.Info("AMQP_URL not set, campaign events are not published")
		return queue.NopPublisher{}, nopCloser{}, nil
	}
	ch, closer, err := AMQPChannel(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	pub, err := queue.NewAMQPPublisher(ch, cfg.EventsQueue)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return pub, closer, nil
}
