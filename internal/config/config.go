package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the outreach backend
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	AMQP      AMQPConfig      `yaml:"amqp"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Generator GeneratorConfig `yaml:"generator"`
	Email     EmailConfig     `yaml:"email"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN returns the connection string, preferring URL when set.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AMQPConfig struct {
	URL         string `yaml:"url"`
	EventsQueue string `yaml:"events_queue"`
	BounceQueue string `yaml:"bounce_queue"`
	MaxRetries  int    `yaml:"max_retries"`
}

type DiscoveryConfig struct {
	// Mode is "rss" or "command".
	Mode           string `yaml:"mode"`
	FeedURL        string `yaml:"feed_url"`
	Command        string `yaml:"command"`
	Limit          int    `yaml:"limit"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type GeneratorConfig struct {
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DefaultSender  string `yaml:"default_sender_name"`
	DefaultTitle   string `yaml:"default_sender_title"`
}

func (c GeneratorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type EmailConfig struct {
	Enabled         bool   `yaml:"enabled"`
	FromEmail       string `yaml:"from_email"`
	FromName        string `yaml:"from_name"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

type DispatchConfig struct {
	SpeedTier       string `yaml:"speed_tier"`
	Concurrency     int    `yaml:"concurrency"`
	MaxQueueDepth   int    `yaml:"max_queue_depth"`
	StallThreshold  int    `yaml:"stall_threshold"`
	LeaseTTLSeconds int    `yaml:"lease_ttl_seconds"`
}

func (c DispatchConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.AMQP.EventsQueue == "" {
		cfg.AMQP.EventsQueue = "campaign_events"
	}
	if cfg.AMQP.BounceQueue == "" {
		cfg.AMQP.BounceQueue = "email_bounces"
	}
	if cfg.AMQP.MaxRetries == 0 {
		cfg.AMQP.MaxRetries = 3
	}
	if cfg.Discovery.Mode == "" {
		cfg.Discovery.Mode = "rss"
	}
	if cfg.Discovery.FeedURL == "" {
		cfg.Discovery.FeedURL = "https://news.google.com/rss/search"
	}
	if cfg.Discovery.Limit == 0 {
		cfg.Discovery.Limit = 10
	}
	if cfg.Discovery.TimeoutSeconds == 0 {
		cfg.Discovery.TimeoutSeconds = 60
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "gemini-2.5-flash-lite"
	}
	if cfg.Generator.TimeoutSeconds == 0 {
		cfg.Generator.TimeoutSeconds = 15
	}
	if cfg.Generator.DefaultSender == "" {
		cfg.Generator.DefaultSender = "PR Team"
	}
	if cfg.Generator.DefaultTitle == "" {
		cfg.Generator.DefaultTitle = "Communications"
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Email.TimeoutSeconds == 0 {
		cfg.Email.TimeoutSeconds = 20
	}
	if cfg.Tracking.BaseURL == "" {
		cfg.Tracking.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.Dispatch.SpeedTier == "" {
		cfg.Dispatch.SpeedTier = "medium"
	}
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = 4
	}
	if cfg.Dispatch.StallThreshold == 0 {
		cfg.Dispatch.StallThreshold = 5
	}
	if cfg.Dispatch.LeaseTTLSeconds == 0 {
		cfg.Dispatch.LeaseTTLSeconds = 300
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate rejects settings the pipeline cannot run with.
func (cfg *Config) Validate() error {
	switch strings.ToLower(cfg.Dispatch.SpeedTier) {
	case "slow", "medium", "fast":
	default:
		return fmt.Errorf("unknown speed tier %q", cfg.Dispatch.SpeedTier)
	}
	switch cfg.Discovery.Mode {
	case "rss":
	case "command":
		if strings.TrimSpace(cfg.Discovery.Command) == "" {
			return errors.New("discovery mode \"command\" requires discovery.command")
		}
	default:
		return fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
	}
	if cfg.Dispatch.Concurrency < 0 || cfg.Dispatch.MaxQueueDepth < 0 || cfg.Dispatch.StallThreshold < 0 {
		return errors.New("dispatch settings must not be negative")
	}
	if cfg.Email.Enabled && cfg.Email.FromEmail == "" {
		return errors.New("email.from_email is required when email is enabled")
	}
	return nil
}

// Load reads and parses the configuration file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		cfg.Database.Port = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("DISCOVERY_MODE"); v != "" {
		cfg.Discovery.Mode = v
	}
	if v := os.Getenv("SCRAPER_COMMAND"); v != "" {
		cfg.Discovery.Command = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("EMAIL_ENABLED"); v != "" {
		cfg.Email.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FROM_EMAIL"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("FROM_NAME"); v != "" {
		cfg.Email.FromName = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Email.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Email.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Email.SecretAccessKey = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Tracking.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("TRACKING_SECRET"); v != "" {
		cfg.Tracking.Secret = v
	}
	if v := os.Getenv("SPEED_TIER"); v != "" {
		cfg.Dispatch.SpeedTier = v
	}
	if v := os.Getenv("MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
