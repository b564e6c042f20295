package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type environment struct {
	DatabaseDSN         string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL         string `env:"RABBITMQ_URL,required=true"`
	RedisURL            string `env:"REDIS_URL,required=true"`
	MailRelayURL        string `env:"MAIL_RELAY_URL,required=true"`
	APISharedSecret     string `env:"API_SHARED_SECRET,required=true"`
	ManifestRecipients  string `env:"MANIFEST_RECIPIENTS,required=true"`
	ManifestSender      string `env:"MANIFEST_SENDER,default=Despacho Flex <no-reply@localhost>"`
	BusinessTimezone    string `env:"BUSINESS_TIMEZONE,default=America/Montevideo"`
	ScanRateLimitPerSec int    `env:"SCAN_RATE_LIMIT_PER_SEC,default=20"`
	MailRateLimitPerSec int    `env:"MAIL_RATE_LIMIT_PER_SEC,default=5"`
	WorkerConcurrency   int    `env:"WORKER_CONCURRENCY,default=4"`
	CSRFTokenTTL        string `env:"CSRF_TOKEN_TTL,default=12h"`
	APIPort             int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort   int    `env:"WORKER_METRICS_PORT,default=9091"`
	DBMaxOpenConns      int    `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns      int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	LogLevel            string `env:"LOG_LEVEL,default=info"`
}

type Config struct {
	DatabaseDSN         string
	RabbitMQURL         string
	RedisURL            string
	MailRelayURL        string
	APISharedSecret     string
	ManifestRecipients  []string
	ManifestSender      string
	Location            *time.Location
	ScanRateLimitPerSec int
	MailRateLimitPerSec int
	WorkerConcurrency   int
	CSRFTokenTTL        time.Duration
	APIPort             int
	WorkerMetricsPort   int
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	LogLevel            string
}

// Load reads an optional .env file and then the process environment. Variables already
// set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := e.resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (e environment) resolve() (*Config, error) {
	if strings.TrimSpace(e.APISharedSecret) == "" {
		return nil, fmt.Errorf("API_SHARED_SECRET must not be blank")
	}

	var recipients []string
	for _, r := range strings.Split(e.ManifestRecipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("MANIFEST_RECIPIENTS must list at least one address")
	}

	ttl, err := time.ParseDuration(strings.TrimSpace(e.CSRFTokenTTL))
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("invalid CSRF_TOKEN_TTL %q", e.CSRFTokenTTL)
	}

	loc, err := time.LoadLocation(strings.TrimSpace(e.BusinessTimezone))
	if err != nil {
		return nil, fmt.Errorf("invalid BUSINESS_TIMEZONE %q: %w", e.BusinessTimezone, err)
	}

	return &Config{
		DatabaseDSN:         e.DatabaseDSN,
		RabbitMQURL:         e.RabbitMQURL,
		RedisURL:            e.RedisURL,
		MailRelayURL:        e.MailRelayURL,
		APISharedSecret:     e.APISharedSecret,
		ManifestRecipients:  recipients,
		ManifestSender:      strings.TrimSpace(e.ManifestSender),
		Location:            loc,
		ScanRateLimitPerSec: e.ScanRateLimitPerSec,
		MailRateLimitPerSec: e.MailRateLimitPerSec,
		WorkerConcurrency:   e.WorkerConcurrency,
		CSRFTokenTTL:        ttl,
		APIPort:             e.APIPort,
		WorkerMetricsPort:   e.WorkerMetricsPort,
		DBMaxOpenConns:      e.DBMaxOpenConns,
		DBMaxIdleConns:      e.DBMaxIdleConns,
		LogLevel:            e.LogLevel,
	}, nil
}
