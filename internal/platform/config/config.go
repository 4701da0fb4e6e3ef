// Package config loads process configuration from the environment so main
// stays lean.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// HTTP is the listener configuration.
type HTTP struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Store selects and configures the session store backend.
type Store struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend     string        `env:"BACKEND" envDefault:"memory"`
	RedisURL    string        `env:"REDIS_URL"`
	PostgresDSN string        `env:"POSTGRES_DSN"`
	Retention   time.Duration `env:"RETENTION" envDefault:"1h"`
}

// Session tunes the session lifecycle.
type Session struct {
	DefaultRadiusMeters float64       `env:"DEFAULT_RADIUS_METERS" envDefault:"50"`
	DefaultTTL          time.Duration `env:"DEFAULT_TTL" envDefault:"150s"`
	ReportBuffer        time.Duration `env:"REPORT_BUFFER" envDefault:"30s"`
	MaxAttempts         int           `env:"MAX_ATTEMPTS" envDefault:"2"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
}

// Queue tunes the verification queue and worker pool.
type Queue struct {
	Capacity       int           `env:"CAPACITY" envDefault:"1000"`
	MinWorkers     int           `env:"MIN_WORKERS" envDefault:"2"`
	MaxWorkers     int           `env:"MAX_WORKERS" envDefault:"100"`
	ScaleInterval  time.Duration `env:"SCALE_INTERVAL" envDefault:"1s"`
	ScaleCooldown  time.Duration `env:"SCALE_COOLDOWN" envDefault:"5s"`
	CompareTimeout time.Duration `env:"COMPARE_TIMEOUT" envDefault:"10s"`
	Threshold      float64       `env:"THRESHOLD" envDefault:"50"`
}

// RefStore points at the reference image object store.
type RefStore struct {
	BaseURL  string        `env:"BASE_URL,required"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`
}

// RecordAPI points at the external attendance record service.
type RecordAPI struct {
	BaseURL   string `env:"BASE_URL,required"`
	Secret    string `env:"SECRET,required"`
	ServiceID string `env:"SERVICE_ID" envDefault:"rollcall"`
}

// Compare points at the face comparison service.
type Compare struct {
	BaseURL string `env:"BASE_URL,required"`
}

// Notify configures report delivery. An empty webhook URL logs reports
// instead of delivering them.
type Notify struct {
	WebhookURL string `env:"WEBHOOK_URL"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel  string    `env:"LOG_LEVEL" envDefault:"info"`
	HTTP      HTTP      `envPrefix:"HTTP_"`
	Store     Store     `envPrefix:"STORE_"`
	Session   Session   `envPrefix:"SESSION_"`
	Queue     Queue     `envPrefix:"QUEUE_"`
	RefStore  RefStore  `envPrefix:"REFSTORE_"`
	RecordAPI RecordAPI `envPrefix:"RECORDAPI_"`
	Compare   Compare   `envPrefix:"COMPARE_"`
	Notify    Notify    `envPrefix:"NOTIFY_"`
}

// Load parses the environment with the ROLLCALL_ prefix.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ROLLCALL_"}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store backend redis requires ROLLCALL_STORE_REDIS_URL")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires ROLLCALL_STORE_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
