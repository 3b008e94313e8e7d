// Package config loads process configuration. Values come from built-in
// defaults, then an optional YAML file, then the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"courtbot/court"
	"courtbot/scheduler"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Backend      string `yaml:"backend"`
	DatabaseURL  string `yaml:"databaseUrl"`
	DatabaseName string `yaml:"databaseName"`
	SQLitePath   string `yaml:"sqlitePath"`
	MaxConns     int32  `yaml:"maxConns"`

	HTTPAddr  string  `yaml:"httpAddr"`
	VoteRate  float64 `yaml:"voteRate"`
	VoteBurst int     `yaml:"voteBurst"`

	Policy         court.Policy  `yaml:"policy"`
	DefaultWindow  time.Duration `yaml:"defaultWindow"`
	MaxWindow      time.Duration `yaml:"maxWindow"`
	OutboxInterval time.Duration `yaml:"outboxInterval"`

	Redis   RedisConfig   `yaml:"redis"`
	Webhook WebhookConfig `yaml:"webhook"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

func Default() Config {
	sched := scheduler.DefaultConfig()
	return Config{
		Backend:        BackendMemory,
		DatabaseName:   "court-bot",
		MaxConns:       10,
		HTTPAddr:       ":8080",
		VoteRate:       1,
		VoteBurst:      5,
		Policy:         sched.DefaultPolicy,
		DefaultWindow:  sched.DefaultWindow,
		MaxWindow:      sched.MaxWindow,
		OutboxInterval: time.Second,
		Redis:          RedisConfig{Prefix: "courtbot"},
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads path (optional) and the environment on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = cfg.DatabaseName + ".db"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Backend = envString("COURT_BACKEND", c.Backend)
	c.DatabaseURL = envString("DATABASE_URL", c.DatabaseURL)
	c.DatabaseName = envString("COURT_DB_NAME", c.DatabaseName)
	c.SQLitePath = envString("COURT_SQLITE_PATH", c.SQLitePath)
	c.HTTPAddr = envString("COURT_HTTP_ADDR", c.HTTPAddr)
	c.Redis.Addr = envString("COURT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envString("COURT_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Prefix = envString("COURT_REDIS_PREFIX", c.Redis.Prefix)
	c.Webhook.URL = envString("COURT_WEBHOOK_URL", c.Webhook.URL)
	c.Webhook.Secret = envString("COURT_WEBHOOK_SECRET", c.Webhook.Secret)
	c.LogLevel = envString("COURT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("COURT_LOG_FORMAT", c.LogFormat)
	c.Policy.EarlyCloseOnQuorum = envBool("COURT_EARLY_CLOSE", c.Policy.EarlyCloseOnQuorum)

	var err error
	if c.Redis.DB, err = envInt("COURT_REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Policy.Quorum, err = envInt("COURT_QUORUM", c.Policy.Quorum); err != nil {
		return err
	}
	if c.VoteBurst, err = envInt("COURT_VOTE_BURST", c.VoteBurst); err != nil {
		return err
	}
	if c.Policy.Threshold, err = envFloat("COURT_THRESHOLD", c.Policy.Threshold); err != nil {
		return err
	}
	if c.VoteRate, err = envFloat("COURT_VOTE_RATE", c.VoteRate); err != nil {
		return err
	}
	if c.DefaultWindow, err = envDuration("COURT_DEFAULT_WINDOW", c.DefaultWindow); err != nil {
		return err
	}
	if c.MaxWindow, err = envDuration("COURT_MAX_WINDOW", c.MaxWindow); err != nil {
		return err
	}
	if c.OutboxInterval, err = envDuration("COURT_OUTBOX_INTERVAL", c.OutboxInterval); err != nil {
		return err
	}
	maxConns, err := envInt("COURT_MAX_CONNS", int(c.MaxConns))
	if err != nil {
		return err
	}
	c.MaxConns = int32(maxConns)
	return nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: postgres backend needs DATABASE_URL", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.DefaultWindow <= 0 || c.MaxWindow < c.DefaultWindow {
		return fmt.Errorf("%w: window %s must be positive and at most %s", ErrInvalid, c.DefaultWindow, c.MaxWindow)
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("%w: outbox interval must be positive", ErrInvalid)
	}
	if c.Webhook.URL != "" && c.Webhook.Secret == "" {
		return fmt.Errorf("%w: webhook needs a signing secret", ErrInvalid)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Scheduler returns the scheduler defaults described by c.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		DefaultPolicy: c.Policy,
		DefaultWindow: c.DefaultWindow,
		MaxWindow:     c.MaxWindow,
	}
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, raw)
	}
	return level, nil
}

func envString(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return v, nil
}

func envFloat(name string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return v, nil
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
