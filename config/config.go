/*
config.go - Environment configuration for the billing server

PURPOSE:
  Reads server settings from the environment. A .env file in the working
  directory is loaded first when present; variables already set in the
  environment win over .env entries.

VARIABLES:
  PORT                  HTTP port (default: 8080)
  DB_PATH               SQLite path or ":memory:" (default: billing.db)
  LOG_LEVEL             debug | info | warn | error (default: info)
  LOG_FORMAT            json | console (default: json)
  WORKERS               Concurrent items per run (default: 4)
  SCHEDULER_ENABLED     Start the daily scheduler (default: true)
  SCHEDULER_INTERVAL    Check interval, Go duration (default: 1h)
  SCHEDULER_TIMEZONE    IANA zone defining "today" (default: America/Toronto)
  SCHEDULER_SEND_EMAIL  Email invoices from scheduled runs (default: false)
  SCHEDULER_FALLBACK    Generate for everyone when nothing was due (default: false)

SEE ALSO:
  - cmd/server/main.go: flags override these values
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every server setting.
type Config struct {
	Port      int
	DBPath    string
	LogLevel  string
	LogFormat string
	Workers   int

	SchedulerEnabled   bool
	SchedulerInterval  time.Duration
	SchedulerTimezone  string
	SchedulerSendEmail bool
	SchedulerFallback  bool
}

func Default() Config {
	return Config{
		Port:              8080,
		DBPath:            "billing.db",
		LogLevel:          "info",
		LogFormat:         "json",
		Workers:           4,
		SchedulerEnabled:  true,
		SchedulerInterval: time.Hour,
		SchedulerTimezone: "America/Toronto",
	}
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, falling back to Default for unset keys.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.Port = r.int("PORT", cfg.Port)
	cfg.DBPath = r.string("DB_PATH", cfg.DBPath)
	cfg.LogLevel = r.string("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = r.string("LOG_FORMAT", cfg.LogFormat)
	cfg.Workers = r.int("WORKERS", cfg.Workers)
	cfg.SchedulerEnabled = r.bool("SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	cfg.SchedulerInterval = r.duration("SCHEDULER_INTERVAL", cfg.SchedulerInterval)
	cfg.SchedulerTimezone = r.string("SCHEDULER_TIMEZONE", cfg.SchedulerTimezone)
	cfg.SchedulerSendEmail = r.bool("SCHEDULER_SEND_EMAIL", cfg.SchedulerSendEmail)
	cfg.SchedulerFallback = r.bool("SCHEDULER_FALLBACK", cfg.SchedulerFallback)

	if r.err != nil {
		return Config{}, r.err
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d outside 1..65535", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive, got %s", c.SchedulerInterval)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves SchedulerTimezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_TIMEZONE %q: %w", c.SchedulerTimezone, err)
	}
	return loc, nil
}

// reader keeps the first parse error.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s=%q: %w", key, value, err)
	}
}

func (r *reader) string(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}
