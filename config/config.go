/*
Package config loads the billing engine's runtime configuration.

Values come from the environment (optionally seeded from a .env file) with
defaults for everything but secrets. Command-line flags in cmd/server may
override a few of them afterwards.

KEYS:
  PORT                  HTTP port (8080)
  DATABASE_PATH         SQLite file, ":memory:" for ephemeral (billing.db)
  CRON_SCHEDULE         generation cycle spec, robfig/cron syntax (@every 1h)
  SCHEDULER_ENABLED     run the cron driver (true)
  SCHEDULE_TIMEOUT      per-schedule generation timeout (5m)
  GENERATION_WORKERS    schedules processed concurrently (4)
  EVALUATION_WORKERS    units evaluated concurrently per run (8)
  LOCK_TTL              per-schedule lock lease (10m)
  REDIS_ADDR            enables the distributed lock when set
  SYSTEM_USER_ID        generatedBy for scheduled runs (system)
  CORS_ALLOWED_ORIGINS  comma separated (*)
  LOG_LEVEL, ENVIRONMENT, VERSION
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the billing engine.
type Config struct {
	Port               int           `mapstructure:"PORT"`
	DatabasePath       string        `mapstructure:"DATABASE_PATH"`
	CronSchedule       string        `mapstructure:"CRON_SCHEDULE"`
	SchedulerEnabled   bool          `mapstructure:"SCHEDULER_ENABLED"`
	ScheduleTimeout    time.Duration `mapstructure:"SCHEDULE_TIMEOUT"`
	GenerationWorkers  int           `mapstructure:"GENERATION_WORKERS"`
	EvaluationWorkers  int           `mapstructure:"EVALUATION_WORKERS"`
	LockTTL            time.Duration `mapstructure:"LOCK_TTL"`
	RedisAddr          string        `mapstructure:"REDIS_ADDR"`
	SystemUserID       string        `mapstructure:"SYSTEM_USER_ID"`
	CORSAllowedOrigins []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	Environment        string        `mapstructure:"ENVIRONMENT"`
	Version            string        `mapstructure:"VERSION"`
}

var keys = []string{
	"PORT", "DATABASE_PATH", "CRON_SCHEDULE", "SCHEDULER_ENABLED", "SCHEDULE_TIMEOUT",
	"GENERATION_WORKERS", "EVALUATION_WORKERS", "LOCK_TTL", "REDIS_ADDR", "SYSTEM_USER_ID",
	"CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "ENVIRONMENT", "VERSION",
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	viper.SetDefault("PORT", 8080)
	viper.SetDefault("DATABASE_PATH", "billing.db")
	viper.SetDefault("CRON_SCHEDULE", "@every 1h")
	viper.SetDefault("SCHEDULER_ENABLED", true)
	viper.SetDefault("SCHEDULE_TIMEOUT", "5m")
	viper.SetDefault("GENERATION_WORKERS", 4)
	viper.SetDefault("EVALUATION_WORKERS", 8)
	viper.SetDefault("LOCK_TTL", "10m")
	viper.SetDefault("SYSTEM_USER_ID", "system")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("VERSION", "dev")
	viper.AutomaticEnv()

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if _, err := cron.ParseStandard(c.CronSchedule); err != nil {
		errs = append(errs, fmt.Errorf("CRON_SCHEDULE %q: %w", c.CronSchedule, err))
	}
	if c.ScheduleTimeout <= 0 {
		errs = append(errs, errors.New("SCHEDULE_TIMEOUT must be positive"))
	}
	if c.GenerationWorkers < 1 {
		errs = append(errs, errors.New("GENERATION_WORKERS must be at least 1"))
	}
	if c.EvaluationWorkers < 1 {
		errs = append(errs, errors.New("EVALUATION_WORKERS must be at least 1"))
	}
	if c.LockTTL < c.ScheduleTimeout {
		errs = append(errs, fmt.Errorf("LOCK_TTL (%s) must cover SCHEDULE_TIMEOUT (%s)", c.LockTTL, c.ScheduleTimeout))
	}
	return errors.Join(errs...)
}
