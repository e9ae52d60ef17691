// Package config loads application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultEnvFile = ".env"

// NewConfig loads configuration from the environment (and an optional .env
// file, or the one named by ENV_FILE) with typed defaults and validation.
func NewConfig() (*Config, error) {
	v := viper.New()
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if envMap, err := godotenv.Read(envFile); err == nil {
		for k, val := range envMap {
			if _, exists := os.LookupEnv(k); !exists {
				_ = os.Setenv(k, val)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvs(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("http.request_timeout", 10*time.Second)
	v.SetDefault("http.allowed_origins", "http://localhost:3000")

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "postgres")
	v.SetDefault("postgres.db_name", "claim_engine")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.query_timeout", 5*time.Second)
	v.SetDefault("postgres.migrate_timeout", 30*time.Second)

	v.SetDefault("claims.timeout_easy", 7*24*time.Hour)
	v.SetDefault("claims.timeout_medium", 14*24*time.Hour)
	v.SetDefault("claims.timeout_hard", 21*24*time.Hour)
	v.SetDefault("claims.default_difficulty", "easy")
	v.SetDefault("claims.extension_max", 7*24*time.Hour)
	v.SetDefault("claims.reminder_window", 24*time.Hour)

	v.SetDefault("scoring.points_easy", 100)
	v.SetDefault("scoring.points_medium", 200)
	v.SetDefault("scoring.points_hard", 300)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.expired_interval", time.Hour)
	v.SetDefault("schedule.reminders_interval", 6*time.Hour)
	v.SetDefault("schedule.upstream_interval", 3*time.Hour)
	v.SetDefault("schedule.prs_interval", 12*time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("redis.dial_timeout", 500*time.Millisecond)

	v.SetDefault("tracker.base_url", "https://api.github.com")
	v.SetDefault("tracker.timeout", 10*time.Second)

	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("archive.enabled", false)

	v.SetDefault("identity.endpoint_path", "/api/v1/users/changes")
	v.SetDefault("identity.interval", time.Minute)
}

func bindEnvs(v *viper.Viper) {
	keys := []string{
		"logging.level",
		"server.host",
		"server.port",
		"server.shutdown_timeout",
		"http.request_timeout",
		"http.allowed_origins",
		"storage.driver",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.db_name",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.query_timeout",
		"postgres.migrate_timeout",
		"claims.timeout_easy",
		"claims.timeout_medium",
		"claims.timeout_hard",
		"claims.default_difficulty",
		"claims.extension_max",
		"claims.reminder_window",
		"scoring.points_easy",
		"scoring.points_medium",
		"scoring.points_hard",
		"schedule.enabled",
		"schedule.expired_interval",
		"schedule.reminders_interval",
		"schedule.upstream_interval",
		"schedule.prs_interval",
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.ttl",
		"redis.dial_timeout",
		"tracker.base_url",
		"tracker.token",
		"tracker.timeout",
		"notify.base_url",
		"notify.token",
		"notify.timeout",
		"gateway.service_token",
		"archive.enabled",
		"archive.account_id",
		"archive.access_key_id",
		"archive.access_key_secret",
		"archive.bucket",
		"archive.endpoint",
		"identity.base_url",
		"identity.endpoint_path",
		"identity.token",
		"identity.interval",
	}

	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}
