package config

import (
	"errors"
	"fmt"
	"time"

	"claim-engine/models"
)

// Config holds application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Claims   ClaimsConfig   `mapstructure:"claims"`
	Scoring  ScoringConfig  `mapstructure:"scoring"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// Validate ensures required fields are present and durations are usable.
func (c Config) Validate() error {
	if c.Server.Port == 0 {
		return errors.New("server.port is required")
	}
	switch c.Storage.Driver {
	case "postgres":
		if c.Postgres.User == "" || c.Postgres.DBName == "" || c.Postgres.Host == "" {
			return errors.New("postgres host, user and db_name are required")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if err := c.Claims.Validate(); err != nil {
		return err
	}
	if c.Scoring.PointsEasy < 0 || c.Scoring.PointsMedium < 0 || c.Scoring.PointsHard < 0 {
		return errors.New("scoring points must not be negative")
	}
	if c.Archive.Enabled && (c.Archive.Bucket == "" || c.Archive.AccessKeyID == "") {
		return errors.New("archive.bucket and archive.access_key_id are required when archive is enabled")
	}
	return nil
}

// ServerAddr returns host:port for HTTP server binding.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type HTTPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	AllowedOrigins string        `mapstructure:"allowed_origins"` // comma separated
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// PostgresConfig describes database connection parameters.
type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"db_name"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	MaxConns       int           `mapstructure:"max_conns"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout"`
}

// DSN returns a Postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// ClaimsConfig holds lease timing per difficulty tier.
type ClaimsConfig struct {
	TimeoutEasy       time.Duration `mapstructure:"timeout_easy"`
	TimeoutMedium     time.Duration `mapstructure:"timeout_medium"`
	TimeoutHard       time.Duration `mapstructure:"timeout_hard"`
	DefaultDifficulty string        `mapstructure:"default_difficulty"`
	ExtensionMax      time.Duration `mapstructure:"extension_max"`
	ReminderWindow    time.Duration `mapstructure:"reminder_window"`
}

func (c ClaimsConfig) Validate() error {
	if c.TimeoutEasy <= 0 || c.TimeoutMedium <= 0 || c.TimeoutHard <= 0 {
		return errors.New("claims timeouts must be positive")
	}
	if _, ok := models.ParseDifficulty(c.DefaultDifficulty); !ok {
		return fmt.Errorf("claims.default_difficulty %q is not a known tier", c.DefaultDifficulty)
	}
	if c.ExtensionMax < 0 || c.ReminderWindow < 0 {
		return errors.New("claims.extension_max and claims.reminder_window must not be negative")
	}
	return nil
}

type ScoringConfig struct {
	PointsEasy   int `mapstructure:"points_easy"`
	PointsMedium int `mapstructure:"points_medium"`
	PointsHard   int `mapstructure:"points_hard"`
}

// ScheduleConfig sets how often each sweep runs when serving.
type ScheduleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExpiredInterval   time.Duration `mapstructure:"expired_interval"`
	RemindersInterval time.Duration `mapstructure:"reminders_interval"`
	UpstreamInterval  time.Duration `mapstructure:"upstream_interval"`
	PRsInterval       time.Duration `mapstructure:"prs_interval"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	TTL         time.Duration `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// TrackerConfig points at the upstream issue tracker API.
type TrackerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig points at the notification service. An empty BaseURL logs
// notifications instead of sending them.
type NotifyConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GatewayConfig struct {
	ServiceToken string `mapstructure:"service_token"`
}

// ArchiveConfig enables uploading sweep reports to R2.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
}

// IdentityConfig points at the account service users are mirrored from.
// An empty BaseURL disables the sync worker.
type IdentityConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	EndpointPath string        `mapstructure:"endpoint_path"`
	Token        string        `mapstructure:"token"`
	Interval     time.Duration `mapstructure:"interval"`
}
