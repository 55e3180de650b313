package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// SyncEnvPrefix prefixes environment overrides of the sync block,
// e.g. REMINDSYNC_SYNC_CONCURRENCY.
const SyncEnvPrefix = "REMINDSYNC_SYNC"

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Google     GoogleConfig     `yaml:"google"`
	Lunar      LunarConfig      `yaml:"lunar"`
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	Timezone    string `yaml:"timezone"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json console"`
	Output     string `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	StoragePath   string `yaml:"storage_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Address != "" }

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	// CalendarEndpoint overrides the Calendar API base URL.
	CalendarEndpoint string `yaml:"calendar_endpoint"`
}

type LunarConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type SyncConfig struct {
	MaxRetries         int           `yaml:"max_retries" envconfig:"MAX_RETRIES" validate:"gte=0,lte=10"`
	BaseDelay          time.Duration `yaml:"base_delay" envconfig:"BASE_DELAY"`
	MaxJitter          time.Duration `yaml:"max_jitter" envconfig:"MAX_JITTER"`
	Concurrency        int           `yaml:"concurrency" envconfig:"CONCURRENCY" validate:"gte=1,lte=50"`
	OpPacing           time.Duration `yaml:"op_pacing" envconfig:"OP_PACING"`
	YearsAhead         int           `yaml:"years_ahead" envconfig:"YEARS_AHEAD" validate:"gte=1,lte=30"`
	StrictMode         bool          `yaml:"strict_mode" envconfig:"STRICT_MODE"`
	CommitAttempts     int           `yaml:"commit_attempts" envconfig:"COMMIT_ATTEMPTS" validate:"gte=1"`
	ReminderMinutes    []int         `yaml:"reminder_minutes" envconfig:"REMINDER_MINUTES"`
	SweepSchedule      string        `yaml:"sweep_schedule" envconfig:"SWEEP_SCHEDULE"`
	SweepMaxRetryCount int           `yaml:"sweep_max_retry_count" envconfig:"SWEEP_MAX_RETRY_COUNT" validate:"gte=1,lt=999"`
	SweepBatchSize     int           `yaml:"sweep_batch_size" envconfig:"SWEEP_BATCH_SIZE" validate:"gte=1"`
	BulkChunkSize      int           `yaml:"bulk_chunk_size" envconfig:"BULK_CHUNK_SIZE" validate:"gte=1"`
	BulkChunkDelay     time.Duration `yaml:"bulk_chunk_delay" envconfig:"BULK_CHUNK_DELAY"`
}

type QueueConfig struct {
	Backend string    `yaml:"backend" validate:"oneof=local sqs"`
	SQS     SQSConfig `yaml:"sqs"`
}

type SQSConfig struct {
	QueueURL string        `yaml:"queue_url"`
	Region   string        `yaml:"region"`
	Endpoint string        `yaml:"endpoint"`
	WaitTime time.Duration `yaml:"wait_time"`
	Batch    int           `yaml:"batch_size" validate:"omitempty,gte=1,lte=10"`
}

type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	DeadLetterKey string        `yaml:"dead_letter_key"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys" validate:"dive"`
}

type APIClientKey struct {
	Key         string   `yaml:"key" validate:"required"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := envconfig.Process(SyncEnvPrefix, &config.Sync); err != nil {
		return nil, fmt.Errorf("sync env overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Sync.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Sync.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", c.Sync.SweepSchedule, err)
		}
	}
	if c.App.Timezone != "" {
		if _, err := time.LoadLocation(c.App.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
		}
	}
	if c.Queue.Backend == "sqs" && c.Queue.SQS.QueueURL == "" {
		return errors.New("queue.sqs.queue_url is required for the sqs backend")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return errors.New("logging.file_path is required when output is file")
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api keys are configured")
	}
	return nil
}

// Location returns the configured timezone, UTC when unset.
func (c *Config) Location() *time.Location {
	if c.App.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "remindsync"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}

	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.Lunar.Timeout == 0 {
		c.Lunar.Timeout = 10 * time.Second
	}
	if c.Lunar.CacheTTL == 0 {
		c.Lunar.CacheTTL = 30 * 24 * time.Hour
	}

	s := &c.Sync
	if s.MaxRetries == 0 {
		s.MaxRetries = 4
	}
	if s.BaseDelay == 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxJitter == 0 {
		s.MaxJitter = time.Second
	}
	if s.Concurrency == 0 {
		s.Concurrency = 5
	}
	if s.OpPacing == 0 {
		s.OpPacing = 100 * time.Millisecond
	}
	if s.YearsAhead == 0 {
		s.YearsAhead = 10
	}
	if s.CommitAttempts == 0 {
		s.CommitAttempts = 3
	}
	if s.SweepSchedule == "" {
		s.SweepSchedule = "*/30 * * * *"
	}
	if s.SweepMaxRetryCount == 0 {
		s.SweepMaxRetryCount = 5
	}
	if s.SweepBatchSize == 0 {
		s.SweepBatchSize = 100
	}
	if s.BulkChunkSize == 0 {
		s.BulkChunkSize = 25
	}
	if s.BulkChunkDelay == 0 {
		s.BulkChunkDelay = 2 * time.Second
	}

	if c.Queue.Backend == "" {
		c.Queue.Backend = "local"
	}
	if c.Queue.SQS.WaitTime == 0 {
		c.Queue.SQS.WaitTime = 20 * time.Second
	}
	if c.Queue.SQS.Batch == 0 {
		c.Queue.SQS.Batch = 10
	}

	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.RetryDelay == 0 {
		c.Worker.RetryDelay = 2 * time.Second
	}
	if c.Worker.DeadLetterKey == "" {
		c.Worker.DeadLetterKey = "sync:dead_letter"
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
}
