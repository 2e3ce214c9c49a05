package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/retention"
)

// Server defaults
const (
	DefaultAddr            = ":8080"
	DefaultDataDir         = "./data/ridewatch"
	DefaultBackend         = "badger"
	DefaultMaxStorageGB    = 1
	DefaultMaxMemoryMB     = 48
	DefaultShutdownTimeout = 15 * time.Second
)

// Rollup defaults
const (
	DefaultIngestLag         = 5 * time.Minute
	DefaultPartialAfter      = 6 * time.Hour
	DefaultLowSampleRatio    = 0.75
	DefaultMaxAttempts       = 4
	DefaultRetryBaseDelay    = 30 * time.Second
	DefaultJobBudget         = 5 * time.Minute
	DefaultAlertAfter        = 3
	DefaultStalenessMultiple = 2.0
	DefaultHourLookback      = 48
	DefaultBackfillWorkers   = 4
)

// Live cache and storage maintenance
const (
	DefaultLiveRefresh = 5 * time.Minute
	MaxLiveRefresh     = 10 * time.Minute
	BadgerGCInterval   = 10 * time.Minute
)

// Ingest timeouts and limits
const (
	IngestTimeout       = 5 * time.Second
	IngestMaxBodyBytes  = 5 * 1024 * 1024
	IngestMaxBatch      = 5000
	DefaultKafkaTopic   = "ridewatch.readings"
	DefaultKafkaGroupID = "ridewatch-ingest"
)

// Read API timeouts and limits
const (
	ReadTimeout         = 10 * time.Second
	MaxHistoryPoints    = 5000
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 366 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Config is the full runtime configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Storage   StorageConfig    `yaml:"storage"`
	Rollup    RollupConfig     `yaml:"rollup"`
	Live      LiveConfig       `yaml:"live"`
	Retention retention.Policy `yaml:"retention"`
	Ingest    IngestConfig     `yaml:"ingest"`
	Log       LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type StorageConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=badger sqlite postgres memory"`
	Dir          string `yaml:"dir" validate:"required_if=Backend badger"`
	DSN          string `yaml:"dsn" validate:"required_if=Backend postgres"`
	MaxStorageGB int64  `yaml:"max_storage_gb" validate:"gte=0"`
	MaxMemoryMB  int64  `yaml:"max_memory_mb" validate:"gte=0"`
}

type RollupConfig struct {
	IngestLag         time.Duration `yaml:"ingest_lag" validate:"gte=0"`
	PartialAfter      time.Duration `yaml:"partial_after" validate:"gte=0"`
	LowSampleRatio    float64       `yaml:"low_sample_ratio" validate:"gt=0,lte=1"`
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" validate:"gt=0"`
	Budget            time.Duration `yaml:"budget" validate:"gte=0"`
	AlertAfter        int           `yaml:"alert_after" validate:"gte=1"`
	StalenessMultiple float64       `yaml:"staleness_multiple" validate:"gte=1"`
	HourLookback      int           `yaml:"hour_lookback" validate:"gte=1"`
	BackfillWorkers   int           `yaml:"backfill_workers" validate:"gte=1,lte=64"`
}

type LiveConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0,lte=10m"`
}

type IngestConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers" validate:"dive,hostname_port"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required_with=KafkaBrokers"`
	KafkaGroupID string   `yaml:"kafka_group_id" validate:"required_with=KafkaBrokers"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout},
		Storage: StorageConfig{
			Backend:      DefaultBackend,
			Dir:          DefaultDataDir,
			MaxStorageGB: DefaultMaxStorageGB,
			MaxMemoryMB:  DefaultMaxMemoryMB,
		},
		Rollup: RollupConfig{
			IngestLag:         DefaultIngestLag,
			PartialAfter:      DefaultPartialAfter,
			LowSampleRatio:    DefaultLowSampleRatio,
			MaxAttempts:       DefaultMaxAttempts,
			RetryBaseDelay:    DefaultRetryBaseDelay,
			Budget:            DefaultJobBudget,
			AlertAfter:        DefaultAlertAfter,
			StalenessMultiple: DefaultStalenessMultiple,
			HourLookback:      DefaultHourLookback,
			BackfillWorkers:   DefaultBackfillWorkers,
		},
		Live:      LiveConfig{RefreshInterval: DefaultLiveRefresh},
		Retention: retention.DefaultPolicy(),
		Ingest:    IngestConfig{KafkaTopic: DefaultKafkaTopic, KafkaGroupID: DefaultKafkaGroupID},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

var validate = validator.New()

// Load reads defaults, then the YAML file at path (if any), then RIDEWATCH_*
// environment variables, and validates the result
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	env := envReader{lookup: lookup}
	env.str("RIDEWATCH_ADDR", &cfg.Server.Addr)
	env.str("RIDEWATCH_STORAGE_BACKEND", &cfg.Storage.Backend)
	env.str("RIDEWATCH_DATA_DIR", &cfg.Storage.Dir)
	env.str("RIDEWATCH_DSN", &cfg.Storage.DSN)
	env.int64("RIDEWATCH_MAX_STORAGE_GB", &cfg.Storage.MaxStorageGB)
	env.int64("RIDEWATCH_MAX_MEMORY_MB", &cfg.Storage.MaxMemoryMB)
	env.duration("RIDEWATCH_INGEST_LAG", &cfg.Rollup.IngestLag)
	env.duration("RIDEWATCH_PARTIAL_AFTER", &cfg.Rollup.PartialAfter)
	env.duration("RIDEWATCH_JOB_BUDGET", &cfg.Rollup.Budget)
	env.duration("RIDEWATCH_LIVE_REFRESH", &cfg.Live.RefreshInterval)
	env.duration("RIDEWATCH_RETAIN_READINGS", &cfg.Retention.Readings)
	env.duration("RIDEWATCH_RETAIN_HOURLY", &cfg.Retention.Hour)
	env.duration("RIDEWATCH_RETAIN_DAILY", &cfg.Retention.Day)
	env.list("RIDEWATCH_KAFKA_BROKERS", &cfg.Ingest.KafkaBrokers)
	env.str("RIDEWATCH_KAFKA_TOPIC", &cfg.Ingest.KafkaTopic)
	env.str("RIDEWATCH_LOG_LEVEL", &cfg.Log.Level)
	env.str("RIDEWATCH_LOG_FORMAT", &cfg.Log.Format)
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the retention ordering the
// rollups depend on
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	// Hourly rows feed the trailing activity window of every new hour
	if c.Retention.Hour > 0 && c.Retention.Hour < reliability.ActivityWindow+24*time.Hour {
		errs = append(errs, fmt.Errorf("retention.hour %s must cover the %s activity window plus a day",
			c.Retention.Hour, reliability.ActivityWindow))
	}
	// Catch-up re-reads raw readings of every hour in its lookback
	lookback := time.Duration(c.Rollup.HourLookback) * time.Hour
	if c.Retention.Readings > 0 && c.Retention.Readings < lookback {
		errs = append(errs, fmt.Errorf("retention.readings %s is shorter than the hour lookback %s",
			c.Retention.Readings, lookback))
	}
	if c.Retention.Day > 0 && c.Retention.Hour > c.Retention.Day {
		errs = append(errs, fmt.Errorf("retention.hour %s exceeds retention.day %s", c.Retention.Hour, c.Retention.Day))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// MaxStorageBytes is the configured disk limit in bytes
func (c *Config) MaxStorageBytes() int64 {
	return c.Storage.MaxStorageGB * 1024 * 1024 * 1024
}

// envReader applies environment overrides and keeps the first parse error
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, val string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = parsed
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}
