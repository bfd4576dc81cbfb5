package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Flush tunes the two rollup cadences and the writer retry.
type Flush struct {
	MinuteInterval  time.Duration `yaml:"minute_interval"`
	QuarterInterval time.Duration `yaml:"quarter_interval"`
	LateGrace       time.Duration `yaml:"late_grace"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
}

// Anomaly tunes baseline classification.
type Anomaly struct {
	SpikeThreshold float64 `yaml:"spike_threshold"`
	DropThreshold  float64 `yaml:"drop_threshold"`
	MinSampleSize  int64   `yaml:"min_sample_size"`
}

// Ingest tunes the consumption side.
type Ingest struct {
	Partitions    int           `yaml:"partitions"`
	ShardCount    int           `yaml:"shard_count"`
	LagInterval   time.Duration `yaml:"lag_interval"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ConsumerName  string        `yaml:"consumer_name"`
	StreamPrefix  string        `yaml:"stream_prefix"`
	UpdateStream  string        `yaml:"update_stream"`
}

// Shutdown bounds the drain sequence.
type Shutdown struct {
	FlushTimeout time.Duration `yaml:"flush_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// Config is the full service configuration. Defaults are overridden by an
// optional YAML file (METERFLOW_CONFIG), then by environment variables.
type Config struct {
	RedisAddr      string   `yaml:"redis_addr"`
	DatabaseURL    string   `yaml:"database_url"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	ProducerSecret string   `yaml:"producer_secret"`
	Flush          Flush    `yaml:"flush"`
	Anomaly        Anomaly  `yaml:"anomaly"`
	Ingest         Ingest   `yaml:"ingest"`
	Shutdown       Shutdown `yaml:"shutdown"`
}

// Default returns the baked-in configuration.
func Default() Config {
	return Config{
		RedisAddr:   "localhost:6379",
		MetricsAddr: ":9090",
		Flush: Flush{
			MinuteInterval:  time.Minute,
			QuarterInterval: 15 * time.Minute,
			LateGrace:       10 * time.Second,
			RetryBackoff:    500 * time.Millisecond,
		},
		Anomaly: Anomaly{
			SpikeThreshold: 0.5,
			DropThreshold:  0.5,
			MinSampleSize:  5,
		},
		Ingest: Ingest{
			Partitions:    4,
			ShardCount:    16,
			LagInterval:   30 * time.Second,
			ConsumerGroup: "meterflow",
			ConsumerName:  "meterflow-1",
			StreamPrefix:  "telemetry:readings",
			UpdateStream:  "telemetry:updates",
		},
		Shutdown: Shutdown{
			FlushTimeout: 30 * time.Second,
			StopTimeout:  15 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// METERFLOW_CONFIG (when set), then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("METERFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.MetricsAddr)
	cfg.ProducerSecret = getenvDefault("PRODUCER_SECRET", cfg.ProducerSecret)

	cfg.Flush.MinuteInterval = getenvDuration("FLUSH_MINUTE_INTERVAL", cfg.Flush.MinuteInterval)
	cfg.Flush.QuarterInterval = getenvDuration("FLUSH_QUARTER_INTERVAL", cfg.Flush.QuarterInterval)
	cfg.Flush.LateGrace = getenvDuration("LATE_GRACE", cfg.Flush.LateGrace)
	cfg.Flush.RetryBackoff = getenvDuration("FLUSH_RETRY_BACKOFF", cfg.Flush.RetryBackoff)

	cfg.Anomaly.SpikeThreshold = getenvFloatDefault("SPIKE_THRESHOLD", cfg.Anomaly.SpikeThreshold)
	cfg.Anomaly.DropThreshold = getenvFloatDefault("DROP_THRESHOLD", cfg.Anomaly.DropThreshold)
	cfg.Anomaly.MinSampleSize = int64(getenvIntDefault("MIN_SAMPLE_SIZE", int(cfg.Anomaly.MinSampleSize)))

	cfg.Ingest.Partitions = getenvIntDefault("INGEST_PARTITIONS", cfg.Ingest.Partitions)
	cfg.Ingest.ShardCount = getenvIntDefault("WINDOW_SHARDS", cfg.Ingest.ShardCount)
	cfg.Ingest.LagInterval = getenvDuration("LAG_CHECK_INTERVAL", cfg.Ingest.LagInterval)
	cfg.Ingest.ConsumerGroup = getenvDefault("CONSUMER_GROUP", cfg.Ingest.ConsumerGroup)
	cfg.Ingest.ConsumerName = getenvDefault("CONSUMER_NAME", cfg.Ingest.ConsumerName)
	cfg.Ingest.StreamPrefix = getenvDefault("STREAM_PREFIX", cfg.Ingest.StreamPrefix)
	cfg.Ingest.UpdateStream = getenvDefault("UPDATE_STREAM", cfg.Ingest.UpdateStream)

	cfg.Shutdown.FlushTimeout = getenvDuration("SHUTDOWN_FLUSH_TIMEOUT", cfg.Shutdown.FlushTimeout)
	cfg.Shutdown.StopTimeout = getenvDuration("SHUTDOWN_STOP_TIMEOUT", cfg.Shutdown.StopTimeout)
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR is required")
	}
	if c.Flush.MinuteInterval <= 0 || c.Flush.QuarterInterval <= 0 {
		return errors.New("config: flush intervals must be positive")
	}
	if c.Anomaly.SpikeThreshold <= 0 || c.Anomaly.DropThreshold <= 0 || c.Anomaly.DropThreshold >= 1 {
		return errors.New("config: anomaly thresholds out of range")
	}
	if c.Anomaly.MinSampleSize <= 0 {
		return errors.New("config: min sample size must be positive")
	}
	if c.Ingest.Partitions <= 0 {
		return errors.New("config: partitions must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
