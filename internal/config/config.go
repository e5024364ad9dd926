package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration. It is
// built once at startup and passed down explicitly; no component reads
// the environment after this point.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Renewal  RenewalConfig  `yaml:"renewal"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Provider ProviderConfig `yaml:"provider"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// StoreConfig contains durable store settings
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`

	// RetainStopped keeps stopped records instead of deleting them.
	RetainStopped bool `yaml:"retain_stopped"`
}

// DedupConfig contains deduplication guard settings
type DedupConfig struct {
	// TTLSeconds is the suppression window per (scope, unit) key.
	TTLSeconds int `yaml:"ttl_seconds"`

	// SweepIntervalSeconds is how often expired entries are removed.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// RenewalConfig contains renewal service settings
type RenewalConfig struct {
	// ExpirationThresholdHours: subscriptions expiring within this
	// window are renewed.
	ExpirationThresholdHours int `yaml:"expiration_threshold_hours"`

	// IntervalHours between scheduled renewal runs.
	IntervalHours int `yaml:"interval_hours"`
}

// PipelineConfig contains notification pipeline settings
type PipelineConfig struct {
	// LookbackSeconds is how far back the authoritative change fetch
	// reaches on each notification.
	LookbackSeconds int `yaml:"lookback_seconds"`

	// QueueSize bounds the background task queue.
	QueueSize int `yaml:"queue_size"`

	// RetryAttempts caps attempts per propagation (first try included).
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryDelaySeconds is the fixed delay between attempts.
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
}

// ProviderConfig contains external push-provider settings
type ProviderConfig struct {
	// BaseURL of the provider's calendar API. Empty selects the
	// in-process fake, which keeps the binary runnable without
	// credentials.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token for provider calls. Prefer the
	// CALWATCH_PROVIDER_TOKEN environment variable over the file.
	Token string `yaml:"token"`

	// TimeoutSeconds per provider request.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// CallbackURL is the public URL the provider delivers
	// notifications to.
	CallbackURL string `yaml:"callback_url"`
}

// IdentityConfig carries the static primary-to-secondaries table. In
// production this is refreshed from an external loader; the table here
// makes the process runnable without it.
type IdentityConfig struct {
	Mappings map[string][]string `yaml:"mappings"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Store: StoreConfig{
			DataDir:       "./data",
			RetainStopped: false,
		},
		Dedup: DedupConfig{
			TTLSeconds:           300,
			SweepIntervalSeconds: 60,
		},
		Renewal: RenewalConfig{
			ExpirationThresholdHours: 24,
			IntervalHours:            6,
		},
		Pipeline: PipelineConfig{
			LookbackSeconds:   120,
			QueueSize:         256,
			RetryAttempts:     5,
			RetryDelaySeconds: 30,
		},
		Provider: ProviderConfig{
			BaseURL:        "",
			TimeoutSeconds: 30,
			CallbackURL:    "",
		},
		Identity: IdentityConfig{
			Mappings: map[string][]string{},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// DedupTTL returns the suppression window as a duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSeconds) * time.Second
}

// RenewalThreshold returns the expiration threshold as a duration.
func (c *Config) RenewalThreshold() time.Duration {
	return time.Duration(c.Renewal.ExpirationThresholdHours) * time.Hour
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Dedup.TTLSeconds <= 0 {
		return fmt.Errorf("dedup.ttl_seconds must be positive, got %d", c.Dedup.TTLSeconds)
	}
	if c.Dedup.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("dedup.sweep_interval_seconds must be positive, got %d", c.Dedup.SweepIntervalSeconds)
	}
	if c.Renewal.ExpirationThresholdHours <= 0 {
		return fmt.Errorf("renewal.expiration_threshold_hours must be positive, got %d", c.Renewal.ExpirationThresholdHours)
	}
	if c.Pipeline.RetryAttempts <= 0 {
		return fmt.Errorf("pipeline.retry_attempts must be positive, got %d", c.Pipeline.RetryAttempts)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir must not be empty")
	}
	if c.Provider.BaseURL != "" && c.Provider.CallbackURL == "" {
		return fmt.Errorf("provider.callback_url is required when provider.base_url is set")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and
// flags, in that priority order (flags highest).
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if dataDir != "" {
		config.Store.DataDir = dataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("CALWATCH_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if dataDir := os.Getenv("CALWATCH_STORE_DATA_DIR"); dataDir != "" {
		config.Store.DataDir = dataDir
	}
	if base := os.Getenv("CALWATCH_PROVIDER_BASE_URL"); base != "" {
		config.Provider.BaseURL = base
	}
	if token := os.Getenv("CALWATCH_PROVIDER_TOKEN"); token != "" {
		config.Provider.Token = token
	}
	if callback := os.Getenv("CALWATCH_PROVIDER_CALLBACK_URL"); callback != "" {
		config.Provider.CallbackURL = callback
	}
	if ttlStr := os.Getenv("CALWATCH_DEDUP_TTL_SECONDS"); ttlStr != "" {
		if val, err := strconv.Atoi(ttlStr); err == nil {
			config.Dedup.TTLSeconds = val
		}
	}
	if thresholdStr := os.Getenv("CALWATCH_RENEWAL_THRESHOLD_HOURS"); thresholdStr != "" {
		if val, err := strconv.Atoi(thresholdStr); err == nil {
			config.Renewal.ExpirationThresholdHours = val
		}
	}
	if level := os.Getenv("CALWATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CALWATCH_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
