// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Store         StoreConfig         `yaml:"store"`
	Redis         RedisConfig         `yaml:"redis"`
	Events        EventsConfig        `yaml:"events"`
	Workorder     WorkorderConfig     `yaml:"workorder"`
	Notification  NotificationConfig  `yaml:"notification"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are verified. HS* algorithms
// read the shared secret from SecretEnv; RS* algorithms read a PEM public
// key from PublicKeyFile.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	Algorithms    []string          `yaml:"algorithms"`
	SecretEnv     string            `yaml:"secret_env"`
	PublicKeyFile string            `yaml:"public_key_file"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find process definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// DirectoryConfig points at the static identity directory used to resolve
// roles, departments, managers, contact addresses and capabilities.
type DirectoryConfig struct {
	File  string      `yaml:"file"`
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig selects where instances, notification configs, the queue and
// delivery logs live.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig is shared by every redis-backed component.
type RedisConfig struct {
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig selects the lifecycle event bus.
type EventsConfig struct {
	Driver     string        `yaml:"driver"`
	BufferSize int           `yaml:"buffer_size"`
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	Consumer   string        `yaml:"consumer"`
	BlockFor   time.Duration `yaml:"block_for"`
	MaxLen     int64         `yaml:"max_len"`
}

// WorkorderConfig describes engine background work.
type WorkorderConfig struct {
	OverdueCheckInterval time.Duration `yaml:"overdue_check_interval"`
}

// NotificationConfig describes the dispatch pipeline.
type NotificationConfig struct {
	Enabled                bool                     `yaml:"enabled"`
	QueueDriver            string                   `yaml:"queue_driver"`
	PollInterval           time.Duration            `yaml:"poll_interval"`
	BatchSize              int                      `yaml:"batch_size"`
	RetrySweepInterval     time.Duration            `yaml:"retry_sweep_interval"`
	ProcessingTimeout      time.Duration            `yaml:"processing_timeout"`
	Retention              time.Duration            `yaml:"retention"`
	SuppressStaleReminders bool                     `yaml:"suppress_stale_reminders"`
	Channels               map[string]ChannelConfig `yaml:"channels"`
	Email                  EmailConfig              `yaml:"email"`
	Feishu                 FeishuConfig             `yaml:"feishu"`
	SMS                    SMSConfig                `yaml:"sms"`
	Webhook                WebhookConfig            `yaml:"webhook"`
}

// ChannelConfig tunes one channel's worker pool.
type ChannelConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Workers        int                  `yaml:"workers"`
	RatePerSecond  float64              `yaml:"rate_per_second"`
	Burst          int                  `yaml:"burst"`
	SendTimeout    time.Duration        `yaml:"send_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per channel.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// EmailConfig configures the SMTP sender.
type EmailConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
	From        string `yaml:"from"`
	FromName    string `yaml:"from_name"`
}

// FeishuConfig configures the chat bot sender.
type FeishuConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	SecretEnv  string `yaml:"secret_env"`
}

// SMSConfig configures the SMS provider.
type SMSConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
	SignName  string `yaml:"sign_name"`
}

// WebhookConfig configures the generic webhook sender.
type WebhookConfig struct {
	SigningSecretEnv string `yaml:"signing_secret_env"`
}

// IdempotencyConfig describes the transition idempotency store.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Driver     string        `yaml:"driver"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Channel names as they appear under notification.channels.
var channelNames = []string{"email", "feishu", "sms", "webhook"}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	channels := make(map[string]ChannelConfig, len(channelNames))
	for _, name := range channelNames {
		channels[name] = ChannelConfig{
			Enabled:       true,
			Workers:       4,
			RatePerSecond: 20,
			Burst:         20,
			SendTimeout:   10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Algorithms: []string{"HS256"},
			SecretEnv:  "WORKORDER_JWT_SECRET",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"namespace":  "namespace",
				"department": "dept",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Directory: DirectoryConfig{
			Cache: CacheConfig{TTL: 5 * time.Minute, MaxEntries: 10000},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "WORKORDER_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			AddrEnv:   "WORKORDER_REDIS_ADDR",
			KeyPrefix: "workorder:",
		},
		Events: EventsConfig{
			Driver:     "memory",
			BufferSize: 1024,
			Stream:     "workorder:events",
			Group:      "notification-matcher",
			BlockFor:   2 * time.Second,
			MaxLen:     100000,
		},
		Workorder: WorkorderConfig{
			OverdueCheckInterval: time.Minute,
		},
		Notification: NotificationConfig{
			Enabled:            true,
			QueueDriver:        "memory",
			PollInterval:       time.Second,
			BatchSize:          50,
			RetrySweepInterval: 5 * time.Second,
			ProcessingTimeout:  5 * time.Minute,
			Retention:          7 * 24 * time.Hour,
			Channels:           channels,
			Email:              EmailConfig{Port: 587, PasswordEnv: "WORKORDER_SMTP_PASSWORD"},
			Feishu:             FeishuConfig{SecretEnv: "WORKORDER_FEISHU_SECRET"},
			SMS:                SMSConfig{APIKeyEnv: "WORKORDER_SMS_API_KEY"},
			Webhook:            WebhookConfig{SigningSecretEnv: "WORKORDER_WEBHOOK_SECRET"},
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	storeDrivers = map[string]bool{"memory": true, "postgres": true}
	queueDrivers = map[string]bool{"memory": true, "postgres": true, "redis": true}
	eventDrivers = map[string]bool{"memory": true, "redis": true}
	idemDrivers  = map[string]bool{"memory": true, "redis": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	for _, alg := range c.Identity.Algorithms {
		if strings.HasPrefix(alg, "RS") && c.Identity.PublicKeyFile == "" {
			errs = append(errs, fmt.Sprintf("identity.public_key_file is required for %s", alg))
		}
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories needs at least one entry")
	}

	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Notification.QueueDriver == "postgres" && c.Store.Driver != "postgres" {
		errs = append(errs, "notification.queue_driver postgres requires store.driver postgres")
	}
	if !queueDrivers[c.Notification.QueueDriver] {
		errs = append(errs, fmt.Sprintf("notification.queue_driver %q is not supported (memory, postgres, redis)", c.Notification.QueueDriver))
	}
	if !eventDrivers[c.Events.Driver] {
		errs = append(errs, fmt.Sprintf("events.driver %q is not supported (memory, redis)", c.Events.Driver))
	}
	if c.Idempotency.Enabled && !idemDrivers[c.Idempotency.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported (memory, redis)", c.Idempotency.Driver))
	}
	if c.Notification.BatchSize < 1 {
		errs = append(errs, "notification.batch_size must be positive")
	}
	for name, ch := range c.Notification.Channels {
		if !ch.Enabled {
			continue
		}
		if ch.Workers < 1 {
			errs = append(errs, fmt.Sprintf("notification.channels.%s.workers must be positive", name))
		}
		if ch.SendTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("notification.channels.%s.send_timeout must be positive", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesRedis reports whether any component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.Notification.QueueDriver == "redis" ||
		c.Events.Driver == "redis" ||
		(c.Idempotency.Enabled && c.Idempotency.Driver == "redis")
}

// applyEnvOverrides reads WORKORDER_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKORDER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WORKORDER_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("WORKORDER_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("WORKORDER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("WORKORDER_QUEUE_DRIVER"); v != "" {
		cfg.Notification.QueueDriver = v
	}
	if v := os.Getenv("WORKORDER_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("WORKORDER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
