package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration.
type Config struct {
	// Environment is "production" or "development". It drives defaults such
	// as worker concurrency; it never changes semantics.
	Environment string `toml:"environment"`

	Server struct {
		Listen                 string   `toml:"listen"`
		TrustedProxies         []string `toml:"trusted_proxies"`
		ShutdownTimeoutSeconds int      `toml:"shutdown_timeout_seconds"`
	} `toml:"server"`

	Database struct {
		URL            string `toml:"url"`
		MaxConns       int32  `toml:"max_conns"`
		MigrateOnStart bool   `toml:"migrate_on_start"`
	} `toml:"database"`

	Redis struct {
		Addr      string `toml:"addr"`
		Password  string `toml:"password"`
		DB        int    `toml:"db"`
		KeyPrefix string `toml:"key_prefix"`
	} `toml:"redis"`

	Cache struct {
		Type           string   `toml:"type"` // "redis", "memcached", "memory"
		MemcachedAddrs []string `toml:"memcached_addrs"`
	} `toml:"cache"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	Queue struct {
		// Workers 0 means "resolve from environment": 3 in production,
		// 1 in development.
		Workers            int `toml:"workers"`
		MaxAttempts        int `toml:"max_attempts"`
		BackoffBaseSeconds int `toml:"backoff_base_seconds"`
	} `toml:"queue"`

	RateLimit struct {
		Enabled       bool     `toml:"enabled"`
		IPPerMinute   int      `toml:"ip_per_minute"`
		UserPerMinute int      `toml:"user_per_minute"`
		ExcludedPaths []string `toml:"excluded_paths"`
	} `toml:"rate_limit"`

	Pollers struct {
		ScheduledEmailSeconds int `toml:"scheduled_email_seconds"`
		SnoozeRestoreSeconds  int `toml:"snooze_restore_seconds"`
		CalendarSyncSeconds   int `toml:"calendar_sync_seconds"`
		BatchLimit            int `toml:"batch_limit"`
	} `toml:"pollers"`

	Outbox struct {
		PollSeconds int `toml:"poll_seconds"`
		BatchLimit  int `toml:"batch_limit"`
	} `toml:"outbox"`

	Reputation struct {
		WarmupGraduationDays int `toml:"warmup_graduation_days"`
	} `toml:"reputation"`

	// Bounce classification rules, evaluated in order. When empty the
	// built-in default rule set applies.
	Bounce struct {
		Rules []BounceRule `toml:"rules"`
	} `toml:"bounce"`
}

// BounceRule maps provider error phrases to a bounce type and category.
type BounceRule struct {
	Phrases  []string `toml:"phrases"`
	Type     string   `toml:"type"`     // "HARD" or "SOFT"
	Category string   `toml:"category"` // e.g. "INVALID_EMAIL"
}

// envOverrides are the flat environment variables that take precedence over
// the config file. Connection strings are expected to arrive this way in
// containerized deployments.
type envOverrides struct {
	Environment      string `env:"OUTFLOW_ENV"`
	Listen           string `env:"OUTFLOW_LISTEN"`
	LogLevel         string `env:"OUTFLOW_LOG_LEVEL"`
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          *int   `env:"REDIS_DB"`
	RateLimitEnabled *bool  `env:"RATE_LIMIT_ENABLED"`
	IPPerMinute      *int   `env:"RATE_LIMIT_IP_PER_MINUTE"`
	UserPerMinute    *int   `env:"RATE_LIMIT_USER_PER_MINUTE"`
	QueueWorkers     *int   `env:"QUEUE_WORKERS"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Environment = "development"

	cfg.Server.Listen = ":8080"
	cfg.Server.ShutdownTimeoutSeconds = 30

	cfg.Database.MaxConns = 10
	cfg.Database.MigrateOnStart = true

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.KeyPrefix = "outflow"

	cfg.Cache.Type = "redis"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Queue.MaxAttempts = 3
	cfg.Queue.BackoffBaseSeconds = 5

	cfg.RateLimit.Enabled = true
	cfg.RateLimit.IPPerMinute = 60
	cfg.RateLimit.UserPerMinute = 600
	cfg.RateLimit.ExcludedPaths = []string{"/healthz", "/readyz", "/metrics"}

	cfg.Pollers.ScheduledEmailSeconds = 60
	cfg.Pollers.SnoozeRestoreSeconds = 60
	cfg.Pollers.CalendarSyncSeconds = 900
	cfg.Pollers.BatchLimit = 100

	cfg.Outbox.PollSeconds = 5
	cfg.Outbox.BatchLimit = 50

	cfg.Reputation.WarmupGraduationDays = 30

	return cfg
}

// FindConfigFile looks for a configuration file in common locations.
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that.
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./outflow.toml",
		"./config/outflow.toml",
		os.ExpandEnv("$HOME/.outflow.toml"),
		"/etc/outflow/outflow.toml",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads configuration from a TOML file, applies environment
// overrides and validates the result. A missing config file is not an error;
// defaults plus environment are enough to run.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err == nil {
		data, readErr := os.ReadFile(configFile)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	} else if configPath != "" {
		// An explicitly requested file that does not exist is an error;
		// falling back silently would mask an operator mistake.
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("error applying environment overrides: %w", err)
	}

	validationResult := cfg.Validate()
	if !validationResult.Valid {
		var errorMessages []string
		for _, err := range validationResult.Errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errorMessages, "; "))
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return err
	}

	if ov.Environment != "" {
		c.Environment = ov.Environment
	}
	if ov.Listen != "" {
		c.Server.Listen = ov.Listen
	}
	if ov.LogLevel != "" {
		c.Logging.Level = ov.LogLevel
	}
	if ov.DatabaseURL != "" {
		c.Database.URL = ov.DatabaseURL
	}
	if ov.RedisAddr != "" {
		c.Redis.Addr = ov.RedisAddr
	}
	if ov.RedisPassword != "" {
		c.Redis.Password = ov.RedisPassword
	}
	if ov.RedisDB != nil {
		c.Redis.DB = *ov.RedisDB
	}
	if ov.RateLimitEnabled != nil {
		c.RateLimit.Enabled = *ov.RateLimitEnabled
	}
	if ov.IPPerMinute != nil {
		c.RateLimit.IPPerMinute = *ov.IPPerMinute
	}
	if ov.UserPerMinute != nil {
		c.RateLimit.UserPerMinute = *ov.UserPerMinute
	}
	if ov.QueueWorkers != nil {
		c.Queue.Workers = *ov.QueueWorkers
	}

	return nil
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// WorkerConcurrency resolves the per-queue worker count: an explicit setting
// wins, otherwise 3 in production and 1 in development.
func (c *Config) WorkerConcurrency() int {
	if c.Queue.Workers > 0 {
		return c.Queue.Workers
	}
	if c.IsProduction() {
		return 3
	}
	return 1
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error.
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning.
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs validation of the configuration.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateStores(result)
	c.validateLogging(result)
	c.validateQueue(result)
	c.validateRateLimit(result)
	c.validatePollers(result)
	c.validateBounce(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	if c.Server.Listen == "" {
		result.AddError("server.listen", c.Server.Listen, "listen address is required")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		result.AddError("server.shutdown_timeout_seconds", c.Server.ShutdownTimeoutSeconds, "must be positive")
	}
	if c.Environment != "production" && c.Environment != "development" {
		result.AddWarning("environment", c.Environment, "expected 'production' or 'development'")
	}
}

func (c *Config) validateStores(result *ValidationResult) {
	if c.Database.URL == "" {
		// The process runs without a database (pollers idle), so this is a
		// warning, not an error.
		result.AddWarning("database.url", c.Database.URL, "no database configured, pollers and persistence are disabled")
	}
	if c.Database.MaxConns <= 0 {
		result.AddError("database.max_conns", c.Database.MaxConns, "must be positive")
	}
	if c.Redis.Addr == "" {
		result.AddWarning("redis.addr", c.Redis.Addr, "no broker configured, dispatch runs degraded")
	}

	switch c.Cache.Type {
	case "redis", "memory":
	case "memcached":
		if len(c.Cache.MemcachedAddrs) == 0 {
			result.AddError("cache.memcached_addrs", c.Cache.MemcachedAddrs, "at least one memcached address is required")
		}
	default:
		result.AddError("cache.type", c.Cache.Type, "must be one of: redis, memcached, memory")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be 'text' or 'json'")
	}
}

func (c *Config) validateQueue(result *ValidationResult) {
	if c.Queue.Workers < 0 {
		result.AddError("queue.workers", c.Queue.Workers, "must not be negative")
	}
	if c.Queue.MaxAttempts <= 0 {
		result.AddError("queue.max_attempts", c.Queue.MaxAttempts, "must be positive")
	}
	if c.Queue.BackoffBaseSeconds <= 0 {
		result.AddError("queue.backoff_base_seconds", c.Queue.BackoffBaseSeconds, "must be positive")
	}
}

func (c *Config) validateRateLimit(result *ValidationResult) {
	if c.RateLimit.IPPerMinute <= 0 {
		result.AddError("rate_limit.ip_per_minute", c.RateLimit.IPPerMinute, "must be positive")
	}
	if c.RateLimit.UserPerMinute <= 0 {
		result.AddError("rate_limit.user_per_minute", c.RateLimit.UserPerMinute, "must be positive")
	}
	if c.RateLimit.UserPerMinute < c.RateLimit.IPPerMinute {
		result.AddWarning("rate_limit.user_per_minute", c.RateLimit.UserPerMinute, "authenticated ceiling is below the unauthenticated ceiling")
	}
	for _, p := range c.RateLimit.ExcludedPaths {
		if !strings.HasPrefix(p, "/") {
			result.AddError("rate_limit.excluded_paths", p, "excluded paths must start with '/'")
		}
	}
}

func (c *Config) validatePollers(result *ValidationResult) {
	if c.Pollers.ScheduledEmailSeconds <= 0 {
		result.AddError("pollers.scheduled_email_seconds", c.Pollers.ScheduledEmailSeconds, "must be positive")
	}
	if c.Pollers.SnoozeRestoreSeconds <= 0 {
		result.AddError("pollers.snooze_restore_seconds", c.Pollers.SnoozeRestoreSeconds, "must be positive")
	}
	if c.Pollers.CalendarSyncSeconds <= 0 {
		result.AddError("pollers.calendar_sync_seconds", c.Pollers.CalendarSyncSeconds, "must be positive")
	}
	if c.Pollers.BatchLimit <= 0 {
		result.AddError("pollers.batch_limit", c.Pollers.BatchLimit, "must be positive")
	}
	if c.Outbox.PollSeconds <= 0 {
		result.AddError("outbox.poll_seconds", c.Outbox.PollSeconds, "must be positive")
	}
	if c.Outbox.BatchLimit <= 0 {
		result.AddError("outbox.batch_limit", c.Outbox.BatchLimit, "must be positive")
	}
	if c.Reputation.WarmupGraduationDays <= 0 {
		result.AddError("reputation.warmup_graduation_days", c.Reputation.WarmupGraduationDays, "must be positive")
	}
}

func (c *Config) validateBounce(result *ValidationResult) {
	for i, rule := range c.Bounce.Rules {
		if len(rule.Phrases) == 0 {
			result.AddError(fmt.Sprintf("bounce.rules[%d].phrases", i), rule.Phrases, "at least one phrase is required")
		}
		switch rule.Type {
		case "HARD", "SOFT":
		default:
			result.AddError(fmt.Sprintf("bounce.rules[%d].type", i), rule.Type, "must be 'HARD' or 'SOFT'")
		}
		if rule.Category == "" {
			result.AddError(fmt.Sprintf("bounce.rules[%d].category", i), rule.Category, "category is required")
		}
	}
}
