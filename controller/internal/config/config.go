// Package config provides configuration for the controller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend modes.
const (
	BackendNative = "native"
	BackendMock   = "mock"
)

const envPrefix = "MKD"

// Config holds the controller configuration.
type Config struct {
	// Server settings
	WSPort   int // UI WebSocket port
	HTTPPort int // Internal HTTP port for /health, /status

	// Auth settings
	APIKey string // Static API key for hello.api_key validation

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Backend settings
	BackendMode    string
	BackendHost    string // identity handed to the dialer
	BackendCommand string
	BackendArgs    []string
	MaxFrameSize   int

	// Correlation and health
	RequestTimeout time.Duration
	Retry          RetryPolicy

	DatabaseURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// RetryPolicy drives the connection monitor. It is immutable once loaded.
type RetryPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	BackoffMultiplier   float64
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
}

// MaxRetryDelay caps the wait between retries.
const MaxRetryDelay = 5 * time.Minute

// Delay returns the wait before retry attempt n (1-based), capped at
// MaxRetryDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
		if d >= float64(MaxRetryDelay) {
			return MaxRetryDelay
		}
	}
	if d >= float64(MaxRetryDelay) {
		return MaxRetryDelay
	}
	return time.Duration(d)
}

// Validate rejects policies the monitor cannot run.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay_ms must be >= 0, got %s", p.BaseDelay))
	}
	if p.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("backoff_multiplier must be >= 1, got %g", p.BackoffMultiplier))
	}
	if p.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("health_check_interval_ms must be positive"))
	}
	if p.HealthCheckTimeout <= 0 {
		errs = append(errs, errors.New("health_check_timeout_ms must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultRetryPolicy matches the defaults Load applies.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		BackoffMultiplier:   2,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ws_port", 8090)
	v.SetDefault("http_port", 8091)
	v.SetDefault("api_key", "")
	v.SetDefault("ws_ping_interval_ms", 30000)
	v.SetDefault("ws_write_timeout_ms", 10000)
	v.SetDefault("ws_read_timeout_ms", 60000)
	v.SetDefault("ws_max_message_size", 65536)
	v.SetDefault("backend_mode", BackendNative)
	v.SetDefault("backend_host", "com.mkd.automation")
	v.SetDefault("backend_command", "mkd-backend")
	v.SetDefault("backend_args", []string{})
	v.SetDefault("max_frame_size", 1<<20)
	v.SetDefault("connection_timeout_ms", 30000)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay_ms", 1000)
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("health_check_interval_ms", 30000)
	v.SetDefault("health_check_timeout_ms", 5000)
	v.SetDefault("database_url", "mkd.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads configuration from MKD_* environment variables and, when
// MKD_CONFIG names one, a TOML file. A nil v uses a fresh viper instance.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		WSPort:         v.GetInt("ws_port"),
		HTTPPort:       v.GetInt("http_port"),
		APIKey:         v.GetString("api_key"),
		PingInterval:   millis(v, "ws_ping_interval_ms"),
		WriteTimeout:   millis(v, "ws_write_timeout_ms"),
		ReadTimeout:    millis(v, "ws_read_timeout_ms"),
		MaxMessageSize: v.GetInt64("ws_max_message_size"),
		BackendMode:    strings.ToLower(v.GetString("backend_mode")),
		BackendHost:    v.GetString("backend_host"),
		BackendCommand: v.GetString("backend_command"),
		BackendArgs:    v.GetStringSlice("backend_args"),
		MaxFrameSize:   v.GetInt("max_frame_size"),
		RequestTimeout: millis(v, "connection_timeout_ms"),
		Retry: RetryPolicy{
			MaxRetries:          v.GetInt("max_retries"),
			BaseDelay:           millis(v, "retry_delay_ms"),
			BackoffMultiplier:   v.GetFloat64("backoff_multiplier"),
			HealthCheckInterval: millis(v, "health_check_interval_ms"),
			HealthCheckTimeout:  millis(v, "health_check_timeout_ms"),
		},
		DatabaseURL: v.GetString("database_url"),
		LogLevel:    v.GetString("log_level"),
		LogFormat:   v.GetString("log_format"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.BackendMode {
	case BackendNative:
		if c.BackendCommand == "" {
			errs = append(errs, errors.New("backend_command is required in native mode"))
		}
	case BackendMock:
	default:
		errs = append(errs, fmt.Errorf("backend_mode must be %q or %q, got %q", BackendNative, BackendMock, c.BackendMode))
	}
	if c.BackendHost == "" {
		errs = append(errs, errors.New("backend_host is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("connection_timeout_ms must be positive"))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, errors.New("max_frame_size must be positive"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}
