// Package config loads the demo proxy binary's configuration via viper,
// tolerating a missing config file and falling back to defaults/env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the perron-proxy binary needs.
type Config struct {
	Environment string         `mapstructure:"environment"`
	ServiceName string         `mapstructure:"service_name" validate:"required"`
	Server      ServerConfig   `mapstructure:"server"`
	Upstream    UpstreamConfig `mapstructure:"upstream" validate:"required"`
	Breaker     BreakerConfig  `mapstructure:"breaker"`
	Retry       RetryConfig    `mapstructure:"retry"`
	Jaeger      JaegerConfig   `mapstructure:"jaeger"`
	Logger      LoggerConfig   `mapstructure:"logger"`
	Auth        AuthConfig     `mapstructure:"auth"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
}

// ServerConfig holds the proxy's own listener settings.
type ServerConfig struct {
	Port         string        `mapstructure:"port" validate:"required,numeric"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// UpstreamConfig describes the single host the proxy fronts.
type UpstreamConfig struct {
	Scheme               string        `mapstructure:"scheme" validate:"oneof=http https"`
	Hostname             string        `mapstructure:"hostname" validate:"required,hostname|hostname_rfc1123|fqdn|ip"`
	Port                 string        `mapstructure:"port"`
	ConnectionTimeout    time.Duration `mapstructure:"connection_timeout"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	DropRequestAfter     time.Duration `mapstructure:"drop_request_after"`
	DropAllRequestsAfter time.Duration `mapstructure:"drop_all_requests_after"`
}

// BreakerConfig mirrors breaker.Settings' tunables.
type BreakerConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	WindowDuration          time.Duration `mapstructure:"window_duration"`
	NumBuckets              int           `mapstructure:"num_buckets"`
	ErrorThreshold          float64       `mapstructure:"error_threshold"`
	VolumeThreshold         uint64        `mapstructure:"volume_threshold"`
	WaitDurationInOpenState time.Duration `mapstructure:"wait_duration_in_open_state"`
}

// RetryConfig mirrors retry.Config's tunables.
type RetryConfig struct {
	Retries    int           `mapstructure:"retries"`
	Factor     float64       `mapstructure:"factor"`
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	Randomize  bool          `mapstructure:"randomize"`
}

// JaegerConfig holds Jaeger tracing configuration.
type JaegerConfig struct {
	URL          string  `mapstructure:"url"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig configures the proxy's own inbound JWT check.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// RateLimitConfig configures the inbound rate limiter.
type RateLimitConfig struct {
	Period time.Duration `mapstructure:"period"`
	Limit  int64         `mapstructure:"limit"`
}

// Load reads configPath (if present) and environment variables into a
// Config, applying the same defaults perron.NewConfig would apply for any
// field the file or environment leave unset.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("server.port", "8080")
	v.SetDefault("upstream.scheme", "https")
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.min_timeout", 200*time.Millisecond)
	v.SetDefault("retry.max_timeout", 400*time.Millisecond)
	v.SetDefault("retry.randomize", true)
	v.SetDefault("logger.level", "info")
	v.SetDefault("rate_limit.period", time.Minute)
	v.SetDefault("rate_limit.limit", int64(100))

	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if secret := os.Getenv("PERRON_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New()
