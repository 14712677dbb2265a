package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrConfig marks configuration errors that are fatal at startup.
var ErrConfig = errors.New("config error")

// Config is the root configuration structure.
type Config struct {
	Listen       string          `yaml:"listen" mapstructure:"listen"`
	HealthListen string          `yaml:"health_listen" mapstructure:"health_listen"`
	Upstream     UpstreamConfig  `yaml:"upstream" mapstructure:"upstream"`
	Credential   Credential      `yaml:"credential" mapstructure:"credential"`
	Token        TokenConfig     `yaml:"token" mapstructure:"token"`
	Telemetry    TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// UpstreamConfig describes the database REST endpoint the proxy fronts.
type UpstreamConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	TLS  bool   `yaml:"tls" mapstructure:"tls"`
}

// Address returns the upstream as "host:port".
func (u UpstreamConfig) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// BaseURL returns the base URL for upstream API calls.
func (u UpstreamConfig) BaseURL() string {
	scheme := "http"
	if u.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, u.Host, u.Port)
}

// Credential is the single login credential shared by all pool slots.
type Credential struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// TokenConfig holds pool sizing and refresh cadence.
type TokenConfig struct {
	PoolSize            int `yaml:"pool_size" mapstructure:"pool_size"`
	TTLSeconds          int `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	RefreshCheckSeconds int `yaml:"refresh_check_seconds" mapstructure:"refresh_check_seconds"`
}

// TTL returns the configured token time-to-live.
func (t TokenConfig) TTL() time.Duration {
	return time.Duration(t.TTLSeconds) * time.Second
}

// RefreshCheck returns how often the refresher scans for expired tokens.
func (t TokenConfig) RefreshCheck() time.Duration {
	return time.Duration(t.RefreshCheckSeconds) * time.Second
}

// TelemetryConfig holds the logging/tracing collaborator settings.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	LogFilter    string `yaml:"log_filter" mapstructure:"log_filter"`
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: 'listen' address is required", ErrConfig)
	}

	if c.Upstream.Host == "" {
		return fmt.Errorf("%w: 'upstream.host' is required", ErrConfig)
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("%w: 'upstream.port' must be in 1..65535", ErrConfig)
	}

	if c.Credential.Username == "" {
		return fmt.Errorf("%w: 'credential.username' is required", ErrConfig)
	}

	if c.Token.PoolSize <= 0 {
		return fmt.Errorf("%w: 'token.pool_size' must be > 0", ErrConfig)
	}
	if c.Token.TTLSeconds <= 0 {
		return fmt.Errorf("%w: 'token.ttl_seconds' must be > 0", ErrConfig)
	}
	if c.Token.RefreshCheckSeconds <= 0 {
		return fmt.Errorf("%w: 'token.refresh_check_seconds' must be > 0", ErrConfig)
	}

	return nil
}
