// Package config loads daemon configuration from the environment and zone
// manifests from disk.
package config

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration. Every field can be overridden with
// a ZONED_ prefixed environment variable.
type Config struct {
	Agent     AgentConfig
	Control   ControlConfig
	Zones     ZonesConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
	Registry  RegistryConfig
}

// AgentConfig holds the agent-facing IPC endpoint configuration. Zone agents
// connect here from inside their zones.
type AgentConfig struct {
	Network     string        `envconfig:"AGENT_NETWORK" default:"unix"`
	Address     string        `envconfig:"AGENT_ADDRESS" default:"/run/zoned/agent.sock"`
	Codec       string        `envconfig:"AGENT_CODEC" default:"binary"`
	QueueSize   int           `envconfig:"AGENT_QUEUE_SIZE" default:"64"`
	CallTimeout time.Duration `envconfig:"AGENT_CALL_TIMEOUT" default:"500ms"`
}

// ControlConfig holds the operator-facing IPC endpoint configuration.
type ControlConfig struct {
	Network     string        `envconfig:"CONTROL_NETWORK" default:"unix"`
	Address     string        `envconfig:"CONTROL_ADDRESS" default:"/run/zoned/control.sock"`
	Codec       string        `envconfig:"CONTROL_CODEC" default:"binary"`
	CallTimeout time.Duration `envconfig:"CONTROL_CALL_TIMEOUT" default:"500ms"`
}

// ZonesConfig holds zone manager configuration.
type ZonesConfig struct {
	ManifestPath string `envconfig:"ZONES_MANIFEST" default:"/etc/zoned/zones.yaml"`
	StartAll     bool   `envconfig:"ZONES_START_ALL" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds call rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"200"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"400"`
}

// MetricsConfig holds the Prometheus exposition endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Address string `envconfig:"METRICS_ADDRESS" default:"127.0.0.1:9464"`
}

// RegistryConfig holds etcd host registry configuration. Disabled by
// default so single-host installs need no etcd.
type RegistryConfig struct {
	Enabled   bool          `envconfig:"REGISTRY_ENABLED" default:"false"`
	Endpoints []string      `envconfig:"REGISTRY_ENDPOINTS" default:"127.0.0.1:2379"`
	TTL       time.Duration `envconfig:"REGISTRY_TTL" default:"10s"`
	HostName  string        `envconfig:"REGISTRY_HOST_NAME" default:""`
}

// Load loads configuration from ZONED_ environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("zoned", &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return &cfg, nil
}
