// Package config loads bus configuration from an optional YAML file plus
// AGENT_BUS_* environment overrides, with defaults matching the recognized
// options of the session protocol and broker contract.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Listen    string          `mapstructure:"listen"`
	Log       LogConfig       `mapstructure:"log"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Queue     QueueConfig     `mapstructure:"queue"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Session   SessionConfig   `mapstructure:"session"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Health    HealthConfig    `mapstructure:"health"`

	v *viper.Viper
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type BrokerConfig struct {
	URL                 string        `mapstructure:"url"`
	PoolSize            int           `mapstructure:"pool_size"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	StaleMaxAge    time.Duration `mapstructure:"stale_max_age"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

type PubSubConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type SessionConfig struct {
	SendBuffer  int           `mapstructure:"send_buffer"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

type AuthConfig struct {
	// Secret enables JWT verification on the handshake. Empty means
	// anonymous sessions are accepted.
	Secret string `mapstructure:"secret"`
}

type HealthConfig struct {
	WarningLatency  time.Duration `mapstructure:"warning_latency"`
	CriticalLatency time.Duration `mapstructure:"critical_latency"`
	HistorySize     int           `mapstructure:"history_size"`
}

// LoadConfig reads path (optional) and the environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("broker.url", "redis://localhost:6379/0")
	v.SetDefault("broker.pool_size", 10)
	v.SetDefault("broker.timeout", 5*time.Second)
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.retry_backoff", 100*time.Millisecond)
	v.SetDefault("broker.health_check_interval", 30*time.Second)
	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 60*time.Second)
	v.SetDefault("queue.default_ttl", 24*time.Hour)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.stale_max_age", time.Hour)
	v.SetDefault("queue.reaper_interval", time.Minute)
	v.SetDefault("pubsub.tick", time.Second)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.send_timeout", 5*time.Second)
	v.SetDefault("auth.secret", "")
	v.SetDefault("health.warning_latency", 50*time.Millisecond)
	v.SetDefault("health.critical_latency", 200*time.Millisecond)
	v.SetDefault("health.history_size", 100)

	v.SetEnvPrefix("AGENT_BUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Watch re-reads the config file on change and invokes onChange with the
// fresh values. Only used for runtime-tunable settings such as log level.
func (c *Config) Watch(onChange func(*Config)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(_ fsnotify.Event) {
		fresh := &Config{v: c.v}
		if err := c.v.Unmarshal(fresh); err != nil {
			return
		}
		onChange(fresh)
	})
	c.v.WatchConfig()
}
