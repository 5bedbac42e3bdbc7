// Package config handles configuration loading and validation for statshttpd.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the share-stats service
type Config struct {
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Stats     StatsConfig     `mapstructure:"stats"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// KafkaConfig defines the share-log broker connection
type KafkaConfig struct {
	Brokers   string `mapstructure:"brokers"`
	Topic     string `mapstructure:"topic"`
	Partition int32  `mapstructure:"partition"`
	// Backlog is how many records behind the tail the consumer starts at.
	Backlog int64  `mapstructure:"backlog"`
	GroupID string `mapstructure:"group_id"`
}

// HTTPConfig defines the query API server settings
type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StatsConfig defines the expiry sweep cadence and the share-log poll timeout
type StatsConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

// NewRelicConfig defines optional APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the optional pprof server
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("statshttpd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/statshttpd")
	}

	v.SetEnvPrefix("STATSHTTPD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Kafka defaults
	v.SetDefault("kafka.brokers", "127.0.0.1:9092")
	v.SetDefault("kafka.topic", "ShareLog")
	v.SetDefault("kafka.partition", 0)
	// ~15 minutes of shares at ~1 kHz
	v.SetDefault("kafka.backlog", 900000)
	v.SetDefault("kafka.group_id", "statshttpd")

	// HTTP defaults
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "5s")

	// Stats defaults
	v.SetDefault("stats.sweep_interval", "30m")
	v.SetDefault("stats.poll_timeout", "1s")

	// NewRelic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "statshttpd")

	// Profiling defaults
	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Kafka.Brokers == "" {
		return fmt.Errorf("kafka.brokers is required")
	}

	if c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required")
	}

	if c.Kafka.Backlog <= 0 {
		return fmt.Errorf("kafka.backlog must be > 0")
	}

	if c.Kafka.Partition < 0 {
		return fmt.Errorf("kafka.partition must be >= 0")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}

	if c.Stats.SweepInterval <= 0 {
		return fmt.Errorf("stats.sweep_interval must be > 0")
	}

	if c.Stats.PollTimeout <= 0 {
		return fmt.Errorf("stats.poll_timeout must be > 0")
	}

	return nil
}

// Bind returns the host:port the HTTP server listens on
func (c *Config) Bind() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
