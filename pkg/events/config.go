// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package events publishes pipeline milestones (transfers, mode switches,
// backups).
//
// Events are queued via the taskqueue so that callers never block on a
// broker. A Handler registered on the worker delivers them to the
// configured Redis and Kafka publishers.
package events

import (
	"time"
)

// Config holds event notification configuration.
type Config struct {
	// Enabled controls whether event emission is active.
	// When false, Emitter.Emit() is a no-op.
	Enabled bool `mapstructure:"enabled"`

	// Types restricts delivery to matching event types ("backup.*").
	// Empty delivers everything.
	Types []string `mapstructure:"types"`

	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig holds Redis publisher settings.
type RedisConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Addr is the Redis server address (e.g., "localhost:6379").
	Addr string `mapstructure:"addr"`

	// Password for Redis authentication (optional).
	Password string `mapstructure:"password"`

	// DB is the Redis database number (default: 0).
	DB int `mapstructure:"db"`

	// Channel is the channel prefix for publishing events.
	// Events are published to "{channel}:{type}" (default: "hlsferry:events").
	Channel string `mapstructure:"channel"`

	// DialTimeout is the connection timeout (default 5s).
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// WriteTimeout is the write timeout (default 3s).
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Brokers is the list of Kafka broker addresses.
	Brokers []string `mapstructure:"brokers"`

	// Topic is the Kafka topic for events (default: "hlsferry-events").
	Topic string `mapstructure:"topic"`

	// RequiredAcks: 0=none, 1=leader, -1=all (default: 1).
	RequiredAcks int `mapstructure:"required_acks"`

	// Compression: "none", "gzip", "snappy", "lz4", "zstd" (default: "snappy").
	Compression string `mapstructure:"compression"`

	// WriteTimeout is the timeout for write operations (default: 10s).
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// SASL authentication. Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"`
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	// TLS enables TLS for broker connections.
	TLS bool `mapstructure:"tls"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	c := Config{Kafka: KafkaConfig{RequiredAcks: 1}}
	c.Validate()
	return c
}

// Validate applies defaults for unset values.
func (c *Config) Validate() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "hlsferry:events"
	}
	if c.Redis.DialTimeout <= 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.WriteTimeout <= 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "hlsferry-events"
	}
	if c.Kafka.RequiredAcks < -1 || c.Kafka.RequiredAcks > 1 {
		c.Kafka.RequiredAcks = 1
	}
	if c.Kafka.Compression == "" {
		c.Kafka.Compression = "snappy"
	}
	if c.Kafka.WriteTimeout <= 0 {
		c.Kafka.WriteTimeout = 10 * time.Second
	}
}

// HasPublishers returns true if at least one publisher is enabled.
func (c *Config) HasPublishers() bool {
	return c.Redis.Enabled || c.Kafka.Enabled
}

// EventTypes returns the configured type filter.
func (c *Config) EventTypes() []EventType {
	types := make([]EventType, 0, len(c.Types))
	for _, t := range c.Types {
		types = append(types, EventType(t))
	}
	return types
}
