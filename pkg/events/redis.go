// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events to Redis Pub/Sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string // Channel prefix (e.g., "hlsferry:events")
}

// NewRedisPublisher creates a new Redis publisher and checks the connection.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = "hlsferry:events"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Str("channel", cfg.Channel).
		Msg("Redis event publisher connected")

	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
	}, nil
}

// Name returns the publisher identifier.
func (p *RedisPublisher) Name() string {
	return "redis"
}

// Channel returns the channel an event type is published on.
func (p *RedisPublisher) Channel(t EventType) string {
	return fmt.Sprintf("%s:%s", p.channel, t)
}

// Publish sends an event to "{prefix}:{type}".
func (p *RedisPublisher) Publish(ctx context.Context, ev *Event, data []byte) error {
	start := time.Now()
	channel := p.Channel(ev.Type)

	result := p.client.Publish(ctx, channel, data)
	if err := result.Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	EventsDeliveryDuration.WithLabelValues("redis").Observe(time.Since(start).Seconds())

	logger.Debug().
		Str("channel", channel).
		Int64("subscribers", result.Val()).
		Msg("published event to redis")
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
