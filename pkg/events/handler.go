// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
)

// Publisher is the interface for event delivery backends.
type Publisher interface {
	// Name returns the publisher identifier (e.g., "redis", "kafka").
	Name() string

	// Publish sends an event; data is its JSON encoding.
	Publish(ctx context.Context, ev *Event, data []byte) error

	// Close cleanly shuts down the publisher.
	Close() error
}

var _ taskqueue.Handler = (*Handler)(nil)

// Handler processes event tasks and delivers them to the publishers.
type Handler struct {
	publishers []Publisher
	types      []EventType
}

// NewHandler creates an event delivery handler. types filters which events
// are delivered; empty delivers all.
func NewHandler(publishers []Publisher, types []EventType) *Handler {
	return &Handler{publishers: publishers, types: types}
}

// Type returns the task type this handler processes.
func (h *Handler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeEvent
}

// Handle delivers one queued event. A failing publisher makes the task
// retry; publishers that already succeeded may see the event again.
func (h *Handler) Handle(ctx context.Context, task *taskqueue.Task) error {
	ev, err := taskqueue.UnmarshalPayload[Event](task.Payload)
	if err != nil {
		EventsErrorsTotal.WithLabelValues("payload").Inc()
		return taskqueue.Permanent(fmt.Errorf("decode event: %w", err))
	}

	if len(h.publishers) == 0 || !MatchesAny(h.types, ev.Type) {
		logger.Debug().Str("event", string(ev.Type)).Msg("event not delivered, no matching publisher")
		return nil
	}

	data, err := json.Marshal(&ev)
	if err != nil {
		return taskqueue.Permanent(err)
	}

	var errs []error
	for _, pub := range h.publishers {
		if err := pub.Publish(ctx, &ev, data); err != nil {
			logger.Warn().
				Err(err).
				Str("publisher", pub.Name()).
				Str("event", string(ev.Type)).
				Str("subject", ev.Subject).
				Msg("failed to publish event")
			EventsDeliveryErrorsTotal.WithLabelValues(pub.Name()).Inc()
			errs = append(errs, err)
			continue
		}
		EventsDeliveredTotal.WithLabelValues(pub.Name()).Inc()
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (h *Handler) Close() error {
	var errs []error
	for _, pub := range h.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pub.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NewPublishers builds the publishers enabled in cfg. Publishers created
// before a failure are closed.
func NewPublishers(cfg Config) ([]Publisher, error) {
	var pubs []Publisher
	if cfg.Redis.Enabled {
		p, err := NewRedisPublisher(cfg.Redis)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if cfg.Kafka.Enabled {
		p, err := NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			for _, pub := range pubs {
				pub.Close()
			}
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, nil
}
