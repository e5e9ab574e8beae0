// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"
	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
)

// eventMaxRetries bounds delivery attempts for one event.
const eventMaxRetries = 3

// Emitter queues events for async delivery via the taskqueue.
// A nil *Emitter drops everything, so components can hold one unconditionally.
type Emitter struct {
	queue   taskqueue.Queue
	enabled bool
	node    string

	// Sequencer state - monotonic counter for event ordering
	sequencer atomic.Uint64
}

// EmitterConfig configures the event emitter.
type EmitterConfig struct {
	// Queue is the taskqueue for persisting events.
	// If nil, events are silently dropped.
	Queue taskqueue.Queue

	// Enabled controls whether events are queued.
	Enabled bool

	// Node identifies the emitting node ("home", "backup").
	Node string
}

// NewEmitter creates an event emitter.
func NewEmitter(cfg EmitterConfig) *Emitter {
	return &Emitter{
		queue:   cfg.Queue,
		enabled: cfg.Enabled && cfg.Queue != nil,
		node:    cfg.Node,
	}
}

// NoopEmitter returns an emitter that drops all events.
func NoopEmitter() *Emitter {
	return &Emitter{enabled: false}
}

// Emit queues an event for delivery and returns immediately.
// Errors are logged but not returned so the pipeline never stalls on events.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if !e.IsEnabled() {
		EventsDroppedTotal.Inc()
		return
	}

	if ev.Sequencer == "" {
		ev.Sequencer = e.nextSequencer()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.Node == "" {
		ev.Node = e.node
	}

	data, err := taskqueue.MarshalPayload(ev)
	if err != nil {
		EventsErrorsTotal.WithLabelValues("marshal").Inc()
		logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event payload")
		return
	}

	task := &taskqueue.Task{
		Type:       taskqueue.TaskTypeEvent,
		Priority:   taskqueue.PriorityLow,
		Key:        ev.Subject,
		Payload:    data,
		MaxRetries: eventMaxRetries,
	}

	if err := e.queue.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		EventsErrorsTotal.WithLabelValues("enqueue").Inc()
		logger.Warn().
			Err(err).
			Str("event", string(ev.Type)).
			Str("subject", ev.Subject).
			Msg("failed to queue event")
		return
	}

	EventsEmittedTotal.WithLabelValues(string(ev.Type)).Inc()
	logger.Debug().
		Str("event", string(ev.Type)).
		Str("subject", ev.Subject).
		Str("task_id", task.ID).
		Msg("queued event")
}

// EmitTransfer emits a transfer lifecycle event.
func (e *Emitter) EmitTransfer(ctx context.Context, t EventType, transferID, ownerID string, size int64) {
	e.Emit(ctx, &Event{Type: t, Subject: transferID, OwnerID: ownerID, Size: size})
}

// EmitMode emits a mode change.
func (e *Emitter) EmitMode(ctx context.Context, t EventType, from, to string) {
	if e == nil {
		return
	}
	e.Emit(ctx, &Event{Type: t, Subject: e.node, Status: to, Message: from + " -> " + to})
}

// EmitBackup emits a backup lifecycle event.
func (e *Emitter) EmitBackup(ctx context.Context, t EventType, videoID, status, message string) {
	e.Emit(ctx, &Event{Type: t, Subject: videoID, Status: status, Message: message})
}

// IsEnabled returns whether the emitter is enabled.
func (e *Emitter) IsEnabled() bool {
	return e != nil && e.enabled
}

// nextSequencer generates a unique, monotonically increasing sequencer value.
// Format: hex(timestamp_ms) + hex(counter) + random_suffix
func (e *Emitter) nextSequencer() string {
	ts := time.Now().UnixMilli()
	seq := e.sequencer.Add(1)

	suffix := make([]byte, 4)
	rand.Read(suffix)

	return hex.EncodeToString([]byte{
		byte(ts >> 40), byte(ts >> 32), byte(ts >> 24), byte(ts >> 16),
		byte(ts >> 8), byte(ts),
		byte(seq >> 8), byte(seq),
	}) + hex.EncodeToString(suffix)
}
