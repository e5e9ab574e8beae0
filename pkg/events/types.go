// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"strings"
	"time"
)

// EventType names a pipeline milestone.
type EventType string

const (
	// Transfer events (home node)
	EventTransfer          EventType = "transfer.*"
	EventTransferAdmitted  EventType = "transfer.admitted"
	EventTransferDenied    EventType = "transfer.denied"
	EventTransferCompleted EventType = "transfer.completed"
	EventTransferCancelled EventType = "transfer.cancelled"
	EventTransferExpired   EventType = "transfer.expired"

	// Mode events (home node)
	EventMode         EventType = "mode.*"
	EventModeChanged  EventType = "mode.changed"
	EventHandoffReady EventType = "mode.handoff_ready"

	// Backup events (sender and receiver)
	EventBackup          EventType = "backup.*"
	EventBackupEnqueued  EventType = "backup.enqueued"
	EventBackupCompleted EventType = "backup.completed"
	EventBackupFailed    EventType = "backup.failed"
	EventBackupCancelled EventType = "backup.cancelled"
)

// Event is the envelope delivered to publishers.
type Event struct {
	Type      EventType `json:"type"`
	Node      string    `json:"node,omitempty"`
	Subject   string    `json:"subject"` // transfer id or video id
	OwnerID   string    `json:"ownerId,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp int64     `json:"timestamp"` // unix millis
	Sequencer string    `json:"sequencer"`
}

// Time returns the event timestamp.
func (e *Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// MatchesEventType checks if an event type matches a pattern.
// "backup.*" matches every backup event, "*" matches everything.
func MatchesEventType(pattern EventType, eventType EventType) bool {
	p := string(pattern)
	if p == "*" || p == string(eventType) {
		return true
	}
	if prefix, ok := strings.CutSuffix(p, "*"); ok {
		return strings.HasPrefix(string(eventType), prefix)
	}
	return false
}

// MatchesAny reports whether eventType matches one of patterns. An empty
// pattern list matches everything.
func MatchesAny(patterns []EventType, eventType EventType) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchesEventType(p, eventType) {
			return true
		}
	}
	return false
}
