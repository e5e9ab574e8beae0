// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue provides a durable task queue for background work.
//
// Supported backends:
// - LevelDB - embedded, default for a single home node
// - Database (MySQL/PostgreSQL) - shared queue for several senders
// - In-memory - for testing only
//
// Task types:
// - backup: push a finished video's HLS output to the backup node
// - event: deliver a pipeline event to the configured publishers
package taskqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Default configuration values
const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 2
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxRetries        = 5
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeBackup TaskType = "backup"
	TaskTypeEvent  TaskType = "event"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Cancelled by user/system
)

// Active reports whether the task is still waiting or running.
func (s TaskStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
)

// Task represents a unit of work to be processed.
type Task struct {
	ID       string       `json:"id" db:"id"`
	Type     TaskType     `json:"type" db:"type"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	// Key groups tasks about the same subject (a video id) for lookups.
	Key string `json:"key,omitempty" db:"task_key"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload" db:"payload"`

	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`

	Attempts   int       `json:"attempts" db:"attempts"`
	MaxRetries int       `json:"max_retries" db:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty" db:"retry_after"`

	LastError string `json:"last_error,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	return &c
}

// prepare fills the defaults every backend applies on Enqueue.
func (t *Task) prepare(now time.Time) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = DefaultMaxRetries
	}
	t.UpdatedAt = now
}

// recordFailure applies a failed attempt: permanent errors and an exhausted
// budget dead-letter the task, anything else is rescheduled with backoff.
func (t *Task) recordFailure(err error, now time.Time) {
	t.Attempts++
	t.LastError = err.Error()
	t.UpdatedAt = now
	t.WorkerID = ""

	if IsPermanent(err) || t.Attempts >= t.MaxRetries {
		t.Status = StatusDeadLetter
		done := now
		t.CompletedAt = &done
		return
	}
	t.RetryAfter = now.Add(Backoff(t.Attempts))
	t.Status = StatusPending
}

// Backoff is the delay before retry number attempt: 1s, 2s, 4s ... capped
// at five minutes.
func Backoff(attempt int) time.Duration {
	d := time.Duration(1<<min(attempt, 16)) * time.Second
	return min(d, 5*time.Minute)
}

// ready reports whether a pending task may be dequeued at now.
func (t *Task) ready(now time.Time) bool {
	if t.Status != StatusPending || t.ScheduledAt.After(now) {
		return false
	}
	return t.RetryAfter.IsZero() || !t.RetryAfter.After(now)
}

func matchesType(t TaskType, types []TaskType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}

// before orders tasks: highest priority first, then oldest.
func (t *Task) before(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	return t.ScheduledAt.Before(o.ScheduledAt)
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Key    string     `json:"key,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

func (f TaskFilter) match(t *Task) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Key != "" && t.Key != f.Key {
		return false
	}
	return true
}

func (f TaskFilter) page(tasks []*Task) []*Task {
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}
	return tasks
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
	Cancelled  int64 `json:"cancelled"`

	// ByType counts pending tasks per type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

func (s *QueueStats) add(t *Task) {
	switch t.Status {
	case StatusPending:
		s.Pending++
		s.ByType[t.Type]++
		if s.OldestPending == nil || t.ScheduledAt.Before(*s.OldestPending) {
			at := t.ScheduledAt
			s.OldestPending = &at
		}
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusDeadLetter:
		s.DeadLetter++
	case StatusCancelled:
		s.Cancelled++
	}
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
