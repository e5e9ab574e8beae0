// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrQueueClosed    = errors.New("task queue is closed")
	ErrInvalidPayload = errors.New("invalid task payload")
)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks a handler error as terminal: the task goes straight to
// the dead letter state instead of being retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Queue defines the interface for task queue operations.
type Queue interface {
	// Enqueue adds a task to the queue.
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue claims the next available task for processing.
	// Returns nil if no tasks are available.
	Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error)

	// Complete marks a running task as successfully completed.
	Complete(ctx context.Context, taskID string) error

	// Fail records a failed attempt of a running task. If retries remain
	// and err is not permanent, the task is requeued with backoff.
	// Tasks that are no longer running (cancelled meanwhile) are left as is.
	Fail(ctx context.Context, taskID string, err error) error

	// Cancel marks a task as cancelled.
	Cancel(ctx context.Context, taskID string) error

	// Heartbeat extends the visibility timeout for a running task.
	Heartbeat(ctx context.Context, taskID string, workerID string) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, taskID string) (*Task, error)

	// List returns tasks matching the filter, newest first.
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)

	// Cleanup removes finished tasks older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close shuts down the queue.
	Close() error
}

// Handler processes tasks of a specific type.
type Handler interface {
	// Type returns the task type this handler processes.
	Type() TaskType

	// Handle processes the task and returns an error if it failed.
	Handle(ctx context.Context, task *Task) error
}

// finished reports whether a task is in a terminal state.
func finished(s TaskStatus) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeadLetter
}
