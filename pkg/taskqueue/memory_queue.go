// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time interface verification
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory implementation of Queue for testing.
// NOT for production use - tasks are not persisted.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks: make(map[string]*Task),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	task.prepare(time.Now())
	q.tasks[task.ID] = task.clone()
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var best *Task
	for _, task := range q.tasks {
		if !task.ready(now) || !matchesType(task.Type, taskTypes) {
			continue
		}
		if best == nil || task.before(best) {
			best = task
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusRunning
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	best.HeartbeatAt = &started
	best.UpdatedAt = now
	return best.clone(), nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if finished(task.Status) {
		return nil
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != StatusRunning {
		return nil
	}
	task.recordFailure(err, time.Now())
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok || task.WorkerID != workerID || task.Status != StatusRunning {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.HeartbeatAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

func (q *MemoryQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*Task
	for _, task := range q.tasks {
		if filter.match(task) {
			result = append(result, task.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return filter.page(result), nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{ByType: make(map[TaskType]int64)}
	for _, task := range q.tasks {
		stats.add(task)
	}
	return stats, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for id, task := range q.tasks {
		if finished(task.Status) && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			count++
		}
	}
	return count, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
