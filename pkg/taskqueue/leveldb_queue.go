// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var _ Queue = (*LevelDBQueue)(nil)

var taskPrefix = []byte("task/")

func taskKey(id string) []byte {
	return append(append([]byte(nil), taskPrefix...), id...)
}

// LevelDBQueue persists tasks in an embedded LevelDB database. It is meant
// for a single process; one mutex serializes claims.
type LevelDBQueue struct {
	mu                sync.Mutex
	db                *leveldb.DB
	visibilityTimeout time.Duration
	closed            bool
}

// LevelDBQueueConfig configures the embedded queue.
type LevelDBQueueConfig struct {
	Path              string
	VisibilityTimeout time.Duration
}

// NewLevelDBQueue opens (or creates) the queue at cfg.Path. Tasks left
// running by a previous process are returned to pending.
func NewLevelDBQueue(cfg LevelDBQueueConfig) (*LevelDBQueue, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}

	db, err := leveldb.OpenFile(cfg.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", cfg.Path, err)
	}

	q := &LevelDBQueue{db: db, visibilityTimeout: cfg.VisibilityTimeout}
	n, err := q.recover()
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Info().Int("tasks", n).Str("path", cfg.Path).Msg("taskqueue: requeued tasks from previous run")
	}
	return q, nil
}

func (q *LevelDBQueue) recover() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.scanLocked()
	if err != nil {
		return 0, err
	}
	batch := new(leveldb.Batch)
	now := time.Now()
	for _, t := range tasks {
		if t.Status != StatusRunning {
			continue
		}
		t.Status = StatusPending
		t.WorkerID = ""
		t.UpdatedAt = now
		if err := q.putBatch(batch, t); err != nil {
			return 0, err
		}
	}
	return batch.Len(), q.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (q *LevelDBQueue) putBatch(b *leveldb.Batch, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	b.Put(taskKey(t.ID), data)
	return nil
}

func (q *LevelDBQueue) putLocked(t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.db.Put(taskKey(t.ID), data, &opt.WriteOptions{Sync: true})
}

func (q *LevelDBQueue) getLocked(id string) (*Task, error) {
	data, err := q.db.Get(taskKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (q *LevelDBQueue) scanLocked() ([]*Task, error) {
	iter := q.db.NewIterator(util.BytesPrefix(taskPrefix), nil)
	defer iter.Release()

	var tasks []*Task
	for iter.Next() {
		var t Task
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			logger.Warn().Err(err).Str("key", string(iter.Key())).Msg("taskqueue: skipping undecodable task")
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, iter.Error()
}

func (q *LevelDBQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	task.prepare(time.Now())
	if err := q.putLocked(task); err != nil {
		return err
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *LevelDBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	tasks, err := q.scanLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stale := now.Add(-q.visibilityTimeout)
	var best *Task
	for _, t := range tasks {
		if !matchesType(t.Type, taskTypes) {
			continue
		}
		abandoned := t.Status == StatusRunning && t.HeartbeatAt != nil && t.HeartbeatAt.Before(stale)
		if !t.ready(now) && !abandoned {
			continue
		}
		if best == nil || t.before(best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}

	if best.Status == StatusRunning {
		best.Attempts++
	}
	best.Status = StatusRunning
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	best.HeartbeatAt = &started
	best.UpdatedAt = now
	if err := q.putLocked(best); err != nil {
		return nil, err
	}
	return best, nil
}

// update loads a task, applies fn and stores it if fn reports a change.
func (q *LevelDBQueue) update(taskID string, fn func(t *Task) (bool, error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	t, err := q.getLocked(taskID)
	if err != nil {
		return err
	}
	changed, err := fn(t)
	if err != nil || !changed {
		return err
	}
	return q.putLocked(t)
}

func (q *LevelDBQueue) Complete(ctx context.Context, taskID string) error {
	return q.update(taskID, func(t *Task) (bool, error) {
		if finished(t.Status) {
			return false, nil
		}
		now := time.Now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.UpdatedAt = now
		return true, nil
	})
}

func (q *LevelDBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	return q.update(taskID, func(t *Task) (bool, error) {
		if t.Status != StatusRunning {
			return false, nil
		}
		t.recordFailure(taskErr, time.Now())
		return true, nil
	})
}

func (q *LevelDBQueue) Cancel(ctx context.Context, taskID string) error {
	return q.update(taskID, func(t *Task) (bool, error) {
		now := time.Now()
		t.Status = StatusCancelled
		t.CompletedAt = &now
		t.UpdatedAt = now
		return true, nil
	})
}

func (q *LevelDBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	return q.update(taskID, func(t *Task) (bool, error) {
		if t.WorkerID != workerID || t.Status != StatusRunning {
			return false, ErrTaskNotFound
		}
		now := time.Now()
		t.HeartbeatAt = &now
		t.UpdatedAt = now
		return true, nil
	})
}

func (q *LevelDBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.getLocked(taskID)
}

func (q *LevelDBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	tasks, err := q.scanLocked()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var result []*Task
	for _, t := range tasks {
		if filter.match(t) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return filter.page(result), nil
}

func (q *LevelDBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	tasks, err := q.scanLocked()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{ByType: make(map[TaskType]int64)}
	for _, t := range tasks {
		stats.add(t)
	}
	return stats, nil
}

func (q *LevelDBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.scanLocked()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	batch := new(leveldb.Batch)
	for _, t := range tasks {
		if finished(t.Status) && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			batch.Delete(taskKey(t.ID))
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	return batch.Len(), q.db.Write(batch, nil)
}

func (q *LevelDBQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}
