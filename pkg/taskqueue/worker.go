// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/logger"

	"github.com/google/uuid"
)

// Worker polls the queue and executes tasks.
type Worker struct {
	id       string
	queue    Queue
	handlers map[TaskType]Handler

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	concurrency       int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID                string
	Queue             Queue
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Worker{
		id:                cfg.ID,
		queue:             cfg.Queue,
		handlers:          make(map[TaskType]Handler),
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		concurrency:       cfg.Concurrency,
		stopCh:            make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type. Call before Start.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Msg("taskqueue: worker starting")

	for range w.concurrency {
		w.wg.Add(1)
		go w.work(ctx, types)
	}
}

// Stop gracefully shuts down the worker, waiting for running tasks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain what is ready before waiting for the next tick.
			for w.processOne(ctx, types) {
				select {
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

// processOne handles at most one task and reports whether it found one.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.queue.Fail(ctx, task.ID, Permanent(errors.New("no handler registered")))
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Msg("taskqueue: processing task")

	WorkerActive.Inc()
	start := time.Now()
	err = w.run(ctx, handler, task)
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())
	WorkerActive.Dec()

	// Record the outcome even if ctx was cancelled while handling.
	octx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		logger.Debug().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: task completed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
		if err := w.queue.Complete(octx, task.ID); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("taskqueue: failed to mark task completed")
		}
	default:
		status := "failed"
		if IsPermanent(err) {
			status = "permanent"
		}
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Int("attempt", task.Attempts).
			Bool("permanent", IsPermanent(err)).
			Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), status).Inc()
		if err := w.queue.Fail(octx, task.ID, err); err != nil {
			logger.Error().Err(err).Str("task_id", task.ID).Msg("taskqueue: failed to record task failure")
		}
	}
	return true
}

// run calls the handler while heartbeating the task. A panicking handler
// fails the task permanently.
func (w *Worker) run(ctx context.Context, h Handler, task *Task) (err error) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(hbCtx, task.ID, w.id); err != nil && hbCtx.Err() == nil {
					logger.Warn().Err(err).Str("task_id", task.ID).Msg("taskqueue: heartbeat failed")
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h.Handle(ctx, task)
}

// Queue returns the underlying queue (for testing/metrics).
func (w *Worker) Queue() Queue {
	return w.queue
}

// ID returns the worker id used to claim tasks.
func (w *Worker) ID() string {
	return w.id
}

// HandlerTypes returns the task types this worker handles.
func (w *Worker) HandlerTypes() []TaskType {
	types := make([]TaskType, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}

// RunMaintenance periodically publishes queue depth and removes finished
// tasks older than retention, until ctx is done.
func RunMaintenance(ctx context.Context, q Queue, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats, err := q.Stats(ctx); err == nil {
				RecordStats(stats)
			}
			if retention > 0 {
				if n, err := q.Cleanup(ctx, retention); err != nil {
					logger.Warn().Err(err).Msg("taskqueue: cleanup failed")
				} else if n > 0 {
					logger.Debug().Int("removed", n).Msg("taskqueue: removed finished tasks")
				}
			}
		}
	}
}
